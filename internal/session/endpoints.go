// Package session wires the wire/fec/store/connio/sender/receiver/partition
// packages into the two runnable programs named in spec.md §6: the server
// command and the client command. It plays the role flags/flags.go and
// main.go play for WireGuard, adapted from a single tunnel device to a
// resource transfer session.
package session

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// EndpointSpec is one -a/-p/-r triple from the command line, collected in
// the order given (see PairEndpoints for how rates are matched).
type EndpointSpec struct {
	Host    string
	Port    uint16
	RateBps uint64 // 0 if -r was not given for this endpoint
}

// PairEndpoints zips the repeated -a/-p/-r flag values (collected by pflag
// as ordered string slices) into one EndpointSpec per endpoint, by
// position: the i-th -r goes to the i-th endpoint, wherever it appeared on
// the command line. rates may be shorter than hosts; endpoints past the
// last -r get no rate, so a rate cannot be given to a later endpoint
// without one for every earlier endpoint.
func PairEndpoints(hosts, ports, rates []string) ([]EndpointSpec, error) {
	if len(hosts) != len(ports) {
		return nil, fmt.Errorf("need exactly one -p for every -a, got %d -a and %d -p", len(hosts), len(ports))
	}
	if len(rates) > len(hosts) {
		return nil, fmt.Errorf("got %d -r but only %d -a/-p pair(s)", len(rates), len(hosts))
	}

	specs := make([]EndpointSpec, len(hosts))
	for i, host := range hosts {
		port, err := strconv.ParseUint(ports[i], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", ports[i], err)
		}
		specs[i] = EndpointSpec{Host: host, Port: uint16(port)}
		if i < len(rates) {
			rate, err := strconv.ParseUint(rates[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid rate %q: %w", rates[i], err)
			}
			specs[i].RateBps = rate
		}
	}
	return specs, nil
}

// UDPAddrs resolves every endpoint spec to a *net.UDPAddr, in order.
func UDPAddrs(specs []EndpointSpec) ([]*net.UDPAddr, error) {
	addrs := make([]*net.UDPAddr, len(specs))
	for i, s := range specs {
		if s.Port == 0 {
			return nil, fmt.Errorf("endpoint %s missing -p port", s.Host)
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port))))
		if err != nil {
			return nil, fmt.Errorf("resolve %s:%d: %w", s.Host, s.Port, err)
		}
		addrs[i] = addr
	}
	return addrs, nil
}

// ResourceID is the parsed <resource_id_hex> argument: a 128-bit hash,
// optionally followed by a 64-bit length hint (spec.md §6).
type ResourceID struct {
	Hash      wire.ResourceHash
	Length    uint64
	HasLength bool
}

// ParseResourceID decodes "<32 hex chars>[<16 hex chars>]", the format
// printed by the server on startup (see FormatResourceID).
func ParseResourceID(s string) (ResourceID, error) {
	const hashHexLen = 32
	const lengthHexLen = 16

	var id ResourceID
	if len(s) != hashHexLen && len(s) != hashHexLen+lengthHexLen {
		return id, fmt.Errorf("resource id must be %d or %d hex characters, got %d",
			hashHexLen, hashHexLen+lengthHexLen, len(s))
	}
	hashBytes, err := hex.DecodeString(s[:hashHexLen])
	if err != nil {
		return id, fmt.Errorf("invalid resource hash: %w", err)
	}
	copy(id.Hash[:], hashBytes)

	if len(s) == hashHexLen+lengthHexLen {
		length, err := strconv.ParseUint(s[hashHexLen:], 16, 64)
		if err != nil {
			return id, fmt.Errorf("invalid length hint: %w", err)
		}
		id.Length = length
		id.HasLength = true
	}
	return id, nil
}

// FormatResourceID is the inverse of ParseResourceID, printed by the server
// on startup so it can be copy-pasted onto the client's command line.
func FormatResourceID(hash wire.ResourceHash, length uint64) string {
	return fmt.Sprintf("%s%016x", hex.EncodeToString(hash[:]), length)
}
