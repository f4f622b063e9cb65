// Command cmb-client fetches one resource over the CMB Protocol (spec.md
// §6): `client [-a IP -p PORT [-r RATE_BPS]]… [-v] <resource_id_hex>
// <output>`.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/metrics"
	"github.com/felixschorer/cmb-protocol/internal/partition"
	"github.com/felixschorer/cmb-protocol/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		hosts   []string
		ports   []string
		rates   []string
		verbose bool
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-a IP -p PORT [-r RATE_BPS]]... [-v] <resource_id_hex> <output>\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.StringArrayVarP(&hosts, "address", "a", nil, "server address (repeatable, max 2)")
	pflag.StringArrayVarP(&ports, "port", "p", nil, "server port, paired with the preceding -a (repeatable)")
	pflag.StringArrayVarP(&rates, "rate", "r", nil, "requested sending rate in bps; the i-th -r applies to the i-th endpoint")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pflag.Parse()

	if pflag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "exactly two arguments are required: <resource_id_hex> <output>")
		pflag.Usage()
		return 2
	}
	if len(hosts) == 0 || len(hosts) > 2 {
		fmt.Fprintln(os.Stderr, "need 1 or 2 -a/-p endpoints")
		return 2
	}

	specs, err := session.PairEndpoints(hosts, ports, rates)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	addrs, err := session.UDPAddrs(specs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	resourceID, err := session.ParseResourceID(pflag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if !resourceID.HasLength {
		fmt.Fprintln(os.Stderr, "resource_id_hex must include the 16 hex digit length hint")
		return 2
	}

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	log := logging.New(level, "client")

	endpoints := make([]partition.Endpoint, len(specs))
	for i, s := range specs {
		endpoints[i] = partition.Endpoint{Remote: addrs[i], RateBps: s.RateBps}
	}

	err = session.RunClient(log, metrics.NewRegistry(), session.ClientConfig{
		Endpoints: endpoints,
		Resource:  resourceID,
		Output:    pflag.Arg(1),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
