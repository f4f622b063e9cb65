package session

import (
	"crypto/md5"
	"fmt"
	"net"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/metrics"
	"github.com/felixschorer/cmb-protocol/internal/sender"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// ServerConfig is the fully-parsed server CLI surface (spec.md §6).
type ServerConfig struct {
	Endpoints []*net.UDPAddr
	Data      []byte
}

// ContentHash computes the 128-bit resource id used to address a resource
// a priori (spec.md §3). MD5 is used only for its size: exactly 128 bits,
// matching wire.ResourceHash, with no collision-resistance requirement
// since the hash is a locally-chosen label, not a security boundary; none
// of the retrieval pack carries a content-hashing library, so the
// standard library serves this better than adding one for a single call.
func ContentHash(data []byte) wire.ResourceHash {
	return wire.ResourceHash(md5.Sum(data))
}

// RunServer listens on every configured endpoint and serves one resource
// until the returned stop function is called or every listener errors out.
func RunServer(log logging.Logger, reg *metrics.Registry, cfg ServerConfig) (string, func() error, error) {
	hash := ContentHash(cfg.Data)
	resource := store.NewResource(hash, cfg.Data)

	st := store.NewStore()
	st.Add(resource)

	var listeners []*sender.Listener
	var sockets []*connio.Socket
	for _, addr := range cfg.Endpoints {
		sock, err := connio.Listen(addr)
		if err != nil {
			for _, s := range sockets {
				_ = s.Close()
			}
			return "", nil, fmt.Errorf("session: %w", err)
		}
		sockets = append(sockets, sock)

		l := sender.NewListener(log.With("local", sock.LocalAddr().String()), sock, st, reg)
		listeners = append(listeners, l)
		go func() {
			if err := l.Serve(); err != nil {
				log.Infof("listener on %s stopped: %v", sock.LocalAddr(), err)
			}
		}()
	}

	resourceID := FormatResourceID(hash, resource.Length)
	stop := func() error {
		var firstErr error
		for _, l := range listeners {
			if err := l.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return resourceID, stop, nil
}
