package session

import (
	"fmt"
	"os"

	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/metrics"
	"github.com/felixschorer/cmb-protocol/internal/partition"
	"github.com/felixschorer/cmb-protocol/internal/store"
)

// ClientConfig is the fully-parsed client CLI surface (spec.md §6).
type ClientConfig struct {
	Endpoints []partition.Endpoint
	Resource  ResourceID
	Output    string // file path, "-" for stdout, or "/dev/null"
}

// OpenSink builds the receiver-side Sink for the configured output
// (spec.md §6): "-" streams to stdout, "/dev/null" discards, anything else
// is opened (and truncated/extended) as a regular file.
func OpenSink(output string, length uint64) (store.Sink, error) {
	switch output {
	case "-":
		return store.NewStreamSink(os.Stdout, nil, length), nil
	case os.DevNull:
		return store.DiscardSink{}, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("session: open output %s: %w", output, err)
		}
		return store.NewRandomAccessSink(f, f, length), nil
	}
}

// RunClient drives one transfer to completion and reports whether every
// block was acked.
func RunClient(log logging.Logger, reg *metrics.Registry, cfg ClientConfig) error {
	sink, err := OpenSink(cfg.Output, cfg.Resource.Length)
	if err != nil {
		return err
	}

	sess := partition.NewSession(log, cfg.Resource.Hash, cfg.Resource.Length, sink, reg)
	if err := sess.Start(cfg.Endpoints); err != nil {
		_ = sink.Close()
		return err
	}
	if err := sess.Wait(); err != nil {
		return err
	}
	if !sess.Complete() {
		return fmt.Errorf("session: transfer incomplete")
	}
	return nil
}
