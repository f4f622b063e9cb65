// Command cmb-server serves one resource over the CMB Protocol (spec.md
// §6): `server [-a IP -p PORT]… [-v] <file>`.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/felixschorer/cmb-protocol/internal/logging"
	"github.com/felixschorer/cmb-protocol/internal/metrics"
	"github.com/felixschorer/cmb-protocol/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		hosts       []string
		ports       []string
		verbose     bool
		metricsBind string
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-a IP -p PORT]... [-v] <file>\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.StringArrayVarP(&hosts, "address", "a", nil, "bind address (repeatable)")
	pflag.StringArrayVarP(&ports, "port", "p", nil, "bind port, paired with the preceding -a (repeatable)")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pflag.StringVar(&metricsBind, "metrics", "", "optional address to serve Prometheus metrics on")
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "exactly one <file> argument is required")
		pflag.Usage()
		return 2
	}
	if len(hosts) == 0 {
		fmt.Fprintln(os.Stderr, "at least one -a/-p endpoint is required")
		pflag.Usage()
		return 2
	}
	specs, err := session.PairEndpoints(hosts, ports, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	addrs, err := session.UDPAddrs(specs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	log := logging.New(level, "server")

	data, err := os.ReadFile(pflag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	reg := metrics.NewRegistry()
	if metricsBind != "" {
		go func() {
			if err := http.ListenAndServe(metricsBind, reg.Handler()); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	resourceID, stop, err := session.RunServer(log, reg, session.ServerConfig{
		Endpoints: addrs,
		Data:      data,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer stop()

	fmt.Println(resourceID)
	log.Infof("serving %d bytes on %d endpoint(s)", len(data), len(addrs))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return 0
}
