package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/supervisor"
)

func main() {
	var (
		etcdEndpoints = flag.String(
			"etcd-endpoints", "http://127.0.0.1:2379",
			"Comma-separated list of etcd endpoints backing the Calico datastore",
		)
		prefix = flag.String(
			"chain-prefix", "felix-",
			"Prefix for every iptables chain and ipset this process owns",
		)
		logFile = flag.String(
			"log-file", "",
			"Path to append structured logs to (empty disables file logging)",
		)
		screenSeverity = flag.String(
			"log-severity-screen", "info",
			"Minimum severity logged to stdout: debug, info, warning, error, critical, none",
		)
		fileSeverity = flag.String(
			"log-severity-file", "info",
			"Minimum severity logged to -log-file",
		)
	)
	flag.Parse()

	backend, err := logging.NewBackend(logging.Config{
		ScreenSeverity: logging.ParseSeverity(*screenSeverity),
		FileSeverity:   logging.ParseSeverity(*fileSeverity),
		FilePath:       *logFile,
	})
	if err != nil {
		log.Fatalf("felix: initializing logging: %v", err)
	}

	endpoints := splitEndpoints(*etcdEndpoints)
	if len(endpoints) == 0 {
		log.Fatalf("felix: -etcd-endpoints must name at least one endpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup, err := supervisor.New(ctx, supervisor.Config{
		StoreEndpoints: endpoints,
		Prefix:         *prefix,
		Backend:        backend,
	})
	if err != nil {
		log.Fatalf("felix: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("felix: received %v, shutting down (send again to force exit)...", sig)
		cancel()

		sig = <-sigCh
		log.Printf("felix: received %v again, forcing immediate exit", sig)
		os.Exit(1)
	}()

	// Run blocks for the life of the process. It returns on a clean,
	// signal-driven ctx cancellation; any other exit path calls os.Exit
	// itself (spec.md §5 — no top-level task failure is recoverable
	// in-process).
	sup.Run(ctx)
}

func splitEndpoints(raw string) []string {
	var out []string
	for _, e := range strings.Split(raw, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
