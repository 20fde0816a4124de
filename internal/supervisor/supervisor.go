// Package supervisor wires every actor and manager in this repository
// together into one running process, mirroring spec.md §5's "process-wide
// supervisor": construct every component, start it, and treat the exit of
// the watcher's poll loop as grounds for an immediate, forced process exit
// rather than a partial or silently-degraded daemon. The status reporter's
// loop logs its own errors and ends only with the process's context. There is no supervised restart: spec.md §9's
// "no dynamic reconfiguration" extends to the process itself, which relies
// on its outer init system (systemd, a container orchestrator) to restart
// it from scratch.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/projectcalico/felix-agent/internal/actor"
	"github.com/projectcalico/felix-agent/internal/config"
	"github.com/projectcalico/felix-agent/internal/endpoint"
	"github.com/projectcalico/felix-agent/internal/iptables"
	"github.com/projectcalico/felix-agent/internal/ipset"
	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/profile"
	"github.com/projectcalico/felix-agent/internal/store"
	"github.com/projectcalico/felix-agent/internal/tagindex"
	"github.com/projectcalico/felix-agent/internal/watcher"
)

// preExitSleep is spec.md §6's "brief pre-exit sleep" before a forced
// os.Exit, rate-limiting restart loops against a supervising init system.
const preExitSleep = 2 * time.Second

// Config bundles the process-wide bootstrap parameters that exist before
// any store-resident configuration can be loaded (store endpoints and the
// chain-name prefix have to be known before a single Get can be issued, so
// neither is a config.Config field — spec.md §6 only ever describes keys
// read from an already-open store).
type Config struct {
	// StoreEndpoints are the upstream etcd cluster members.
	StoreEndpoints []string

	// Prefix names every chain and ipset this process owns, e.g.
	// "felix-" (spec.md §4.4/§4.3).
	Prefix string

	Backend *logging.Backend
}

// Supervisor owns every long-running resource for one process lifetime.
type Supervisor struct {
	cfg Config

	pollStore   store.Client
	statusStore store.Client

	chainV4 *iptables.Programmer
	chainV6 *iptables.Programmer

	w *watcher.Watcher

	reporter *statusReporter
}

// New connects to the store (twice — spec.md §4.9's status reporter "must
// not share the poll connection" with the watcher's own long-poll loop, so
// a slow or blocked status write can never stall incremental updates, and
// vice versa) and wires every actor. It does not start anything; call Run.
func New(ctx context.Context, cfg Config) (*Supervisor, error) {
	pollStore, err := store.Dial(cfg.StoreEndpoints)
	if err != nil {
		return nil, fmt.Errorf("supervisor: dialing poll store connection: %w", err)
	}

	statusStore, err := store.Dial(cfg.StoreEndpoints)
	if err != nil {
		_ = pollStore.Close()
		return nil, fmt.Errorf("supervisor: dialing status store connection: %w", err)
	}

	s := &Supervisor{
		cfg:         cfg,
		pollStore:   pollStore,
		statusStore: statusStore,
	}

	if err := s.wire(ctx); err != nil {
		_ = pollStore.Close()
		_ = statusStore.Close()
		return nil, err
	}

	return s, nil
}

func (s *Supervisor) wire(ctx context.Context) error {
	cfg := s.cfg
	log := cfg.Backend

	chainV4, err := iptables.NewProgrammer("filter", iptables.FamilyV4, cfg.Prefix)
	if err != nil {
		return fmt.Errorf("supervisor: iptables v4: %w", err)
	}
	chainV6, err := iptables.NewProgrammer("filter", iptables.FamilyV6, cfg.Prefix)
	if err != nil {
		return fmt.Errorf("supervisor: iptables v6: %w", err)
	}
	if err := chainV4.LearnExistingChains(ctx); err != nil {
		return fmt.Errorf("supervisor: learning existing v4 chains: %w", err)
	}
	if err := chainV6.LearnExistingChains(ctx); err != nil {
		return fmt.Errorf("supervisor: learning existing v6 chains: %w", err)
	}
	s.chainV4, s.chainV6 = chainV4, chainV6

	setsV4 := tagindex.NewSetManager(cfg.Prefix, ipset.FamilyV4, log.Logger("IPSET-V4"))
	setsV6 := tagindex.NewSetManager(cfg.Prefix, ipset.FamilyV6, log.Logger("IPSET-V6"))

	profileV4Actor := actor.NewActor[profile.Msg, any](actor.Config[profile.Msg, any]{
		ID: "PROFILE-V4",
		Behavior: profile.NewManager(
			ipset.FamilyV4, cfg.Prefix, chainV4, setsV4, profile.DefaultTargets, log.Logger("PROFILE-V4"),
		),
	})
	profileV6Actor := actor.NewActor[profile.Msg, any](actor.Config[profile.Msg, any]{
		ID: "PROFILE-V6",
		Behavior: profile.NewManager(
			ipset.FamilyV6, cfg.Prefix, chainV6, setsV6, profile.DefaultTargets, log.Logger("PROFILE-V6"),
		),
	})

	tagIndexV4Actor := actor.NewActor[tagindex.Msg, any](actor.Config[tagindex.Msg, any]{
		ID:       "TAGIDX-V4",
		Behavior: tagindex.NewManager(ipset.FamilyV4, cfg.Prefix, setsV4, log.Logger("TAGIDX-V4")),
	})
	tagIndexV6Actor := actor.NewActor[tagindex.Msg, any](actor.Config[tagindex.Msg, any]{
		ID:       "TAGIDX-V6",
		Behavior: tagindex.NewManager(ipset.FamilyV6, cfg.Prefix, setsV6, log.Logger("TAGIDX-V6")),
	})

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("supervisor: resolving hostname: %w", err)
	}
	if v, ok := os.LookupEnv("FELIX_HOSTNAME"); ok && v != "" {
		hostname = v
	}

	endpointMgr := endpoint.NewManager(ctx, endpoint.ManagerConfig{
		LocalHost:  hostname,
		Prefix:     cfg.Prefix,
		ChainV4:    chainV4,
		ChainV6:    chainV6,
		DispatchV4: chainV4,
		DispatchV6: chainV6,
		ProfileV4:  profileV4Actor.Ref(),
		ProfileV6:  profileV6Actor.Ref(),
		Links:      endpoint.NetlinkConfigurer{},
		Log:        log.Logger("ENDPOINT"),
	})

	profileV4Actor.Start()
	profileV6Actor.Start()
	tagIndexV4Actor.Start()
	tagIndexV6Actor.Start()

	s.reporter = newStatusReporter(s.statusStore, hostname, log.Logger("STATUS"))

	s.w = watcher.New(watcher.Options{
		Store: s.pollStore,
		Targets: watcher.Targets{
			TagIndexV4: tagIndexV4Actor.TellRef(),
			TagIndexV6: tagIndexV6Actor.TellRef(),
			ProfileV4:  profileV4Actor.TellRef(),
			ProfileV6:  profileV6Actor.TellRef(),
			Endpoints:  endpointMgr,
		},
		Log: log.Logger("WATCHER"),
		OnConfigDrift: func(old, next *config.Config) {
			log.Logger("WATCHER").Warnf(
				"configuration drift detected (hostname=%s); exiting for restart", next.Hostname,
			)
		},
		OnConfigLoaded: func(cfg *config.Config) {
			s.reporter.configure(cfg.ReportingInterval, cfg.ReportingTTL)
		},
		OnStartupCleanup: func(ctx context.Context) {
			if err := chainV4.ReapOrphans(ctx); err != nil {
				log.Logger("WATCHER").Warnf("reaping orphaned v4 chains: %v", err)
			}
			if err := chainV6.ReapOrphans(ctx); err != nil {
				log.Logger("WATCHER").Warnf("reaping orphaned v6 chains: %v", err)
			}
		},
	})

	return nil
}

// Run blocks until ctx is cancelled (a clean, signal-driven shutdown) or
// the watcher exits on its own, in which case that is treated as a
// top-level task failure and the process is
// forced to exit immediately (spec.md §5) rather than attempt any
// in-process recovery.
func (s *Supervisor) Run(ctx context.Context) {
	s.reporter.start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.w.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		s.Close()
		return

	case err := <-errCh:
		s.Close()
		if ctx.Err() != nil {
			return
		}
		if s.cfg.Backend != nil {
			s.cfg.Backend.Logger("SUPERVISOR").Criticalf("watcher exited, forcing process restart: %v", err)
		}
		time.Sleep(preExitSleep)
		os.Exit(1)
	}
}

// Close releases both store connections. Safe to call after Run returns.
func (s *Supervisor) Close() {
	s.reporter.stop()
	_ = s.pollStore.Close()
	_ = s.statusStore.Close()
	if s.cfg.Backend != nil {
		_ = s.cfg.Backend.Close()
	}
}
