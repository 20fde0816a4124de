// Package watcher implements the per-instance store-polling state machine
// of spec.md §4.9: snapshot the upstream store once, then long-poll for
// incremental changes, falling back to a fresh snapshot on any signal that
// the incremental stream can no longer be trusted (a store error, a
// cluster rebuild, or a directory-level delete at a resync-critical
// prefix). A separate periodic task forces a full resync on a jittered
// timer, which is also the only path that re-examines configuration for
// drift (see runOnce's doc comment for why that split is not obvious from
// the state diagram alone).
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/projectcalico/felix-agent/internal/config"
	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/model"
	"github.com/projectcalico/felix-agent/internal/profile"
	"github.com/projectcalico/felix-agent/internal/store"
	"github.com/projectcalico/felix-agent/internal/tagindex"
)

const (
	readyReadTimeout  = 10 * time.Second
	defaultRetryDelay = 5 * time.Second
)

// clusterCheckInterval is a var rather than a const so tests can shrink it.
var clusterCheckInterval = 30 * time.Second

var errNotReady = errors.New("watcher: ready flag not true")

// Options bundles the pieces Watcher needs beyond the store client itself.
type Options struct {
	Store   store.Client
	Targets Targets
	Log     logging.Logger

	// RetryDelay overrides defaultRetryDelay; zero uses the default.
	RetryDelay time.Duration

	// OnConfigDrift is invoked when LOAD_CONFIG observes a merged
	// configuration that differs from the one most recently loaded
	// (spec.md §9: no in-place reconfiguration — the caller should
	// trigger a supervised process exit). Required.
	OnConfigDrift func(old, next *config.Config)

	// OnConfigLoaded, if set, is invoked once with the first configuration
	// LOAD_CONFIG successfully resolves. internal/supervisor uses this to
	// size its status-reporting lease (ReportingInterval/TTL), which have
	// no meaning before a Config exists. It is never invoked again: every
	// later LOAD_CONFIG either matches (no call) or drifts, in which case
	// OnConfigDrift fires and Run exits before a second config would ever
	// be installed.
	OnConfigLoaded func(cfg *config.Config)

	// OnStartupCleanup, if set, is invoked once WAIT_BEGIN's delay has
	// elapsed, before entering SNAPSHOT, to reap felix-prefixed iptables
	// chains orphaned by a previous incarnation (spec.md §4.4). The
	// matching ipset sweep (spec.md §4.3/§4.5) needs no hook here: it is
	// driven directly by telling the tag index managers tagindex.Cleanup.
	OnStartupCleanup func(ctx context.Context)
}

// Watcher drives one instance of the state machine. Not safe for
// concurrent use; Run owns the whole lifecycle from a single goroutine.
type Watcher struct {
	store   store.Client
	targets Targets
	trie    *trieHolder
	log     logging.Logger

	retryDelay       time.Duration
	onConfigDrift    func(old, next *config.Config)
	onConfigLoaded   func(cfg *config.Config)
	onStartupCleanup func(ctx context.Context)

	cfg *config.Config
}

// trieHolder defers trie construction until the interface prefix is known
// from the first loaded config (the endpoint decode path needs it).
type trieHolder struct {
	built           bool
	interfacePrefix string
	targets         Targets
	log             logging.Logger
	t               *dispatchTrie
}

func New(opts Options) *Watcher {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	return &Watcher{
		store:            opts.Store,
		targets:          opts.Targets,
		trie:             &trieHolder{targets: opts.Targets, log: opts.Log},
		log:              opts.Log,
		retryDelay:       delay,
		onConfigDrift:    opts.OnConfigDrift,
		onConfigLoaded:   opts.OnConfigLoaded,
		onStartupCleanup: opts.OnStartupCleanup,
	}
}

// dispatchTrie is an alias so trieHolder doesn't need to import dispatch
// directly in two places.
type dispatchTrie = trieType

// Run executes the state machine until ctx is cancelled or a config-drift
// exit is triggered, in which case it returns a non-nil error (the caller,
// normally internal/supervisor, is expected to treat any Run error as
// grounds for process exit per spec.md §5's "any top-level task exit
// forces process termination").
//
// The state diagram's WAIT_CONFIG/CONFIGURED/WAIT_BEGIN states are folded
// into runOnce as: WAIT_CONFIG is implicit (the store client is already
// connected by the time Run is called), CONFIGURED is the moment
// LOAD_CONFIG's result is installed, and WAIT_BEGIN is the
// StartupCleanupDelay pause — the one config key with no other consumer
// named anywhere else in the component design, so this is where it is
// spent. The POLL<->SNAPSHOT arrow in spec.md's diagram is the
// error/resync-triggered loop and never revisits LOAD_CONFIG; the
// separate periodic full-resync task (runOnce's outer caller, Run) is what
// makes "subsequent entries" to LOAD_CONFIG meaningful, by restarting the
// whole sequence from WAIT_READY on its own timer.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := w.runOnce(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) error {
	if err := w.waitReady(ctx); err != nil {
		return err
	}

	next, err := w.loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("watcher: loading config: %w", err)
	}
	if w.cfg != nil && !w.cfg.Equal(next) {
		w.onConfigDrift(w.cfg, next)
		return fmt.Errorf("watcher: configuration drift detected, exiting for restart")
	}
	firstLoad := w.cfg == nil
	w.cfg = next
	w.trie.ensure(w.cfg.InterfacePrefix)
	if firstLoad && w.onConfigLoaded != nil {
		w.onConfigLoaded(next)
	}

	if w.cfg.StartupCleanupDelay > 0 {
		t := time.NewTimer(w.cfg.StartupCleanupDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	w.startupCleanup(ctx)

	resyncTimer := newJitteredTimer(w.cfg.ResyncInterval)
	defer resyncTimer.Stop()

	for {
		rev, clusterID, err := w.snapshot(ctx)
		if err != nil {
			return fmt.Errorf("watcher: snapshot: %w", err)
		}

		resync, err := w.poll(ctx, rev, clusterID, resyncTimer)
		if err != nil {
			return fmt.Errorf("watcher: poll: %w", err)
		}
		if !resync {
			// resyncTimer fired: a full resync (including config
			// reload) was requested; bubble out so Run re-enters
			// WAIT_READY.
			return nil
		}
		// resync == true: an error/cluster/directory-delete signal
		// asked only for a fresh snapshot; loop without reloading
		// config.
	}
}

// startupCleanup reaps dataplane objects left behind by a previous
// incarnation of this process: stale kernel address sets, swept by telling
// both tag index managers to destroy anything they don't recognize as live
// or stopping (spec.md §4.3/§4.5), and orphaned felix-prefixed iptables
// chains, swept via onStartupCleanup if the caller wired one (spec.md
// §4.4). Runs unconditionally on every WAIT_BEGIN, not just the first:
// both sweeps are idempotent, and the state diagram places WAIT_BEGIN
// between CONFIGURED and SNAPSHOT on every entry, not only the first.
func (w *Watcher) startupCleanup(ctx context.Context) {
	w.targets.tellTagIndex(ctx, &tagindex.Cleanup{})
	if w.onStartupCleanup != nil {
		w.onStartupCleanup(ctx)
	}
}

func (w *Watcher) waitReady(ctx context.Context) error {
	check := func() error {
		getCtx, cancel := context.WithTimeout(ctx, readyReadTimeout)
		defer cancel()

		kv, _, err := w.store.Get(getCtx, readyKey)
		if err != nil {
			return err
		}
		if kv == nil || string(kv.Value) != "true" {
			return errNotReady
		}
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(w.retryDelay), ctx)
	return backoff.Retry(check, b)
}

func resolveHostnamePreConfig() (string, error) {
	if v, ok := os.LookupEnv("FELIX_HOSTNAME"); ok && v != "" {
		return v, nil
	}
	h, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolving hostname: %w", err)
	}
	return h, nil
}

func (w *Watcher) readSubtree(ctx context.Context, prefix string) (map[string]string, error) {
	kvs, _, err := w.store.GetPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		param := strings.TrimPrefix(kv.Key, prefix)
		if param == "" || param == kv.Key {
			continue
		}
		out[param] = string(kv.Value)
	}

	return out, nil
}

func (w *Watcher) loadConfig(ctx context.Context) (*config.Config, error) {
	host, err := resolveHostnamePreConfig()
	if err != nil {
		return nil, err
	}

	global, err := w.readSubtree(ctx, configGlobalPrefix)
	if err != nil {
		return nil, fmt.Errorf("reading global config: %w", err)
	}

	perHost, err := w.readSubtree(ctx, fmt.Sprintf(hostConfigPrefixFmt, host))
	if err != nil {
		return nil, fmt.Errorf("reading host config: %w", err)
	}

	return config.Load(global, perHost)
}

// snapshot performs SNAPSHOT: recursive read of the whole tree, classified
// leaf by leaf, repeating until the ready flag reads true in the same
// read. Returns the revision and cluster id the snapshot was served at, so
// poll can detect both incremental drift (via revision) and a store
// rebuild (via cluster id).
func (w *Watcher) snapshot(ctx context.Context) (revision int64, clusterID uint64, err error) {
	for {
		kvs, rev, err := w.store.GetPrefix(ctx, "/calico/v1/")
		if err != nil {
			return 0, 0, err
		}

		tagsByProfile := make(map[string][]model.Tag)
		endpoints := make(map[model.EndpointID]*model.Endpoint)
		profiles := make(map[string]*model.Profile)
		ready := false

		for _, kv := range kvs {
			c := classify(kv.Key)
			switch c.kind {
			case kindReady:
				ready = string(kv.Value) == "true"

			case kindEndpoint:
				id := model.EndpointID{Host: c.host, Orchestrator: c.orch, Workload: c.wl, Endpoint: c.ep}
				ep, err := model.DecodeEndpoint(id, kv.Value, w.cfg.InterfacePrefix)
				if err != nil {
					w.warnOnce(kv.Key, err)
					continue
				}
				endpoints[id] = ep

			case kindTags:
				var raw []string
				if err := json.Unmarshal(kv.Value, &raw); err != nil {
					w.warnOnce(kv.Key, err)
					continue
				}
				tags := make([]model.Tag, len(raw))
				for i, s := range raw {
					tags[i] = model.Tag(s)
				}
				tagsByProfile[c.profile] = tags

			case kindRules:
				p, err := decodeProfileRules(c.profile, kv.Value)
				if err != nil {
					w.warnOnce(kv.Key, err)
					continue
				}
				profiles[c.profile] = p

			case kindHostIP:
				w.targets.Endpoints.OnHostIPUpdate(c.host, net.ParseIP(string(kv.Value)))

			case kindPool:
				pool, err := model.DecodePool(kv.Value)
				if err != nil {
					w.warnOnce(kv.Key, err)
					continue
				}
				w.targets.Endpoints.OnPoolUpdate(c.cidr, pool)
			}
		}

		if !ready {
			t := time.NewTimer(w.retryDelay)
			select {
			case <-t.C:
				continue
			case <-ctx.Done():
				t.Stop()
				return 0, 0, ctx.Err()
			}
		}

		clusterID, err := w.store.ClusterID(ctx)
		if err != nil {
			return 0, 0, err
		}

		w.targets.tellTagIndex(ctx, &tagindex.ApplySnapshot{TagsByProfile: tagsByProfile, Endpoints: endpoints})
		w.targets.tellProfile(ctx, &profile.ApplySnapshot{Profiles: profiles})
		w.targets.Endpoints.OnEndpointSnapshot(endpoints)

		return rev, clusterID, nil
	}
}

func (w *Watcher) warnOnce(key string, err error) {
	if w.log != nil {
		w.log.Warnf("watcher: invalid record at %s, treating as deleted: %v", key, err)
	}
}

// poll performs POLL: long-poll from revision, dispatching every event
// through the trie, until one of: a benign read timeout (restart the same
// watch, handled internally without returning), a resync-triggering signal
// (cluster id change, directory delete at a resync-critical prefix, store
// error — returns true), or the periodic full-resync timer firing (returns
// false, asking the caller to restart from WAIT_READY).
func (w *Watcher) poll(
	ctx context.Context, fromRevision int64, snapshotClusterID uint64, resyncTimer *time.Timer,
) (resync bool, err error) {

	clusterTicker := time.NewTicker(clusterCheckInterval)
	defer clusterTicker.Stop()

	for {
		events, errs := w.store.Watch(ctx, "/calico/v1/", fromRevision)

	watchLoop:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// Benign read timeout: restart the watch at the
					// same revision (spec.md §4.9: "Read timeouts are
					// benign and restart the poll").
					break watchLoop
				}

				if ev.IsDelete && isResyncCriticalDelete(ev.Key) {
					return true, nil
				}

				action := actionFor(ev)
				if err := w.trie.dispatch(ctx, action, ev.Key, ev.Value); err != nil && w.log != nil {
					w.log.Errorf("watcher: dispatching %s: %v", ev.Key, err)
				}

			case werr, ok := <-errs:
				if !ok {
					continue
				}
				if w.log != nil {
					w.log.Warnf("watcher: watch error, resyncing: %v", werr)
				}
				return true, nil

			case <-clusterTicker.C:
				id, err := w.store.ClusterID(ctx)
				if err != nil {
					if w.log != nil {
						w.log.Warnf("watcher: reading cluster id, resyncing: %v", err)
					}
					return true, nil
				}
				if id != snapshotClusterID {
					return true, nil
				}

			case <-resyncTimer.C:
				return false, nil

			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
}
