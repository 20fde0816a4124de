package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/projectcalico/felix-agent/internal/logging"
	"github.com/projectcalico/felix-agent/internal/store"
)

// statusJSON is the payload written to the non-TTL'd status key, read by
// external tooling (calicoctl-style status checks) rather than by this
// agent itself — internal/watcher's own classify() recognizes and ignores
// both keys this reporter writes (spec.md §6's "status" leaf kind).
type statusJSON struct {
	FirstUpdate string `json:"first_update"`
	LastReport  string `json:"last_report"`
}

// statusReporter periodically refreshes this host's liveness record in the
// store: a plain status JSON blob overwritten on every tick, plus a
// TTL-bound key kept alive by an etcd lease, so any observer watching the
// host subtree can tell this process died even if it never got to write a
// final "stopped" record (spec.md §4.9/§6).
type statusReporter struct {
	store    store.Client
	hostname string
	log      logging.Logger

	firstUpdate time.Time

	mu       sync.Mutex
	interval time.Duration
	ttl      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func newStatusReporter(cli store.Client, hostname string, log logging.Logger) *statusReporter {
	return &statusReporter{
		store:    cli,
		hostname: hostname,
		log:      log,
		done:     make(chan struct{}),
		// Conservative defaults in case configure is never called (it
		// always is, in practice, once the watcher's first LOAD_CONFIG
		// succeeds — spec.md §9 guarantees that happens before any
		// meaningful uptime has elapsed).
		interval: 30 * time.Second,
		ttl:      90 * time.Second,
	}
}

// configure installs the reporting interval and lease TTL from the loaded
// configuration (ReportingIntervalSecs/ReportingTTLSecs, spec.md §6). Safe
// to call before start.
func (r *statusReporter) configure(interval, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if interval > 0 {
		r.interval = interval
	}
	if ttl > 0 {
		r.ttl = ttl
	}
}

func (r *statusReporter) snapshot() (time.Duration, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval, r.ttl
}

// start launches the reporting loop. Run exactly once per process.
func (r *statusReporter) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.firstUpdate = timeNow()

	go r.run(runCtx)
}

func (r *statusReporter) stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *statusReporter) run(ctx context.Context) {
	defer close(r.done)

	if err := r.reportOnce(ctx); err != nil && r.log != nil {
		r.log.Errorf("status: initial report: %v", err)
	}

	for {
		interval, _ := r.snapshot()

		t := time.NewTimer(interval)
		select {
		case <-t.C:
			if err := r.reportOnce(ctx); err != nil && r.log != nil {
				r.log.Errorf("status: report: %v", err)
			}

		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// reportOnce grants a fresh lease sized to the current TTL, writes the
// TTL-bound uptime key under it, and overwrites the plain status key with
// the current timestamp. A lease is re-granted every tick rather than kept
// alive indefinitely via KeepAlive: the TTL itself is the liveness signal a
// watcher of this key cares about, and re-granting avoids this reporter
// depending on the KeepAlive stream surviving a long-lived connection
// (spec.md §6 only specifies the TTL's duration, not the refresh
// mechanism).
func (r *statusReporter) reportOnce(ctx context.Context) error {
	_, ttl := r.snapshot()

	lease, err := r.store.GrantLease(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("granting status lease: %w", err)
	}

	now := timeNow().UTC().Format(time.RFC3339)

	if err := r.store.PutWithLease(ctx, uptimeKey(r.hostname), now, lease); err != nil {
		return fmt.Errorf("writing uptime key: %w", err)
	}

	payload, err := json.Marshal(statusJSON{
		FirstUpdate: r.firstUpdate.UTC().Format(time.RFC3339),
		LastReport:  now,
	})
	if err != nil {
		return fmt.Errorf("encoding status payload: %w", err)
	}

	if err := r.store.Put(ctx, statusKey(r.hostname), string(payload)); err != nil {
		return fmt.Errorf("writing status key: %w", err)
	}

	return nil
}

func statusKey(hostname string) string {
	return fmt.Sprintf("/calico/v1/host/%s/status", hostname)
}

func uptimeKey(hostname string) string {
	return fmt.Sprintf("/calico/v1/host/%s/status/uptime", hostname)
}

// timeNow is a var so tests can stub it; production code never sees a
// reason to fake the clock beyond that.
var timeNow = time.Now
