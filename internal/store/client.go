// Package store wraps the upstream hierarchical key/value store
// internal/watcher polls, realized with go.etcd.io/etcd/client/v3.
// etcd's per-response Header.Revision stands in for spec.md's
// "index"/"snapshot_index"; Header.ClusterId stands in for "store cluster
// id" (spec.md §4.9's resync trigger on cluster-id change); a lease,
// granted afresh on every status report, realizes the TTL'd uptime status
// key (spec.md §6).
package store

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KV is one key/value leaf read from the store, with the revision it was
// last modified at.
type KV struct {
	Key         string
	Value       []byte
	ModRevision int64
}

// WatchEvent is one change observed by a long-poll, classified as either
// a put (set) or a delete.
type WatchEvent struct {
	IsDelete bool
	Key      string
	Value    []byte
}

// Client is the subset of an etcd-backed store client internal/watcher
// and internal/supervisor need. Implemented by EtcdClient; a fake
// implementation backs the watcher's unit tests.
type Client interface {
	// Get reads key exactly.
	Get(ctx context.Context, key string) (*KV, int64, error)

	// GetPrefix recursively reads every key under prefix, along with the
	// revision the read was served at (spec.md §4.9's SNAPSHOT state).
	GetPrefix(ctx context.Context, prefix string) ([]KV, int64, error)

	// Watch long-polls for every change at or under prefix starting after
	// revision (exclusive), delivering events on the returned channel
	// until ctx is cancelled or the channel is closed by the server
	// (spec.md §4.9's POLL state). A closed, empty channel with no error
	// signals a benign read timeout the caller should treat as "restart
	// the poll", per spec.md §7.
	Watch(ctx context.Context, prefix string, revision int64) (<-chan WatchEvent, <-chan error)

	// ClusterID reports the upstream cluster identifier as of the most
	// recent successful RPC, used to detect a store rebuild (spec.md
	// §4.9's "store-cluster-id changes ... re-enter SNAPSHOT").
	ClusterID(ctx context.Context) (uint64, error)

	// Put writes key=value, used by the status reporter (spec.md §4.9,
	// §6) for the non-TTL'd status JSON key.
	Put(ctx context.Context, key, value string) error

	// PutWithLease writes key=value bound to leaseID's TTL, used for the
	// TTL'd uptime key (spec.md §6).
	PutWithLease(ctx context.Context, key, value string, leaseID clientv3.LeaseID) error

	// GrantLease requests a new lease with the given TTL in seconds.
	GrantLease(ctx context.Context, ttlSeconds int64) (clientv3.LeaseID, error)

	// KeepAlive starts (and maintains) a keep-alive stream for leaseID,
	// returning the channel of refresh acknowledgements.
	KeepAlive(ctx context.Context, leaseID clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)

	Close() error
}

// EtcdClient implements Client against a real etcd cluster.
type EtcdClient struct {
	cli *clientv3.Client
}

// Dial connects to the given endpoints.
func Dial(endpoints []string) (*EtcdClient, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("store: dialing etcd %v: %w", endpoints, err)
	}
	return &EtcdClient{cli: cli}, nil
}

func (c *EtcdClient) Get(ctx context.Context, key string) (*KV, int64, error) {
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("store: get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.Revision, nil
	}
	kv := resp.Kvs[0]
	return &KV{Key: string(kv.Key), Value: kv.Value, ModRevision: kv.ModRevision}, resp.Header.Revision, nil
}

func (c *EtcdClient) GetPrefix(ctx context.Context, prefix string) ([]KV, int64, error) {
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("store: get prefix %s: %w", prefix, err)
	}

	out := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KV{Key: string(kv.Key), Value: kv.Value, ModRevision: kv.ModRevision})
	}

	return out, resp.Header.Revision, nil
}

func (c *EtcdClient) Watch(
	ctx context.Context, prefix string, revision int64,
) (<-chan WatchEvent, <-chan error) {

	events := make(chan WatchEvent)
	errs := make(chan error, 1)

	watchCh := c.cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(revision+1))

	go func() {
		defer close(events)
		defer close(errs)

		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				errs <- fmt.Errorf("store: watch %s: %w", prefix, err)
				return
			}

			for _, ev := range resp.Events {
				we := WatchEvent{Key: string(ev.Kv.Key)}
				if ev.Type == clientv3.EventTypeDelete {
					we.IsDelete = true
				} else {
					we.Value = ev.Kv.Value
				}

				select {
				case events <- we:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, errs
}

func (c *EtcdClient) ClusterID(ctx context.Context) (uint64, error) {
	resp, err := c.cli.Get(ctx, "/calico/v1/Ready")
	if err != nil {
		return 0, fmt.Errorf("store: resolving cluster id: %w", err)
	}
	return resp.Header.ClusterId, nil
}

func (c *EtcdClient) Put(ctx context.Context, key, value string) error {
	if _, err := c.cli.Put(ctx, key, value); err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (c *EtcdClient) PutWithLease(ctx context.Context, key, value string, leaseID clientv3.LeaseID) error {
	if _, err := c.cli.Put(ctx, key, value, clientv3.WithLease(leaseID)); err != nil {
		return fmt.Errorf("store: put %s with lease: %w", key, err)
	}
	return nil
}

func (c *EtcdClient) GrantLease(ctx context.Context, ttlSeconds int64) (clientv3.LeaseID, error) {
	resp, err := c.cli.Grant(ctx, ttlSeconds)
	if err != nil {
		return 0, fmt.Errorf("store: granting lease: %w", err)
	}
	return resp.ID, nil
}

func (c *EtcdClient) KeepAlive(
	ctx context.Context, leaseID clientv3.LeaseID,
) (<-chan *clientv3.LeaseKeepAliveResponse, error) {

	ch, err := c.cli.KeepAlive(ctx, leaseID)
	if err != nil {
		return nil, fmt.Errorf("store: keepalive for lease %d: %w", leaseID, err)
	}
	return ch, nil
}

func (c *EtcdClient) Close() error {
	return c.cli.Close()
}
