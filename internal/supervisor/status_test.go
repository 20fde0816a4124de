package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"github.com/stretchr/testify/require"

	"github.com/projectcalico/felix-agent/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	leasesGranted int
	puts          map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[string]string)}
}

func (f *fakeStore) Get(ctx context.Context, key string) (*store.KV, int64, error) { return nil, 0, nil }

func (f *fakeStore) GetPrefix(ctx context.Context, prefix string) ([]store.KV, int64, error) {
	return nil, 0, nil
}

func (f *fakeStore) Watch(ctx context.Context, prefix string, revision int64) (<-chan store.WatchEvent, <-chan error) {
	return nil, nil
}

func (f *fakeStore) ClusterID(ctx context.Context) (uint64, error) { return 0, nil }

func (f *fakeStore) Put(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = value
	return nil
}

func (f *fakeStore) PutWithLease(ctx context.Context, key, value string, leaseID clientv3.LeaseID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = value
	return nil
}

func (f *fakeStore) GrantLease(ctx context.Context, ttlSeconds int64) (clientv3.LeaseID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leasesGranted++
	return clientv3.LeaseID(f.leasesGranted), nil
}

func (f *fakeStore) KeepAlive(ctx context.Context, leaseID clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.puts[key]
	return v, ok
}

func TestStatusReporter_WritesStatusAndUptimeKeysOnStart(t *testing.T) {
	fs := newFakeStore()
	r := newStatusReporter(fs, "host1", nil)
	r.configure(10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.start(ctx)
	defer r.stop()

	require.Eventually(t, func() bool {
		_, ok := fs.value(statusKey("host1"))
		return ok
	}, time.Second, 5*time.Millisecond)

	raw, ok := fs.value(statusKey("host1"))
	require.True(t, ok)

	var payload statusJSON
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	require.NotEmpty(t, payload.FirstUpdate)
	require.NotEmpty(t, payload.LastReport)

	_, ok = fs.value(uptimeKey("host1"))
	require.True(t, ok)
}

func TestStatusReporter_RefreshesOnEachTick(t *testing.T) {
	fs := newFakeStore()
	r := newStatusReporter(fs, "host1", nil)
	r.configure(5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.start(ctx)
	defer r.stop()

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.leasesGranted >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestStatusReporter_StopWithoutStartDoesNotBlock(t *testing.T) {
	r := newStatusReporter(newFakeStore(), "host1", nil)
	r.stop()
}
