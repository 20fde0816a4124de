package refmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	id string

	readyCh chan struct{}
	doneCh  chan struct{}

	starts        int32
	unreferenced  int32
	holdUntilSend chan struct{}
}

func newFakeObject(id string) *fakeObject {
	return &fakeObject{
		id:      id,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (f *fakeObject) Start(ctx context.Context) {
	atomic.AddInt32(&f.starts, 1)
	if f.holdUntilSend == nil {
		close(f.readyCh)
	}
}

func (f *fakeObject) Ready() <-chan struct{} { return f.readyCh }

// OnUnreferenced records that teardown started but does not itself close
// doneCh — tests close it explicitly to control when cleanup "finishes".
func (f *fakeObject) OnUnreferenced(ctx context.Context) {
	atomic.AddInt32(&f.unreferenced, 1)
}

func (f *fakeObject) Done() <-chan struct{} { return f.doneCh }

func TestManager_Incref_CreatesAndStarts(t *testing.T) {
	mgr := NewManager[string, *fakeObject](newFakeObject)

	obj, err := mgr.Incref(context.Background(), "tag-a")
	require.NoError(t, err)
	require.Equal(t, "tag-a", obj.id)
	require.Equal(t, int32(1), obj.starts)
	require.Equal(t, 1, mgr.RefCount("tag-a"))
}

func TestManager_Incref_SharesLiveInstance(t *testing.T) {
	mgr := NewManager[string, *fakeObject](newFakeObject)

	obj1, err := mgr.Incref(context.Background(), "tag-a")
	require.NoError(t, err)
	obj2, err := mgr.Incref(context.Background(), "tag-a")
	require.NoError(t, err)

	require.Same(t, obj1, obj2)
	require.Equal(t, int32(1), obj1.starts)
	require.Equal(t, 2, mgr.RefCount("tag-a"))
}

func TestManager_Incref_ConcurrentCallersDuringStartingAllReleasedTogether(t *testing.T) {
	held := make(chan struct{})
	var created *fakeObject
	var mu sync.Mutex

	mgr := NewManager[string, *fakeObject](func(id string) *fakeObject {
		mu.Lock()
		defer mu.Unlock()
		created = newFakeObject(id)
		created.holdUntilSend = held
		return created
	})

	var wg sync.WaitGroup
	results := make([]*fakeObject, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obj, err := mgr.Incref(context.Background(), "tag-a")
			require.NoError(t, err)
			results[i] = obj
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	close(created.readyCh)
	mu.Unlock()

	wg.Wait()

	for _, r := range results {
		require.Same(t, created, r)
	}
	require.Equal(t, 5, mgr.RefCount("tag-a"))
}

func TestManager_Decref_TearsDownAtZero(t *testing.T) {
	mgr := NewManager[string, *fakeObject](newFakeObject)

	obj, err := mgr.Incref(context.Background(), "tag-a")
	require.NoError(t, err)

	err = mgr.Decref(context.Background(), "tag-a")
	require.NoError(t, err)
	close(obj.doneCh)

	require.Eventually(t, func() bool {
		return !mgr.Live("tag-a")
	}, time.Second, time.Millisecond)

	require.Equal(t, int32(1), obj.unreferenced)
}

func TestManager_Decref_DoesNotTearDownAboveZero(t *testing.T) {
	mgr := NewManager[string, *fakeObject](newFakeObject)

	_, err := mgr.Incref(context.Background(), "tag-a")
	require.NoError(t, err)
	_, err = mgr.Incref(context.Background(), "tag-a")
	require.NoError(t, err)

	err = mgr.Decref(context.Background(), "tag-a")
	require.NoError(t, err)

	require.True(t, mgr.Live("tag-a"))
	require.Equal(t, 1, mgr.RefCount("tag-a"))
}

func TestManager_Decref_UnknownID(t *testing.T) {
	mgr := NewManager[string, *fakeObject](newFakeObject)

	err := mgr.Decref(context.Background(), "never-referenced")
	require.Error(t, err)
}

func TestManager_ReincrefWhileStoppingCreatesFreshInstance(t *testing.T) {
	mgr := NewManager[string, *fakeObject](newFakeObject)

	first, err := mgr.Incref(context.Background(), "tag-a")
	require.NoError(t, err)

	err = mgr.Decref(context.Background(), "tag-a")
	require.NoError(t, err)

	// Incref while the old instance is still tearing down must block
	// until it forgets, then hand back a brand new instance rather than
	// reviving the old one.
	done := make(chan *fakeObject, 1)
	go func() {
		obj, incErr := mgr.Incref(context.Background(), "tag-a")
		require.NoError(t, incErr)
		done <- obj
	}()

	select {
	case <-done:
		t.Fatal("Incref returned before old instance finished tearing down")
	case <-time.After(20 * time.Millisecond):
	}

	close(first.doneCh)

	select {
	case second := <-done:
		require.NotSame(t, first, second)
		require.Equal(t, int32(1), second.starts)
	case <-time.After(time.Second):
		t.Fatal("Incref never returned after teardown finished")
	}
}

func TestManager_Live(t *testing.T) {
	mgr := NewManager[string, *fakeObject](newFakeObject)

	require.False(t, mgr.Live("tag-a"))

	_, err := mgr.Incref(context.Background(), "tag-a")
	require.NoError(t, err)
	require.True(t, mgr.Live("tag-a"))
}
