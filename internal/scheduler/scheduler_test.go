package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/batching"
	"herald/pkg/types"
)

type memoryStore struct {
	mu         sync.Mutex
	entries    map[string]types.ScheduledEntry
	ttls       map[string]time.Duration
	failWrites bool
	failDelete bool
	deletes    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entries: make(map[string]types.ScheduledEntry),
		ttls:    make(map[string]time.Duration),
	}
}

func (m *memoryStore) PersistScheduledEntry(_ context.Context, e types.ScheduledEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("connection refused")
	}
	m.entries[e.ID] = e
	m.ttls[e.ID] = ttl
	return nil
}

func (m *memoryStore) DeleteScheduledEntry(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete {
		return false, errors.New("connection refused")
	}
	m.deletes++
	_, ok := m.entries[id]
	delete(m.entries, id)
	return ok, nil
}

func (m *memoryStore) ScanDueEntries(_ context.Context, before time.Time) ([]types.ScheduledEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ScheduledEntry
	for _, e := range m.entries {
		if e.FireAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (m *memoryStore) HealthCheck(context.Context) error { return nil }
func (m *memoryStore) Close() error                      { return nil }

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *memoryStore) setFailDelete(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDelete = v
}

type recordingSubmitter struct {
	mu        sync.Mutex
	submitted []types.Notification
}

func (r *recordingSubmitter) Submit(_ context.Context, n types.Notification) (batching.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, n)
	return batching.Decision{Route: batching.RouteImmediate}, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submitted)
}

func notification() types.Notification {
	return types.Notification{
		ID:       "n1",
		UserID:   "alice",
		Kind:     types.KindDirectMessage,
		Title:    "Reminder",
		Strategy: types.StrategyImmediate,
		Priority: types.PriorityNormal,
	}
}

func newScheduler(t *testing.T, store *memoryStore, sub *recordingSubmitter, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(store, sub, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &recordingSubmitter{})
	assert.ErrorIs(t, err, ErrNilStore)
	_, err = New(newMemoryStore(), nil)
	assert.ErrorIs(t, err, ErrNilSubmitter)
}

func TestSchedule_NearTermFiresAndDeletes(t *testing.T) {
	store := newMemoryStore()
	sub := &recordingSubmitter{}
	s := newScheduler(t, store, sub)

	id, err := s.Schedule(context.Background(), notification(), time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, s.Stats().Armed)

	require.Eventually(t, func() bool { return sub.count() == 1 && store.len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.StrategyImmediate, sub.submitted[0].Strategy, "original strategy preserved")
	assert.Equal(t, int64(1), s.Stats().Fired)
}

func TestSchedule_TTLIncludesBuffer(t *testing.T) {
	store := newMemoryStore()
	s := newScheduler(t, store, &recordingSubmitter{}, WithTTLBuffer(time.Minute))

	id, err := s.Schedule(context.Background(), notification(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	store.mu.Lock()
	ttl := store.ttls[id]
	store.mu.Unlock()
	assert.InDelta(t, float64(61*time.Minute), float64(ttl), float64(time.Second))

	id, err = s.Schedule(context.Background(), notification(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	store.mu.Lock()
	ttl = store.ttls[id]
	store.mu.Unlock()
	assert.Equal(t, time.Minute, ttl, "past fire times only get the buffer")
}

func TestSchedule_FarFutureWaitsForRescan(t *testing.T) {
	store := newMemoryStore()
	sub := &recordingSubmitter{}
	s := newScheduler(t, store, sub,
		WithLookahead(40*time.Millisecond),
		WithRescanInterval(10*time.Millisecond),
	)

	_, err := s.Schedule(context.Background(), notification(), time.Now().Add(150*time.Millisecond))
	require.NoError(t, err)
	assert.Zero(t, s.Stats().Armed, "outside lookahead nothing is armed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sub.count(), "fires once despite repeated rescans")
}

func TestRecover_PastDueEntryFiresExactlyOnce(t *testing.T) {
	store := newMemoryStore()
	require.NoError(t, store.PersistScheduledEntry(context.Background(), types.ScheduledEntry{
		ID:           "missed",
		UserID:       "alice",
		Notification: notification(),
		FireAt:       time.Now().Add(-10 * time.Minute),
		CreatedAt:    time.Now().Add(-time.Hour),
	}, time.Hour))

	sub := &recordingSubmitter{}
	s := newScheduler(t, store, sub)

	n, err := s.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool { return store.len() == 0 }, time.Second, 5*time.Millisecond)

	n, err = s.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, sub.count())
}

func TestCancel(t *testing.T) {
	store := newMemoryStore()
	sub := &recordingSubmitter{}
	s := newScheduler(t, store, sub, WithLookahead(2*time.Hour))
	ctx := context.Background()

	id, err := s.Schedule(ctx, notification(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, s.Stats().Armed)

	ok, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, s.Stats().Armed)
	assert.Zero(t, store.len())

	ok, err = s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel reports nothing to cancel")

	ok, err = s.Cancel(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, sub.count())
}

func TestCancel_AfterFire(t *testing.T) {
	store := newMemoryStore()
	sub := &recordingSubmitter{}
	s := newScheduler(t, store, sub)

	id, err := s.Schedule(context.Background(), notification(), time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.len() == 0 }, time.Second, 5*time.Millisecond)

	ok, err := s.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchedule_StoreUnavailable(t *testing.T) {
	store := newMemoryStore()
	store.failWrites = true
	s := newScheduler(t, store, &recordingSubmitter{})

	_, err := s.Schedule(context.Background(), notification(), time.Now())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, s.Stats().Armed, "no in-memory fallback")
}

func TestStop_CancelsWithoutFiring(t *testing.T) {
	store := newMemoryStore()
	sub := &recordingSubmitter{}
	s, err := New(store, sub, WithLookahead(time.Hour))
	require.NoError(t, err)

	_, err = s.Schedule(context.Background(), notification(), time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sub.count())
	assert.Equal(t, 1, store.len(), "entry stays durable for the next process")

	_, err = s.Schedule(context.Background(), notification(), time.Now())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestFailedDeleteIsRetriedNotRefired(t *testing.T) {
	store := newMemoryStore()
	store.failDelete = true
	sub := &recordingSubmitter{}
	s := newScheduler(t, store, sub)
	ctx := context.Background()

	_, err := s.Schedule(ctx, notification(), time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().Fired == 1 }, time.Second, 5*time.Millisecond)

	_, err = s.rescan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.len())

	store.setFailDelete(false)
	_, err = s.rescan(ctx)
	require.NoError(t, err)

	assert.Zero(t, store.len())
	assert.Equal(t, 1, sub.count())
}

// gatedStore returns its scan snapshot only after release is closed.
type gatedStore struct {
	*memoryStore
	scanned chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		memoryStore: newMemoryStore(),
		scanned:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) ScanDueEntries(ctx context.Context, before time.Time) ([]types.ScheduledEntry, error) {
	entries, err := g.memoryStore.ScanDueEntries(ctx, before)
	select {
	case g.scanned <- struct{}{}:
	default:
	}
	<-g.release
	return entries, err
}

// startStaleRescan runs a rescan that holds the current store contents
// until the returned release func is called.
func startStaleRescan(t *testing.T, s *Scheduler, store *gatedStore) (release func() int) {
	t.Helper()
	done := make(chan int, 1)
	go func() {
		n, _ := s.rescan(context.Background())
		done <- n
	}()
	select {
	case <-store.scanned:
	case <-time.After(time.Second):
		t.Fatal("rescan never read the store")
	}
	return func() int {
		close(store.release)
		select {
		case n := <-done:
			return n
		case <-time.After(time.Second):
			t.Fatal("rescan did not finish")
			return 0
		}
	}
}

func TestStaleRescanDoesNotRefireDeliveredEntry(t *testing.T) {
	store := newGatedStore()
	sub := &recordingSubmitter{}
	s, err := New(store, sub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	_, err = s.Schedule(context.Background(), notification(), time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	release := startStaleRescan(t, s, store)
	require.Eventually(t, func() bool { return sub.count() == 1 && store.len() == 0 }, time.Second, 5*time.Millisecond)

	assert.Zero(t, release(), "stale snapshot armed nothing")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sub.count())
	assert.Zero(t, s.Stats().Armed)
}

func TestStaleRescanDoesNotFireCancelledEntry(t *testing.T) {
	store := newGatedStore()
	sub := &recordingSubmitter{}
	s, err := New(store, sub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	id, err := s.Schedule(context.Background(), notification(), time.Now().Add(150*time.Millisecond))
	require.NoError(t, err)

	release := startStaleRescan(t, s, store)
	cancelled, err := s.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, cancelled)

	assert.Zero(t, release())
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, sub.count())
	assert.Zero(t, s.Stats().Armed)
}

func TestHandledIDsExpire(t *testing.T) {
	store := newMemoryStore()
	s := newScheduler(t, store, &recordingSubmitter{}, WithLookahead(time.Second), WithRescanInterval(time.Second))

	now := time.Now()
	s.now = func() time.Time { return now }
	s.mu.Lock()
	s.markHandledLocked("old")
	s.mu.Unlock()

	s.pruneHandled()
	s.mu.Lock()
	_, kept := s.handled["old"]
	s.mu.Unlock()
	assert.True(t, kept)

	now = now.Add(5 * time.Second)
	s.pruneHandled()
	s.mu.Lock()
	_, kept = s.handled["old"]
	s.mu.Unlock()
	assert.False(t, kept)
}
