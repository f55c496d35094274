package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"canopy/api/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type event struct {
	kind   string
	nodeID string
	userID string
	reason string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingNotifier) LockGranted(lock store.NodeLock, reason GrantReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "locked", nodeID: lock.NodeID, userID: lock.HolderUserID, reason: string(reason)})
}

func (r *recordingNotifier) LockReleased(lock store.NodeLock, reason ReleaseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind: "unlocked", nodeID: lock.NodeID, userID: lock.HolderUserID, reason: string(reason)})
}

func (r *recordingNotifier) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

// flakyStore fails the next n calls of the named operation.
type flakyStore struct {
	*store.MemoryLockStore
	mu       sync.Mutex
	failures map[string]int
}

var errStoreDown = errors.New("store down")

func (f *flakyStore) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[op] > 0 {
		f.failures[op]--
		return errStoreDown
	}
	return nil
}

func (f *flakyStore) InsertLock(ctx context.Context, lock store.NodeLock) error {
	if err := f.fail("insert"); err != nil {
		return err
	}
	return f.MemoryLockStore.InsertLock(ctx, lock)
}

func (f *flakyStore) GetLock(ctx context.Context, nodeID string) (store.NodeLock, error) {
	if err := f.fail("get"); err != nil {
		return store.NodeLock{}, err
	}
	return f.MemoryLockStore.GetLock(ctx, nodeID)
}

func newTestService(t *testing.T) (*Service, *fakeClock, *recordingNotifier) {
	t.Helper()
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	svc := NewService(store.NewMemoryLockStore(), WithClock(clock.Now))
	svc.SetNotifier(notifier)
	return svc, clock, notifier
}

func request(nodeID, userID string) AcquireRequest {
	return AcquireRequest{
		NodeID:       nodeID,
		WorkspaceID:  "ws-1",
		UserID:       userID,
		Username:     "name-" + userID,
		LockType:     store.LockEdit,
		ConnectionID: "conn-" + userID,
	}
}

func TestAcquireFreeNodeThenExpire(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Acquire(ctx, request("n1", "a"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !result.Granted || result.Lock == nil {
		t.Fatalf("expected grant, got %+v", result)
	}
	if got, want := result.Lock.ExpiresAt, clock.Now().Add(DefaultTTL); !got.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", got, want)
	}

	locked, err := svc.IsLocked(ctx, "n1")
	if err != nil || !locked {
		t.Fatalf("IsLocked() = %v, %v; want true", locked, err)
	}

	clock.Advance(DefaultTTL + time.Second)
	locked, err = svc.IsLocked(ctx, "n1")
	if err != nil || locked {
		t.Fatalf("IsLocked() after ttl = %v, %v; want false", locked, err)
	}
}

func TestAcquireBySameUserRenews(t *testing.T) {
	svc, clock, notifier := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Acquire(ctx, request("n1", "a")); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	clock.Advance(10 * time.Second)
	result, err := svc.Acquire(ctx, request("n1", "a"))
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if !result.Granted {
		t.Fatal("expected renewal to be granted")
	}
	if want := clock.Now().Add(DefaultTTL); !result.Lock.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", result.Lock.ExpiresAt, want)
	}
	events := notifier.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %+v, want grant then renewal", events)
	}
	if want := (event{kind: "locked", nodeID: "n1", userID: "a", reason: string(GrantRenewed)}); events[1] != want {
		t.Fatalf("renewal event = %+v, want %+v", events[1], want)
	}
}

func TestQueuedWaiterIsGrantedOnRelease(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Acquire(ctx, request("n1", "a")); err != nil {
		t.Fatalf("Acquire(a) error = %v", err)
	}
	resultB, err := svc.Acquire(ctx, request("n1", "b"))
	if err != nil {
		t.Fatalf("Acquire(b) error = %v", err)
	}
	if resultB.Granted {
		t.Fatal("b must be queued, not granted")
	}
	if resultB.CurrentHolder == nil || resultB.CurrentHolder.HolderUserID != "a" {
		t.Fatalf("currentHolder = %+v, want a", resultB.CurrentHolder)
	}
	if resultB.Position != 1 {
		t.Fatalf("position = %d, want 1", resultB.Position)
	}
	resultC, err := svc.Acquire(ctx, request("n1", "c"))
	if err != nil || resultC.Granted || resultC.Position != 2 {
		t.Fatalf("Acquire(c) = %+v, %v", resultC, err)
	}

	released, err := svc.Release(ctx, "n1", "a")
	if err != nil || !released {
		t.Fatalf("Release(a) = %v, %v", released, err)
	}

	lock, err := svc.Lock(ctx, "n1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if lock == nil || lock.HolderUserID != "b" {
		t.Fatalf("holder after release = %+v, want b", lock)
	}
	if queue := svc.Queue("n1"); len(queue) != 1 || queue[0].UserID != "c" {
		t.Fatalf("queue = %+v, want [c]", queue)
	}

	want := []event{
		{kind: "locked", nodeID: "n1", userID: "a", reason: string(GrantRequested)},
		{kind: "unlocked", nodeID: "n1", userID: "a", reason: string(ReleaseExplicit)},
		{kind: "locked", nodeID: "n1", userID: "b", reason: string(GrantQueued)},
	}
	got := notifier.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRepeatedRequestReplacesQueueEntry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	_, _ = svc.Acquire(ctx, request("n1", "b"))
	_, _ = svc.Acquire(ctx, request("n1", "c"))

	again := request("n1", "b")
	again.LockType = store.LockMove
	result, err := svc.Acquire(ctx, again)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if result.Position != 1 {
		t.Fatalf("position = %d, want 1 (kept turn)", result.Position)
	}
	queue := svc.Queue("n1")
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	if queue[0].UserID != "b" || queue[0].LockType != store.LockMove {
		t.Fatalf("queue head = %+v, want b/move", queue[0])
	}
}

func TestRenewByNonHolderLeavesLockUntouched(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.Acquire(ctx, request("n1", "a"))
	before := result.Lock.ExpiresAt

	clock.Advance(5 * time.Second)
	renewed, err := svc.Renew(ctx, "n1", "b")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if renewed {
		t.Fatal("non-holder renew must return false")
	}
	lock, _ := svc.Lock(ctx, "n1")
	if !lock.ExpiresAt.Equal(before) {
		t.Fatalf("expiresAt = %v, want unchanged %v", lock.ExpiresAt, before)
	}

	renewed, err = svc.Renew(ctx, "n1", "a")
	if err != nil || !renewed {
		t.Fatalf("holder Renew() = %v, %v", renewed, err)
	}
	lock, _ = svc.Lock(ctx, "n1")
	if !lock.ExpiresAt.Equal(clock.Now().Add(DefaultTTL)) {
		t.Fatalf("expiresAt = %v, want extended", lock.ExpiresAt)
	}
}

func TestRenewAfterExpiryFails(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	clock.Advance(DefaultTTL)
	renewed, err := svc.Renew(ctx, "n1", "a")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if renewed {
		t.Fatal("renew of an expired lock must fail")
	}
}

func TestReleaseByNonHolderIsNotAnError(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	released, err := svc.Release(ctx, "n1", "b")
	if err != nil || released {
		t.Fatalf("Release(b) = %v, %v; want false, nil", released, err)
	}
	released, err = svc.Release(ctx, "missing", "a")
	if err != nil || released {
		t.Fatalf("Release(missing) = %v, %v; want false, nil", released, err)
	}
}

func TestLazyExpiryGrantsQueueHeadBeforeNewcomer(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	_, _ = svc.Acquire(ctx, request("n1", "b"))
	clock.Advance(DefaultTTL + time.Second)

	result, err := svc.Acquire(ctx, request("n1", "c"))
	if err != nil {
		t.Fatalf("Acquire(c) error = %v", err)
	}
	if result.Granted {
		t.Fatal("c arrived after b and must not jump the queue")
	}
	if result.CurrentHolder == nil || result.CurrentHolder.HolderUserID != "b" {
		t.Fatalf("current holder = %+v, want b", result.CurrentHolder)
	}
}

func TestLazyExpiryWithoutWaiters(t *testing.T) {
	svc, clock, notifier := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	clock.Advance(DefaultTTL + time.Second)
	result, err := svc.Acquire(ctx, request("n1", "c"))
	if err != nil || !result.Granted {
		t.Fatalf("Acquire(c) = %+v, %v", result, err)
	}
	events := notifier.snapshot()
	if len(events) != 3 || events[1].kind != "unlocked" || events[1].reason != string(ReleaseExpired) {
		t.Fatalf("events = %+v", events)
	}
}

func TestReleaseAllForConnection(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	_, _ = svc.Acquire(ctx, request("n2", "a"))
	_, _ = svc.Acquire(ctx, request("n3", "b"))
	_, _ = svc.Acquire(ctx, request("n1", "b"))
	_, _ = svc.Acquire(ctx, request("n3", "a"))

	released, err := svc.ReleaseAllForConnection(ctx, "conn-a")
	if err != nil {
		t.Fatalf("ReleaseAllForConnection() error = %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}

	n1, _ := svc.Lock(ctx, "n1")
	if n1 == nil || n1.HolderUserID != "b" {
		t.Fatalf("n1 holder = %+v, want b (queued waiter)", n1)
	}
	if n2, _ := svc.Lock(ctx, "n2"); n2 != nil {
		t.Fatalf("n2 should be free, got %+v", n2)
	}
	if queue := svc.Queue("n3"); len(queue) != 0 {
		t.Fatalf("queue entry of the departed connection survived: %+v", queue)
	}
}

func TestReleaseAllForUserScopesToWorkspace(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	other := request("n2", "a")
	other.WorkspaceID = "ws-2"
	_, _ = svc.Acquire(ctx, other)

	released, err := svc.ReleaseAllForUser(ctx, "a", "ws-1")
	if err != nil || released != 1 {
		t.Fatalf("ReleaseAllForUser() = %d, %v", released, err)
	}
	if locked, _ := svc.IsLocked(ctx, "n2"); !locked {
		t.Fatal("lock in another workspace must survive")
	}
}

func TestSweepExpiredDrainsQueues(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	_, _ = svc.Acquire(ctx, request("n1", "b"))
	_, _ = svc.Acquire(ctx, request("n2", "a"))
	clock.Advance(DefaultTTL + time.Second)

	swept, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if swept != 2 {
		t.Fatalf("swept = %d, want 2", swept)
	}
	lock, _ := svc.Lock(ctx, "n1")
	if lock == nil || lock.HolderUserID != "b" {
		t.Fatalf("n1 holder = %+v, want b", lock)
	}
	if !lock.ExpiresAt.Equal(clock.Now().Add(DefaultTTL)) {
		t.Fatalf("drained grant should start a fresh ttl, got %v", lock.ExpiresAt)
	}
}

func TestReleaseOrphaned(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	_, _ = svc.Acquire(ctx, request("n2", "b"))
	_, _ = svc.Acquire(ctx, request("n2", "c"))

	live := map[string]bool{"conn-c": true}
	released, err := svc.ReleaseOrphaned(ctx, func(id string) bool { return live[id] })
	if err != nil {
		t.Fatalf("ReleaseOrphaned() error = %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}
	lock, _ := svc.Lock(ctx, "n2")
	if lock == nil || lock.HolderUserID != "c" {
		t.Fatalf("n2 holder = %+v, want c", lock)
	}
}

func TestWorkspaceLocksSkipsExpired(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	clock.Advance(20 * time.Second)
	_, _ = svc.Acquire(ctx, request("n2", "b"))
	clock.Advance(15 * time.Second)

	locks, err := svc.WorkspaceLocks(ctx, "ws-1")
	if err != nil {
		t.Fatalf("WorkspaceLocks() error = %v", err)
	}
	if len(locks) != 1 || locks[0].NodeID != "n2" {
		t.Fatalf("locks = %+v, want only n2", locks)
	}
}

func TestStoreFailureIsReturned(t *testing.T) {
	flaky := &flakyStore{MemoryLockStore: store.NewMemoryLockStore(), failures: map[string]int{"insert": 1}}
	svc := NewService(flaky)
	ctx := context.Background()

	if _, err := svc.Acquire(ctx, request("n1", "a")); !errors.Is(err, errStoreDown) {
		t.Fatalf("Acquire() error = %v, want errStoreDown", err)
	}
	result, err := svc.Acquire(ctx, request("n1", "a"))
	if err != nil || !result.Granted {
		t.Fatalf("retry Acquire() = %+v, %v", result, err)
	}
}

func TestFailedDrainKeepsWaiterAtHead(t *testing.T) {
	flaky := &flakyStore{MemoryLockStore: store.NewMemoryLockStore(), failures: map[string]int{}}
	svc := NewService(flaky)
	ctx := context.Background()

	_, _ = svc.Acquire(ctx, request("n1", "a"))
	_, _ = svc.Acquire(ctx, request("n1", "b"))

	flaky.failures["insert"] = 1
	if _, err := svc.Release(ctx, "n1", "a"); err == nil {
		t.Fatal("expected drain failure to surface")
	}
	if queue := svc.Queue("n1"); len(queue) != 1 || queue[0].UserID != "b" {
		t.Fatalf("queue = %+v, want b still waiting", queue)
	}

	// Next acquire on the free node hands it to the waiter first.
	result, err := svc.Acquire(ctx, request("n1", "c"))
	if err != nil {
		t.Fatalf("Acquire(c) error = %v", err)
	}
	if result.Granted || result.CurrentHolder.HolderUserID != "b" {
		t.Fatalf("result = %+v, want c queued behind b", result)
	}
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	results := make([]AcquireResult, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Acquire(ctx, request("hot", fmt.Sprintf("u%03d", i)))
		}(i)
	}
	close(start)
	wg.Wait()

	granted := 0
	holder := ""
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("Acquire #%d error = %v", i, errs[i])
		}
		if r.Granted {
			granted++
			holder = r.Lock.HolderUserID
		}
	}
	if granted != 1 {
		t.Fatalf("granted = %d, want exactly 1", granted)
	}
	if queue := svc.Queue("hot"); len(queue) != n-1 {
		t.Fatalf("queue length = %d, want %d", len(queue), n-1)
	}

	// Drain the whole queue: every release must hand the node to the next
	// waiter, with no moment where it is free while someone still waits.
	seen := map[string]bool{holder: true}
	for i := 0; i < n; i++ {
		released, err := svc.Release(ctx, "hot", holder)
		if err != nil || !released {
			t.Fatalf("Release(%s) = %v, %v", holder, released, err)
		}
		lock, err := svc.Lock(ctx, "hot")
		if err != nil {
			t.Fatalf("Lock() error = %v", err)
		}
		if i == n-1 {
			if lock != nil {
				t.Fatalf("node should be free after the last release, got %+v", lock)
			}
			break
		}
		if lock == nil {
			t.Fatalf("node left unlocked with %d waiters", len(svc.Queue("hot")))
		}
		if seen[lock.HolderUserID] {
			t.Fatalf("holder %s granted twice", lock.HolderUserID)
		}
		seen[lock.HolderUserID] = true
		holder = lock.HolderUserID
	}
	if len(seen) != n {
		t.Fatalf("granted %d distinct users, want %d", len(seen), n)
	}

	granteds := 0
	for _, e := range notifier.snapshot() {
		if e.kind == "locked" {
			granteds++
		}
	}
	if granteds != n {
		t.Fatalf("locked notifications = %d, want %d", granteds, n)
	}
}
