// Package locks grants, renews, queues and expires exclusive per-node locks.
//
// Every mutation of a node happens under that node's shard mutex: the
// existence check, the store write, the queue update, the drain to the next
// waiter and the notification to observers. Release and the follow-up grant
// are therefore one step with respect to any other call on the same node.
package locks

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"canopy/api/internal/store"
)

const (
	DefaultTTL = 30 * time.Second
	numShards  = 64
)

// Store is the durable lock table. Implementations must make InsertLock a
// conditional write that fails with store.ErrLockExists.
type Store interface {
	GetLock(ctx context.Context, nodeID string) (store.NodeLock, error)
	InsertLock(ctx context.Context, lock store.NodeLock) error
	ExtendLock(ctx context.Context, nodeID, userID string, expiresAt time.Time) (bool, error)
	DeleteLock(ctx context.Context, nodeID, userID string) (bool, error)
	ListLocks(ctx context.Context, filter store.LockFilter) ([]store.NodeLock, error)
	ListExpiredLocks(ctx context.Context, now time.Time) ([]store.NodeLock, error)
	Ping(ctx context.Context) error
}

type GrantReason string

const (
	GrantRequested GrantReason = "requested"
	GrantQueued    GrantReason = "queued"
	GrantRenewed   GrantReason = "renewed"
)

type ReleaseReason string

const (
	ReleaseExplicit   ReleaseReason = "released"
	ReleaseExpired    ReleaseReason = "expired"
	ReleaseDisconnect ReleaseReason = "disconnected"
	ReleaseOrphaned   ReleaseReason = "orphaned"
)

// Notifier observes lock transitions. Calls arrive under the node's shard
// mutex, in the order the transitions were applied, and must not call back
// into the Service.
type Notifier interface {
	LockGranted(lock store.NodeLock, reason GrantReason)
	LockReleased(lock store.NodeLock, reason ReleaseReason)
}

type nopNotifier struct{}

func (nopNotifier) LockGranted(store.NodeLock, GrantReason)     {}
func (nopNotifier) LockReleased(store.NodeLock, ReleaseReason) {}

type AcquireRequest struct {
	NodeID       string
	WorkspaceID  string
	UserID       string
	Username     string
	LockType     store.LockType
	ConnectionID string
}

type AcquireResult struct {
	Granted bool
	Lock    *store.NodeLock
	// CurrentHolder is set when the request was queued behind another user.
	CurrentHolder *store.NodeLock
	// Position is the 1-based queue position when not granted.
	Position int
}

type shard struct {
	mu     sync.Mutex
	queues map[string][]store.QueueEntry
}

type Service struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
	notifier Notifier
	shards   [numShards]shard
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests that advance time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func NewService(lockStore Store, opts ...Option) *Service {
	s := &Service{
		store:    lockStore,
		ttl:      DefaultTTL,
		now:      time.Now,
		log:      slog.Default(),
		notifier: nopNotifier{},
	}
	for i := range s.shards {
		s.shards[i].queues = make(map[string][]store.QueueEntry)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier must be called before the service is shared between goroutines.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

func (s *Service) shardFor(nodeID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return &s.shards[h.Sum32()%numShards]
}

// Acquire grants the lock when the node is free, renews it when the caller
// already holds it, and otherwise queues the caller behind the holder.
func (s *Service) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	sh := s.shardFor(req.NodeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, err := s.liveLockLocked(ctx, sh, req.NodeID)
	if err != nil {
		return AcquireResult{}, err
	}

	if current == nil {
		// A free node with waiters belongs to the head of the queue first.
		if err := s.drainLocked(ctx, sh, req.NodeID); err != nil {
			return AcquireResult{}, err
		}
		if current, err = s.liveLockLocked(ctx, sh, req.NodeID); err != nil {
			return AcquireResult{}, err
		}
	}

	if current == nil {
		lock, err := s.grantLocked(ctx, req)
		if err != nil {
			return AcquireResult{}, err
		}
		s.notifier.LockGranted(lock, GrantRequested)
		return AcquireResult{Granted: true, Lock: &lock}, nil
	}

	if current.HolderUserID == req.UserID {
		expiresAt := s.now().Add(s.ttl)
		ok, err := s.store.ExtendLock(ctx, req.NodeID, req.UserID, expiresAt)
		if err != nil {
			return AcquireResult{}, fmt.Errorf("renew on acquire: %w", err)
		}
		s.removeQueuedLocked(sh, req.NodeID, func(e store.QueueEntry) bool { return e.UserID == req.UserID })
		if ok {
			current.ExpiresAt = expiresAt
			s.notifier.LockGranted(*current, GrantRenewed)
			return AcquireResult{Granted: true, Lock: current}, nil
		}
		// The row vanished between read and extend, which only another
		// process sharing the store can cause.
		lock, err := s.grantLocked(ctx, req)
		if err != nil {
			return AcquireResult{}, err
		}
		s.notifier.LockGranted(lock, GrantRequested)
		return AcquireResult{Granted: true, Lock: &lock}, nil
	}

	position := s.enqueueLocked(sh, store.QueueEntry{
		NodeID:       req.NodeID,
		WorkspaceID:  req.WorkspaceID,
		UserID:       req.UserID,
		Username:     req.Username,
		LockType:     req.LockType,
		ConnectionID: req.ConnectionID,
		EnqueuedAt:   s.now(),
	})
	s.log.Debug("lock request queued", "node_id", req.NodeID, "user_id", req.UserID, "holder", current.HolderUserID, "position", position)
	return AcquireResult{CurrentHolder: current, Position: position}, nil
}

// Renew extends the caller's lock. False means the caller does not hold a
// live lock and must acquire again; the existing lock is left untouched.
func (s *Service) Renew(ctx context.Context, nodeID, userID string) (bool, error) {
	sh := s.shardFor(nodeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, err := s.liveLockLocked(ctx, sh, nodeID)
	if err != nil {
		return false, err
	}
	if current == nil || current.HolderUserID != userID {
		return false, nil
	}
	ok, err := s.store.ExtendLock(ctx, nodeID, userID, s.now().Add(s.ttl))
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return ok, nil
}

// Release removes the caller's lock and immediately grants the next waiter.
func (s *Service) Release(ctx context.Context, nodeID, userID string) (bool, error) {
	sh := s.shardFor(nodeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, err := s.getLocked(ctx, nodeID)
	if err != nil {
		return false, err
	}
	if current == nil || current.HolderUserID != userID {
		return false, nil
	}
	return s.releaseLocked(ctx, sh, *current, ReleaseExplicit)
}

// ReleaseAllForConnection drops every queued request and every lock owned by
// the connection, draining each affected node.
func (s *Service) ReleaseAllForConnection(ctx context.Context, connectionID string) (int, error) {
	s.removeQueuedEverywhere(func(e store.QueueEntry) bool { return e.ConnectionID == connectionID })
	held, err := s.store.ListLocks(ctx, store.LockFilter{ConnectionID: connectionID})
	if err != nil {
		return 0, fmt.Errorf("list connection locks: %w", err)
	}
	return s.releaseEach(ctx, held, func(l store.NodeLock) bool { return l.ConnectionID == connectionID }, ReleaseDisconnect)
}

// ReleaseAllForUser is the leave-workspace variant keyed by user.
func (s *Service) ReleaseAllForUser(ctx context.Context, userID, workspaceID string) (int, error) {
	s.removeQueuedEverywhere(func(e store.QueueEntry) bool {
		return e.UserID == userID && e.WorkspaceID == workspaceID
	})
	held, err := s.store.ListLocks(ctx, store.LockFilter{UserID: userID, WorkspaceID: workspaceID})
	if err != nil {
		return 0, fmt.Errorf("list user locks: %w", err)
	}
	return s.releaseEach(ctx, held, func(l store.NodeLock) bool { return l.HolderUserID == userID }, ReleaseExplicit)
}

// SweepExpired releases every lock whose expiry has passed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListExpiredLocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired locks: %w", err)
	}
	return s.releaseEach(ctx, expired, func(l store.NodeLock) bool { return l.IsExpired(s.now()) }, ReleaseExpired)
}

// ReleaseOrphaned releases locks whose connection is not live in this
// process. After a restart no connection is live, so every persisted lock is
// reclaimed.
func (s *Service) ReleaseOrphaned(ctx context.Context, isLive func(connectionID string) bool) (int, error) {
	all, err := s.store.ListLocks(ctx, store.LockFilter{})
	if err != nil {
		return 0, fmt.Errorf("list locks: %w", err)
	}
	var orphaned []store.NodeLock
	for _, lock := range all {
		if !isLive(lock.ConnectionID) {
			orphaned = append(orphaned, lock)
		}
	}
	s.removeQueuedEverywhere(func(e store.QueueEntry) bool { return !isLive(e.ConnectionID) })
	return s.releaseEach(ctx, orphaned, func(l store.NodeLock) bool { return !isLive(l.ConnectionID) }, ReleaseOrphaned)
}

// Lock returns the live lock on a node, or nil.
func (s *Service) Lock(ctx context.Context, nodeID string) (*store.NodeLock, error) {
	sh := s.shardFor(nodeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.liveLockLocked(ctx, sh, nodeID)
}

func (s *Service) IsLocked(ctx context.Context, nodeID string) (bool, error) {
	lock, err := s.Lock(ctx, nodeID)
	return lock != nil, err
}

// WorkspaceLocks lists the live locks of a workspace. Expired rows are
// filtered, not deleted; the reaper owns their removal.
func (s *Service) WorkspaceLocks(ctx context.Context, workspaceID string) ([]store.NodeLock, error) {
	all, err := s.store.ListLocks(ctx, store.LockFilter{WorkspaceID: workspaceID})
	if err != nil {
		return nil, fmt.Errorf("list workspace locks: %w", err)
	}
	now := s.now()
	live := make([]store.NodeLock, 0, len(all))
	for _, lock := range all {
		if !lock.IsExpired(now) {
			live = append(live, lock)
		}
	}
	return live, nil
}

// Queue returns a copy of the node's waiters in FIFO order.
func (s *Service) Queue(nodeID string) []store.QueueEntry {
	sh := s.shardFor(nodeID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return append([]store.QueueEntry(nil), sh.queues[nodeID]...)
}

func (s *Service) releaseEach(ctx context.Context, candidates []store.NodeLock, stillApplies func(store.NodeLock) bool, reason ReleaseReason) (int, error) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NodeID < candidates[j].NodeID })

	var errs []error
	released := 0
	for _, candidate := range candidates {
		sh := s.shardFor(candidate.NodeID)
		sh.mu.Lock()
		current, err := s.getLocked(ctx, candidate.NodeID)
		if err == nil && current != nil && current.HolderUserID == candidate.HolderUserID && stillApplies(*current) {
			var ok bool
			ok, err = s.releaseLocked(ctx, sh, *current, reason)
			if ok {
				released++
			}
		}
		sh.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", candidate.NodeID, err))
		}
	}
	return released, errors.Join(errs...)
}

// releaseLocked deletes the lock, notifies, and drains the queue.
func (s *Service) releaseLocked(ctx context.Context, sh *shard, lock store.NodeLock, reason ReleaseReason) (bool, error) {
	ok, err := s.store.DeleteLock(ctx, lock.NodeID, lock.HolderUserID)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	s.log.Debug("lock released", "node_id", lock.NodeID, "user_id", lock.HolderUserID, "reason", string(reason))
	s.notifier.LockReleased(lock, reason)
	return true, s.drainLocked(ctx, sh, lock.NodeID)
}

// drainLocked grants the node to the head of its queue while the node is
// free. On a store error the head keeps its place.
func (s *Service) drainLocked(ctx context.Context, sh *shard, nodeID string) error {
	if len(sh.queues[nodeID]) == 0 {
		return nil
	}
	head := sh.queues[nodeID][0]
	lock, err := s.grantLocked(ctx, AcquireRequest{
		NodeID:       head.NodeID,
		WorkspaceID:  head.WorkspaceID,
		UserID:       head.UserID,
		Username:     head.Username,
		LockType:     head.LockType,
		ConnectionID: head.ConnectionID,
	})
	if errors.Is(err, store.ErrLockExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("grant queued lock: %w", err)
	}
	s.popQueueLocked(sh, nodeID)
	s.log.Debug("queued lock granted", "node_id", nodeID, "user_id", head.UserID)
	s.notifier.LockGranted(lock, GrantQueued)
	return nil
}

func (s *Service) grantLocked(ctx context.Context, req AcquireRequest) (store.NodeLock, error) {
	now := s.now()
	lockType := req.LockType
	if lockType == "" {
		lockType = store.LockEdit
	}
	lock := store.NodeLock{
		NodeID:         req.NodeID,
		WorkspaceID:    req.WorkspaceID,
		HolderUserID:   req.UserID,
		HolderUsername: req.Username,
		LockType:       lockType,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(s.ttl),
		ConnectionID:   req.ConnectionID,
	}
	if err := s.store.InsertLock(ctx, lock); err != nil {
		if errors.Is(err, store.ErrLockExists) {
			return store.NodeLock{}, err
		}
		return store.NodeLock{}, fmt.Errorf("insert lock: %w", err)
	}
	return lock, nil
}

func (s *Service) getLocked(ctx context.Context, nodeID string) (*store.NodeLock, error) {
	lock, err := s.store.GetLock(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return &lock, nil
}

// liveLockLocked returns the node's lock, deleting it first if it has
// expired. Expiry drains the queue, so the returned lock may belong to the
// waiter that was just promoted.
func (s *Service) liveLockLocked(ctx context.Context, sh *shard, nodeID string) (*store.NodeLock, error) {
	current, err := s.getLocked(ctx, nodeID)
	if err != nil || current == nil {
		return current, err
	}
	if !current.IsExpired(s.now()) {
		return current, nil
	}
	if _, err := s.releaseLocked(ctx, sh, *current, ReleaseExpired); err != nil {
		return nil, err
	}
	return s.getLocked(ctx, nodeID)
}

// enqueueLocked appends the entry, or replaces the user's existing entry in
// place so that a repeated request keeps its turn. Returns the position.
func (s *Service) enqueueLocked(sh *shard, entry store.QueueEntry) int {
	queue := sh.queues[entry.NodeID]
	for i, existing := range queue {
		if existing.UserID == entry.UserID {
			entry.EnqueuedAt = existing.EnqueuedAt
			queue[i] = entry
			return i + 1
		}
	}
	sh.queues[entry.NodeID] = append(queue, entry)
	return len(queue) + 1
}

func (s *Service) popQueueLocked(sh *shard, nodeID string) {
	queue := sh.queues[nodeID]
	if len(queue) <= 1 {
		delete(sh.queues, nodeID)
		return
	}
	sh.queues[nodeID] = append([]store.QueueEntry(nil), queue[1:]...)
}

func (s *Service) removeQueuedLocked(sh *shard, nodeID string, match func(store.QueueEntry) bool) {
	queue := sh.queues[nodeID]
	kept := queue[:0]
	for _, entry := range queue {
		if !match(entry) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(sh.queues, nodeID)
		return
	}
	sh.queues[nodeID] = kept
}

func (s *Service) removeQueuedEverywhere(match func(store.QueueEntry) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for nodeID := range sh.queues {
			s.removeQueuedLocked(sh, nodeID, match)
		}
		sh.mu.Unlock()
	}
}
