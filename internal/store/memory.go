package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLockStore is a process-local lock table.
type MemoryLockStore struct {
	mu    sync.RWMutex
	locks map[string]NodeLock
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]NodeLock)}
}

func (s *MemoryLockStore) GetLock(_ context.Context, nodeID string) (NodeLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[nodeID]
	if !ok {
		return NodeLock{}, ErrNotFound
	}
	return lock, nil
}

func (s *MemoryLockStore) InsertLock(_ context.Context, lock NodeLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[lock.NodeID]; ok {
		return ErrLockExists
	}
	s.locks[lock.NodeID] = lock
	return nil
}

func (s *MemoryLockStore) ExtendLock(_ context.Context, nodeID, userID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[nodeID]
	if !ok || lock.HolderUserID != userID {
		return false, nil
	}
	lock.ExpiresAt = expiresAt
	s.locks[nodeID] = lock
	return true, nil
}

func (s *MemoryLockStore) DeleteLock(_ context.Context, nodeID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[nodeID]
	if !ok || lock.HolderUserID != userID {
		return false, nil
	}
	delete(s.locks, nodeID)
	return true, nil
}

func (s *MemoryLockStore) ListLocks(_ context.Context, filter LockFilter) ([]NodeLock, error) {
	return s.collect(filter.Match), nil
}

func (s *MemoryLockStore) ListExpiredLocks(_ context.Context, now time.Time) ([]NodeLock, error) {
	return s.collect(func(lock NodeLock) bool { return lock.IsExpired(now) }), nil
}

func (s *MemoryLockStore) Ping(context.Context) error { return nil }

func (s *MemoryLockStore) collect(keep func(NodeLock) bool) []NodeLock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var locks []NodeLock
	for _, lock := range s.locks {
		if keep(lock) {
			locks = append(locks, lock)
		}
	}
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].AcquiredAt.Equal(locks[j].AcquiredAt) {
			return locks[i].NodeID < locks[j].NodeID
		}
		return locks[i].AcquiredAt.Before(locks[j].AcquiredAt)
	})
	return locks
}
