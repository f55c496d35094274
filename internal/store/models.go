package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrLockExists = errors.New("lock already exists")
)

type LockType string

const (
	LockEdit   LockType = "edit"
	LockMove   LockType = "move"
	LockDelete LockType = "delete"
)

// ParseLockType normalizes a wire value. Empty defaults to edit.
func ParseLockType(value string) (LockType, bool) {
	switch LockType(value) {
	case "":
		return LockEdit, true
	case LockEdit, LockMove, LockDelete:
		return LockType(value), true
	default:
		return "", false
	}
}

// NodeLock is the single live lock a node may carry.
type NodeLock struct {
	NodeID         string    `json:"nodeId"`
	WorkspaceID    string    `json:"workspaceId"`
	HolderUserID   string    `json:"lockedByUserId"`
	HolderUsername string    `json:"lockedByUsername"`
	LockType       LockType  `json:"lockType"`
	AcquiredAt     time.Time `json:"lockedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	ConnectionID   string    `json:"connectionId"`
}

func (l NodeLock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// QueueEntry is a pending request waiting for a node to become free.
type QueueEntry struct {
	NodeID       string
	WorkspaceID  string
	UserID       string
	Username     string
	LockType     LockType
	ConnectionID string
	EnqueuedAt   time.Time
}

// LockFilter narrows ListLocks. Empty fields match everything.
type LockFilter struct {
	WorkspaceID  string
	UserID       string
	ConnectionID string
}

func (f LockFilter) Match(lock NodeLock) bool {
	if f.WorkspaceID != "" && lock.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.UserID != "" && lock.HolderUserID != f.UserID {
		return false
	}
	if f.ConnectionID != "" && lock.ConnectionID != f.ConnectionID {
		return false
	}
	return true
}

// SessionRecord mirrors one live connection in collab_sessions.
type SessionRecord struct {
	ConnectionID  string
	UserID        string
	WorkspaceID   string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}
