// Package session tracks live connections and the workspace each one has
// joined. The registry is the only owner of Session values; it is rebuilt
// from live connections and never restored from storage.
package session

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"canopy/api/internal/store"
)

var ErrUnknownConnection = errors.New("unknown connection")

type Session struct {
	ConnectionID  string
	UserID        string
	Username      string
	WorkspaceID   string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// ActiveUser is one entry of a workspace presence list.
type ActiveUser struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Color       string    `json:"color"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Mirror receives best-effort copies of session changes, for example the
// collab_sessions table. Failures are logged and never block the registry.
type Mirror interface {
	UpsertSession(ctx context.Context, record store.SessionRecord) error
	TouchSession(ctx context.Context, connectionID string, at time.Time) error
	DeleteSession(ctx context.Context, connectionID string) error
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	mirror   Mirror
	log      *slog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the session for a freshly authenticated connection.
func (r *Registry) Register(connectionID, userID, username string) Session {
	now := r.now()
	s := &Session{
		ConnectionID:  connectionID,
		UserID:        userID,
		Username:      username,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	r.mu.Lock()
	r.sessions[connectionID] = s
	r.mu.Unlock()

	r.mirrorUpsert(*s)
	return *s
}

// Join moves the connection into workspaceID and returns the workspace it
// was in before, if any.
func (r *Registry) Join(connectionID, workspaceID string) (string, error) {
	r.mu.Lock()
	s, ok := r.sessions[connectionID]
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownConnection
	}
	previous := s.WorkspaceID
	s.WorkspaceID = workspaceID
	s.LastHeartbeat = r.now()
	snapshot := *s
	r.mu.Unlock()

	r.mirrorUpsert(snapshot)
	return previous, nil
}

// Leave clears the connection's workspace and returns it.
func (r *Registry) Leave(connectionID string) (string, bool) {
	r.mu.Lock()
	s, ok := r.sessions[connectionID]
	if !ok || s.WorkspaceID == "" {
		r.mu.Unlock()
		return "", false
	}
	previous := s.WorkspaceID
	s.WorkspaceID = ""
	snapshot := *s
	r.mu.Unlock()

	r.mirrorUpsert(snapshot)
	return previous, true
}

func (r *Registry) Heartbeat(connectionID string) bool {
	now := r.now()
	r.mu.Lock()
	s, ok := r.sessions[connectionID]
	if ok {
		s.LastHeartbeat = now
	}
	r.mu.Unlock()

	if ok && r.mirror != nil {
		r.mirrorCall("touch", func(ctx context.Context) error {
			return r.mirror.TouchSession(ctx, connectionID, now)
		})
	}
	return ok
}

// Remove destroys the session and returns its last state.
func (r *Registry) Remove(connectionID string) (Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[connectionID]
	if ok {
		delete(r.sessions, connectionID)
	}
	r.mu.Unlock()
	if !ok {
		return Session{}, false
	}

	if r.mirror != nil {
		r.mirrorCall("delete", func(ctx context.Context) error {
			return r.mirror.DeleteSession(ctx, connectionID)
		})
	}
	return *s, true
}

func (r *Registry) Get(connectionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *Registry) IsLive(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[connectionID]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// InWorkspace returns the sessions joined to workspaceID, oldest first.
func (r *Registry) InWorkspace(workspaceID string) []Session {
	r.mu.RLock()
	var sessions []Session
	for _, s := range r.sessions {
		if s.WorkspaceID == workspaceID && workspaceID != "" {
			sessions = append(sessions, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].ConnectionID < sessions[j].ConnectionID
		}
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

// Presence renders the workspace's users. A user connected twice appears
// once, with the earlier connection time.
func (r *Registry) Presence(workspaceID string) []ActiveUser {
	sessions := r.InWorkspace(workspaceID)
	seen := make(map[string]bool, len(sessions))
	users := make([]ActiveUser, 0, len(sessions))
	for _, s := range sessions {
		if seen[s.UserID] {
			continue
		}
		seen[s.UserID] = true
		users = append(users, ActiveUser{
			UserID:      s.UserID,
			Username:    s.Username,
			Color:       ColorFor(s.UserID),
			ConnectedAt: s.ConnectedAt,
		})
	}
	return users
}

// Stale returns sessions whose last heartbeat is older than threshold.
func (r *Registry) Stale(threshold time.Duration) []Session {
	cutoff := r.now().Add(-threshold)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []Session
	for _, s := range r.sessions {
		if s.LastHeartbeat.Before(cutoff) {
			stale = append(stale, *s)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ConnectionID < stale[j].ConnectionID })
	return stale
}

var palette = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFB74D",
	"#BA68C8", "#4DB6AC", "#F06292", "#A1887F",
	"#7986CB", "#AED581", "#FF8A65", "#4FC3F7",
}

// ColorFor picks a stable presence colour for a user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

func (r *Registry) mirrorUpsert(s Session) {
	if r.mirror == nil {
		return
	}
	record := store.SessionRecord{
		ConnectionID:  s.ConnectionID,
		UserID:        s.UserID,
		WorkspaceID:   s.WorkspaceID,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.LastHeartbeat,
	}
	r.mirrorCall("upsert", func(ctx context.Context) error {
		return r.mirror.UpsertSession(ctx, record)
	})
}

func (r *Registry) mirrorCall(op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.log.Warn("session mirror failed", "op", op, "error", err)
	}
}
