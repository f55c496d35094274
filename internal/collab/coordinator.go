// Package collab terminates collaboration connections and maps their events
// onto the lock service and session registry. Lock transitions reach clients
// through the Coordinator's Notifier methods, which the lock service calls
// under the node's shard mutex, so every room member sees a node's
// node-locked/node-unlocked frames in the order they were applied.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"canopy/api/internal/auth"
	"canopy/api/internal/locks"
	"canopy/api/internal/protocol"
	"canopy/api/internal/rbac"
	"canopy/api/internal/session"
	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

const (
	defaultSendBuffer = 256
	defaultCursorRate = 20
	defaultOpTimeout  = 10 * time.Second
)

type Coordinator struct {
	locks    *locks.Service
	sessions *session.Registry
	access   AccessChecker
	log      *slog.Logger
	now      func() time.Time

	sendBuffer int
	cursorRate int
	opTimeout  time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn
}

type Option func(*Coordinator)

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSendBuffer sets how many frames may wait for a slow client before the
// connection is dropped.
func WithSendBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// WithCursorRate limits cursor-position events per connection per second.
// Zero or less disables the limit.
func WithCursorRate(perSecond int) Option {
	return func(c *Coordinator) { c.cursorRate = perSecond }
}

// WithOpTimeout bounds the store work done for a single inbound frame. The
// shard mutex of the node involved is held for at most this long.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

// NewCoordinator wires the coordinator as the lock service's notifier.
func NewCoordinator(lockService *locks.Service, sessions *session.Registry, access AccessChecker, opts ...Option) *Coordinator {
	c := &Coordinator{
		locks:      lockService,
		sessions:   sessions,
		access:     access,
		log:        slog.Default(),
		now:        time.Now,
		sendBuffer: defaultSendBuffer,
		cursorRate: defaultCursorRate,
		opTimeout:  defaultOpTimeout,
		conns:      make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	lockService.SetNotifier(c)
	return c
}

// Connect registers an authenticated connection. onClose is invoked once
// when the connection is closed, for example to close the websocket.
func (c *Coordinator) Connect(identity auth.Identity, onClose func()) *Conn {
	limit := rate.Inf
	burst := 1
	if c.cursorRate > 0 {
		limit = rate.Limit(c.cursorRate)
		burst = c.cursorRate
	}
	conn := &Conn{
		ID:       util.NewID("conn"),
		UserID:   identity.UserID,
		Username: identity.Username,
		send:     make(chan []byte, c.sendBuffer),
		done:     make(chan struct{}),
		onClose:  onClose,
		cursor:   rate.NewLimiter(limit, burst),
	}
	c.sessions.Register(conn.ID, conn.UserID, conn.Username)
	c.mu.Lock()
	c.conns[conn.ID] = conn
	c.mu.Unlock()

	c.log.Info("connection opened", "conn_id", conn.ID, "user_id", conn.UserID)
	return conn
}

// Disconnect releases everything the connection owns, removes its session
// and closes it. It is safe to call more than once.
func (c *Coordinator) Disconnect(ctx context.Context, conn *Conn, reason string) {
	conn.opMu.Lock()
	if conn.gone {
		conn.opMu.Unlock()
		return
	}
	conn.gone = true
	workspaceID := conn.workspaceID
	c.releaseConnection(ctx, conn.ID)
	conn.workspaceID = ""
	c.sessions.Remove(conn.ID)
	c.mu.Lock()
	delete(c.conns, conn.ID)
	c.mu.Unlock()
	conn.opMu.Unlock()

	if workspaceID != "" {
		c.broadcastPresence(workspaceID)
	}
	conn.Close()
	c.log.Info("connection closed", "conn_id", conn.ID, "user_id", conn.UserID, "reason", reason)
}

// Handle processes one inbound frame. Frames of a connection must be handled
// sequentially, in arrival order.
func (c *Coordinator) Handle(ctx context.Context, conn *Conn, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.sendError(conn, "", protocol.CodeInvalidMessage, "Malformed message")
		return
	}

	conn.opMu.Lock()
	defer conn.opMu.Unlock()
	if conn.gone {
		return
	}

	// The request context of a hijacked websocket lives as long as the socket.
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	switch env.Type {
	case protocol.JoinWorkspace:
		c.handleJoin(ctx, conn, env)
	case protocol.LeaveWorkspace:
		c.handleLeave(ctx, conn)
	case protocol.LockRequest:
		c.handleLockRequest(ctx, conn, env)
	case protocol.LockRelease:
		c.handleLockRelease(ctx, conn, env)
	case protocol.NodeUpdate:
		c.handleNodeUpdate(ctx, conn, env)
	case protocol.CursorPosition:
		c.handleCursor(conn, env)
	case protocol.Heartbeat:
		c.sessions.Heartbeat(conn.ID)
	default:
		c.sendError(conn, env.Type, protocol.CodeInvalidMessage, fmt.Sprintf("Unknown event %q", env.Type))
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, conn *Conn, env protocol.Envelope) {
	var payload protocol.JoinWorkspacePayload
	if err := env.Bind(&payload); err != nil || strings.TrimSpace(payload.WorkspaceID) == "" {
		c.sendError(conn, env.Type, protocol.CodeInvalidMessage, "workspaceId is required")
		return
	}
	workspaceID := payload.WorkspaceID

	var role rbac.Role
	err := c.retry("workspace access", func() error {
		var err error
		role, err = c.Authorize(ctx, conn.UserID, workspaceID, rbac.ActionRead)
		if errors.Is(err, ErrAccessDenied) {
			return nil
		}
		return err
	})
	if err != nil {
		c.log.Error("workspace access check failed", "conn_id", conn.ID, "workspace_id", workspaceID, "error", err)
		c.sendError(conn, env.Type, protocol.CodeStorageFailure, "Could not verify workspace access, try again")
		return
	}
	if role == "" {
		c.sendError(conn, env.Type, protocol.CodeAccessDenied, "Access denied to workspace")
		return
	}

	if conn.workspaceID != "" && conn.workspaceID != workspaceID {
		c.leave(ctx, conn)
	}

	conn.hold()
	if _, err := c.sessions.Join(conn.ID, workspaceID); err != nil {
		conn.flush(nil)
		c.sendError(conn, env.Type, protocol.CodeProtocolViolation, "Connection is not registered")
		return
	}
	conn.workspaceID = workspaceID
	conn.role = role

	var state protocol.WorkspaceStatePayload
	err = c.retry("workspace state", func() error {
		var err error
		state, err = c.WorkspaceState(ctx, workspaceID)
		return err
	})
	if err != nil {
		c.log.Error("workspace state failed", "conn_id", conn.ID, "workspace_id", workspaceID, "error", err)
		c.sessions.Leave(conn.ID)
		conn.workspaceID = ""
		conn.role = ""
		conn.flush(errorFrame(env.Type, protocol.CodeStorageFailure, "Could not load workspace state, try again"))
		return
	}
	conn.flush(protocol.MustEncode(protocol.WorkspaceState, state))
	c.broadcastPresence(workspaceID)
	c.log.Info("workspace joined", "conn_id", conn.ID, "user_id", conn.UserID, "workspace_id", workspaceID, "role", string(role))
}

func (c *Coordinator) handleLeave(ctx context.Context, conn *Conn) {
	if conn.workspaceID == "" {
		return
	}
	c.leave(ctx, conn)
}

// leave releases the connection's locks and queue entries and broadcasts
// the shrunken presence to the old room.
func (c *Coordinator) leave(ctx context.Context, conn *Conn) {
	workspaceID := conn.workspaceID
	c.releaseConnection(ctx, conn.ID)
	c.sessions.Leave(conn.ID)
	conn.workspaceID = ""
	conn.role = ""
	c.broadcastPresence(workspaceID)
}

func (c *Coordinator) releaseConnection(ctx context.Context, connectionID string) {
	var released int
	err := c.retry("release connection", func() error {
		var err error
		released, err = c.locks.ReleaseAllForConnection(ctx, connectionID)
		return err
	})
	if err != nil {
		c.log.Error("release connection locks failed", "conn_id", connectionID, "error", err)
		return
	}
	if released > 0 {
		c.log.Info("connection locks released", "conn_id", connectionID, "count", released)
	}
}

func (c *Coordinator) handleLockRequest(ctx context.Context, conn *Conn, env protocol.Envelope) {
	var payload protocol.LockRequestPayload
	if err := env.Bind(&payload); err != nil || payload.NodeID == "" {
		c.sendError(conn, env.Type, protocol.CodeInvalidMessage, "nodeId is required")
		return
	}
	if !c.requireJoined(conn, env.Type, payload.NodeID) {
		return
	}
	lockType, ok := store.ParseLockType(payload.LockType)
	if !ok {
		c.sendNodeError(conn, env.Type, payload.NodeID, protocol.CodeInvalidMessage, fmt.Sprintf("Unknown lock type %q", payload.LockType))
		return
	}
	if !rbac.Can(conn.role, rbac.ActionWrite) {
		c.sendNodeError(conn, env.Type, payload.NodeID, protocol.CodeAccessDenied, "Read-only access to this workspace")
		return
	}

	req := locks.AcquireRequest{
		NodeID:       payload.NodeID,
		WorkspaceID:  conn.workspaceID,
		UserID:       conn.UserID,
		Username:     conn.Username,
		LockType:     lockType,
		ConnectionID: conn.ID,
	}
	var result locks.AcquireResult
	err := c.retry("acquire lock", func() error {
		var err error
		result, err = c.locks.Acquire(ctx, req)
		return err
	})
	response := protocol.LockResponsePayload{NodeID: payload.NodeID}
	switch {
	case err != nil:
		c.log.Error("acquire lock failed", "conn_id", conn.ID, "node_id", payload.NodeID, "error", err)
		response.Error = "Lock service temporarily unavailable, try again"
	case result.Granted:
		info := lockInfo(*result.Lock)
		response.Success = true
		response.Lock = &info
	default:
		info := lockInfo(*result.CurrentHolder)
		response.CurrentLock = &info
		response.Position = result.Position
		response.Error = fmt.Sprintf("Node is locked by %s", result.CurrentHolder.HolderUsername)
	}
	conn.enqueue(protocol.MustEncode(protocol.LockResponse, response))
}

func (c *Coordinator) handleLockRelease(ctx context.Context, conn *Conn, env protocol.Envelope) {
	var payload protocol.LockReleasePayload
	if err := env.Bind(&payload); err != nil || payload.NodeID == "" {
		c.sendError(conn, env.Type, protocol.CodeInvalidMessage, "nodeId is required")
		return
	}
	if !c.requireJoined(conn, env.Type, payload.NodeID) {
		return
	}
	err := c.retry("release lock", func() error {
		_, err := c.locks.Release(ctx, payload.NodeID, conn.UserID)
		return err
	})
	if err != nil {
		c.log.Error("release lock failed", "conn_id", conn.ID, "node_id", payload.NodeID, "error", err)
		c.sendNodeError(conn, env.Type, payload.NodeID, protocol.CodeStorageFailure, "Could not release lock, try again")
	}
}

func (c *Coordinator) handleNodeUpdate(ctx context.Context, conn *Conn, env protocol.Envelope) {
	var payload protocol.NodeUpdatePayload
	if err := env.Bind(&payload); err != nil || payload.NodeID == "" {
		c.sendError(conn, env.Type, protocol.CodeInvalidMessage, "nodeId is required")
		return
	}
	if !c.requireJoined(conn, env.Type, payload.NodeID) {
		return
	}
	if !rbac.Can(conn.role, rbac.ActionWrite) {
		c.sendNodeError(conn, env.Type, payload.NodeID, protocol.CodeAccessDenied, "Read-only access to this workspace")
		return
	}

	var current *store.NodeLock
	err := c.retry("lookup lock", func() error {
		var err error
		current, err = c.locks.Lock(ctx, payload.NodeID)
		return err
	})
	if err != nil {
		c.log.Error("lookup lock failed", "conn_id", conn.ID, "node_id", payload.NodeID, "error", err)
		c.sendNodeError(conn, env.Type, payload.NodeID, protocol.CodeStorageFailure, "Could not verify lock, try again")
		return
	}
	if current == nil || current.HolderUserID != conn.UserID || current.WorkspaceID != conn.workspaceID {
		c.sendNodeError(conn, env.Type, payload.NodeID, protocol.CodeProtocolViolation, fmt.Sprintf("You must hold the lock on %s to update it", payload.NodeID))
		return
	}

	frame := protocol.MustEncode(protocol.NodeUpdated, protocol.NodeUpdatedPayload{
		NodeID:    payload.NodeID,
		Changes:   payload.Changes,
		UpdatedBy: protocol.User{UserID: conn.UserID, Username: conn.Username},
		Timestamp: c.now().UTC(),
	})
	c.broadcast(conn.workspaceID, frame, conn.ID)

	if _, err := c.locks.Renew(ctx, payload.NodeID, conn.UserID); err != nil {
		c.log.Warn("renew on update failed", "conn_id", conn.ID, "node_id", payload.NodeID, "error", err)
	}
}

func (c *Coordinator) handleCursor(conn *Conn, env protocol.Envelope) {
	if !c.requireJoined(conn, env.Type, "") {
		return
	}
	if !conn.cursor.Allow() {
		return
	}
	var payload protocol.CursorPositionPayload
	if err := env.Bind(&payload); err != nil {
		c.sendError(conn, env.Type, protocol.CodeInvalidMessage, "Invalid cursor position")
		return
	}
	frame := protocol.MustEncode(protocol.CursorMoved, protocol.CursorMovedPayload{
		UserID:   conn.UserID,
		Username: conn.Username,
		NodeID:   payload.NodeID,
		Position: payload.Position,
		Color:    session.ColorFor(conn.UserID),
	})
	c.broadcast(conn.workspaceID, frame, conn.ID)
}

// LockGranted implements locks.Notifier.
func (c *Coordinator) LockGranted(lock store.NodeLock, reason locks.GrantReason) {
	frame := protocol.MustEncode(protocol.NodeLocked, protocol.NodeLockedPayload{
		NodeID:    lock.NodeID,
		LockedBy:  protocol.User{UserID: lock.HolderUserID, Username: lock.HolderUsername},
		LockType:  string(lock.LockType),
		ExpiresAt: lock.ExpiresAt.UTC(),
	})
	c.broadcast(lock.WorkspaceID, frame, "")
}

// LockReleased implements locks.Notifier.
func (c *Coordinator) LockReleased(lock store.NodeLock, reason locks.ReleaseReason) {
	frame := protocol.MustEncode(protocol.NodeUnlocked, protocol.NodeUnlockedPayload{
		NodeID:     lock.NodeID,
		UnlockedBy: lock.HolderUserID,
		Reason:     string(reason),
	})
	c.broadcast(lock.WorkspaceID, frame, "")
}

// Authorize returns the caller's role when it allows action, otherwise
// ErrAccessDenied.
func (c *Coordinator) Authorize(ctx context.Context, userID, workspaceID string, action rbac.Action) (rbac.Role, error) {
	role, err := c.access.WorkspaceRole(ctx, userID, workspaceID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(role, action) {
		return "", ErrAccessDenied
	}
	return role, nil
}

// WorkspaceState is the snapshot sent on join: live locks and presence.
func (c *Coordinator) WorkspaceState(ctx context.Context, workspaceID string) (protocol.WorkspaceStatePayload, error) {
	live, err := c.locks.WorkspaceLocks(ctx, workspaceID)
	if err != nil {
		return protocol.WorkspaceStatePayload{}, err
	}
	infos := make([]protocol.LockInfo, 0, len(live))
	for _, lock := range live {
		infos = append(infos, lockInfo(lock))
	}
	return protocol.WorkspaceStatePayload{
		WorkspaceID: workspaceID,
		Locks:       infos,
		ActiveUsers: c.Presence(workspaceID),
		Timestamp:   c.now().UTC(),
	}, nil
}

func (c *Coordinator) Presence(workspaceID string) []protocol.ActiveUser {
	present := c.sessions.Presence(workspaceID)
	users := make([]protocol.ActiveUser, 0, len(present))
	for _, u := range present {
		users = append(users, protocol.ActiveUser{
			UserID:      u.UserID,
			Username:    u.Username,
			Color:       u.Color,
			ConnectedAt: u.ConnectedAt.UTC(),
		})
	}
	return users
}

// IsLive reports whether connectionID belongs to an open connection of this
// process.
func (c *Coordinator) IsLive(connectionID string) bool {
	return c.sessions.IsLive(connectionID)
}

func (c *Coordinator) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

func (c *Coordinator) lookup(connectionID string) (*Conn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[connectionID]
	return conn, ok
}

func (c *Coordinator) broadcast(workspaceID string, frame []byte, exceptConnID string) {
	if workspaceID == "" {
		return
	}
	for _, s := range c.sessions.InWorkspace(workspaceID) {
		if s.ConnectionID == exceptConnID {
			continue
		}
		conn, ok := c.lookup(s.ConnectionID)
		if !ok {
			continue
		}
		if !conn.enqueue(frame) {
			c.log.Warn("dropping slow connection", "conn_id", conn.ID, "user_id", conn.UserID)
		}
	}
}

func (c *Coordinator) broadcastPresence(workspaceID string) {
	frame := protocol.MustEncode(protocol.PresenceUpdate, protocol.PresenceUpdatePayload{
		ActiveUsers: c.Presence(workspaceID),
	})
	c.broadcast(workspaceID, frame, "")
}

func (c *Coordinator) requireJoined(conn *Conn, event protocol.EventType, nodeID string) bool {
	if conn.workspaceID != "" {
		return true
	}
	c.sendNodeError(conn, event, nodeID, protocol.CodeNotJoined, "Join a workspace first")
	return false
}

func (c *Coordinator) sendError(conn *Conn, event protocol.EventType, code, message string) {
	conn.enqueue(errorFrame(event, code, message))
}

func (c *Coordinator) sendNodeError(conn *Conn, event protocol.EventType, nodeID, code, message string) {
	conn.enqueue(protocol.MustEncode(protocol.Error, protocol.ErrorPayload{
		Message: message,
		Code:    code,
		Event:   event,
		NodeID:  nodeID,
	}))
}

// retry runs fn a second time when the first attempt fails.
func (c *Coordinator) retry(op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	c.log.Warn("storage operation failed, retrying", "op", op, "error", err)
	return fn()
}

func errorFrame(event protocol.EventType, code, message string) []byte {
	return protocol.MustEncode(protocol.Error, protocol.ErrorPayload{Message: message, Code: code, Event: event})
}

func lockInfo(lock store.NodeLock) protocol.LockInfo {
	return protocol.LockInfo{
		NodeID:      lock.NodeID,
		WorkspaceID: lock.WorkspaceID,
		LockedBy:    protocol.User{UserID: lock.HolderUserID, Username: lock.HolderUsername},
		LockType:    string(lock.LockType),
		LockedAt:    lock.AcquiredAt.UTC(),
		ExpiresAt:   lock.ExpiresAt.UTC(),
	}
}
