// Package agent is the client side of a collaboration connection. An Agent
// keeps one websocket to the server alive, reconnecting with capped
// exponential backoff, queues lock releases and node updates while offline,
// and mirrors the server's lock and presence broadcasts into a local
// snapshot. Lock ownership in the snapshot only ever comes from the server.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"canopy/api/internal/protocol"
)

var (
	ErrLockTimeout      = errors.New("lock request timed out")
	ErrLockDenied       = errors.New("lock denied")
	ErrLockUnavailable  = errors.New("lock service unavailable")
	ErrNotConnected     = errors.New("not connected")
	ErrNotJoined        = errors.New("not joined to a workspace")
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthentication   = errors.New("authentication failed")
)

// LockDeniedError carries the holder that blocked a lock request. The
// server keeps the requester queued; the lock arrives later as a
// node-locked broadcast without another request.
type LockDeniedError struct {
	NodeID   string
	Holder   protocol.LockInfo
	Position int
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("node %s is locked by %s", e.NodeID, e.Holder.LockedBy.Username)
}

func (e *LockDeniedError) Unwrap() error { return ErrLockDenied }

// ServerError is an error frame sent by the server.
type ServerError struct {
	Code    string
	Message string
	Event   protocol.EventType
	NodeID  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	URL   string
	Token string
	// UserID identifies this client's own locks in server broadcasts.
	UserID string

	Dialer            Dialer
	Backoff           Backoff
	MaxAttempts       int
	OutboxSize        int
	LockTimeout       time.Duration
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	Logger            *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 100
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type EventKind string

const (
	EventState       EventKind = "state"
	EventLocks       EventKind = "locks"
	EventPresence    EventKind = "presence"
	EventUpdate      EventKind = "update"
	EventCursor      EventKind = "cursor"
	EventServerError EventKind = "server-error"
	EventOutboxDrop  EventKind = "outbox-drop"
)

// Event tells subscribers that part of the local view changed.
type Event struct {
	Kind   EventKind
	State  State
	NodeID string
	Update *protocol.NodeUpdatedPayload
	Cursor *protocol.CursorMovedPayload
	Err    error
}

// Snapshot is a copy of the agent's local view.
type Snapshot struct {
	State       State
	WorkspaceID string
	Locks       map[string]protocol.LockInfo
	Presence    []protocol.ActiveUser
	Outboxed    int
	Dropped     int
}

type lockResult struct {
	lock protocol.LockInfo
	err  error
}

const writeWait = 10 * time.Second

type Agent struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	workspaceID string
	locks       map[string]protocol.LockInfo
	presence    []protocol.ActiveUser
	reacquire   []string
	outbox      *Outbox
	pending     map[string][]chan lockResult
	subs        map[chan Event]struct{}

	done       chan struct{}
	doneErr    error
	finishOnce sync.Once
}

func New(cfg Config) *Agent {
	cfg.applyDefaults()
	return &Agent{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "agent"),
		locks:   make(map[string]protocol.LockInfo),
		outbox:  NewOutbox(cfg.OutboxSize),
		pending: make(map[string][]chan lockResult),
		subs:    make(map[chan Event]struct{}),
		done:    make(chan struct{}),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled or the
// reconnect budget is spent. It returns nil on cancellation and an error
// wrapping ErrConnectionFailed or ErrAuthentication otherwise. Run must be
// called once.
func (a *Agent) Run(ctx context.Context) error {
	attempts := 0
	delays := a.cfg.Backoff.schedule()
	for {
		a.setState(Connecting)
		conn, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return a.finish(nil)
			}
			if errors.Is(err, ErrAuthentication) {
				a.log.Error("connection rejected", "error", err)
				return a.finish(err)
			}
			attempts++
			a.log.Warn("connect failed", "attempt", attempts, "max_attempts", a.cfg.MaxAttempts, "error", err)
			if attempts >= a.cfg.MaxAttempts {
				return a.finish(fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, attempts, err))
			}
			a.setState(Disconnected)
			if !sleep(ctx, delays.NextBackOff()) {
				return a.finish(nil)
			}
			continue
		}

		attempts = 0
		delays.Reset()
		a.serve(ctx, conn)
		if ctx.Err() != nil {
			return a.finish(nil)
		}
		if !sleep(ctx, delays.NextBackOff()) {
			return a.finish(nil)
		}
	}
}

// Done is closed when Run returns.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Err is the terminal error once Done is closed.
func (a *Agent) Err() error {
	select {
	case <-a.done:
		return a.doneErr
	default:
		return nil
	}
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// JoinWorkspace joins now when connected and on every reconnect after.
func (a *Agent) JoinWorkspace(workspaceID string) error {
	if workspaceID == "" {
		return errors.New("workspace id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Failed {
		return ErrConnectionFailed
	}
	if a.workspaceID != workspaceID {
		a.resetWorkspaceLocked()
	}
	a.workspaceID = workspaceID
	if a.connectedLocked() {
		if err := a.writeLocked(protocol.JoinWorkspace, protocol.JoinWorkspacePayload{WorkspaceID: workspaceID}); err != nil {
			a.abortLocked(err)
		}
	}
	return nil
}

func (a *Agent) LeaveWorkspace() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.workspaceID == "" {
		return nil
	}
	if a.connectedLocked() {
		if err := a.writeLocked(protocol.LeaveWorkspace, nil); err != nil {
			a.abortLocked(err)
		}
	}
	a.resetWorkspaceLocked()
	a.workspaceID = ""
	return nil
}

// RequestLock asks for a node lock and waits for the server's answer, at
// most LockTimeout. A denial returns a *LockDeniedError; it is not retried.
func (a *Agent) RequestLock(ctx context.Context, nodeID, lockType string) (protocol.LockInfo, error) {
	if nodeID == "" {
		return protocol.LockInfo{}, errors.New("node id is required")
	}
	ch := make(chan lockResult, 1)

	a.mu.Lock()
	if !a.connectedLocked() {
		a.mu.Unlock()
		return protocol.LockInfo{}, ErrNotConnected
	}
	if a.workspaceID == "" {
		a.mu.Unlock()
		return protocol.LockInfo{}, ErrNotJoined
	}
	if err := a.writeLocked(protocol.LockRequest, protocol.LockRequestPayload{NodeID: nodeID, LockType: lockType}); err != nil {
		a.abortLocked(err)
		a.mu.Unlock()
		return protocol.LockInfo{}, ErrNotConnected
	}
	// An abandoned channel stays queued so a late answer cannot be matched
	// to a later request for the same node.
	a.pending[nodeID] = append(a.pending[nodeID], ch)
	a.mu.Unlock()

	timer := time.NewTimer(a.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.lock, res.err
	case <-timer.C:
		return protocol.LockInfo{}, ErrLockTimeout
	case <-ctx.Done():
		return protocol.LockInfo{}, ctx.Err()
	}
}

// ReleaseLock sends a release, or queues it while offline.
func (a *Agent) ReleaseLock(nodeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendOrQueueLocked(OutboxEntry{Kind: OutboxLockRelease, NodeID: nodeID, EnqueuedAt: time.Now()})
}

// BroadcastUpdate sends node changes, or queues them while offline.
func (a *Agent) BroadcastUpdate(nodeID string, changes any) error {
	raw, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendOrQueueLocked(OutboxEntry{Kind: OutboxNodeUpdate, NodeID: nodeID, Payload: raw, EnqueuedAt: time.Now()})
}

// UpdateCursor is best effort: offline cursor moves are dropped.
func (a *Agent) UpdateCursor(nodeID string, position any) error {
	raw, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connectedLocked() {
		return ErrNotConnected
	}
	if a.workspaceID == "" {
		return ErrNotJoined
	}
	if err := a.writeLocked(protocol.CursorPosition, protocol.CursorPositionPayload{NodeID: nodeID, Position: raw}); err != nil {
		a.abortLocked(err)
		return ErrNotConnected
	}
	return nil
}

// Subscribe returns a channel of change notifications. Slow subscribers miss
// events rather than block the agent; Snapshot always has the latest view.
func (a *Agent) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, ch)
			close(ch)
			a.mu.Unlock()
		})
	}
}

func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	locks := make(map[string]protocol.LockInfo, len(a.locks))
	for id, lock := range a.locks {
		locks[id] = lock
	}
	return Snapshot{
		State:       a.state,
		WorkspaceID: a.workspaceID,
		Locks:       locks,
		Presence:    append([]protocol.ActiveUser(nil), a.presence...),
		Outboxed:    a.outbox.Len(),
		Dropped:     a.outbox.Dropped(),
	}
}

// Badge is the lock indicator text for a node: empty when unlocked,
// "Editing" for this client's own lock, otherwise "Locked by <name>".
func (a *Agent) Badge(nodeID string) string {
	a.mu.Lock()
	lock, ok := a.locks[nodeID]
	a.mu.Unlock()
	switch {
	case !ok:
		return ""
	case lock.LockedBy.UserID == a.cfg.UserID:
		return "Editing"
	default:
		return "Locked by " + lock.LockedBy.Username
	}
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	conn, resp, err := a.cfg.Dialer.DialContext(ctx, a.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil, err
	}
	return conn, nil
}

func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := a.onConnected(conn); err != nil {
		a.log.Warn("resume after connect failed", "error", err)
		_ = conn.Close()
		a.onDisconnected(conn)
		return
	}

	hbCtx, cancel := context.WithCancel(ctx)
	go a.heartbeatLoop(hbCtx, conn)
	err := a.readLoop(conn)
	cancel()
	_ = conn.Close()
	a.onDisconnected(conn)
	a.log.Info("connection lost", "error", err)
}

// onConnected rejoins the workspace, re-requests locks lost with the old
// connection and then replays the outbox, all before any other caller can
// write.
func (a *Agent) onConnected(conn *websocket.Conn) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = conn

	if a.workspaceID != "" {
		if err := a.writeLocked(protocol.JoinWorkspace, protocol.JoinWorkspacePayload{WorkspaceID: a.workspaceID}); err != nil {
			a.conn = nil
			return err
		}
		released := make(map[string]bool)
		for _, entry := range a.outbox.Drain() {
			if entry.Kind == OutboxLockRelease {
				released[entry.NodeID] = true
			}
			a.outbox.Push(entry)
		}
		for _, nodeID := range a.reacquire {
			if released[nodeID] {
				continue
			}
			if err := a.writeLocked(protocol.LockRequest, protocol.LockRequestPayload{NodeID: nodeID}); err != nil {
				a.conn = nil
				return err
			}
		}
	}
	a.reacquire = nil

	entries := a.outbox.Drain()
	for i, entry := range entries {
		frame, err := entry.frame()
		if err != nil {
			a.log.Warn("dropping unencodable outbox entry", "node_id", entry.NodeID, "error", err)
			continue
		}
		if err := a.writeFrameLocked(frame); err != nil {
			for _, rest := range entries[i:] {
				a.outbox.Push(rest)
			}
			a.conn = nil
			return err
		}
	}
	if len(entries) > 0 {
		a.log.Info("outbox replayed", "count", len(entries))
	}
	a.setStateLocked(Connected)
	return nil
}

func (a *Agent) onDisconnected(conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == conn {
		a.conn = nil
	}
	// The server releases a connection's locks when it goes away.
	changed := false
	for nodeID, lock := range a.locks {
		if lock.LockedBy.UserID == a.cfg.UserID {
			a.reacquire = append(a.reacquire, nodeID)
			delete(a.locks, nodeID)
			changed = true
		}
	}
	sort.Strings(a.reacquire)
	a.failPendingLocked(ErrNotConnected)
	if a.state != Failed {
		a.setStateLocked(Disconnected)
	}
	if changed {
		a.emitLocked(Event{Kind: EventLocks})
	}
}

func (a *Agent) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		_ = conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		return nil
	})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		env, err := protocol.Decode(frame)
		if err != nil {
			a.log.Warn("ignoring malformed frame", "error", err)
			continue
		}
		a.dispatch(env)
	}
}

func (a *Agent) dispatch(env protocol.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch env.Type {
	case protocol.WorkspaceState:
		var p protocol.WorkspaceStatePayload
		if !a.bind(env, &p) || p.WorkspaceID != a.workspaceID {
			return
		}
		a.locks = make(map[string]protocol.LockInfo, len(p.Locks))
		for _, lock := range p.Locks {
			a.locks[lock.NodeID] = lock
		}
		a.presence = p.ActiveUsers
		a.emitLocked(Event{Kind: EventLocks})
		a.emitLocked(Event{Kind: EventPresence})

	case protocol.PresenceUpdate:
		var p protocol.PresenceUpdatePayload
		if !a.bind(env, &p) {
			return
		}
		a.presence = p.ActiveUsers
		a.emitLocked(Event{Kind: EventPresence})

	case protocol.NodeLocked:
		var p protocol.NodeLockedPayload
		if !a.bind(env, &p) {
			return
		}
		a.locks[p.NodeID] = protocol.LockInfo{
			NodeID:      p.NodeID,
			WorkspaceID: a.workspaceID,
			LockedBy:    p.LockedBy,
			LockType:    p.LockType,
			ExpiresAt:   p.ExpiresAt,
		}
		a.emitLocked(Event{Kind: EventLocks, NodeID: p.NodeID})

	case protocol.NodeUnlocked:
		var p protocol.NodeUnlockedPayload
		if !a.bind(env, &p) {
			return
		}
		delete(a.locks, p.NodeID)
		a.emitLocked(Event{Kind: EventLocks, NodeID: p.NodeID})

	case protocol.LockResponse:
		var p protocol.LockResponsePayload
		if !a.bind(env, &p) {
			return
		}
		var res lockResult
		switch {
		case p.Success && p.Lock != nil:
			// The lock table follows node-locked and node-unlocked only. A
			// response can trail a release that already reached us.
			res.lock = *p.Lock
		case p.CurrentLock != nil:
			res.err = &LockDeniedError{NodeID: p.NodeID, Holder: *p.CurrentLock, Position: p.Position}
		default:
			res.err = fmt.Errorf("%w: %s", ErrLockUnavailable, p.Error)
		}
		a.resolveLocked(p.NodeID, res)

	case protocol.NodeUpdated:
		var p protocol.NodeUpdatedPayload
		if !a.bind(env, &p) {
			return
		}
		a.emitLocked(Event{Kind: EventUpdate, NodeID: p.NodeID, Update: &p})

	case protocol.CursorMoved:
		var p protocol.CursorMovedPayload
		if !a.bind(env, &p) {
			return
		}
		a.emitLocked(Event{Kind: EventCursor, NodeID: p.NodeID, Cursor: &p})

	case protocol.Error:
		var p protocol.ErrorPayload
		if !a.bind(env, &p) {
			return
		}
		serverErr := &ServerError{Code: p.Code, Message: p.Message, Event: p.Event, NodeID: p.NodeID}
		if p.Event == protocol.LockRequest && p.NodeID != "" {
			a.resolveLocked(p.NodeID, lockResult{err: serverErr})
		}
		a.log.Warn("server error", "code", p.Code, "message", p.Message, "event", string(p.Event))
		a.emitLocked(Event{Kind: EventServerError, NodeID: p.NodeID, Err: serverErr})

	default:
		a.log.Debug("ignoring event", "type", string(env.Type))
	}
}

func (a *Agent) bind(env protocol.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		a.log.Warn("ignoring bad payload", "type", string(env.Type), "error", err)
		return false
	}
	return true
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			if a.conn == conn {
				if err := a.writeLocked(protocol.Heartbeat, nil); err != nil {
					a.abortLocked(err)
				}
			}
			a.mu.Unlock()
		}
	}
}

func (a *Agent) sendOrQueueLocked(entry OutboxEntry) error {
	if a.state == Failed {
		return ErrConnectionFailed
	}
	if a.workspaceID == "" {
		return ErrNotJoined
	}
	if a.connectedLocked() {
		frame, err := entry.frame()
		if err != nil {
			return err
		}
		if err := a.writeFrameLocked(frame); err == nil {
			return nil
		}
		a.abortLocked(err)
	}
	if a.outbox.Push(entry) {
		a.log.Warn("outbox full, dropped oldest entry", "dropped", a.outbox.Dropped())
		a.emitLocked(Event{Kind: EventOutboxDrop, NodeID: entry.NodeID})
	}
	return nil
}

func (a *Agent) connectedLocked() bool {
	return a.state == Connected && a.conn != nil
}

// abortLocked drops a connection whose write failed; the read loop then
// notices and the reconnect cycle starts.
func (a *Agent) abortLocked(err error) {
	a.log.Warn("write failed, dropping connection", "error", err)
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.setStateLocked(Disconnected)
}

func (a *Agent) writeLocked(eventType protocol.EventType, payload any) error {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return a.writeFrameLocked(frame)
}

func (a *Agent) writeFrameLocked(frame []byte) error {
	if a.conn == nil {
		return ErrNotConnected
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(websocket.TextMessage, frame)
}

func (a *Agent) resolveLocked(nodeID string, res lockResult) {
	queue := a.pending[nodeID]
	if len(queue) == 0 {
		return
	}
	queue[0] <- res
	if len(queue) == 1 {
		delete(a.pending, nodeID)
		return
	}
	a.pending[nodeID] = queue[1:]
}

func (a *Agent) failPendingLocked(err error) {
	for nodeID, queue := range a.pending {
		for _, ch := range queue {
			ch <- lockResult{err: err}
		}
		delete(a.pending, nodeID)
	}
}

func (a *Agent) resetWorkspaceLocked() {
	a.locks = make(map[string]protocol.LockInfo)
	a.presence = nil
	a.reacquire = nil
	if n := a.outbox.Clear(); n > 0 {
		a.log.Warn("workspace left with queued actions, dropped them", "dropped", n)
		a.emitLocked(Event{Kind: EventOutboxDrop})
	}
	a.emitLocked(Event{Kind: EventLocks})
	a.emitLocked(Event{Kind: EventPresence})
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setStateLocked(s)
}

func (a *Agent) setStateLocked(s State) {
	if a.state == s {
		return
	}
	a.state = s
	a.emitLocked(Event{Kind: EventState, State: s})
}

func (a *Agent) emitLocked(ev Event) {
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (a *Agent) finish(err error) error {
	a.finishOnce.Do(func() {
		a.mu.Lock()
		if err != nil {
			a.setStateLocked(Failed)
		} else {
			a.setStateLocked(Disconnected)
		}
		a.failPendingLocked(ErrNotConnected)
		a.doneErr = err
		a.mu.Unlock()
		close(a.done)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
