// Package protocol defines the JSON frames exchanged between the collaboration
// server and its clients. Every frame is {"type": <event>, "payload": {...}}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	// client -> server
	JoinWorkspace  EventType = "join-workspace"
	LeaveWorkspace EventType = "leave-workspace"
	LockRequest    EventType = "node-lock-request"
	LockRelease    EventType = "node-lock-release"
	NodeUpdate     EventType = "node-update"
	CursorPosition EventType = "cursor-position"
	Heartbeat      EventType = "heartbeat"

	// server -> client
	LockResponse   EventType = "node-lock-response"
	NodeLocked     EventType = "node-locked"
	NodeUnlocked   EventType = "node-unlocked"
	NodeUpdated    EventType = "node-updated"
	CursorMoved    EventType = "cursor-moved"
	PresenceUpdate EventType = "presence-update"
	WorkspaceState EventType = "workspace-state"
	Error          EventType = "error"
)

// Machine-readable codes carried by error frames.
const (
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeAccessDenied         = "ACCESS_DENIED"
	CodeNotJoined            = "NOT_JOINED"
	CodeProtocolViolation    = "PROTOCOL_VIOLATION"
	CodeStorageFailure       = "STORAGE_FAILURE"
	CodeInvalidMessage       = "INVALID_MESSAGE"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidPayload = errors.New("invalid payload")
)

type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a frame. Unknown event types are not rejected here; the
// receiver decides what it understands.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

// Bind unmarshals the payload into v. A missing payload leaves v untouched.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidPayload, e.Type, err)
	}
	return nil
}

func Encode(eventType EventType, payload any) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// MustEncode is for payloads built from plain structs that cannot fail.
func MustEncode(eventType EventType, payload any) []byte {
	frame, err := Encode(eventType, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type LockInfo struct {
	NodeID      string    `json:"nodeId"`
	WorkspaceID string    `json:"workspaceId"`
	LockedBy    User      `json:"lockedBy"`
	LockType    string    `json:"lockType"`
	LockedAt    time.Time `json:"lockedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type ActiveUser struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Color       string    `json:"color"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type JoinWorkspacePayload struct {
	WorkspaceID string `json:"workspaceId"`
}

type LockRequestPayload struct {
	NodeID   string `json:"nodeId"`
	LockType string `json:"lockType,omitempty"`
}

type LockResponsePayload struct {
	NodeID      string    `json:"nodeId"`
	Success     bool      `json:"success"`
	Lock        *LockInfo `json:"lock,omitempty"`
	Error       string    `json:"error,omitempty"`
	CurrentLock *LockInfo `json:"currentLock,omitempty"`
	// Position is the requester's place in the queue when not granted.
	Position int `json:"position,omitempty"`
}

type LockReleasePayload struct {
	NodeID string `json:"nodeId"`
}

type NodeLockedPayload struct {
	NodeID    string    `json:"nodeId"`
	LockedBy  User      `json:"lockedBy"`
	LockType  string    `json:"lockType"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type NodeUnlockedPayload struct {
	NodeID     string `json:"nodeId"`
	UnlockedBy string `json:"unlockedBy"`
	Reason     string `json:"reason,omitempty"`
}

type NodeUpdatePayload struct {
	NodeID  string          `json:"nodeId"`
	Changes json.RawMessage `json:"changes"`
}

type NodeUpdatedPayload struct {
	NodeID    string          `json:"nodeId"`
	Changes   json.RawMessage `json:"changes"`
	UpdatedBy User            `json:"updatedBy"`
	Timestamp time.Time       `json:"timestamp"`
}

type CursorPositionPayload struct {
	NodeID   string          `json:"nodeId"`
	Position json.RawMessage `json:"position"`
}

type CursorMovedPayload struct {
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	NodeID   string          `json:"nodeId"`
	Position json.RawMessage `json:"position"`
	Color    string          `json:"color"`
}

type PresenceUpdatePayload struct {
	ActiveUsers []ActiveUser `json:"activeUsers"`
}

type WorkspaceStatePayload struct {
	WorkspaceID string       `json:"workspaceId"`
	Locks       []LockInfo   `json:"locks"`
	ActiveUsers []ActiveUser `json:"activeUsers"`
	Timestamp   time.Time    `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	// Event names the inbound event that caused the error, when known.
	Event  EventType `json:"event,omitempty"`
	NodeID string    `json:"nodeId,omitempty"`
}
