package collab

import (
	"sync"

	"golang.org/x/time/rate"

	"canopy/api/internal/rbac"
)

// Conn is one authenticated client connection. Frames queued with enqueue are
// written by the transport in order; a full buffer closes the connection.
type Conn struct {
	ID       string
	UserID   string
	Username string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	cursor    *rate.Limiter

	// opMu serializes inbound handling with disconnect cleanup.
	opMu        sync.Mutex
	gone        bool
	workspaceID string
	role        rbac.Role

	// While holding, frames are parked so that a join's workspace-state
	// reaches the client before any broadcast that raced with it.
	holdMu  sync.Mutex
	holding bool
	held    [][]byte
}

// Send is the outbound frame stream consumed by the transport writer.
func (c *Conn) Send() <-chan []byte { return c.send }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close marks the connection closed and tears down the transport. It does not
// run session cleanup; the transport's reader does that when it unblocks.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(frame []byte) bool {
	c.holdMu.Lock()
	if c.holding {
		c.held = append(c.held, frame)
		c.holdMu.Unlock()
		return true
	}
	ok := c.push(frame)
	c.holdMu.Unlock()
	if !ok && !c.isClosed() {
		c.Close()
	}
	return ok
}

// push must be called with holdMu held.
func (c *Conn) push(frame []byte) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) hold() {
	c.holdMu.Lock()
	c.holding = true
	c.holdMu.Unlock()
}

// flush sends first, then everything parked since hold, and resumes direct
// delivery.
func (c *Conn) flush(first []byte) {
	c.holdMu.Lock()
	frames := append([][]byte{first}, c.held...)
	c.held = nil
	c.holding = false
	ok := true
	for _, frame := range frames {
		if frame == nil {
			continue
		}
		if !c.push(frame) {
			ok = false
			break
		}
	}
	c.holdMu.Unlock()
	if !ok && !c.isClosed() {
		c.Close()
	}
}
