package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canopy/api/internal/store"
)

type fakeMirror struct {
	mu       sync.Mutex
	upserts  []store.SessionRecord
	touches  []string
	deletes  []string
	failWith error
}

func (m *fakeMirror) UpsertSession(_ context.Context, record store.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, record)
	return m.failWith
}

func (m *fakeMirror) TouchSession(_ context.Context, connectionID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches = append(m.touches, connectionID)
	return m.failWith
}

func (m *fakeMirror) DeleteSession(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, connectionID)
	return m.failWith
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func TestJoinLeavePresence(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithClock(clock.Now))

	r.Register("c1", "u1", "Avery")
	clock.now = clock.now.Add(time.Second)
	r.Register("c2", "u2", "Blair")
	clock.now = clock.now.Add(time.Second)
	r.Register("c3", "u1", "Avery")

	for _, conn := range []string{"c1", "c2", "c3"} {
		if prev, err := r.Join(conn, "ws-1"); err != nil || prev != "" {
			t.Fatalf("Join(%s) = %q, %v", conn, prev, err)
		}
	}

	presence := r.Presence("ws-1")
	if len(presence) != 2 {
		t.Fatalf("presence = %+v, want 2 distinct users", presence)
	}
	if presence[0].UserID != "u1" || presence[1].UserID != "u2" {
		t.Fatalf("presence order = %+v", presence)
	}
	if presence[0].Color != ColorFor("u1") || presence[0].Color == "" {
		t.Fatalf("unexpected colour %q", presence[0].Color)
	}

	prev, err := r.Join("c2", "ws-2")
	if err != nil || prev != "ws-1" {
		t.Fatalf("switch Join() = %q, %v; want ws-1", prev, err)
	}
	if got := r.Presence("ws-1"); len(got) != 1 {
		t.Fatalf("ws-1 presence after switch = %+v", got)
	}

	left, ok := r.Leave("c2")
	if !ok || left != "ws-2" {
		t.Fatalf("Leave() = %q, %v", left, ok)
	}
	if _, ok := r.Leave("c2"); ok {
		t.Fatal("second Leave() should report nothing to leave")
	}
	if got := r.Presence("ws-2"); len(got) != 0 {
		t.Fatalf("ws-2 presence = %+v, want empty", got)
	}
}

func TestJoinUnknownConnection(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Join("missing", "ws-1"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Join() error = %v, want ErrUnknownConnection", err)
	}
}

func TestStaleSessions(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithClock(clock.Now))
	r.Register("c1", "u1", "Avery")
	r.Register("c2", "u2", "Blair")

	clock.now = clock.now.Add(60 * time.Second)
	r.Heartbeat("c2")
	clock.now = clock.now.Add(40 * time.Second)

	stale := r.Stale(90 * time.Second)
	if len(stale) != 1 || stale[0].ConnectionID != "c1" {
		t.Fatalf("stale = %+v, want [c1]", stale)
	}
	if r.Heartbeat("missing") {
		t.Fatal("heartbeat for an unknown connection must report false")
	}
}

func TestRemoveDestroysSession(t *testing.T) {
	mirror := &fakeMirror{}
	r := NewRegistry(WithMirror(mirror))
	r.Register("c1", "u1", "Avery")
	_, _ = r.Join("c1", "ws-1")
	r.Heartbeat("c1")

	s, ok := r.Remove("c1")
	if !ok || s.WorkspaceID != "ws-1" {
		t.Fatalf("Remove() = %+v, %v", s, ok)
	}
	if r.IsLive("c1") || r.Count() != 0 {
		t.Fatal("session should be gone")
	}
	if _, ok := r.Remove("c1"); ok {
		t.Fatal("second Remove() should report false")
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.upserts) != 2 || mirror.upserts[1].WorkspaceID != "ws-1" {
		t.Fatalf("upserts = %+v", mirror.upserts)
	}
	if len(mirror.touches) != 1 || len(mirror.deletes) != 1 {
		t.Fatalf("touches = %v, deletes = %v", mirror.touches, mirror.deletes)
	}
}

func TestMirrorFailureDoesNotBlockRegistry(t *testing.T) {
	r := NewRegistry(WithMirror(&fakeMirror{failWith: errors.New("db down")}))
	r.Register("c1", "u1", "Avery")
	if _, err := r.Join("c1", "ws-1"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if got := r.Presence("ws-1"); len(got) != 1 {
		t.Fatalf("presence = %+v", got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := string(rune('a'+i%26)) + string(rune('a'+i/26))
			r.Register(conn, conn, conn)
			_, _ = r.Join(conn, "ws-1")
			r.Heartbeat(conn)
			_ = r.Presence("ws-1")
		}(i)
	}
	wg.Wait()
	if got := len(r.Presence("ws-1")); got != 50 {
		t.Fatalf("presence size = %d, want 50", got)
	}
}
