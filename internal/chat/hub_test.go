package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/containerd/errdefs"

	"github.com/ashureev/gagsync/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	err    error
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) messages(t *testing.T) []Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0, len(c.frames))
	for _, f := range c.frames {
		var m Message
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("bad frame %s: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

func TestHub_RegisterReplacesSameConnID(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	first, second := &fakeConn{}, &fakeConn{}
	h.Register("Alice", "c1", first)
	h.Register("Alice", "c1", second)

	if !first.closed {
		t.Error("Expected replaced connection to be closed")
	}
	if h.Connections("Alice") != 1 {
		t.Errorf("Expected 1 connection, got %d", h.Connections("Alice"))
	}

	// A stale unregister must not remove the replacement.
	h.Unregister("Alice", "c1", first)
	if h.Connections("Alice") != 1 {
		t.Error("Stale unregister removed the live connection")
	}
	h.Unregister("Alice", "c1", second)
	if h.Connections("Alice") != 0 {
		t.Error("Expected connection removed")
	}
}

func TestHub_Invoke(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	alice, bob := &fakeConn{}, &fakeConn{}
	h.Register("Alice", "a", alice)
	h.Register("Bob", "b", bob)

	action := domain.Action{ID: "act-1", Category: domain.CategoryGag, Target: "Alice", Source: "Bob"}
	if err := h.Invoke(context.Background(), action); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	msgs := alice.messages(t)
	if len(msgs) != 1 || msgs[0].Type != TypeAction || msgs[0].Action == nil || msgs[0].Action.ID != "act-1" {
		t.Fatalf("Unexpected frames for Alice: %+v", msgs)
	}
	if msgs[0].Action.Category != domain.CategoryGag {
		t.Errorf("Expected gag category, got %v", msgs[0].Action.Category)
	}
	if len(bob.messages(t)) != 0 {
		t.Error("Bob should not receive Alice's action")
	}
}

func TestHub_SendErrors(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	ctx := context.Background()

	if err := h.Send(ctx, "Ghost", Message{Type: TypeAction}); !errdefs.IsUnavailable(err) {
		t.Errorf("Expected unavailable for missing player, got %v", err)
	}
	if err := h.Send(ctx, "", Message{Type: TypeAction}); !errdefs.IsInvalidArgument(err) {
		t.Errorf("Expected invalid argument for empty player, got %v", err)
	}

	broken := errors.New("broken pipe")
	h.Register("Alice", "a", &fakeConn{err: broken})
	if err := h.Send(ctx, "Alice", Message{Type: TypeAction}); !errors.Is(err, broken) {
		t.Errorf("Expected write error, got %v", err)
	}

	h.Register("Alice", "b", &fakeConn{})
	if err := h.Send(ctx, "Alice", Message{Type: TypeAction}); err != nil {
		t.Errorf("Expected success when one connection accepts, got %v", err)
	}
}

func TestHub_NotifyRollCompleteBroadcasts(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	conns := []*fakeConn{{}, {}, {}}
	h.Register("Alice", "a", conns[0])
	h.Register("Bob", "b", conns[1])
	h.Register("Bob", "b2", conns[2])

	h.NotifyRollComplete(domain.RollResult{SessionID: "s1", Loser: "Bob", Winner: "Alice"})

	for i, c := range conns {
		msgs := c.messages(t)
		if len(msgs) != 1 || msgs[0].Type != TypeDeathRollComplete || msgs[0].Result.SessionID != "s1" {
			t.Errorf("conn %d: unexpected frames %+v", i, msgs)
		}
	}
}

func TestHub_CloseIdentity(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	a, b := &fakeConn{}, &fakeConn{}
	h.Register("Alice", "a", a)
	h.Register("Alice", "b", b)
	h.CloseIdentity("Alice")

	if !a.closed || !b.closed {
		t.Error("Expected all of Alice's connections closed")
	}
	if h.Connections("Alice") != 0 {
		t.Error("Expected Alice removed from hub")
	}
}
