package session

import (
	"testing"
	"time"

	"github.com/workspace/acp-broker/internal/agentruntime"
)

func TestEnsureCreatesThenReturnsExisting(t *testing.T) {
	t.Parallel()
	reg := New(time.Minute, nil)
	rt1 := agentruntime.New("rt:1", agentruntime.Spec{})
	rt2 := agentruntime.New("rt:2", agentruntime.Spec{})

	rec1 := reg.Ensure("S", rt1)
	if rec1.Runtime != rt1 {
		t.Fatal("expected new record to reference rt1")
	}

	rec2 := reg.Ensure("S", rt2)
	if rec2 != rec1 {
		t.Fatal("expected Ensure to return the same record")
	}
	if rec2.Runtime != rt2 {
		t.Error("expected rebind to replace the runtime reference")
	}
}

func TestAttachDetachSubscribers(t *testing.T) {
	t.Parallel()
	reg := New(time.Minute, nil)
	rt := agentruntime.New("rt:1", agentruntime.Spec{})
	reg.Ensure("S", rt)

	reg.Attach("conn-1", "S")
	reg.Attach("conn-2", "S")

	subs := reg.GetSubscribers("S")
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}

	reg.Detach("conn-1")
	subs = reg.GetSubscribers("S")
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscriber after detach, got %d", len(subs))
	}
}

func TestIdleExpiryInvokesOnExpire(t *testing.T) {
	t.Parallel()

	expired := make(chan string, 1)
	reg := New(20*time.Millisecond, func(rec *Record) { expired <- rec.SessionID })

	rt := agentruntime.New("rt:1", agentruntime.Spec{})
	reg.Ensure("S", rt)
	reg.Attach("conn-1", "S")
	reg.Detach("conn-1")

	select {
	case id := <-expired:
		if id != "S" {
			t.Errorf("expired session id = %q, want S", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle expiry")
	}

	if _, ok := reg.Get("S"); ok {
		t.Error("expected expired record to be removed from the registry")
	}
}

func TestReattachCancelsCleanupTimer(t *testing.T) {
	t.Parallel()

	expired := make(chan string, 1)
	reg := New(30*time.Millisecond, func(rec *Record) { expired <- rec.SessionID })

	rt := agentruntime.New("rt:1", agentruntime.Spec{})
	reg.Ensure("S", rt)
	reg.Attach("conn-1", "S")
	reg.Detach("conn-1")
	reg.Attach("conn-2", "S") // reattach before TTL fires

	select {
	case <-expired:
		t.Fatal("did not expect expiry after reattaching")
	case <-time.After(100 * time.Millisecond):
	}

	if _, ok := reg.Get("S"); !ok {
		t.Error("expected record to still exist after reattach")
	}
}

func TestHasSessionsForRuntime(t *testing.T) {
	t.Parallel()
	reg := New(time.Minute, nil)
	rt := agentruntime.New("rt:1", agentruntime.Spec{})
	other := agentruntime.New("rt:2", agentruntime.Spec{})

	reg.Ensure("S", rt)
	if !reg.HasSessionsForRuntime(rt) {
		t.Error("expected true for rt")
	}
	if reg.HasSessionsForRuntime(other) {
		t.Error("expected false for other")
	}
}

func TestTouchCancelsCleanupTimer(t *testing.T) {
	t.Parallel()

	expired := make(chan string, 1)
	reg := New(30*time.Millisecond, func(rec *Record) { expired <- rec.SessionID })

	rt := agentruntime.New("rt:1", agentruntime.Spec{})
	reg.Ensure("S", rt)
	reg.Attach("conn-1", "S")
	reg.Detach("conn-1")
	reg.Touch("S")

	select {
	case <-expired:
		t.Fatal("did not expect expiry after Touch")
	case <-time.After(100 * time.Millisecond):
	}
}
