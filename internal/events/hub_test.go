package events

import (
	"testing"
	"time"
)

func TestHub_SubscribeReceivesPublishedEvent(t *testing.T) {
	h := New(10, nil)
	ch, snapshot, unsubscribe := h.Subscribe(4)
	defer unsubscribe()
	if len(snapshot) != 0 {
		t.Fatalf("got snapshot %v, want empty", snapshot)
	}

	h.AgentConnected("alice")

	select {
	case ev := <-ch:
		if ev.Kind != "agent_connected" || ev.Agent != "alice" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_RingBufferCapsRetainedEvents(t *testing.T) {
	h := New(3, nil)
	for i := 0; i < 10; i++ {
		h.AgentConnected("agent")
	}
	_, snapshot, unsubscribe := h.Subscribe(1)
	defer unsubscribe()
	if len(snapshot) != 3 {
		t.Errorf("got %d retained events, want 3", len(snapshot))
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := New(10, nil)
	ch, _, unsubscribe := h.Subscribe(1)
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}
