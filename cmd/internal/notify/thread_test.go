package notify

import (
	"testing"
	"time"
)

func TestThread_OptimisticAndRealtimeCollapse(t *testing.T) {
	t.Parallel()

	th := NewThread("c1", time.Second)
	sent := t0

	if !th.Add(Message{ID: "tmp-A", ChatID: "c1", Sender: "u1", Body: "hello", CreatedAt: sent}) {
		t.Fatalf("optimistic message not rendered")
	}
	// Realtime echo of the same send, carrying the other client's temporary id.
	if th.Add(Message{ID: "tmp-B", ChatID: "c1", Sender: "u1", Body: "hello", CreatedAt: sent.Add(400 * time.Millisecond)}) {
		t.Fatalf("realtime duplicate rendered")
	}
	// Server confirmation.
	if th.Add(Message{ID: "m1", ChatID: "c1", Sender: "u1", Body: "hello", CreatedAt: sent.Add(700 * time.Millisecond)}) {
		t.Fatalf("confirmation rendered as new message")
	}

	got := th.Messages()
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("rendered=%+v", got)
	}
}

func TestThread_NoFuzzyMergeOfConfirmedMessages(t *testing.T) {
	t.Parallel()

	th := NewThread("c1", time.Second)
	th.Add(Message{ID: "m1", Sender: "u1", Body: "ok", CreatedAt: t0})
	th.Add(Message{ID: "m2", Sender: "u1", Body: "ok", CreatedAt: t0.Add(200 * time.Millisecond)})
	if th.Len() != 2 {
		t.Fatalf("confirmed messages merged, len=%d", th.Len())
	}
}

func TestThread_OutsideToleranceIsDistinct(t *testing.T) {
	t.Parallel()

	th := NewThread("c1", time.Second)
	th.Add(Message{ID: "tmp-A", Sender: "u1", Body: "ok", CreatedAt: t0})
	th.Add(Message{ID: "m9", Sender: "u1", Body: "ok", CreatedAt: t0.Add(3 * time.Second)})
	th.Add(Message{ID: "tmp-C", Sender: "u2", Body: "ok", CreatedAt: t0})
	if th.Len() != 3 {
		t.Fatalf("len=%d want 3", th.Len())
	}
}

func TestThread_ResetKeepsUnconfirmedOptimistic(t *testing.T) {
	t.Parallel()

	th := NewThread("c1", time.Second)
	th.Add(Message{ID: "tmp-A", Sender: "u1", Body: "first", CreatedAt: t0})
	th.Add(Message{ID: "tmp-B", Sender: "u1", Body: "second", CreatedAt: t0.Add(5 * time.Second)})

	th.Reset([]Message{
		{ID: "m0", Sender: "u2", Body: "earlier", CreatedAt: t0.Add(-time.Minute)},
		{ID: "m1", Sender: "u1", Body: "first", CreatedAt: t0.Add(300 * time.Millisecond)},
	})

	got := th.Messages()
	if len(got) != 3 || got[0].ID != "m0" || got[1].ID != "m1" || got[2].ID != "tmp-B" {
		t.Fatalf("rendered=%+v", got)
	}
}
