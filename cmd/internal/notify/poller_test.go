package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSyncer struct {
	n atomic.Int32
}

func (c *countingSyncer) Sync(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestPoller_RunsImmediatelyAndOnSchedule(t *testing.T) {
	t.Parallel()

	s := &countingSyncer{}
	p := NewPoller(s, time.Second, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer p.Stop()

	eventually(t, "first sync", func() bool { return s.n.Load() >= 1 })

	deadline := time.Now().Add(3 * time.Second)
	for s.n.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled sync did not run, syncs=%d", s.n.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPoller_StopHaltsSchedule(t *testing.T) {
	t.Parallel()

	s := &countingSyncer{}
	p := NewPoller(s, time.Second, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "first sync", func() bool { return s.n.Load() >= 1 })
	p.Stop()
	p.Stop()

	after := s.n.Load()
	time.Sleep(1500 * time.Millisecond)
	if got := s.n.Load(); got != after {
		t.Fatalf("syncs after Stop: %d -> %d", after, got)
	}
}

func TestPoller_RejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()

	if err := NewPoller(&countingSyncer{}, 0, nil).Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}
