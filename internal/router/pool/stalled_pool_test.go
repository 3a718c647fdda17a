package pool

import (
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/model"
)

/*
Stall detection relies on the pool's own activity tracking: every completed
mediation stamps LastActivityAt, and the health subsystem compares that
timestamp against its inactivity threshold. These tests pin down the tracking
behavior the detector depends on:

- a pool that has never processed anything reports no activity (startup is
  not a stall)
- successes AND failures both count as activity (a pool drowning in 5xx is
  busy, not stalled)
- rate-limited deferrals do not count (no mediation happened)
- the rolling windows go quiet while the lifetime counters keep their totals
*/

func TestNoActivityBeforeFirstMessage(t *testing.T) {
	cb := newFakeCallback()
	p := NewProcessPool("stall-1", 1, 10, nil, &fakeMediator{}, cb)
	p.Start()
	defer p.Shutdown()

	if p.LastActivityAt() != nil {
		t.Error("expected nil LastActivityAt before any message is processed")
	}
}

func TestSuccessStampsActivity(t *testing.T) {
	cb := newFakeCallback()
	p := NewProcessPool("stall-2", 1, 10, nil, &fakeMediator{}, cb)
	p.Start()
	defer p.Shutdown()

	before := time.Now().Add(-time.Millisecond)
	p.Submit(&MessagePointer{ID: "m1"})
	waitFor(t, time.Second, func() bool { return cb.ackedCount() == 1 })

	last := p.LastActivityAt()
	if last == nil {
		t.Fatal("expected LastActivityAt after processing")
	}
	if last.Before(before) {
		t.Errorf("LastActivityAt = %v, want after %v", last, before)
	}
}

func TestFailureAlsoStampsActivity(t *testing.T) {
	cb := newFakeCallback()
	mediator := &fakeMediator{result: func(msg *MessagePointer) *model.MediationResult {
		return &model.MediationResult{Outcome: model.OutcomeErrorProcess, DelaySeconds: 30}
	}}
	p := NewProcessPool("stall-3", 1, 10, nil, mediator, cb)
	p.Start()
	defer p.Shutdown()

	p.Submit(&MessagePointer{ID: "m1"})
	waitFor(t, time.Second, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.nacked) == 1
	})

	if p.LastActivityAt() == nil {
		t.Error("a failed mediation is still activity; LastActivityAt must be set")
	}
}

func TestRateLimitedDeferralIsNotActivity(t *testing.T) {
	cb := newFakeCallback()
	rateLimit := 1
	p := NewProcessPool("stall-4", 1, 10, &rateLimit, &fakeMediator{}, cb)
	p.Start()
	defer p.Shutdown()

	// Consume the single burst token, then note the activity timestamp.
	p.Submit(&MessagePointer{ID: "m1"})
	waitFor(t, time.Second, func() bool { return cb.ackedCount() == 1 })
	first := p.LastActivityAt()
	if first == nil {
		t.Fatal("expected activity after first message")
	}

	// The second message is deferred without mediation: the timestamp must
	// not move, or an entirely throttled pool would look alive forever.
	p.Submit(&MessagePointer{ID: "m2"})
	waitFor(t, time.Second, func() bool { return p.Stats().TotalRateLimited == 1 })

	second := p.LastActivityAt()
	if !second.Equal(*first) {
		t.Errorf("LastActivityAt moved from %v to %v on a rate-limited deferral", first, second)
	}
}

func TestWindowsGoQuietWhileLifetimeTotalsRemain(t *testing.T) {
	cb := newFakeCallback()
	p := NewProcessPool("stall-5", 2, 10, nil, &fakeMediator{}, cb)
	p.Start()
	defer p.Shutdown()

	for i := 0; i < 5; i++ {
		p.Submit(&MessagePointer{ID: string(rune('a' + i))})
	}
	waitFor(t, 2*time.Second, func() bool { return cb.ackedCount() == 5 })

	stats := p.Stats()
	if stats.TotalProcessed != 5 {
		t.Fatalf("TotalProcessed = %d, want 5", stats.TotalProcessed)
	}
	if stats.Window5m.Processed != 5 {
		t.Errorf("Window5m.Processed = %d, want 5 right after processing", stats.Window5m.Processed)
	}
	if stats.Window5m.SuccessRate() != 1.0 {
		t.Errorf("Window5m.SuccessRate = %v, want 1.0", stats.Window5m.SuccessRate())
	}

	// Age the window tracker past the 5-minute horizon: recent windows
	// drain to zero while lifetime totals persist. An idle-but-once-busy
	// pool reads as quiet, not as freshly active.
	p.windows.mu.Lock()
	p.windows.epoch = p.windows.epoch.Add(-6 * time.Minute)
	p.windows.mu.Unlock()

	aged := p.Stats()
	if aged.Window5m.Processed != 0 {
		t.Errorf("Window5m.Processed = %d after aging, want 0", aged.Window5m.Processed)
	}
	if aged.Window5m.SuccessRate() != 0 {
		t.Errorf("Window5m.SuccessRate = %v when processed is 0, want 0", aged.Window5m.SuccessRate())
	}
	if aged.TotalProcessed != 5 {
		t.Errorf("TotalProcessed = %d after aging, want 5 (lifetime totals keep history)", aged.TotalProcessed)
	}
}
