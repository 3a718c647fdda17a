package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/model"
)

type fakeMediator struct {
	result func(msg *MessagePointer) *model.MediationResult
}

func (f *fakeMediator) Process(_ context.Context, msg *MessagePointer) *model.MediationResult {
	if f.result != nil {
		return f.result(msg)
	}
	return &model.MediationResult{Outcome: model.OutcomeSuccess}
}

type fakeCallback struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
	delays map[string]int
}

func newFakeCallback() *fakeCallback {
	return &fakeCallback{delays: make(map[string]int)}
}

func (f *fakeCallback) Ack(msg *MessagePointer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msg.ID)
}
func (f *fakeCallback) Nack(msg *MessagePointer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, msg.ID)
}
func (f *fakeCallback) SetVisibilityDelay(msg *MessagePointer, seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[msg.ID] = seconds
}
func (f *fakeCallback) SetFastFailVisibility(msg *MessagePointer)    {}
func (f *fakeCallback) ResetVisibilityToDefault(msg *MessagePointer) {}

func (f *fakeCallback) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestProcessPoolSuccessAcks(t *testing.T) {
	cb := newFakeCallback()
	p := NewProcessPool("p1", 2, 10, nil, &fakeMediator{}, cb)
	p.Start()
	defer p.Shutdown()

	if !p.Submit(&MessagePointer{ID: "m1"}) {
		t.Fatal("expected submit to succeed")
	}

	waitFor(t, time.Second, func() bool { return cb.ackedCount() == 1 })
}

func TestProcessPoolConcurrencyInvariant(t *testing.T) {
	// activeWorkers + availablePermits == concurrency at all times.
	cb := newFakeCallback()
	var inFlight atomic.Int32
	mediator := &fakeMediator{result: func(msg *MessagePointer) *model.MediationResult {
		inFlight.Add(1)
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &model.MediationResult{Outcome: model.OutcomeSuccess}
	}}
	p := NewProcessPool("p2", 3, 50, nil, mediator, cb)
	p.Start()
	defer p.Shutdown()

	for i := 0; i < 9; i++ {
		p.Submit(&MessagePointer{ID: string(rune('a' + i)), MessageGroupID: string(rune('a' + i))})
	}

	waitFor(t, 2*time.Second, func() bool { return cb.ackedCount() == 9 })

	stats := p.Stats()
	if stats.ActiveWorkers+stats.AvailablePermits != stats.MaxConcurrency {
		t.Errorf("invariant violated: active=%d available=%d concurrency=%d",
			stats.ActiveWorkers, stats.AvailablePermits, stats.MaxConcurrency)
	}
}

func TestProcessPoolErrorConfigAcks(t *testing.T) {
	cb := newFakeCallback()
	mediator := &fakeMediator{result: func(msg *MessagePointer) *model.MediationResult {
		return &model.MediationResult{Outcome: model.OutcomeErrorConfig, ErrorMessage: "404"}
	}}
	p := NewProcessPool("p3", 1, 10, nil, mediator, cb)
	p.Start()
	defer p.Shutdown()

	p.Submit(&MessagePointer{ID: "m1"})
	waitFor(t, time.Second, func() bool { return cb.ackedCount() == 1 })
}

func TestProcessPoolErrorProcessNacksWithDelay(t *testing.T) {
	cb := newFakeCallback()
	mediator := &fakeMediator{result: func(msg *MessagePointer) *model.MediationResult {
		return &model.MediationResult{Outcome: model.OutcomeErrorProcess, DelaySeconds: 90000}
	}}
	p := NewProcessPool("p4", 1, 10, nil, mediator, cb)
	p.Start()
	defer p.Shutdown()

	p.Submit(&MessagePointer{ID: "m1"})
	waitFor(t, time.Second, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.nacked) == 1
	})

	cb.mu.Lock()
	delay := cb.delays["m1"]
	cb.mu.Unlock()
	if delay != model.MaxDelaySeconds {
		t.Errorf("expected delay clamped to %d, got %d", model.MaxDelaySeconds, delay)
	}
}

func TestProcessPoolRateLimitDefersWithoutMediation(t *testing.T) {
	cb := newFakeCallback()
	var mediated atomic.Int64
	mediator := &fakeMediator{result: func(msg *MessagePointer) *model.MediationResult {
		mediated.Add(1)
		return &model.MediationResult{Outcome: model.OutcomeSuccess}
	}}

	rateLimit := 60
	p := NewProcessPool("p5", 10, 200, &rateLimit, mediator, cb)
	p.Start()
	defer p.Shutdown()

	// 120 submissions against a 60/min bucket: roughly the first 60 mediate
	// off the burst, the rest are deferred via NACK without a mediation
	// attempt.
	for i := 0; i < 120; i++ {
		group := "g" + string(rune('a'+i%4))
		if !p.Submit(&MessagePointer{ID: fmt.Sprintf("m%03d", i), MessageGroupID: group}) {
			t.Fatalf("submit %d rejected", i)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.acked)+len(cb.nacked) == 120
	})

	stats := p.Stats()
	if stats.TotalRateLimited < 50 {
		t.Errorf("totalRateLimited = %d, want >= 50", stats.TotalRateLimited)
	}
	if stats.TotalSucceeded < 60 {
		t.Errorf("totalSucceeded = %d, want >= 60", stats.TotalSucceeded)
	}
	if mediated.Load() != stats.TotalSucceeded {
		t.Errorf("mediation attempts = %d, succeeded = %d; deferred messages must not reach the mediator",
			mediated.Load(), stats.TotalSucceeded)
	}

	// Deferred messages carry a bucket-derived delay, not the default.
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, id := range cb.nacked {
		if cb.delays[id] < 1 {
			t.Errorf("nacked %s has delay %d, want >= 1", id, cb.delays[id])
		}
	}
}

func TestUpdateRateLimitUnchangedKeepsBucketState(t *testing.T) {
	cb := newFakeCallback()
	rateLimit := 1 // one token per minute, burst of one
	p := NewProcessPool("p6", 1, 10, &rateLimit, &fakeMediator{}, cb)
	p.Start()
	defer p.Shutdown()

	// First message consumes the only token; second is deferred.
	p.Submit(&MessagePointer{ID: "m1"})
	waitFor(t, time.Second, func() bool { return cb.ackedCount() == 1 })

	p.Submit(&MessagePointer{ID: "m2"})
	waitFor(t, time.Second, func() bool {
		return p.Stats().TotalRateLimited == 1
	})

	// Re-applying the same limit (as every reconcile cycle does) must not
	// refill the bucket: the next message is still deferred.
	same := 1
	p.UpdateRateLimit(&same)

	p.Submit(&MessagePointer{ID: "m3"})
	waitFor(t, time.Second, func() bool {
		return p.Stats().TotalRateLimited == 2
	})
	if got := cb.ackedCount(); got != 1 {
		t.Errorf("acked = %d, want 1 (bucket must not reset on unchanged limit)", got)
	}

	// A genuinely different limit rebuilds the bucket.
	raised := 120
	p.UpdateRateLimit(&raised)
	p.Submit(&MessagePointer{ID: "m4"})
	waitFor(t, time.Second, func() bool { return cb.ackedCount() == 2 })
}
