package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

// fakeMessage implements queue.Message with counters for ack/nack calls.
type fakeMessage struct {
	id            string
	data          []byte
	mu            sync.Mutex
	acks          int
	naks          int
	nakDelays     []time.Duration
	receiptHandle string
}

func (m *fakeMessage) ID() string                  { return m.id }
func (m *fakeMessage) Data() []byte                { return m.data }
func (m *fakeMessage) Subject() string             { return "dispatch.test" }
func (m *fakeMessage) MessageGroup() string        { return "" }
func (m *fakeMessage) Metadata() map[string]string { return nil }
func (m *fakeMessage) InProgress() error           { return nil }

func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *fakeMessage) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks++
	return nil
}

func (m *fakeMessage) NakWithDelay(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks++
	m.nakDelays = append(m.nakDelays, d)
	return nil
}

func (m *fakeMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks
}

func (m *fakeMessage) nakCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.naks
}

// fakeReceiptMessage adds receipt handle support.
type fakeReceiptMessage struct {
	fakeMessage
	updatedHandles []string
}

func (m *fakeReceiptMessage) UpdateReceiptHandle(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatedHandles = append(m.updatedHandles, handle)
}

func (m *fakeReceiptMessage) GetReceiptHandle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiptHandle
}

// fakeMediator resolves every mediation to a fixed result, optionally
// blocking until released.
type fakeMediator struct {
	result *model.MediationResult
	block  chan struct{}
	calls  atomic.Int64
}

func (f *fakeMediator) Process(ctx context.Context, msg *pool.MessagePointer) *model.MediationResult {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.result != nil {
		return f.result
	}
	return &model.MediationResult{Outcome: model.OutcomeSuccess}
}

// recordingWarnings captures warning categories for assertions.
type recordingWarnings struct {
	mu         sync.Mutex
	categories []string
}

func (r *recordingWarnings) AddWarning(category, severity, message, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories = append(r.categories, category)
}

func (r *recordingWarnings) has(category string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.categories {
		if c == category {
			return true
		}
	}
	return false
}

func pointerBody(t *testing.T, id, poolCode string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"id":              id,
		"poolCode":        poolCode,
		"mediationType":   "HTTP",
		"mediationTarget": "https://subscriber.example.com/hook",
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
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
	t.Fatal("condition not met within timeout")
}

func newStartedManager(med pool.Mediator) *QueueManager {
	m := NewQueueManager(med)
	// Housekeeping loops are irrelevant to routing tests.
	m.WithPipelineCleanup(&PipelineCleanupConfig{Enabled: false})
	m.WithVisibilityExtender(&VisibilityExtenderConfig{Enabled: false})
	m.WithLeakDetection(&LeakDetectionConfig{Enabled: false})
	m.Start()
	return m
}

func decodePointer(t *testing.T, body []byte) *model.MessagePointer {
	t.Helper()
	var ptr model.MessagePointer
	if err := json.Unmarshal(body, &ptr); err != nil {
		t.Fatal(err)
	}
	if ptr.MessageGroupID == "" {
		ptr.MessageGroupID = model.DefaultMessageGroupID
	}
	return &ptr
}

func decodeAndRoute(t *testing.T, m *QueueManager, msg *fakeMessage) {
	t.Helper()
	m.RouteMessage(decodePointer(t, msg.data), msg, "q1")
}

func TestRouteMessageSuccessAcksExactlyOnce(t *testing.T) {
	med := &fakeMediator{}
	m := newStartedManager(med)
	defer m.Stop()

	msg := &fakeMessage{id: "b1", data: pointerBody(t, "m1", "pool-a")}
	decodeAndRoute(t, m, msg)

	waitFor(t, 2*time.Second, func() bool { return msg.ackCount() == 1 })

	if m.GetPipelineSize() != 0 {
		t.Errorf("pipeline size = %d after completion, want 0", m.GetPipelineSize())
	}
	if msg.nakCount() != 0 {
		t.Errorf("naks = %d, want 0", msg.nakCount())
	}
	if m.GetPool("pool-a") == nil {
		t.Error("expected pool-a created on first reference")
	}
}

func TestRouteMessageErrorProcessNacksWithDelay(t *testing.T) {
	med := &fakeMediator{result: &model.MediationResult{
		Outcome:      model.OutcomeErrorProcess,
		DelaySeconds: 60,
	}}
	m := newStartedManager(med)
	defer m.Stop()

	msg := &fakeMessage{id: "b1", data: pointerBody(t, "m1", "pool-a")}
	decodeAndRoute(t, m, msg)

	waitFor(t, 2*time.Second, func() bool { return msg.nakCount() >= 1 })

	msg.mu.Lock()
	delays := append([]time.Duration(nil), msg.nakDelays...)
	msg.mu.Unlock()
	if len(delays) == 0 || delays[0] != 60*time.Second {
		t.Errorf("nak delays = %v, want [1m0s]", delays)
	}
	if msg.ackCount() != 0 {
		t.Errorf("acks = %d, want 0 for transient failure", msg.ackCount())
	}
}

func TestRouteMessageErrorConfigAcksToDrop(t *testing.T) {
	med := &fakeMediator{result: &model.MediationResult{
		Outcome:      model.OutcomeErrorConfig,
		ErrorMessage: "subscriber returned HTTP 404",
	}}
	m := newStartedManager(med)
	defer m.Stop()

	msg := &fakeMessage{id: "b1", data: pointerBody(t, "m1", "pool-a")}
	decodeAndRoute(t, m, msg)

	waitFor(t, 2*time.Second, func() bool { return msg.ackCount() == 1 })
	if msg.nakCount() != 0 {
		t.Errorf("naks = %d, want 0 for config error", msg.nakCount())
	}
}

func TestPoolLimitDropsWithWarning(t *testing.T) {
	med := &fakeMediator{}
	warnings := &recordingWarnings{}
	m := NewQueueManager(med).WithMaxPools(1).WithWarningService(warnings)
	m.WithPipelineCleanup(&PipelineCleanupConfig{Enabled: false})
	m.WithVisibilityExtender(&VisibilityExtenderConfig{Enabled: false})
	m.WithLeakDetection(&LeakDetectionConfig{Enabled: false})
	m.Start()
	defer m.Stop()

	first := &fakeMessage{id: "b1", data: pointerBody(t, "m1", "pool-a")}
	decodeAndRoute(t, m, first)
	waitFor(t, 2*time.Second, func() bool { return first.ackCount() == 1 })

	// A second pool would exceed the cap: the message is dropped with a
	// warning, not retried.
	second := &fakeMessage{id: "b2", data: pointerBody(t, "m2", "pool-b")}
	decodeAndRoute(t, m, second)

	waitFor(t, 2*time.Second, func() bool { return second.ackCount() == 1 })
	if m.GetPool("pool-b") != nil {
		t.Error("pool-b should not exist beyond the cap")
	}
	if !warnings.has("POOL_LIMIT") {
		t.Error("expected POOL_LIMIT warning")
	}
}

func TestRedeliveryRefreshesReceiptAndAcksDuplicate(t *testing.T) {
	med := &fakeMediator{block: make(chan struct{})}
	m := newStartedManager(med)
	defer m.Stop()

	original := &fakeReceiptMessage{fakeMessage: fakeMessage{id: "b1", data: pointerBody(t, "m1", "pool-a"), receiptHandle: "r1"}}
	m.RouteMessage(decodePointer(t, original.data), original, "q1")

	// Wait until the worker is mid-mediation.
	waitFor(t, 2*time.Second, func() bool { return med.calls.Load() == 1 })

	// Broker redelivers the same logical message under a new broker id.
	redelivered := &fakeReceiptMessage{fakeMessage: fakeMessage{id: "b2", data: pointerBody(t, "m1", "pool-a"), receiptHandle: "r2"}}
	m.RouteMessage(decodePointer(t, redelivered.data), redelivered, "q1")

	// The redelivered copy is acked immediately; the original's receipt
	// handle is refreshed.
	if redelivered.ackCount() != 1 {
		t.Errorf("redelivered acks = %d, want 1", redelivered.ackCount())
	}
	original.mu.Lock()
	handles := append([]string(nil), original.updatedHandles...)
	original.mu.Unlock()
	if len(handles) != 1 || handles[0] != "b2" {
		t.Errorf("original updated handles = %v, want [b2]", handles)
	}
	if m.GetPipelineSize() != 1 {
		t.Errorf("pipeline size = %d, want 1 (only the original)", m.GetPipelineSize())
	}

	// Let the original finish; exactly one ack on it.
	close(med.block)
	waitFor(t, 2*time.Second, func() bool { return original.ackCount() == 1 })
	if m.GetPipelineSize() != 0 {
		t.Errorf("pipeline size = %d after completion, want 0", m.GetPipelineSize())
	}
}

func TestPoisonNackedOnceThenDropped(t *testing.T) {
	med := &fakeMediator{}
	warnings := &recordingWarnings{}
	m := newStartedManager(med)
	m.WithWarningService(warnings)
	defer m.Stop()

	poison := &fakeMessage{id: "b1", data: []byte("not json")}
	m.handlePoison(poison, "q1", &model.ErrInvalidPointer{Reason: "malformed json"})
	if poison.nakCount() != 1 {
		t.Fatalf("first sighting: naks = %d, want 1", poison.nakCount())
	}
	if poison.ackCount() != 0 {
		t.Fatalf("first sighting: acks = %d, want 0", poison.ackCount())
	}

	m.handlePoison(poison, "q1", &model.ErrInvalidPointer{Reason: "malformed json"})
	if poison.ackCount() != 1 {
		t.Fatalf("second sighting: acks = %d, want 1 (dropped)", poison.ackCount())
	}
	if !warnings.has("CONFIGURATION") {
		t.Error("expected CONFIGURATION warning when dropping poison")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	med := &fakeMediator{}
	m := newStartedManager(med)
	defer m.Stop()

	rate := 120
	configs := []PoolConfig{
		{Code: "pool-a", Concurrency: 4, QueueCapacity: 100},
		{Code: "pool-b", Concurrency: 2, QueueCapacity: 50, RateLimitPerMinute: &rate},
	}

	m.Reconcile(configs)
	poolA := m.GetPool("pool-a")
	poolB := m.GetPool("pool-b")
	if poolA == nil || poolB == nil {
		t.Fatal("expected both pools created")
	}

	// Reconciling the same config again must not churn pools.
	m.Reconcile(configs)
	if m.GetPool("pool-a") != poolA || m.GetPool("pool-b") != poolB {
		t.Error("reconcile with unchanged config replaced pool instances")
	}

	// Removing pool-b from the config drains it.
	m.Reconcile(configs[:1])
	waitFor(t, 2*time.Second, func() bool { return m.GetPool("pool-b") == nil })
	if m.GetPool("pool-a") != poolA {
		t.Error("pool-a should survive reconcile untouched")
	}
}

func TestReconcileUpdatesConcurrency(t *testing.T) {
	med := &fakeMediator{}
	m := newStartedManager(med)
	defer m.Stop()

	m.Reconcile([]PoolConfig{{Code: "pool-a", Concurrency: 2}})
	p := m.GetPool("pool-a")
	if p.GetConcurrency() != 2 {
		t.Fatalf("concurrency = %d, want 2", p.GetConcurrency())
	}

	m.Reconcile([]PoolConfig{{Code: "pool-a", Concurrency: 6}})
	if p.GetConcurrency() != 6 {
		t.Errorf("concurrency = %d after reconcile, want 6", p.GetConcurrency())
	}
}

func TestIdempotentAck(t *testing.T) {
	med := &fakeMediator{}
	m := newStartedManager(med)
	defer m.Stop()

	msg := &fakeMessage{id: "b1", data: pointerBody(t, "m1", "pool-a")}
	poolPtr := m.buildPoolPointer(decodePointer(t, msg.data), msg, "q1")

	poolPtr.AckFunc()
	poolPtr.AckFunc()
	poolPtr.AckFunc()

	if msg.ackCount() != 1 {
		t.Errorf("broker acks = %d after 3 AckFunc calls, want 1", msg.ackCount())
	}
}

func TestActiveWorkersPlusPermitsEqualsConcurrency(t *testing.T) {
	med := &fakeMediator{block: make(chan struct{})}
	m := newStartedManager(med)
	defer m.Stop()

	m.Reconcile([]PoolConfig{{Code: "pool-a", Concurrency: 3}})
	p := m.GetPool("pool-a")

	// Distinct message groups so the two messages occupy workers
	// concurrently.
	for i := 0; i < 2; i++ {
		body, err := json.Marshal(map[string]string{
			"id":              fmt.Sprintf("m%d", i),
			"poolCode":        "pool-a",
			"messageGroupId":  fmt.Sprintf("g%d", i),
			"mediationType":   "HTTP",
			"mediationTarget": "https://subscriber.example.com/hook",
		})
		if err != nil {
			t.Fatal(err)
		}
		msg := &fakeMessage{id: fmt.Sprintf("b%d", i), data: body}
		decodeAndRoute(t, m, msg)
	}
	waitFor(t, 2*time.Second, func() bool { return med.calls.Load() == 2 })

	stats := p.Stats()
	if stats.ActiveWorkers+stats.AvailablePermits != stats.MaxConcurrency {
		t.Errorf("activeWorkers(%d) + availablePermits(%d) != concurrency(%d)",
			stats.ActiveWorkers, stats.AvailablePermits, stats.MaxConcurrency)
	}

	close(med.block)
}
