package health

import (
	"sync"
	"testing"
	"time"
)

type sinkRecorder struct {
	mu       sync.Mutex
	warnings []recordedWarning
}

type recordedWarning struct {
	category string
	severity string
	source   string
}

func (s *sinkRecorder) AddWarning(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, recordedWarning{category, severity, source})
}

func (s *sinkRecorder) find(category string) *recordedWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.warnings {
		if s.warnings[i].category == category {
			return &s.warnings[i]
		}
	}
	return nil
}

type stubQueueStats struct {
	stats map[string]*QueueStats
}

func (s *stubQueueStats) GetAllQueueStats() map[string]*QueueStats { return s.stats }
func (s *stubQueueStats) GetTotalQueueDepth() int64                { return 0 }
func (s *stubQueueStats) GetThroughput() float64                   { return 0 }

type stubPoolMetrics struct {
	stats map[string]*PoolStats
}

func (s *stubPoolMetrics) GetAllPoolStats() map[string]*PoolStats     { return s.stats }
func (s *stubPoolMetrics) GetLastActivityTimestamp(string) *time.Time { return nil }

type stubBreakers struct {
	stats map[string]*CircuitBreakerStats
}

func (s *stubBreakers) GetAllCircuitBreakerStats() map[string]*CircuitBreakerStats { return s.stats }
func (s *stubBreakers) GetOpenCircuitBreakerCount() int                            { return len(s.stats) }

func TestBacklogCriticalWarning(t *testing.T) {
	sink := &sinkRecorder{}
	queues := &stubQueueStats{stats: map[string]*QueueStats{
		"q1": {Name: "q1", PendingMessages: 20_000},
	}}

	m := NewMonitor(DefaultMonitorConfig(), queues, nil, nil, sink)
	m.Evaluate()

	w := sink.find("QUEUE_BACKLOG")
	if w == nil {
		t.Fatal("expected QUEUE_BACKLOG warning")
	}
	if w.severity != "CRITICAL" {
		t.Errorf("severity = %s, want CRITICAL", w.severity)
	}
	if w.source != "q1" {
		t.Errorf("source = %s, want q1", w.source)
	}
}

func TestQueueGrowthWarningNeedsSustainedGrowth(t *testing.T) {
	sink := &sinkRecorder{}
	queues := &stubQueueStats{stats: map[string]*QueueStats{
		"q1": {Name: "q1", PendingMessages: 10},
	}}

	cfg := DefaultMonitorConfig()
	cfg.GrowthStall = 50 * time.Millisecond
	m := NewMonitor(cfg, queues, nil, nil, sink)

	// Baseline, then growth starts.
	m.Evaluate()
	queues.stats["q1"].PendingMessages = 20
	m.Evaluate()

	if sink.find("QUEUE_GROWING") != nil {
		t.Fatal("growth warning raised before the stall window elapsed")
	}

	time.Sleep(60 * time.Millisecond)
	queues.stats["q1"].PendingMessages = 30
	m.Evaluate()

	if sink.find("QUEUE_GROWING") == nil {
		t.Error("expected QUEUE_GROWING after sustained growth")
	}
}

func TestQueueShrinkResetsGrowthTracking(t *testing.T) {
	sink := &sinkRecorder{}
	queues := &stubQueueStats{stats: map[string]*QueueStats{
		"q1": {Name: "q1", PendingMessages: 10},
	}}

	cfg := DefaultMonitorConfig()
	cfg.GrowthStall = 10 * time.Millisecond
	m := NewMonitor(cfg, queues, nil, nil, sink)

	m.Evaluate()
	queues.stats["q1"].PendingMessages = 20
	m.Evaluate()
	// Shrinks: tracking resets.
	queues.stats["q1"].PendingMessages = 5
	m.Evaluate()
	time.Sleep(20 * time.Millisecond)
	queues.stats["q1"].PendingMessages = 6
	m.Evaluate()

	if sink.find("QUEUE_GROWING") != nil {
		t.Error("growth warning raised despite a reset in between")
	}
}

func TestPoolSaturationWarning(t *testing.T) {
	sink := &sinkRecorder{}
	pools := &stubPoolMetrics{stats: map[string]*PoolStats{
		"pool-a": {PoolCode: "pool-a", QueueSize: 500, MaxQueueCapacity: 500},
	}}

	cfg := DefaultMonitorConfig()
	cfg.PoolStall = 30 * time.Millisecond
	m := NewMonitor(cfg, nil, pools, nil, sink)

	m.Evaluate()
	if sink.find("POOL_SATURATED") != nil {
		t.Fatal("saturation warning raised before the stall window elapsed")
	}

	time.Sleep(50 * time.Millisecond)
	m.Evaluate()

	w := sink.find("POOL_SATURATED")
	if w == nil {
		t.Fatal("expected POOL_SATURATED after sustained saturation")
	}
	if w.severity != "ERROR" {
		t.Errorf("severity = %s, want ERROR", w.severity)
	}
}

func TestOpenBreakerWarning(t *testing.T) {
	sink := &sinkRecorder{}
	breakers := &stubBreakers{stats: map[string]*CircuitBreakerStats{
		"t.example.com":  {Name: "t.example.com", State: "OPEN"},
		"ok.example.com": {Name: "ok.example.com", State: "CLOSED"},
	}}

	m := NewMonitor(DefaultMonitorConfig(), nil, nil, breakers, sink)
	m.Evaluate()

	w := sink.find("CIRCUIT_BREAKER")
	if w == nil {
		t.Fatal("expected CIRCUIT_BREAKER warning for open breaker")
	}
	if w.source != "t.example.com" {
		t.Errorf("source = %s", w.source)
	}

	sink.mu.Lock()
	count := len(sink.warnings)
	sink.mu.Unlock()
	if count != 1 {
		t.Errorf("warnings = %d, want 1 (closed breakers are quiet)", count)
	}
}
