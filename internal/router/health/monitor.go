package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WarningSink receives warnings emitted by the monitor.
type WarningSink interface {
	AddWarning(category, severity, message, source string)
}

// MonitorConfig holds the thresholds for warning emission.
type MonitorConfig struct {
	// Interval is how often the monitor evaluates its rules.
	Interval time.Duration

	// BacklogCriticalThreshold is the queue depth that raises CRITICAL.
	BacklogCriticalThreshold int64

	// GrowthStall is how long the queue must keep growing before a
	// WARNING is raised.
	GrowthStall time.Duration

	// PoolStall is how long a pool's queue must sit at capacity before an
	// ERROR is raised.
	PoolStall time.Duration
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Interval:                 30 * time.Second,
		BacklogCriticalThreshold: 10_000,
		GrowthStall:              5 * time.Minute,
		PoolStall:                2 * time.Minute,
	}
}

// Monitor periodically evaluates queue depth, queue growth, pool saturation,
// and circuit breaker state, emitting warnings when thresholds are crossed.
type Monitor struct {
	config          *MonitorConfig
	queueStats      QueueStatsGetter
	poolMetrics     PoolMetricsProvider
	circuitBreakers CircuitBreakerGetter
	sink            WarningSink

	mu sync.Mutex
	// growth tracking per queue
	lastDepth    map[string]int64
	growingSince map[string]time.Time
	// saturation tracking per pool
	saturatedSince map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over the given providers. Any provider may be
// nil; its rules are skipped.
func NewMonitor(config *MonitorConfig, queueStats QueueStatsGetter, poolMetrics PoolMetricsProvider, circuitBreakers CircuitBreakerGetter, sink WarningSink) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		config:          config,
		queueStats:      queueStats,
		poolMetrics:     poolMetrics,
		circuitBreakers: circuitBreakers,
		sink:            sink,
		lastDepth:       make(map[string]int64),
		growingSince:    make(map[string]time.Time),
		saturatedSince:  make(map[string]time.Time),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start begins periodic evaluation.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Evaluate()
			}
		}
	}()
	slog.Info("health monitor started", "interval", m.config.Interval)
}

// Stop halts evaluation.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Evaluate runs all rules once.
func (m *Monitor) Evaluate() {
	if m.sink == nil {
		return
	}
	m.checkQueues()
	m.checkPools()
	m.checkBreakers()
}

func (m *Monitor) checkQueues() {
	if m.queueStats == nil {
		return
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, stats := range m.queueStats.GetAllQueueStats() {
		depth := stats.PendingMessages + stats.CurrentSize

		if depth > m.config.BacklogCriticalThreshold {
			m.sink.AddWarning("QUEUE_BACKLOG", "CRITICAL",
				fmt.Sprintf("queue %s depth %d exceeds critical threshold %d",
					name, depth, m.config.BacklogCriticalThreshold),
				name)
		}

		last, seen := m.lastDepth[name]
		m.lastDepth[name] = depth
		if !seen {
			continue
		}

		if depth > last {
			since, growing := m.growingSince[name]
			if !growing {
				m.growingSince[name] = now
			} else if now.Sub(since) > m.config.GrowthStall {
				m.sink.AddWarning("QUEUE_GROWING", "WARNING",
					fmt.Sprintf("queue %s has been growing for %s (depth %d)",
						name, now.Sub(since).Round(time.Second), depth),
					name)
			}
		} else {
			delete(m.growingSince, name)
		}
	}
}

func (m *Monitor) checkPools() {
	if m.poolMetrics == nil {
		return
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for code, stats := range m.poolMetrics.GetAllPoolStats() {
		if stats.MaxQueueCapacity > 0 && stats.QueueSize >= stats.MaxQueueCapacity {
			since, saturated := m.saturatedSince[code]
			if !saturated {
				m.saturatedSince[code] = now
			} else if now.Sub(since) > m.config.PoolStall {
				m.sink.AddWarning("POOL_SATURATED", "ERROR",
					fmt.Sprintf("pool %s queue has been at capacity (%d) for %s",
						code, stats.MaxQueueCapacity, now.Sub(since).Round(time.Second)),
					code)
			}
		} else {
			delete(m.saturatedSince, code)
		}
	}
}

func (m *Monitor) checkBreakers() {
	if m.circuitBreakers == nil {
		return
	}

	for name, stats := range m.circuitBreakers.GetAllCircuitBreakerStats() {
		if stats.State == "OPEN" {
			m.sink.AddWarning("CIRCUIT_BREAKER", "WARNING",
				fmt.Sprintf("circuit breaker %s is open", name),
				name)
		}
	}
}
