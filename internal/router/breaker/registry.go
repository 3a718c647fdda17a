// Package breaker provides a registry of per-target circuit breakers guarding
// outbound mediation calls. Breakers are created lazily on first use and keyed
// by a stable name derived from the mediation target.
package breaker

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/health"
)

// KeyMode controls how a mediation target URL maps to a breaker name.
type KeyMode string

const (
	// KeyByHost shares one breaker across all endpoints on a host.
	KeyByHost KeyMode = "host"
	// KeyByTarget gives every distinct target URL its own breaker.
	KeyByTarget KeyMode = "target"
)

// Config holds circuit breaker settings shared by every breaker in the registry.
type Config struct {
	// KeyMode selects host-level or URL-level breaker granularity.
	KeyMode KeyMode

	// WindowSize is the number of calls considered when evaluating the
	// failure ratio.
	WindowSize uint32

	// FailureRatio trips the breaker to OPEN when reached or exceeded over
	// the window.
	FailureRatio float64

	// OpenTimeout is how long the breaker stays OPEN before allowing a
	// HALF_OPEN probe.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls is how many probe calls are allowed in HALF_OPEN;
	// that many consecutive successes close the breaker.
	HalfOpenMaxCalls uint32

	// OpenStateDelaySeconds is the NACK delay reported for calls rejected
	// by an open breaker.
	OpenStateDelaySeconds int
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		KeyMode:               KeyByHost,
		WindowSize:            20,
		FailureRatio:          0.5,
		OpenTimeout:           30 * time.Second,
		HalfOpenMaxCalls:      1,
		OpenStateDelaySeconds: 30,
	}
}

// entry wraps a gobreaker instance with the registry's own counters.
// gobreaker resets its window counts on state transitions, so lifetime
// success/failure/rejection totals are tracked here. The breaker pointer is
// atomic because Reset swaps in a fresh instance while calls are in flight.
type entry struct {
	breaker atomic.Pointer[gobreaker.CircuitBreaker]

	successfulCalls atomic.Int64
	failedCalls     atomic.Int64
	rejectedCalls   atomic.Int64
}

// Registry manages per-target circuit breakers.
type Registry struct {
	config  *Config
	entries sync.Map // name -> *entry
}

// NewRegistry creates an empty registry with the given shared settings.
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{config: config}
}

// KeyFor derives the breaker name for a mediation target URL.
func (r *Registry) KeyFor(target string) string {
	if r.config.KeyMode == KeyByTarget {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}

// Execute runs fn guarded by the breaker for name. When the breaker is open
// (or half-open and at its probe limit) fn is not invoked and
// ErrOpen is returned.
func (r *Registry) Execute(name string, fn func() error) error {
	e := r.get(name)

	_, err := e.breaker.Load().Execute(func() (any, error) {
		return nil, fn()
	})

	if err == nil {
		e.successfulCalls.Add(1)
		return nil
	}
	if isRejection(err) {
		e.rejectedCalls.Add(1)
		metrics.MediatorCircuitBreakerRejections.WithLabelValues(name).Inc()
		return &ErrOpen{Name: name, DelaySeconds: r.config.OpenStateDelaySeconds}
	}
	e.failedCalls.Add(1)
	return err
}

// OpenStateDelaySeconds returns the configured NACK delay for rejected calls.
func (r *Registry) OpenStateDelaySeconds() int {
	return r.config.OpenStateDelaySeconds
}

func isRejection(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// ErrOpen is returned when a call is rejected by an open breaker.
type ErrOpen struct {
	Name         string
	DelaySeconds int
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Name)
}

func (r *Registry) get(name string) *entry {
	if v, ok := r.entries.Load(name); ok {
		return v.(*entry)
	}
	e := &entry{}
	e.breaker.Store(r.newBreaker(name))
	actual, loaded := r.entries.LoadOrStore(name, e)
	if loaded {
		return actual.(*entry)
	}
	return e
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	cfg := r.config
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Interval:    0, // sliding window never auto-clears while CLOSED
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.WindowSize {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
}

// GetState returns the state of the named breaker, "UNKNOWN" if absent.
func (r *Registry) GetState(name string) string {
	v, ok := r.entries.Load(name)
	if !ok {
		return "UNKNOWN"
	}
	return stateString(v.(*entry).breaker.Load().State())
}

// Reset replaces the named breaker with a fresh CLOSED one, clearing its
// window. Lifetime counters are preserved. Returns false if the name is
// unknown.
func (r *Registry) Reset(name string) bool {
	v, ok := r.entries.Load(name)
	if !ok {
		return false
	}
	v.(*entry).breaker.Store(r.newBreaker(name))
	slog.Info("circuit breaker reset", "breaker", name)
	return true
}

// ResetAll resets every breaker in the registry.
func (r *Registry) ResetAll() {
	r.entries.Range(func(k, _ any) bool {
		r.Reset(k.(string))
		return true
	})
}

// ListAll returns the names of all registered breakers.
func (r *Registry) ListAll() []string {
	var names []string
	r.entries.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	return names
}

// GetOpenCircuitBreakerCount implements health.CircuitBreakerGetter.
func (r *Registry) GetOpenCircuitBreakerCount() int {
	return r.OpenCount()
}

// OpenCount returns how many breakers are currently OPEN.
func (r *Registry) OpenCount() int {
	n := 0
	r.entries.Range(func(_, v any) bool {
		if v.(*entry).breaker.Load().State() == gobreaker.StateOpen {
			n++
		}
		return true
	})
	return n
}

// GetAllCircuitBreakerStats implements health.CircuitBreakerGetter for the
// monitoring surface.
func (r *Registry) GetAllCircuitBreakerStats() map[string]*health.CircuitBreakerStats {
	stats := make(map[string]*health.CircuitBreakerStats)
	r.entries.Range(func(k, v any) bool {
		name := k.(string)
		e := v.(*entry)
		cb := e.breaker.Load()
		counts := cb.Counts()

		var failureRate float64
		if counts.Requests > 0 {
			failureRate = float64(counts.TotalFailures) / float64(counts.Requests)
		}

		stats[name] = &health.CircuitBreakerStats{
			Name:            name,
			State:           stateString(cb.State()),
			SuccessfulCalls: e.successfulCalls.Load(),
			FailedCalls:     e.failedCalls.Load(),
			RejectedCalls:   e.rejectedCalls.Load(),
			FailureRate:     failureRate,
			BufferedCalls:   int(counts.Requests),
			BufferSize:      int(r.config.WindowSize),
		}
		return true
	})
	return stats
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "CLOSED"
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}
