package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/warning"
)

// stubPoolMetrics supplies pool stats without a live pool registry.
type stubPoolMetrics struct {
	stats map[string]*health.PoolStats
}

func (s *stubPoolMetrics) GetAllPoolStats() map[string]*health.PoolStats { return s.stats }
func (s *stubPoolMetrics) GetLastActivityTimestamp(string) *time.Time   { return nil }

// breakerAdmin mirrors the composition root's adapter from the breaker
// registry to the monitoring mutator interface.
type breakerAdmin struct {
	registry *breaker.Registry
}

func (a *breakerAdmin) GetCircuitBreakerState(name string) string { return a.registry.GetState(name) }
func (a *breakerAdmin) ResetCircuitBreaker(name string) bool      { return a.registry.Reset(name) }
func (a *breakerAdmin) ResetAllCircuitBreakers()                  { a.registry.ResetAll() }

// trippedRegistry returns a registry with one breaker driven OPEN.
func trippedRegistry(t *testing.T) *breaker.Registry {
	t.Helper()
	registry := breaker.NewRegistry(&breaker.Config{
		KeyMode:               breaker.KeyByHost,
		WindowSize:            3,
		FailureRatio:          0.5,
		OpenTimeout:           time.Minute,
		HalfOpenMaxCalls:      1,
		OpenStateDelaySeconds: 30,
	})
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		registry.Execute("t.example.com", func() error { return boom })
	}
	if registry.GetState("t.example.com") != "OPEN" {
		t.Fatal("setup: breaker did not trip")
	}
	return registry
}

func newTestHandler(t *testing.T) (*MonitoringHandler, *warning.InMemoryService, *breaker.Registry) {
	t.Helper()

	warnings := warning.NewInMemoryService()
	registry := trippedRegistry(t)

	handler := &MonitoringHandler{
		poolMetrics: &stubPoolMetrics{stats: map[string]*health.PoolStats{
			"pool-a": {PoolCode: "pool-a", TotalProcessed: 100, TotalSucceeded: 90, Processed5m: 10},
		}},
	}
	adapter := warning.NewHealthAdapter(warnings)
	handler.SetWarningService(adapter, adapter)
	handler.SetCircuitBreakerService(registry, &breakerAdmin{registry})

	return handler, warnings, registry
}

func do(t *testing.T, handler http.HandlerFunc, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestGetPoolStats(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := do(t, handler.GetPoolStats, http.MethodGet, "/monitoring/pool-stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats map[string]*health.PoolStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["pool-a"].TotalProcessed != 100 {
		t.Errorf("TotalProcessed = %d, want 100", stats["pool-a"].TotalProcessed)
	}
	if stats["pool-a"].Processed5m != 10 {
		t.Errorf("Processed5m = %d, want 10 (rolling windows must serialize)", stats["pool-a"].Processed5m)
	}
}

func TestWarningsEndToEnd(t *testing.T) {
	handler, warnings, _ := newTestHandler(t)

	warnings.AddWarning("QUEUE_BACKLOG", "CRITICAL", "depth 20000", "q1")
	warnings.AddWarning("CIRCUIT_BREAKER", "WARNING", "breaker open", "t.example.com")

	rec := do(t, handler.GetAllWarnings, http.MethodGet, "/monitoring/warnings")
	var all []*health.Warning
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("warnings = %d, want 2", len(all))
	}

	// Acknowledge one through the handler and confirm it leaves the
	// unacknowledged view.
	ackRec := httptest.NewRecorder()
	handler.AcknowledgeWarning(ackRec, httptest.NewRequest(http.MethodPost, "/", nil), all[0].ID)
	if ackRec.Code != http.StatusOK {
		t.Fatalf("acknowledge status = %d", ackRec.Code)
	}

	rec = do(t, handler.GetUnacknowledgedWarnings, http.MethodGet, "/monitoring/warnings/unacknowledged")
	var unacked []*health.Warning
	json.Unmarshal(rec.Body.Bytes(), &unacked)
	if len(unacked) != 1 {
		t.Errorf("unacknowledged = %d, want 1", len(unacked))
	}
}

func TestAcknowledgeUnknownWarningReturns404(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.AcknowledgeWarning(rec, httptest.NewRequest(http.MethodPost, "/", nil), "no-such-id")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWarningsBySeverity(t *testing.T) {
	handler, warnings, _ := newTestHandler(t)

	warnings.AddWarning("QUEUE_BACKLOG", "CRITICAL", "depth", "q1")
	warnings.AddWarning("HEALTH", "INFO", "probe ok", "probe")

	rec := httptest.NewRecorder()
	handler.GetWarningsBySeverity(rec, httptest.NewRequest(http.MethodGet, "/", nil), "CRITICAL")

	var filtered []*health.Warning
	json.Unmarshal(rec.Body.Bytes(), &filtered)
	if len(filtered) != 1 || filtered[0].Severity != "CRITICAL" {
		t.Errorf("filtered = %+v, want one CRITICAL warning", filtered)
	}
}

func TestClearAllWarnings(t *testing.T) {
	handler, warnings, _ := newTestHandler(t)

	warnings.AddWarning("HEALTH", "INFO", "a", "s")
	warnings.AddWarning("HEALTH", "INFO", "b", "s")

	rec := do(t, handler.ClearAllWarnings, http.MethodDelete, "/monitoring/warnings")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if warnings.Count() != 0 {
		t.Errorf("count = %d after clear, want 0", warnings.Count())
	}
}

func TestCircuitBreakerStatsFromRegistry(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := do(t, handler.GetCircuitBreakerStats, http.MethodGet, "/monitoring/circuit-breakers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats map[string]*health.CircuitBreakerStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	s, ok := stats["t.example.com"]
	if !ok {
		t.Fatal("missing breaker stats for t.example.com")
	}
	if s.State != "OPEN" {
		t.Errorf("State = %s, want OPEN", s.State)
	}
	if s.FailedCalls != 3 {
		t.Errorf("FailedCalls = %d, want 3", s.FailedCalls)
	}
}

func TestCircuitBreakerStateAndReset(t *testing.T) {
	handler, _, registry := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.GetCircuitBreakerState(rec, httptest.NewRequest(http.MethodGet, "/", nil), "t.example.com")
	var state map[string]string
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state["state"] != "OPEN" {
		t.Errorf("state = %s, want OPEN", state["state"])
	}

	// Reset through the admin endpoint closes the real breaker.
	rec = httptest.NewRecorder()
	handler.ResetCircuitBreaker(rec, httptest.NewRequest(http.MethodPost, "/", nil), "t.example.com")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if got := registry.GetState("t.example.com"); got != "CLOSED" {
		t.Errorf("registry state after reset = %s, want CLOSED", got)
	}
}

func TestResetUnknownBreakerFails(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ResetCircuitBreaker(rec, httptest.NewRequest(http.MethodPost, "/", nil), "unknown")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 for unknown breaker", rec.Code)
	}
}

func TestResetAllCircuitBreakers(t *testing.T) {
	handler, _, registry := newTestHandler(t)

	rec := do(t, handler.ResetAllCircuitBreakers, http.MethodPost, "/monitoring/circuit-breakers/reset-all")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := registry.GetState("t.example.com"); got != "CLOSED" {
		t.Errorf("state after reset-all = %s, want CLOSED", got)
	}
}

func TestRegisteredRoutes(t *testing.T) {
	handler, warnings, _ := newTestHandler(t)
	warnings.AddWarning("HEALTH", "INFO", "hello", "s")

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	for _, target := range []string{
		"/monitoring/pool-stats",
		"/monitoring/queue-stats",
		"/monitoring/warnings",
		"/monitoring/warnings/unacknowledged",
		"/monitoring/circuit-breakers",
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", target, rec.Code)
		}
	}

	// Severity path parameter routing.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitoring/warnings/severity/INFO", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("severity route = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/monitoring/warnings/old?hours=1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("clear-old route = %d, want 200", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := do(t, handler.GetPoolStats, http.MethodPost, "/monitoring/pool-stats")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
