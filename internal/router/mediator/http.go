// Package mediator executes the outbound HTTP call that delivers work to a
// subscriber endpoint and classifies the result into a MediationOutcome.
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

// Request headers set on every mediation call.
const (
	HeaderMessageID    = "X-FlowCatalyst-MessageId"
	HeaderMessageGroup = "X-FlowCatalyst-MessageGroup"
)

// HTTPVersion represents the HTTP protocol version to use.
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1.
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production).
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator.
type HTTPMediatorConfig struct {
	// Timeout is the default per-request timeout when the message carries
	// no timeout of its own.
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use.
	// HTTP_2 (default for production) or HTTP_1_1 (recommended for dev).
	HTTPVersion HTTPVersion

	// MaxResponseBytes caps how much of the response body is read.
	MaxResponseBytes int64
}

// DefaultHTTPMediatorConfig returns sensible defaults for production.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:          30 * time.Second,
		HTTPVersion:      HTTPVersion2,
		MaxResponseBytes: 64 * 1024,
	}
}

// DevHTTPMediatorConfig returns config suitable for development.
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// HTTPMediator mediates messages via HTTP webhooks. Every call is guarded by
// the per-target circuit breaker registry, and every path resolves to a
// MediationResult before returning.
type HTTPMediator struct {
	client   *http.Client
	breakers *breaker.Registry
	config   *HTTPMediatorConfig
}

// NewHTTPMediator creates a new HTTP mediator. A nil breakers registry
// disables circuit breaking.
func NewHTTPMediator(cfg *HTTPMediatorConfig, breakers *breaker.Registry) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	return &HTTPMediator{
		client:   &http.Client{Transport: transport},
		breakers: breakers,
		config:   cfg,
	}
}

// Process executes one mediation attempt for msg. The broker-level retry
// discipline (NACK with delay) is the only retry mechanism; a transient
// failure here surfaces as ERROR_PROCESS and comes back as a redelivery.
func (m *HTTPMediator) Process(ctx context.Context, msg *pool.MessagePointer) *model.MediationResult {
	if msg == nil {
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorConfig,
			SourceCategory: model.SourceCategoryConfig,
			ErrorMessage:   "nil message",
		}
	}
	if msg.MediationTarget == "" {
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorConfig,
			SourceCategory: model.SourceCategoryConfig,
			ErrorMessage:   "no mediation target",
		}
	}

	if m.breakers == nil {
		return m.executeOnce(ctx, msg)
	}

	key := m.breakers.KeyFor(msg.MediationTarget)
	var result *model.MediationResult
	err := m.breakers.Execute(key, func() error {
		result = m.executeOnce(ctx, msg)
		// Only transient failures count against the breaker window: config
		// errors say nothing about the target's health.
		if result.Outcome == model.OutcomeErrorProcess {
			return fmt.Errorf("mediation failed: %s", result.ErrorMessage)
		}
		return nil
	})

	var open *breaker.ErrOpen
	if errors.As(err, &open) {
		slog.Warn("circuit breaker open, short-circuiting mediation",
			"messageId", msg.ID, "breaker", open.Name)
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorProcess,
			SourceCategory: model.SourceCategoryCircuitOpen,
			DelaySeconds:   open.DelaySeconds,
			ErrorMessage:   open.Error(),
		}
	}

	return result
}

// executeOnce performs a single POST to the mediation target and classifies
// the response.
func (m *HTTPMediator) executeOnce(ctx context.Context, msg *pool.MessagePointer) *model.MediationResult {
	timeout := m.config.Timeout
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The broker carries pointers, not payloads: when the message has no
	// inline payload the subscriber is sent a payload-by-reference envelope.
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte(fmt.Sprintf(`{"messageId":%q}`, msg.ID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, bytes.NewReader(payload))
	if err != nil {
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorConfig,
			SourceCategory: model.SourceCategoryConfig,
			ErrorMessage:   fmt.Sprintf("failed to create request: %v", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderMessageID, msg.ID)
	if msg.MessageGroupID != "" {
		req.Header.Set(HeaderMessageGroup, msg.MessageGroupID)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)

	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		// Network errors and timeouts are transient: the subscriber may be
		// restarting or briefly unreachable.
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorProcess,
			SourceCategory: model.SourceCategoryConnection,
			DelaySeconds:   model.DefaultDelaySeconds,
			ErrorMessage:   err.Error(),
			Attempts:       1,
		}
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, m.config.MaxResponseBytes))

	slog.Debug("mediation response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"duration", duration)

	return m.classify(msg, resp.StatusCode, body)
}

// classify maps an HTTP status plus response envelope to a MediationResult:
//
//	2xx with body status=SUCCESS (or no parseable body)  -> SUCCESS
//	2xx with body status=ERROR                           -> ERROR_PROCESS (delay from body)
//	400, 5xx except 501                                  -> ERROR_PROCESS
//	401, 403, 404, 501                                   -> ERROR_CONFIG
func (m *HTTPMediator) classify(msg *pool.MessagePointer, statusCode int, body []byte) *model.MediationResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		envelope := parseEnvelope(body)
		if envelope != nil && envelope.Status == model.EnvelopeStatusError {
			return &model.MediationResult{
				Outcome:        model.OutcomeErrorProcess,
				SourceCategory: model.SourceCategoryProcess,
				DelaySeconds:   envelope.EffectiveDelaySeconds(),
				ErrorMessage:   envelopeError(envelope),
				HTTPStatus:     statusCode,
				Attempts:       1,
			}
		}
		return &model.MediationResult{
			Outcome:    model.OutcomeSuccess,
			HTTPStatus: statusCode,
			Attempts:   1,
		}

	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusNotFound,
		statusCode == http.StatusNotImplemented:
		slog.Warn("mediation config error, will not retry",
			"messageId", msg.ID, "statusCode", statusCode)
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorConfig,
			SourceCategory: model.SourceCategoryConfig,
			ErrorMessage:   fmt.Sprintf("subscriber returned HTTP %d", statusCode),
			HTTPStatus:     statusCode,
			Attempts:       1,
		}

	case statusCode == http.StatusBadRequest:
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorProcess,
			SourceCategory: model.SourceCategoryProcess,
			DelaySeconds:   envelopeDelayOrDefault(body),
			ErrorMessage:   fmt.Sprintf("subscriber returned HTTP %d", statusCode),
			HTTPStatus:     statusCode,
			Attempts:       1,
		}

	case statusCode >= 500:
		// ERROR_SERVER is the legacy category name for 5xx responses; the
		// outcome is identical to ERROR_PROCESS and only the category is
		// preserved for log parsing.
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorProcess,
			SourceCategory: model.SourceCategoryServer,
			DelaySeconds:   envelopeDelayOrDefault(body),
			ErrorMessage:   fmt.Sprintf("subscriber returned HTTP %d", statusCode),
			HTTPStatus:     statusCode,
			Attempts:       1,
		}

	default:
		return &model.MediationResult{
			Outcome:        model.OutcomeErrorProcess,
			SourceCategory: model.SourceCategoryProcess,
			DelaySeconds:   model.DefaultDelaySeconds,
			ErrorMessage:   fmt.Sprintf("subscriber returned HTTP %d", statusCode),
			HTTPStatus:     statusCode,
			Attempts:       1,
		}
	}
}

func parseEnvelope(body []byte) *model.MediationEnvelope {
	if len(body) == 0 {
		return nil
	}
	var envelope model.MediationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	if envelope.Status == "" {
		return nil
	}
	return &envelope
}

func envelopeDelayOrDefault(body []byte) int {
	if envelope := parseEnvelope(body); envelope != nil {
		return envelope.EffectiveDelaySeconds()
	}
	return model.DefaultDelaySeconds
}

func envelopeError(envelope *model.MediationEnvelope) string {
	if envelope.ErrorDescription != "" {
		return envelope.ErrorDescription
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	return "subscriber reported status=ERROR"
}
