package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	// SignatureHeader carries the hex-encoded HMAC-SHA256 signature.
	SignatureHeader = "X-FlowCatalyst-Signature"

	// TimestampHeader carries the signing time as a unix-seconds integer.
	TimestampHeader = "X-FlowCatalyst-Timestamp"

	// maxTimestampAge is how far in the past a signature stays valid.
	maxTimestampAge = 300 * time.Second

	// maxTimestampSkew is how far in the future a timestamp is tolerated.
	maxTimestampSkew = 60 * time.Second
)

// SignedWebhookRequest contains the data needed to send a signed webhook.
type SignedWebhookRequest struct {
	Payload   string
	Signature string
	Timestamp string
}

// WebhookSigner generates and verifies HMAC-SHA256 signatures for webhook
// requests. The signature covers the timestamp concatenated with the body,
// so a captured request cannot be replayed outside the freshness window.
type WebhookSigner struct {
	now func() time.Time
}

// NewWebhookSigner creates a webhook signer.
func NewWebhookSigner() *WebhookSigner {
	return &WebhookSigner{now: time.Now}
}

// Sign signs payload with signingSecret at the current time.
func (s *WebhookSigner) Sign(payload, signingSecret string) *SignedWebhookRequest {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	return &SignedWebhookRequest{
		Payload:   payload,
		Signature: hmacSHA256Hex(timestamp+payload, signingSecret),
		Timestamp: timestamp,
	}
}

// Verify checks a webhook signature and its freshness window. It rejects
// when the timestamp is missing or malformed, older than 300 seconds, more
// than 60 seconds in the future, or when the constant-time compare fails.
func (s *WebhookSigner) Verify(payload, timestamp, signature, signingSecret string) bool {
	if timestamp == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}

	now := s.now().Unix()
	if delta := now - ts; delta > int64(maxTimestampAge.Seconds()) || -delta > int64(maxTimestampAge.Seconds()) {
		return false
	}
	if ts-now > int64(maxTimestampSkew.Seconds()) {
		return false
	}

	expected := hmacSHA256Hex(timestamp+payload, signingSecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
