// Package activemq provides an ActiveMQ broker adapter speaking STOMP 1.2
// over a plain TCP connection. It satisfies the same Consumer/Publisher port
// as the other broker adapters.
//
// Acknowledgement uses client-individual mode so each message is acked or
// nacked on its own. ActiveMQ has no per-message redelivery delay on NACK,
// so NakWithDelay uses the closest broker semantic: the message is re-sent
// with an AMQ_SCHEDULED_DELAY header and the original delivery is acked.
package activemq

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/internal/queue"
)

const (
	headerGroupID        = "JMSXGroupID"
	headerScheduledDelay = "AMQ_SCHEDULED_DELAY"
	subscriptionID       = "flowcatalyst-router"

	connectTimeout = 10 * time.Second
)

// Client is a STOMP connection to an ActiveMQ broker, usable as both
// consumer and publisher.
type Client struct {
	config *queue.ActiveMQConfig

	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	closed atomic.Bool
}

// Connect dials the broker and performs the STOMP handshake.
func Connect(cfg *queue.ActiveMQConfig) (*Client, error) {
	conn, err := net.DialTimeout("tcp", cfg.BrokerURL, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("activemq: dial %s: %w", cfg.BrokerURL, err)
	}

	c := &Client{
		config: cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("connected to ActiveMQ broker", "broker", cfg.BrokerURL)
	return c, nil
}

func (c *Client) handshake() error {
	connect := newFrame("CONNECT").
		set("accept-version", "1.2").
		set("host", "/").
		set("heart-beat", "0,0")
	if c.config.Username != "" {
		connect.set("login", c.config.Username)
		connect.set("passcode", c.config.Password)
	}

	c.conn.SetDeadline(time.Now().Add(connectTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.send(connect); err != nil {
		return fmt.Errorf("activemq: CONNECT failed: %w", err)
	}

	reply, err := readFrame(c.reader)
	if err != nil {
		return fmt.Errorf("activemq: reading CONNECTED failed: %w", err)
	}
	if reply.command == "ERROR" {
		return fmt.Errorf("activemq: broker refused connection: %s", reply.get("message"))
	}
	if reply.command != "CONNECTED" {
		return fmt.Errorf("activemq: unexpected frame %s during handshake", reply.command)
	}
	return nil
}

func (c *Client) send(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return f.write(c.conn)
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Best-effort DISCONNECT; the broker treats a dropped socket the same.
	c.send(newFrame("DISCONNECT").set("receipt", uuid.New().String()))
	return c.conn.Close()
}

// --- Consumer ---

// Consume subscribes to the configured destination and delivers messages to
// handler until ctx is cancelled.
func (c *Client) Consume(ctx context.Context, handler func(queue.Message) error) error {
	subscribe := newFrame("SUBSCRIBE").
		set("id", subscriptionID).
		set("destination", c.config.Destination).
		set("ack", "client-individual")
	if err := c.send(subscribe); err != nil {
		return fmt.Errorf("activemq: SUBSCRIBE failed: %w", err)
	}

	// Close the socket when ctx ends so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	for {
		f, err := readFrame(c.reader)
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return ctx.Err()
			}
			return fmt.Errorf("activemq: read failed: %w", err)
		}

		switch f.command {
		case "MESSAGE":
			msg := &message{
				client:  c,
				ackID:   f.get("ack"),
				id:      f.get("message-id"),
				group:   f.get(headerGroupID),
				subject: f.get("destination"),
				body:    f.body,
			}
			if err := handler(msg); err != nil {
				slog.Error("activemq handler error", "error", err, "messageId", msg.id)
			}

		case "ERROR":
			slog.Error("activemq broker error frame",
				"message", f.get("message"), "body", string(f.body))

		case "RECEIPT":
			// Receipts are only requested on DISCONNECT; nothing to do.

		default:
			slog.Warn("activemq: unexpected frame", "command", f.command)
		}
	}
}

// --- Publisher ---

// Publish sends data to the configured destination.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	return c.publish(data, "", 0)
}

// PublishWithGroup sends data with a JMS group id so the broker serializes
// the group onto one consumer.
func (c *Client) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return c.publish(data, messageGroup, 0)
}

// PublishWithDeduplication sends data; ActiveMQ has no broker-side dedup
// window, so the deduplication id travels as a header for downstream
// consumers.
func (c *Client) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	f := c.sendFrame(data, "", 0)
	f.set("deduplication-id", deduplicationID)
	return c.send(f)
}

func (c *Client) publish(data []byte, group string, delay time.Duration) error {
	return c.send(c.sendFrame(data, group, delay))
}

func (c *Client) sendFrame(data []byte, group string, delay time.Duration) *frame {
	f := newFrame("SEND").
		set("destination", c.config.Destination).
		set("content-type", "application/json").
		set("persistent", "true")
	if group != "" {
		f.set(headerGroupID, group)
	}
	if delay > 0 {
		f.set(headerScheduledDelay, strconv.FormatInt(delay.Milliseconds(), 10))
	}
	f.body = data
	return f
}

// CheckConnectivity implements the broker health probe: a fresh
// CONNECT/DISCONNECT round-trip against the broker.
func CheckConnectivity(ctx context.Context, cfg *queue.ActiveMQConfig) error {
	probe, err := Connect(cfg)
	if err != nil {
		return err
	}
	return probe.Close()
}

// HealthChecker adapts the probe to the broker health service interface.
type HealthChecker struct {
	Config *queue.ActiveMQConfig
}

// CheckConnectivity runs a CONNECT/DISCONNECT round-trip.
func (h *HealthChecker) CheckConnectivity(ctx context.Context) error {
	return CheckConnectivity(ctx, h.Config)
}

// CheckQueueAccessible verifies the broker is reachable; STOMP creates
// destinations on demand, so reachability implies accessibility.
func (h *HealthChecker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return CheckConnectivity(ctx, h.Config)
}

// --- message ---

type message struct {
	client  *Client
	ackID   string
	id      string
	group   string
	subject string
	body    []byte

	completed atomic.Bool
}

func (m *message) ID() string                  { return m.id }
func (m *message) Data() []byte                { return m.body }
func (m *message) Subject() string             { return m.subject }
func (m *message) MessageGroup() string        { return m.group }
func (m *message) Metadata() map[string]string { return nil }

// Ack acknowledges the individual delivery.
func (m *message) Ack() error {
	if !m.completed.CompareAndSwap(false, true) {
		return nil
	}
	return m.client.send(newFrame("ACK").set("id", m.ackID))
}

// Nak returns the message to the broker for redelivery.
func (m *message) Nak() error {
	if !m.completed.CompareAndSwap(false, true) {
		return nil
	}
	return m.client.send(newFrame("NACK").set("id", m.ackID))
}

// NakWithDelay schedules a delayed redelivery by re-sending the payload with
// a broker-side scheduled delay, then acking the original delivery. A NACK
// alone would redeliver immediately.
func (m *message) NakWithDelay(delay time.Duration) error {
	if !m.completed.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.client.publish(m.body, m.group, delay); err != nil {
		// Fall back to an immediate NACK rather than losing the message.
		m.client.send(newFrame("NACK").set("id", m.ackID))
		return err
	}
	return m.client.send(newFrame("ACK").set("id", m.ackID))
}

// InProgress is a no-op: ActiveMQ deliveries do not time out while the
// subscription is alive.
func (m *message) InProgress() error { return nil }

var (
	_ queue.Message   = (*message)(nil)
	_ queue.Publisher = (*Client)(nil)
	_ queue.Consumer  = (*Client)(nil)
)
