// Package embedded provides a SQLite-backed queue for single-instance and
// test deployments. Visibility is modeled with a visible_at column: a
// dequeued message stays invisible until its timeout lapses, an ack deletes
// the row, and a nack moves visible_at forward.
//
// Dequeue preserves FIFO per message group: at most one message per group is
// handed out per batch, oldest group first, oldest message within the group.
package embedded

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"go.flowcatalyst.tech/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	message_group_id TEXT NOT NULL DEFAULT 'default',
	message_json TEXT NOT NULL,
	visible_at INTEGER NOT NULL,
	receipt_handle TEXT,
	receive_count INTEGER NOT NULL DEFAULT 0,
	first_received_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible_at ON queue_messages(visible_at);
CREATE INDEX IF NOT EXISTS idx_queue_messages_group ON queue_messages(message_group_id);
`

const defaultNackDelay = 30 * time.Second

// Queue is a SQLite-backed queue implementing both Publisher and Consumer.
// Safe for concurrent use within one process; multi-process writers are not
// supported (the standby coordinator guarantees a single primary).
type Queue struct {
	db     *sql.DB
	config *queue.EmbeddedConfig
}

// Open opens (creating if needed) the embedded queue at cfg.DBPath.
func Open(cfg *queue.EmbeddedConfig) (*Queue, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("embedded queue: DBPath is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.DBPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("embedded queue: open %s: %w", cfg.DBPath, err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("embedded queue: create schema: %w", err)
	}

	slog.Info("embedded queue opened", "path", cfg.DBPath, "queue", cfg.QueueName)
	return &Queue{db: db, config: cfg}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// --- Publisher ---

// Publish inserts a message with a generated message id.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.insert(ctx, uuid.New().String(), "default", data)
}

// PublishWithGroup inserts a message under the given message group.
func (q *Queue) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	if messageGroup == "" {
		messageGroup = "default"
	}
	return q.insert(ctx, uuid.New().String(), messageGroup, data)
}

// PublishWithDeduplication inserts a message keyed by deduplicationID; a
// message with the same id already in the queue is silently skipped, like a
// broker-side dedup window.
func (q *Queue) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (message_id, message_group_id, message_json, visible_at, receive_count)
		VALUES (?, 'default', ?, ?, 0)
		ON CONFLICT(message_id) DO NOTHING`,
		deduplicationID, string(data), time.Now().UnixMilli())
	return err
}

// PublishGroupedWithDeduplication inserts a message with both a group and a
// dedup id; used by the dispatch scheduler's publisher path.
func (q *Queue) PublishGroupedWithDeduplication(ctx context.Context, data []byte, messageGroup, deduplicationID string) error {
	if messageGroup == "" {
		messageGroup = "default"
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (message_id, message_group_id, message_json, visible_at, receive_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(message_id) DO NOTHING`,
		deduplicationID, messageGroup, string(data), time.Now().UnixMilli())
	return err
}

func (q *Queue) insert(ctx context.Context, messageID, messageGroup string, data []byte) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (message_id, message_group_id, message_json, visible_at, receive_count)
		VALUES (?, ?, ?, ?, 0)`,
		messageID, messageGroup, string(data), time.Now().UnixMilli())
	return err
}

// --- Consumer ---

// Consume polls for visible messages and invokes handler for each. Blocks
// until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, handler func(queue.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := q.dequeueBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("embedded queue dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.config.PollInterval):
			}
			continue
		}

		for _, msg := range batch {
			if err := handler(msg); err != nil {
				slog.Error("embedded queue handler error", "error", err, "messageId", msg.messageID)
			}
		}
	}
}

// dequeueBatch claims up to BatchSize messages, at most one per message
// group. Each claim picks the smallest row id whose group is not already in
// this batch's exclusion set and whose visible_at has lapsed, then stamps a
// fresh receipt handle and pushes visible_at forward.
func (q *Queue) dequeueBatch(ctx context.Context) ([]*message, error) {
	now := time.Now().UnixMilli()
	invisibleUntil := now + q.config.VisibilityTimeout.Milliseconds()

	var batch []*message
	excluded := make([]string, 0, q.config.BatchSize)

	for len(batch) < q.config.BatchSize {
		receipt := uuid.New().String()

		query := `
			WITH next AS (
				SELECT id FROM queue_messages
				WHERE visible_at <= ?` + groupExclusionClause(len(excluded)) + `
				ORDER BY id
				LIMIT 1
			)
			UPDATE queue_messages
			SET visible_at = ?,
			    receipt_handle = ?,
			    receive_count = receive_count + 1,
			    first_received_at = COALESCE(first_received_at, ?)
			WHERE id IN (SELECT id FROM next)
			RETURNING message_id, message_group_id, message_json, receive_count`

		args := []any{now}
		for _, g := range excluded {
			args = append(args, g)
		}
		args = append(args, invisibleUntil, receipt, now)

		row := q.db.QueryRowContext(ctx, query, args...)

		var msg message
		err := row.Scan(&msg.messageID, &msg.messageGroup, &msg.body, &msg.receiveCount)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return batch, err
		}

		msg.queue = q
		msg.receiptHandle = receipt
		batch = append(batch, &msg)
		excluded = append(excluded, msg.messageGroup)
	}

	return batch, nil
}

func groupExclusionClause(n int) string {
	if n == 0 {
		return ""
	}
	return " AND message_group_id NOT IN (?" + strings.Repeat(",?", n-1) + ")"
}

// Depth returns how many messages are currently visible (pending) and how
// many are claimed but not yet acked (not visible). Used by the health
// subsystem.
func (q *Queue) Depth(ctx context.Context) (pending, notVisible int64, err error) {
	now := time.Now().UnixMilli()
	err = q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN visible_at <= ? THEN 1 END),
			COUNT(CASE WHEN visible_at > ? THEN 1 END)
		FROM queue_messages`, now, now).Scan(&pending, &notVisible)
	return pending, notVisible, err
}

// --- message ---

type message struct {
	queue         *Queue
	messageID     string
	messageGroup  string
	body          string
	receiptHandle string
	receiveCount  int
}

func (m *message) ID() string           { return m.messageID }
func (m *message) Data() []byte         { return []byte(m.body) }
func (m *message) Subject() string      { return m.queue.config.QueueName }
func (m *message) MessageGroup() string { return m.messageGroup }

func (m *message) Metadata() map[string]string {
	return map[string]string{
		"receiveCount": fmt.Sprintf("%d", m.receiveCount),
	}
}

// Ack deletes the row, guarded by the receipt handle so an expired claim
// cannot delete a message that has since been redelivered.
func (m *message) Ack() error {
	result, err := m.queue.db.Exec(`
		DELETE FROM queue_messages WHERE message_id = ? AND receipt_handle = ?`,
		m.messageID, m.receiptHandle)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		slog.Debug("ack matched no row (receipt superseded or already acked)",
			"messageId", m.messageID)
	}
	return nil
}

// Nak makes the message visible again after the default redelivery delay.
func (m *message) Nak() error {
	return m.NakWithDelay(defaultNackDelay)
}

// NakWithDelay makes the message visible again after the given delay.
func (m *message) NakWithDelay(delay time.Duration) error {
	if delay < time.Second {
		delay = time.Second
	}
	_, err := m.queue.db.Exec(`
		UPDATE queue_messages SET visible_at = ? WHERE message_id = ? AND receipt_handle = ?`,
		time.Now().Add(delay).UnixMilli(), m.messageID, m.receiptHandle)
	return err
}

// InProgress extends the claim by another visibility timeout.
func (m *message) InProgress() error {
	_, err := m.queue.db.Exec(`
		UPDATE queue_messages SET visible_at = ? WHERE message_id = ? AND receipt_handle = ?`,
		time.Now().Add(m.queue.config.VisibilityTimeout).UnixMilli(), m.messageID, m.receiptHandle)
	return err
}

// UpdateReceiptHandle adopts a newer receipt handle after a redelivery was
// detected, so the eventual ack matches the live row.
func (m *message) UpdateReceiptHandle(newReceiptHandle string) {
	m.receiptHandle = newReceiptHandle
}

// GetReceiptHandle returns the current receipt handle.
func (m *message) GetReceiptHandle() string {
	return m.receiptHandle
}

var (
	_ queue.Message                = (*message)(nil)
	_ queue.ReceiptHandleUpdatable = (*message)(nil)
	_ queue.Publisher              = (*Queue)(nil)
	_ queue.Consumer               = (*Queue)(nil)
)
