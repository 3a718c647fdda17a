package embedded

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/queue"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(&queue.EmbeddedConfig{
		DBPath:            filepath.Join(t.TempDir(), "queue.db"),
		QueueName:         "dispatch",
		VisibilityTimeout: 2 * time.Second,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestPublishAndDequeue(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	if err := q.Publish(ctx, "dispatch", []byte(`{"id":"m1"}`)); err != nil {
		t.Fatal(err)
	}

	batch, err := q.dequeueBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
	if string(batch[0].Data()) != `{"id":"m1"}` {
		t.Errorf("data = %s", batch[0].Data())
	}
	if batch[0].GetReceiptHandle() == "" {
		t.Error("expected a receipt handle on dequeue")
	}
	if batch[0].Metadata()["receiveCount"] != "1" {
		t.Errorf("receiveCount = %s, want 1", batch[0].Metadata()["receiveCount"])
	}
}

func TestDequeueOnePerGroupPerBatch(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	// Three messages in group A, one in group B.
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := q.PublishGroupedWithDeduplication(ctx, []byte(id), "group-a", id); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.PublishGroupedWithDeduplication(ctx, []byte("b1"), "group-b", "b1"); err != nil {
		t.Fatal(err)
	}

	batch, err := q.dequeueBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// One per group: a1 (oldest of the oldest group) and b1.
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2 (one per group)", len(batch))
	}
	if string(batch[0].Data()) != "a1" {
		t.Errorf("first = %s, want a1 (FIFO within group)", batch[0].Data())
	}
	if string(batch[1].Data()) != "b1" {
		t.Errorf("second = %s, want b1", batch[1].Data())
	}

	// The next batch yields a2: FIFO within the group follows row id order.
	second, err := q.dequeueBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || string(second[0].Data()) != "a2" {
		t.Fatalf("second batch = %v, want [a2]", second)
	}
}

func TestAckDeletesRow(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	q.Publish(ctx, "dispatch", []byte("m1"))
	batch, _ := q.dequeueBatch(ctx)
	if len(batch) != 1 {
		t.Fatal("expected one message")
	}

	if err := batch[0].Ack(); err != nil {
		t.Fatal(err)
	}

	pending, notVisible, err := q.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 || notVisible != 0 {
		t.Errorf("depth after ack = (%d, %d), want (0, 0)", pending, notVisible)
	}
}

func TestNakWithDelayHidesMessage(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	q.Publish(ctx, "dispatch", []byte("m1"))
	batch, _ := q.dequeueBatch(ctx)
	if err := batch[0].NakWithDelay(time.Hour); err != nil {
		t.Fatal(err)
	}

	next, err := q.dequeueBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 0 {
		t.Errorf("dequeued %d messages during nack delay, want 0", len(next))
	}

	pending, notVisible, _ := q.Depth(ctx)
	if pending != 0 || notVisible != 1 {
		t.Errorf("depth = (%d, %d), want (0, 1)", pending, notVisible)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q := openTestQueue(t)
	q.config.VisibilityTimeout = 50 * time.Millisecond
	ctx := context.Background()

	q.Publish(ctx, "dispatch", []byte("m1"))
	first, _ := q.dequeueBatch(ctx)
	if len(first) != 1 {
		t.Fatal("expected one message")
	}
	firstReceipt := first[0].GetReceiptHandle()

	time.Sleep(100 * time.Millisecond)

	second, _ := q.dequeueBatch(ctx)
	if len(second) != 1 {
		t.Fatal("expected redelivery after visibility timeout")
	}
	if second[0].GetReceiptHandle() == firstReceipt {
		t.Error("redelivery should carry a fresh receipt handle")
	}
	if second[0].Metadata()["receiveCount"] != "2" {
		t.Errorf("receiveCount = %s, want 2", second[0].Metadata()["receiveCount"])
	}

	// The stale receipt must not be able to delete the redelivered row.
	if err := first[0].Ack(); err != nil {
		t.Fatal(err)
	}
	pending, notVisible, _ := q.Depth(ctx)
	if pending+notVisible != 1 {
		t.Errorf("row count = %d after stale ack, want 1", pending+notVisible)
	}
}

func TestPublishWithDeduplication(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.PublishWithDeduplication(ctx, "dispatch", []byte("m1"), "dedup-1"); err != nil {
			t.Fatal(err)
		}
	}

	pending, _, _ := q.Depth(ctx)
	if pending != 1 {
		t.Errorf("pending = %d after duplicate publishes, want 1", pending)
	}
}

func TestConsumeDeliversToHandler(t *testing.T) {
	q := openTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Publish(ctx, "dispatch", []byte("m1"))

	received := make(chan queue.Message, 1)
	go q.Consume(ctx, func(msg queue.Message) error {
		received <- msg
		msg.Ack()
		cancel()
		return nil
	})

	select {
	case msg := <-received:
		if string(msg.Data()) != "m1" {
			t.Errorf("data = %s", msg.Data())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered within timeout")
	}
}
