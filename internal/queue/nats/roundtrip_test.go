package nats

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/codec"
	"go.flowcatalyst.tech/internal/router/model"
)

func startTestServer(t *testing.T, cfg *TestServerConfig) *TestServer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping in-process broker test in short mode")
	}
	if cfg == nil {
		cfg = &TestServerConfig{}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}

	srv, err := StartTestServer(cfg)
	if err != nil {
		t.Fatalf("failed to start in-process NATS: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func encodePointer(t *testing.T, id, group string) []byte {
	t.Helper()
	body, err := codec.Encode(&model.MessagePointer{
		ID:              id,
		PoolCode:        "pool-a",
		MessageGroupID:  group,
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: "https://subscriber.example.com/hook",
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestPointerRoundTrip(t *testing.T) {
	srv := startTestServer(t, nil)
	ctx := context.Background()

	if err := srv.Publisher().Publish(ctx, "dispatch.jobs", encodePointer(t, "job-1", "order:42")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	consumer, err := srv.CreateConsumer(ctx, "router-test", "dispatch.>", nil)
	if err != nil {
		t.Fatal(err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	received := make(chan *model.MessagePointer, 1)
	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		pointer, err := codec.Decode(msg.Data())
		if err != nil {
			t.Errorf("decode failed: %v", err)
			msg.Ack()
			return nil
		}
		msg.Ack()
		received <- pointer
		cancel()
		return nil
	})

	select {
	case pointer := <-received:
		if pointer.ID != "job-1" {
			t.Errorf("ID = %s, want job-1", pointer.ID)
		}
		if pointer.PoolCode != "pool-a" {
			t.Errorf("PoolCode = %s, want pool-a", pointer.PoolCode)
		}
		if pointer.MessageGroupID != "order:42" {
			t.Errorf("MessageGroupID = %s, want order:42", pointer.MessageGroupID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("pointer not consumed within timeout")
	}
}

func TestGroupedDeduplicationPublish(t *testing.T) {
	srv := startTestServer(t, nil)
	ctx := context.Background()

	// The scheduler re-sends a PENDING job's pointer on every poll until it
	// transitions; the JetStream dedup id must collapse the copies.
	publisher := srv.Publisher().(*Publisher)
	body := encodePointer(t, "job-1", "order:42")
	for i := 0; i < 3; i++ {
		if err := publisher.PublishGroupedWithDeduplication(ctx, body, "order:42", "job-1"); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	consumer, err := srv.CreateConsumer(ctx, "router-test", "dispatch.>", nil)
	if err != nil {
		t.Fatal(err)
	}

	consumeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var mu sync.Mutex
	var seen []string
	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		mu.Lock()
		seen = append(seen, msg.ID())
		mu.Unlock()
		msg.Ack()
		return nil
	})

	<-consumeCtx.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Errorf("consumed %d copies, want 1 (broker-side deduplication)", len(seen))
	}
}

func TestNakWithDelayRedelivers(t *testing.T) {
	srv := startTestServer(t, &TestServerConfig{AckWait: 2 * time.Second})
	ctx := context.Background()

	if err := srv.Publisher().Publish(ctx, "dispatch.jobs", encodePointer(t, "job-1", "order:42")); err != nil {
		t.Fatal(err)
	}

	consumer, err := srv.CreateConsumer(ctx, "router-test", "dispatch.>", &TestServerConfig{AckWait: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var deliveries []time.Time
	done := make(chan struct{})

	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		mu.Lock()
		deliveries = append(deliveries, time.Now())
		count := len(deliveries)
		mu.Unlock()

		if count == 1 {
			// Transient failure: defer like the pool worker does.
			msg.NakWithDelay(time.Second)
			return nil
		}
		msg.Ack()
		close(done)
		cancel()
		return nil
	})

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("message was not redelivered after nack")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(deliveries))
	}
	if gap := deliveries[1].Sub(deliveries[0]); gap < 500*time.Millisecond {
		t.Errorf("redelivery gap = %v, want >= ~1s nack delay", gap)
	}
}
