package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/internal/queue"
)

// TestServer runs an in-process NATS server with JetStream so broker tests
// can exercise the real publisher and consumer without an external
// dependency. Not used by production wiring; the router always connects to
// an external NATS when QUEUE_TYPE=nats.
type TestServer struct {
	server    *server.Server
	conn      *nats.Conn
	js        jetstream.JetStream
	publisher *Publisher
	stream    string
}

// TestServerConfig holds the in-process server's settings.
type TestServerConfig struct {
	// DataDir is the directory for JetStream persistence.
	DataDir string

	// StreamName is the JetStream stream name (default DISPATCH).
	StreamName string

	// Subjects is the stream's subject filter (default dispatch.>).
	Subjects []string

	// AckWait controls redelivery timing for consumers (default 2m; tests
	// shorten it to observe redelivery).
	AckWait time.Duration
}

// StartTestServer starts an in-process NATS server on a random port and
// provisions the dispatch stream.
func StartTestServer(cfg *TestServerConfig) (*TestServer, error) {
	if cfg == nil {
		cfg = &TestServerConfig{}
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "DISPATCH"
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{"dispatch.>"}
	}

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	slog.Debug("in-process NATS server started", "url", ns.ClientURL(), "stream", cfg.StreamName)

	return &TestServer{
		server:    ns,
		conn:      conn,
		js:        js,
		publisher: NewPublisher(js, cfg.StreamName),
		stream:    cfg.StreamName,
	}, nil
}

// Publisher returns a publisher against the in-process stream.
func (s *TestServer) Publisher() queue.Publisher {
	return s.publisher
}

// CreateConsumer creates a durable consumer over the stream, mirroring the
// production client's consumer settings.
func (s *TestServer) CreateConsumer(ctx context.Context, name, filterSubject string, cfg *TestServerConfig) (*Consumer, error) {
	ackWait := 2 * time.Minute
	if cfg != nil && cfg.AckWait > 0 {
		ackWait = cfg.AckWait
	}

	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return NewConsumer(consumer, name), nil
}

// Close shuts down the in-process server.
func (s *TestServer) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
	return nil
}
