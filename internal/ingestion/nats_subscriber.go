package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/state"
)

const (
	RequestStream  = "PERP_SETTLE_REQUESTS"
	SubmitSubject  = "perp.settle.submit"
	ResultsSubject = "perp.settle.results"
	EventsStream   = "PERP_SETTLE_EVENTS"
	EventsSubject  = "perp.settle.events"
)

// Submitter is the engine surface the consumer drives.
type Submitter interface {
	SubmitBatch(ctx context.Context, b core.Batch) (*core.SubmitResult, error)
}

// SubjectConfig binds a durable consumer to a subject.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the submit consumer configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: SubmitSubject, ConsumerName: "settle-submit", StreamName: RequestStream},
	}
}

// BatchConsumer pulls submit batches from JetStream and applies them to the
// engine one message at a time. Messages are acked only after the engine
// committed or rejected the batch; a rejection is terminal, anything else is
// redelivered. Redeliveries of committed batches are caught by the engine's
// batch id check.
type BatchConsumer struct {
	js        jetstream.JetStream
	engine    Submitter
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

func NewBatchConsumer(js jetstream.JetStream, engine Submitter, metrics *observability.Metrics) *BatchConsumer {
	return &BatchConsumer{
		js:      js,
		engine:  engine,
		metrics: metrics,
		logger:  observability.NewLogger("ingestion"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (bc *BatchConsumer) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := bc.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			// Batches must reach the engine in stream order.
			MaxAckPending: 1,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			bc.handle(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		bc.consumers = append(bc.consumers, cc)
		bc.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

func (bc *BatchConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	if !bc.begin() {
		msg.Nak()
		return
	}
	defer bc.inflight.Done()

	received := time.Now()
	if md, err := msg.Metadata(); err == nil && bc.metrics != nil {
		bc.metrics.NATSPullLatency.WithLabelValues(msg.Subject()).Observe(received.Sub(md.Timestamp).Seconds())
	}

	batch, err := ParseBatch(msg.Data())
	if err != nil {
		bc.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("malformed batch, terminating message")
		msg.Term()
		return
	}
	if batch.ID == "" {
		batch.ID = msg.Headers().Get(nats.MsgIdHdr)
	}

	res, err := bc.engine.SubmitBatch(ctx, batch)
	switch {
	case err == nil:
		if bc.metrics != nil {
			bc.metrics.IngestToCommit.WithLabelValues(sourceLabel(batch)).Observe(time.Since(received).Seconds())
		}
		bc.publishResult(ctx, batch, res, nil)
		msg.Ack()
	case isRejection(err):
		bc.logger.Info().Err(err).Str("batch_id", batch.ID).Msg("batch rejected")
		bc.publishResult(ctx, batch, nil, err)
		msg.Term()
	default:
		bc.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("batch failed, redelivering")
		msg.Nak()
	}
}

// publishResult reports the outcome on perp.settle.results.<batch_id> for
// producers that wait on it. Failures only log; the result is also
// derivable from the event journal.
func (bc *BatchConsumer) publishResult(ctx context.Context, b core.Batch, res *core.SubmitResult, rejectErr error) {
	if b.ID == "" {
		return
	}
	data, err := EncodeResult(b.ID, res, rejectErr)
	if err != nil {
		bc.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("encode result")
		return
	}
	if _, err := bc.js.Publish(ctx, ResultsSubject+"."+b.ID, data); err != nil {
		bc.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("publish result")
	}
}

// isRejection reports whether err is a business rejection from the engine
// rather than an infrastructure failure.
func isRejection(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var coded *state.Error
	return errors.As(err, &coded)
}

func sourceLabel(b core.Batch) string {
	if b.Source == "" {
		return "anonymous"
	}
	return b.Source
}

// EnsureStreams creates the request and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       RequestStream,
			Subjects:   []string{SubmitSubject},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{EventsSubject + ".>", ResultsSubject + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	logger := observability.NewLogger("ingestion")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// begin registers an in-flight message unless the consumer is stopping.
func (bc *BatchConsumer) begin() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.stopped {
		return false
	}
	bc.inflight.Add(1)
	return true
}

// Stop stops consuming and waits for the message being applied, so the
// engine sees no further calls once Stop returns.
func (bc *BatchConsumer) Stop() {
	bc.mu.Lock()
	bc.stopped = true
	bc.mu.Unlock()

	for _, cc := range bc.consumers {
		cc.Stop()
	}
	bc.inflight.Wait()
	bc.logger.Info().Msg("NATS consumers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("perpsettle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
