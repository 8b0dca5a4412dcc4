package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
)

// Publisher is the slice of jetstream.JetStream the outbound publisher
// needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. It reads the engine's projection channel, which drops on
// overflow, so consumers that need every event read the event journal.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, env := range out.Envelopes {
				if err := op.publish(ctx, env); err != nil {
					// Non-fatal: downstream consumers can read the event journal
					op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Int("index", env.Index).Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := envelopeJSON(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubject(env), data, jetstream.WithMsgID(EventMsgID(env)))
	return err
}

// EventSubject builds perp.settle.events.<type>[.<asset>].
func EventSubject(env *event.EventEnvelope) string {
	subject := EventsSubject + "." + env.EventType.String()
	if env.MarketID != nil {
		subject += "." + subjectToken(*env.MarketID)
	}
	return subject
}

// EventMsgID is the JetStream dedup id of an event: "<sequence>-<index>".
func EventMsgID(env *event.EventEnvelope) string {
	return strconv.FormatInt(env.Sequence, 10) + "-" + strconv.Itoa(env.Index)
}

// subjectToken replaces characters NATS treats as subject syntax.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// outboundEvent is the wire format of a published event: the envelope with
// the type by name and hashes in hex.
type outboundEvent struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MarketID       *string         `json:"market_id,omitempty"`
	Caller         string          `json:"caller"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func envelopeJSON(env *event.EventEnvelope) ([]byte, error) {
	return json.Marshal(outboundEvent{
		Sequence:       env.Sequence,
		Index:          env.Index,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Caller:         env.Caller,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	})
}
