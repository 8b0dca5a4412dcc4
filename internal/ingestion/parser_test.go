package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/state"
)

// ============================================================================
// ParseBatch
// ============================================================================

func TestParseBatch(t *testing.T) {
	data := []byte(`{
		"batch_id": "b-1",
		"source": "keeper-1",
		"sequence": 7,
		"caller": "GKEEPER",
		"policy": "skip_failed",
		"requests": [
			{"action": "close", "position": 3},
			{"action": "deposit_collateral", "position": 4, "data": 250}
		]
	}`)

	b, err := ingestion.ParseBatch(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if b.ID != "b-1" || b.Source != "keeper-1" || b.Sequence != 7 {
		t.Errorf("metadata: got id=%q source=%q seq=%d", b.ID, b.Source, b.Sequence)
	}
	if b.Caller != "GKEEPER" {
		t.Errorf("caller: got %q", b.Caller)
	}
	if b.Policy != core.SkipFailed {
		t.Errorf("policy: got %s, want skip_failed", b.Policy)
	}
	if len(b.Requests) != 2 {
		t.Fatalf("requests: got %d, want 2", len(b.Requests))
	}
	if b.Requests[0].Action != core.ActionClose || b.Requests[0].Position != 3 || b.Requests[0].Data != nil {
		t.Errorf("request 0: got %+v", b.Requests[0])
	}
	if b.Requests[1].Action != core.ActionDepositCollateral || b.Requests[1].Data == nil || *b.Requests[1].Data != 250 {
		t.Errorf("request 1: got %+v", b.Requests[1])
	}
}

func TestParseBatchRejects(t *testing.T) {
	many := make([]string, ingestion.MaxBatchRequests+1)
	for i := range many {
		many[i] = `{"action":"close","position":1}`
	}

	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{`},
		{"unknown field", `{"caller":"G","requests":[{"action":"close","position":1}],"extra":1}`},
		{"unknown action", `{"caller":"G","requests":[{"action":"explode","position":1}]}`},
		{"missing caller", `{"requests":[{"action":"close","position":1}]}`},
		{"no requests", `{"caller":"G","requests":[]}`},
		{"too many requests", `{"caller":"G","requests":[` + strings.Join(many, ",") + `]}`},
		{"negative sequence", `{"caller":"G","source":"s","sequence":-1,"requests":[{"action":"close","position":1}]}`},
		{"sequence without source", `{"caller":"G","sequence":3,"requests":[{"action":"close","position":1}]}`},
		{"trailing data", `{"caller":"G","requests":[{"action":"close","position":1}]} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ingestion.ParseBatch([]byte(tt.data)); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestEncodeResult(t *testing.T) {
	data, err := ingestion.EncodeResult("b-1", nil, state.Errorf(state.CodeInvalidAction, "position closed"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var msg ingestion.ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.OK || msg.Code != uint32(state.CodeInvalidAction) || msg.BatchID != "b-1" {
		t.Errorf("rejection message: got %+v", msg)
	}

	data, err = ingestion.EncodeResult("b-2", &core.SubmitResult{Version: 1, Results: []uint32{0}}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg = ingestion.ResultMessage{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !msg.OK || msg.Code != 0 || msg.Result == nil || len(msg.Result.Results) != 1 {
		t.Errorf("success message: got %+v", msg)
	}
}

// ============================================================================
// Outbound publisher
// ============================================================================

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("nats unavailable")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{}, nil
}

func mustEnvelope(t *testing.T, seq int64, idx int, evt event.Event) *event.EventEnvelope {
	t.Helper()
	env, err := event.NewEnvelope(idx, evt, 1_000, "GALICE", "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.Sequence = seq
	return env
}

func TestEventSubject(t *testing.T) {
	env := mustEnvelope(t, 4, 1, &event.PositionClosed{PositionID: 1, Asset: state.OtherAsset("BTC")})
	subject := ingestion.EventSubject(env)
	if !strings.HasPrefix(subject, ingestion.EventsSubject+".PositionClosed.") {
		t.Errorf("subject: got %q", subject)
	}
	if strings.Count(subject, ".") != 4 {
		t.Errorf("market token must not add subject levels: %q", subject)
	}
	if id := ingestion.EventMsgID(env); id != "4-1" {
		t.Errorf("msg id: got %q, want 4-1", id)
	}
}

func TestOutboundPublisherRun(t *testing.T) {
	js := &fakeJetStream{}
	in := make(chan core.CoreOutput, 1)
	in <- core.CoreOutput{
		Sequence: 9,
		Envelopes: []*event.EventEnvelope{
			mustEnvelope(t, 9, 0, &event.PositionClosed{PositionID: 2, Asset: state.OtherAsset("ETH")}),
			mustEnvelope(t, 9, 1, &event.PositionCancelled{PositionID: 3, Asset: state.OtherAsset("ETH")}),
		},
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ingestion.NewOutboundPublisher(js, in).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(js.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(js.msgs))
	}
	var wire struct {
		Sequence  int64  `json:"sequence"`
		EventType string `json:"event_type"`
		StateHash string `json:"state_hash"`
	}
	if err := json.Unmarshal(js.msgs[0].data, &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wire.Sequence != 9 || wire.EventType != "PositionClosed" || len(wire.StateHash) != 64 {
		t.Errorf("wire event: got %+v", wire)
	}
}

func TestOutboundPublisherSurvivesFailures(t *testing.T) {
	js := &fakeJetStream{fail: true}
	in := make(chan core.CoreOutput, 1)
	in <- core.CoreOutput{Envelopes: []*event.EventEnvelope{
		mustEnvelope(t, 1, 0, &event.PositionClosed{PositionID: 1, Asset: state.OtherAsset("BTC")}),
	}}
	close(in)

	if err := ingestion.NewOutboundPublisher(js, in).Run(context.Background()); err != nil {
		t.Fatalf("publish failures must not stop the loop: %v", err)
	}
}
