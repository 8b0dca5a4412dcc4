package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"PerpSettle/internal/core"
	"PerpSettle/internal/state"
)

// MaxBatchRequests bounds the requests accepted in one NATS message.
const MaxBatchRequests = 256

// ParseBatch decodes a submit batch from its JSON wire format. Unknown
// fields are rejected so a producer typo does not silently drop a value.
//
//	{"batch_id":"...","source":"keeper-1","sequence":7,"caller":"G...",
//	 "policy":"skip_failed","requests":[{"action":"close","position":3}]}
func ParseBatch(data []byte) (core.Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var b core.Batch
	if err := dec.Decode(&b); err != nil {
		return core.Batch{}, fmt.Errorf("parse batch: %w", err)
	}
	if dec.More() {
		return core.Batch{}, errors.New("parse batch: trailing data")
	}
	if b.Caller == "" {
		return core.Batch{}, errors.New("parse batch: caller is required")
	}
	if len(b.Requests) == 0 {
		return core.Batch{}, errors.New("parse batch: no requests")
	}
	if len(b.Requests) > MaxBatchRequests {
		return core.Batch{}, fmt.Errorf("parse batch: %d requests exceeds limit %d", len(b.Requests), MaxBatchRequests)
	}
	if b.Sequence < 0 {
		return core.Batch{}, fmt.Errorf("parse batch: negative sequence %d", b.Sequence)
	}
	if b.Sequence > 0 && b.Source == "" {
		return core.Batch{}, errors.New("parse batch: sequence requires a source")
	}
	return b, nil
}

// ResultMessage is published on perp.settle.results.<batch_id>.
type ResultMessage struct {
	BatchID string             `json:"batch_id"`
	OK      bool               `json:"ok"`
	Code    uint32             `json:"code,omitempty"`
	Error   string             `json:"error,omitempty"`
	Result  *core.SubmitResult `json:"result,omitempty"`
}

// EncodeResult builds the result message for a committed or rejected batch.
func EncodeResult(batchID string, res *core.SubmitResult, rejectErr error) ([]byte, error) {
	msg := ResultMessage{BatchID: batchID, OK: rejectErr == nil, Result: res}
	if rejectErr != nil {
		msg.Code = uint32(state.CodeOf(rejectErr))
		msg.Error = rejectErr.Error()
	}
	return json.Marshal(msg)
}
