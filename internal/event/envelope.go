package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitialized
	EventTypeConfigUpdated
	EventTypeStatusChanged
	EventTypeUpgraded
	EventTypeMarketInitialized
	EventTypeMarketQueued
	EventTypeMarketQueueCancelled
	EventTypeMarketSet
	EventTypeFundingAccrued
	EventTypePositionOpened
	EventTypePositionFilled
	EventTypePositionClosed
	EventTypePositionCancelled
	EventTypePositionLiquidated
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeTriggersUpdated
	EventTypeConfigQueued
	EventTypeConfigQueueCancelled
)

// EventEnvelope wraps every event emitted by a committed call.
type EventEnvelope struct {
	// Sequence of the committed call that produced the event
	Sequence int64 `json:"sequence"`

	// Position of the event within its call
	Index int `json:"index"`

	// Caller-supplied batch id, empty for direct calls
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	EventType EventType `json:"event_type"`

	// Market context (nil for global events)
	MarketID *string `json:"market_id,omitempty"`

	// Call timestamp pinned by the engine
	Timestamp time.Time `json:"timestamp"`

	Caller string `json:"caller"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`

	// Chained state hash after the call committed
	StateHash [32]byte `json:"state_hash"`

	// State hash before the call
	PrevHash [32]byte `json:"prev_hash"`
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string
}

// NewEnvelope wraps evt. Sequence and hashes are filled in when the call
// commits.
func NewEnvelope(index int, evt Event, timestamp int64, caller, idempotencyKey string) (*EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.EventType(), err)
	}
	return &EventEnvelope{
		Index:          index,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      time.Unix(timestamp, 0).UTC(),
		Caller:         caller,
		Payload:        payload,
	}, nil
}

// Decode unmarshals the payload into its concrete event type.
func (e *EventEnvelope) Decode() (Event, error) {
	var evt Event
	switch e.EventType {
	case EventTypeInitialized:
		evt = &Initialized{}
	case EventTypeConfigUpdated:
		evt = &ConfigUpdated{}
	case EventTypeStatusChanged:
		evt = &StatusChanged{}
	case EventTypeUpgraded:
		evt = &Upgraded{}
	case EventTypeMarketInitialized:
		evt = &MarketInitialized{}
	case EventTypeMarketQueued:
		evt = &MarketQueued{}
	case EventTypeMarketQueueCancelled:
		evt = &MarketQueueCancelled{}
	case EventTypeMarketSet:
		evt = &MarketSet{}
	case EventTypeFundingAccrued:
		evt = &FundingAccrued{}
	case EventTypePositionOpened:
		evt = &PositionOpened{}
	case EventTypePositionFilled:
		evt = &PositionFilled{}
	case EventTypePositionClosed:
		evt = &PositionClosed{}
	case EventTypePositionCancelled:
		evt = &PositionCancelled{}
	case EventTypePositionLiquidated:
		evt = &PositionLiquidated{}
	case EventTypeCollateralDeposited, EventTypeCollateralWithdrawn:
		evt = &CollateralChanged{}
	case EventTypeTriggersUpdated:
		evt = &TriggersUpdated{}
	case EventTypeConfigQueued:
		evt = &ConfigQueued{}
	case EventTypeConfigQueueCancelled:
		evt = &ConfigQueueCancelled{}
	default:
		return nil, fmt.Errorf("unknown event type %d", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return evt, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeInitialized:
		return "Initialized"
	case EventTypeConfigUpdated:
		return "ConfigUpdated"
	case EventTypeStatusChanged:
		return "StatusChanged"
	case EventTypeUpgraded:
		return "Upgraded"
	case EventTypeMarketInitialized:
		return "MarketInitialized"
	case EventTypeMarketQueued:
		return "MarketQueued"
	case EventTypeMarketQueueCancelled:
		return "MarketQueueCancelled"
	case EventTypeMarketSet:
		return "MarketSet"
	case EventTypeFundingAccrued:
		return "FundingAccrued"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionFilled:
		return "PositionFilled"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionCancelled:
		return "PositionCancelled"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case EventTypeTriggersUpdated:
		return "TriggersUpdated"
	case EventTypeConfigQueued:
		return "ConfigQueued"
	case EventTypeConfigQueueCancelled:
		return "ConfigQueueCancelled"
	default:
		return "Unknown"
	}
}

// Subject returns the NATS subject segment for the type, e.g. "position_closed".
func (et EventType) Subject() string {
	name := et.String()
	out := make([]byte, 0, len(name)+4)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
