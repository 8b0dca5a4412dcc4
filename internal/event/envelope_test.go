package event_test

import (
	"testing"

	"PerpSettle/internal/event"
	"PerpSettle/internal/state"
)

func TestEnvelope_CarriesMarketAndDecodes(t *testing.T) {
	evt := &event.PositionClosed{
		PositionID: 4,
		User:       "GALICE",
		Asset:      state.OtherAsset("BTC"),
		Reason:     event.CloseReasonStopLoss,
		Settlement: state.Settlement{Price: 90, PnL: -200, Fee: 2, Collateral: 500, UserPayout: 298, CallerFee: 1, VaultAmount: 201},
	}
	env, err := event.NewEnvelope(3, evt, 1_700_000_000, "GBOB", "batch-9")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.MarketID == nil || *env.MarketID != evt.Asset.String() {
		t.Fatalf("market id: %v", env.MarketID)
	}
	if env.Index != 3 || env.IdempotencyKey != "batch-9" || env.Timestamp.Unix() != 1_700_000_000 {
		t.Fatalf("envelope header: %+v", env)
	}

	decoded, err := env.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(*event.PositionClosed)
	if !ok {
		t.Fatalf("decoded type %T", decoded)
	}
	if *got != *evt {
		t.Fatalf("decoded %+v, want %+v", got, evt)
	}
}

func TestEnvelope_GlobalEventHasNoMarket(t *testing.T) {
	env, err := event.NewEnvelope(0, &event.StatusChanged{From: state.StatusSetup, To: state.StatusActive}, 0, "GOWNER", "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.MarketID != nil {
		t.Fatalf("global event has market %s", *env.MarketID)
	}
}

func TestEnvelope_UnknownTypeFailsDecode(t *testing.T) {
	env := &event.EventEnvelope{EventType: event.EventType(999), Payload: []byte(`{}`)}
	if _, err := env.Decode(); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
