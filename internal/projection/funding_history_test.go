package projection_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/state"
	"PerpSettle/internal/testutil"
)

var btc = state.OtherAsset("BTC")

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func fundingEvent() event.FundingAccrued {
	return event.FundingAccrued{
		Asset:              btc,
		Elapsed:            3_600,
		Utilization:        1_000_000,
		HourlyRate:         fpmath.Scalar18 / 10_000,
		LongDelta:          100_000_000_000_000,
		LongInterestIndex:  fpmath.Scalar18 + 100_000_000_000_000,
		ShortInterestIndex: fpmath.Scalar18,
	}
}

func TestEntriesFromEnvelopes(t *testing.T) {
	ts := time.Unix(4_600, 0)
	envs := []*event.EventEnvelope{
		{Sequence: 7, Index: 0, EventType: event.EventTypeFundingAccrued, Payload: mustPayload(t, fundingEvent()), Timestamp: ts},
		{Sequence: 7, Index: 1, EventType: event.EventTypePositionOpened, Payload: json.RawMessage(`{}`), Timestamp: ts},
	}

	entries, err := projection.EntriesFromEnvelopes(envs)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Sequence != 7 || e.Index != 0 || e.Asset != btc || e.Elapsed != 3_600 {
		t.Errorf("entry: %+v", e)
	}
	if e.HourlyRateDecimal != "0.0001" {
		t.Errorf("hourly rate decimal %q", e.HourlyRateDecimal)
	}
	if !e.AccruedAt.Equal(ts) {
		t.Errorf("accrued_at %v", e.AccruedAt)
	}
}

func TestEntriesFromEnvelopesBadPayload(t *testing.T) {
	envs := []*event.EventEnvelope{
		{Sequence: 1, EventType: event.EventTypeFundingAccrued, Payload: json.RawMessage(`{"elapsed":"x"}`)},
	}
	if _, err := projection.EntriesFromEnvelopes(envs); err == nil {
		t.Fatal("expected a decode error")
	}
}

// ============================================================================
// Postgres
// ============================================================================

func TestRebuildFromEventJournal(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	hash := make([]byte, 32)
	if _, err := db.ExecContext(ctx, `
		INSERT INTO settle.commits (sequence, method, caller, state_hash, prev_hash, committed_at)
		VALUES (1, 'submit', 'GKEEPER', $1, $1, NOW())
	`, hash); err != nil {
		t.Fatalf("insert commit: %v", err)
	}
	market := btc.String()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO settle.event_journal
			(sequence, idx, event_type, market_id, caller, payload, state_hash, prev_hash, timestamp)
		VALUES (1, 0, $1, $2, 'GKEEPER', $3, $4, $4, NOW())
	`, event.EventTypeFundingAccrued.String(), market, []byte(mustPayload(t, fundingEvent())), hash); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	fh := projection.NewFundingHistory()
	n, err := fh.Rebuild(ctx, db)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 1 {
		t.Fatalf("rebuilt %d rows, want 1", n)
	}

	entries, err := fh.Query(ctx, db, btc, 10, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || entries[0].HourlyRate != fpmath.Scalar18/10_000 {
		t.Fatalf("entries: %+v", entries)
	}

	before := int64(1)
	entries, err = fh.Query(ctx, db, btc, 10, &before)
	if err != nil || len(entries) != 0 {
		t.Fatalf("paged query: %d entries, err %v", len(entries), err)
	}
}
