// Package projection maintains read models derived from committed events.
// The funding history keeps every index accrual of every market so rates
// can be charted after the fact; the engine itself only keeps the latest
// index.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// FundingHistoryEntry is one accrual of one market.
type FundingHistoryEntry struct {
	Sequence           int64       `json:"sequence"`
	Index              int         `json:"index"`
	Asset              state.Asset `json:"asset"`
	Elapsed            int64       `json:"elapsed"`
	Utilization        int64       `json:"utilization"`
	HourlyRate         int64       `json:"hourly_rate"`
	HourlyRateDecimal  string      `json:"hourly_rate_decimal"`
	LongDelta          int64       `json:"long_delta"`
	ShortDelta         int64       `json:"short_delta"`
	LongInterestIndex  int64       `json:"long_interest_index"`
	ShortInterestIndex int64       `json:"short_interest_index"`
	LongRebase         int64       `json:"long_rebase,omitempty"`
	ShortRebase        int64       `json:"short_rebase,omitempty"`
	AccruedAt          time.Time   `json:"accrued_at"`
}

// EntriesFromEnvelopes picks the FundingAccrued events out of envs.
func EntriesFromEnvelopes(envs []*event.EventEnvelope) ([]FundingHistoryEntry, error) {
	var out []FundingHistoryEntry
	for _, env := range envs {
		if env.EventType != event.EventTypeFundingAccrued {
			continue
		}
		e, err := entryFromPayload(env.Sequence, env.Index, env.Payload, env.Timestamp)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func entryFromPayload(seq int64, idx int, payload []byte, ts time.Time) (FundingHistoryEntry, error) {
	var f event.FundingAccrued
	if err := json.Unmarshal(payload, &f); err != nil {
		return FundingHistoryEntry{}, fmt.Errorf("decode FundingAccrued %d/%d: %w", seq, idx, err)
	}
	return FundingHistoryEntry{
		Sequence:           seq,
		Index:              idx,
		Asset:              f.Asset,
		Elapsed:            f.Elapsed,
		Utilization:        f.Utilization,
		HourlyRate:         f.HourlyRate,
		HourlyRateDecimal:  fpmath.FormatScaled(f.HourlyRate, fpmath.IndexConfig),
		LongDelta:          f.LongDelta,
		ShortDelta:         f.ShortDelta,
		LongInterestIndex:  f.LongInterestIndex,
		ShortInterestIndex: f.ShortInterestIndex,
		LongRebase:         f.LongRebase,
		ShortRebase:        f.ShortRebase,
		AccruedAt:          ts.UTC(),
	}, nil
}

// FundingHistory writes and reads settle.funding_history.
type FundingHistory struct{}

func NewFundingHistory() *FundingHistory {
	return &FundingHistory{}
}

// Project writes the accruals of outs inside tx. Rewrites of an event are
// ignored so a retried flush is harmless.
func (fh *FundingHistory) Project(ctx context.Context, tx *sql.Tx, outs []core.CoreOutput) (int, error) {
	n := 0
	for _, out := range outs {
		entries, err := EntriesFromEnvelopes(out.Envelopes)
		if err != nil {
			return n, err
		}
		for _, e := range entries {
			if err := insertEntry(ctx, tx, e); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e FundingHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settle.funding_history
			(sequence, idx, asset, elapsed, utilization, hourly_rate, long_delta, short_delta,
			 long_interest_index, short_interest_index, long_rebase, short_rebase, accrued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sequence, idx) DO NOTHING
	`, e.Sequence, e.Index, e.Asset.String(), e.Elapsed, e.Utilization, e.HourlyRate,
		e.LongDelta, e.ShortDelta, e.LongInterestIndex, e.ShortInterestIndex,
		e.LongRebase, e.ShortRebase, e.AccruedAt)
	if err != nil {
		return fmt.Errorf("insert funding %d/%d: %w", e.Sequence, e.Index, err)
	}
	return nil
}

// Query returns up to limit accruals of asset, newest first. A non-nil
// before only returns accruals with a smaller sequence.
func (fh *FundingHistory) Query(ctx context.Context, db *sql.DB, asset state.Asset, limit int, before *int64) ([]FundingHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, idx, elapsed, utilization, hourly_rate, long_delta, short_delta,
		       long_interest_index, short_interest_index, long_rebase, short_rebase, accrued_at
		FROM settle.funding_history
		WHERE asset = $1 AND ($2::BIGINT IS NULL OR sequence < $2)
		ORDER BY sequence DESC
		LIMIT $3
	`, asset.String(), before, limit)
	if err != nil {
		return nil, fmt.Errorf("query funding history: %w", err)
	}
	defer rows.Close()

	var out []FundingHistoryEntry
	for rows.Next() {
		e := FundingHistoryEntry{Asset: asset}
		if err := rows.Scan(&e.Sequence, &e.Index, &e.Elapsed, &e.Utilization, &e.HourlyRate,
			&e.LongDelta, &e.ShortDelta, &e.LongInterestIndex, &e.ShortInterestIndex,
			&e.LongRebase, &e.ShortRebase, &e.AccruedAt); err != nil {
			return nil, err
		}
		e.HourlyRateDecimal = fpmath.FormatScaled(e.HourlyRate, fpmath.IndexConfig)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rebuild truncates the funding history and replays it from the event
// journal, which stays the source of truth.
func (fh *FundingHistory) Rebuild(ctx context.Context, db *sql.DB) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE settle.funding_history`); err != nil {
		return 0, fmt.Errorf("truncate funding history: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, idx, payload, timestamp
		FROM settle.event_journal
		WHERE event_type = $1
		ORDER BY sequence, idx
	`, event.EventTypeFundingAccrued.String())
	if err != nil {
		return 0, fmt.Errorf("scan event journal: %w", err)
	}
	var entries []FundingHistoryEntry
	for rows.Next() {
		var (
			seq     int64
			idx     int
			payload []byte
			ts      time.Time
		)
		if err := rows.Scan(&seq, &idx, &payload, &ts); err != nil {
			rows.Close()
			return 0, err
		}
		e, err := entryFromPayload(seq, idx, payload, ts)
		if err != nil {
			rows.Close()
			return 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(entries), nil
}
