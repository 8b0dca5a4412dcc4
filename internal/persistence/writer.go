package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpSettle/internal/core"
)

// maxRowsPerInsert keeps multi-row INSERTs under the 65535 bind parameter
// limit of the Postgres wire protocol.
const maxRowsPerInsert = 1000

// JournalWriter writes committed calls, their events and their transfer
// journals using multi-row INSERTs inside the caller's transaction.
type JournalWriter struct{}

func NewJournalWriter() *JournalWriter {
	return &JournalWriter{}
}

// CommitRow represents a row in settle.commits
type CommitRow struct {
	Sequence       int64
	Method         string
	Caller         string
	IdempotencyKey *string
	StateHash      []byte
	PrevHash       []byte
	CommittedAt    time.Time
}

// EventRow represents a row in settle.event_journal
type EventRow struct {
	Sequence       int64
	Index          int
	EventType      string
	IdempotencyKey *string
	MarketID       *string
	Caller         string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// TransferRow represents a row in settle.transfer_journal
type TransferRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	Sequence      int64
	RequestIndex  int
	PositionID    uint32
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// OutputRows is everything one committed call writes to the journal tables.
type OutputRows struct {
	Commit    CommitRow
	Events    []EventRow
	Transfers []TransferRow
}

// RowsFromOutput flattens a committed call into table rows.
func RowsFromOutput(out core.CoreOutput) OutputRows {
	var key *string
	if out.IdempotencyKey != "" {
		k := out.IdempotencyKey
		key = &k
	}
	stateHash := append([]byte(nil), out.StateHash[:]...)
	prevHash := append([]byte(nil), out.PrevHash[:]...)

	rows := OutputRows{
		Commit: CommitRow{
			Sequence:       out.Sequence,
			Method:         out.Method,
			Caller:         out.Caller,
			IdempotencyKey: key,
			StateHash:      stateHash,
			PrevHash:       prevHash,
			CommittedAt:    time.Unix(out.Timestamp, 0).UTC(),
		},
		Events: make([]EventRow, 0, len(out.Envelopes)),
	}
	for _, env := range out.Envelopes {
		rows.Events = append(rows.Events, EventRow{
			Sequence:       env.Sequence,
			Index:          env.Index,
			EventType:      env.EventType.String(),
			IdempotencyKey: key,
			MarketID:       env.MarketID,
			Caller:         env.Caller,
			Payload:        env.Payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
			Timestamp:      env.Timestamp,
		})
	}
	if out.Batch != nil {
		rows.Transfers = make([]TransferRow, 0, out.Batch.Len())
		for _, j := range out.Batch.Journals {
			rows.Transfers = append(rows.Transfers, TransferRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				Sequence:      out.Sequence,
				RequestIndex:  j.RequestIndex,
				PositionID:    j.PositionID,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return rows
}

// WriteCommits writes settle.commits rows. Rewrites of a sequence are
// ignored so a retried flush is harmless.
func (w *JournalWriter) WriteCommits(ctx context.Context, tx *sql.Tx, commits []CommitRow) error {
	return insertRows(ctx, tx,
		`INSERT INTO settle.commits
		(sequence, method, caller, idempotency_key, state_hash, prev_hash, committed_at)
		VALUES `,
		7, len(commits),
		func(i int) []interface{} {
			c := commits[i]
			return []interface{}{c.Sequence, c.Method, c.Caller, c.IdempotencyKey, c.StateHash, c.PrevHash, c.CommittedAt}
		},
		" ON CONFLICT (sequence) DO NOTHING",
	)
}

// WriteEvents writes settle.event_journal rows.
func (w *JournalWriter) WriteEvents(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	return insertRows(ctx, tx,
		`INSERT INTO settle.event_journal
		(sequence, idx, event_type, idempotency_key, market_id, caller, payload, state_hash, prev_hash, timestamp)
		VALUES `,
		10, len(events),
		func(i int) []interface{} {
			e := events[i]
			return []interface{}{
				e.Sequence, e.Index, e.EventType, e.IdempotencyKey, e.MarketID,
				e.Caller, e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
			}
		},
		" ON CONFLICT (sequence, idx) DO NOTHING",
	)
}

// WriteTransfers writes settle.transfer_journal rows.
func (w *JournalWriter) WriteTransfers(ctx context.Context, tx *sql.Tx, transfers []TransferRow) error {
	return insertRows(ctx, tx,
		`INSERT INTO settle.transfer_journal
		(journal_id, batch_id, sequence, request_index, position_id, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES `,
		10, len(transfers),
		func(i int) []interface{} {
			j := transfers[i]
			return []interface{}{
				j.JournalID, j.BatchID, j.Sequence, j.RequestIndex, int64(j.PositionID),
				j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
			}
		},
		" ON CONFLICT (journal_id) DO NOTHING",
	)
}

// WriteProcessedBatches records the batch ids of committed submit calls.
func (w *JournalWriter) WriteProcessedBatches(ctx context.Context, tx *sql.Tx, commits []CommitRow) error {
	keyed := make([]CommitRow, 0, len(commits))
	for _, c := range commits {
		if c.IdempotencyKey != nil {
			keyed = append(keyed, c)
		}
	}
	return insertRows(ctx, tx,
		`INSERT INTO settle.processed_batches (batch_id, sequence) VALUES `,
		2, len(keyed),
		func(i int) []interface{} {
			return []interface{}{*keyed[i].IdempotencyKey, keyed[i].Sequence}
		},
		" ON CONFLICT (batch_id) DO NOTHING",
	)
}

// insertRows issues prefix + placeholders + suffix in chunks.
func insertRows(ctx context.Context, tx *sql.Tx, prefix string, cols, n int, row func(i int) []interface{}, suffix string) error {
	for start := 0; start < n; start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > n {
			end = n
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*cols)
		for i := start; i < end; i++ {
			base := len(args)
			ph := make([]string, cols)
			for c := range ph {
				ph[c] = fmt.Sprintf("$%d", base+c+1)
			}
			values = append(values, "("+strings.Join(ph, ", ")+")")
			args = append(args, row(i)...)
		}

		if _, err := tx.ExecContext(ctx, prefix+strings.Join(values, ", ")+suffix, args...); err != nil {
			return err
		}
	}
	return nil
}
