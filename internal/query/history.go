package query

import (
	"context"
	"fmt"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/state"
)

// GetJournalHistory returns the transfers touching address, newest first.
// afterSequence pages backwards: only rows with a smaller sequence are
// returned.
func (qs *QueryService) GetJournalHistory(ctx context.Context, address string, limit int, afterSequence *int64) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journal_history", &err)()
	if qs.db == nil {
		return nil, ErrHistoryDisabled
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	account := ledger.WalletAccount(address).AccountPath()
	query := `
		SELECT journal_id, batch_id, sequence, request_index, position_id,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM settle.transfer_journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, request_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e   JournalHistoryEntry
			pos int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.Sequence, &e.RequestIndex, &pos,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.PositionID = uint32(pos)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetFundingHistory returns the index accruals of asset, newest first.
func (qs *QueryService) GetFundingHistory(ctx context.Context, asset state.Asset, limit int, beforeSequence *int64) (entries []projection.FundingHistoryEntry, err error) {
	defer qs.observe("funding_history", &err)()
	if qs.db == nil {
		return nil, ErrHistoryDisabled
	}
	return qs.funding.Query(ctx, qs.db, asset, limit, beforeSequence)
}

// hashChainBreaks returns sequences whose prev_hash does not match the
// state_hash of the commit before them.
func (qs *QueryService) hashChainBreaks(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM settle.commits c1
		JOIN settle.commits c0 ON c0.sequence = c1.sequence - 1
		WHERE c1.prev_hash <> c0.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("scan hash chain: %w", err)
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}
