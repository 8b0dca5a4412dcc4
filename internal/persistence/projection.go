package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"PerpSettle/internal/core"
	"PerpSettle/internal/state"
)

// StateProjector mirrors committed state into the query tables. It reads
// the store of the newest output in a flush, so every row lands at its
// latest committed value.
type StateProjector struct{}

// positionMethods only touch positions and markets; every other method
// may change the contract row.
var positionMethods = map[string]bool{
	"submit":            true,
	"create_position":   true,
	"close_position":    true,
	"modify_collateral": true,
	"set_triggers":      true,
}

func NewStateProjector() *StateProjector {
	return &StateProjector{}
}

// Project upserts the positions and markets changed by outs. Admin calls
// also rewrite the contract row and the timelock queue.
func (p *StateProjector) Project(ctx context.Context, tx *sql.Tx, outs []core.CoreOutput) error {
	if len(outs) == 0 {
		return nil
	}
	last := outs[len(outs)-1]
	if last.Store == nil {
		return nil
	}

	positions := make(map[uint32]struct{})
	markets := make(map[state.Asset]struct{})
	admin := false
	for _, out := range outs {
		for _, id := range out.Positions {
			positions[id] = struct{}{}
		}
		for _, a := range out.Markets {
			markets[a] = struct{}{}
		}
		if !positionMethods[out.Method] {
			admin = true
		}
	}

	seq := last.Sequence
	if admin {
		if err := p.projectContract(ctx, tx, last.Store, seq); err != nil {
			return err
		}
	}
	for _, a := range last.Store.Markets.Assets() {
		if _, ok := markets[a]; !ok {
			continue
		}
		m, _ := last.Store.Markets.Market(a)
		if err := p.projectMarket(ctx, tx, m, seq); err != nil {
			return err
		}
	}
	ids := make([]uint32, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		pos, ok := last.Store.Positions.Get(id)
		if !ok {
			continue
		}
		if err := p.projectPosition(ctx, tx, pos, seq); err != nil {
			return err
		}
	}
	return nil
}

func (p *StateProjector) projectContract(ctx context.Context, tx *sql.Tx, s *state.Store, seq int64) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("encode trading config: %w", err)
	}
	var queued, unlock any
	if q := s.QueuedConfig; q != nil {
		b, err := json.Marshal(q.Config)
		if err != nil {
			return fmt.Errorf("encode queued trading config: %w", err)
		}
		queued, unlock = b, q.UnlockTime
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settle.trading_config
			(id, name, vault, initialized, status, config, wasm_hash, updated_seq, queued_config, queued_unlock_time)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = $1, vault = $2, initialized = $3, status = $4, config = $5, wasm_hash = $6, updated_seq = $7,
			queued_config = $8, queued_unlock_time = $9
	`, s.Name, s.Vault, s.Initialized, int64(s.Status), cfg, s.WasmHash, seq, queued, unlock); err != nil {
		return fmt.Errorf("project trading config: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM settle.queued_markets`); err != nil {
		return fmt.Errorf("clear queued markets: %w", err)
	}
	for _, a := range s.Markets.QueuedAssets() {
		q, _ := s.Markets.Queued(a)
		qc, err := json.Marshal(q.Config)
		if err != nil {
			return fmt.Errorf("encode queued config %s: %w", a, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settle.queued_markets (asset, config, unlock_time) VALUES ($1, $2, $3)`,
			a.String(), qc, q.UnlockTime,
		); err != nil {
			return fmt.Errorf("project queued market %s: %w", a, err)
		}
	}
	return nil
}

func (p *StateProjector) projectMarket(ctx context.Context, tx *sql.Tx, m *state.Market, seq int64) error {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("encode market config %s: %w", m.Asset, err)
	}
	asset := m.Asset.String()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settle.market_configs (asset, config, updated_seq) VALUES ($1, $2, $3)
		ON CONFLICT (asset) DO UPDATE SET config = $2, updated_seq = $3
	`, asset, cfg, seq); err != nil {
		return fmt.Errorf("project market config %s: %w", asset, err)
	}

	d := m.Data
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settle.market_data
			(asset, long_collateral, short_collateral, long_notional_size, short_notional_size,
			 long_count, short_count, long_interest_index, short_interest_index, last_update, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (asset) DO UPDATE SET
			long_collateral = $2, short_collateral = $3, long_notional_size = $4, short_notional_size = $5,
			long_count = $6, short_count = $7, long_interest_index = $8, short_interest_index = $9,
			last_update = $10, updated_seq = $11
	`, asset, d.LongCollateral, d.ShortCollateral, d.LongNotional, d.ShortNotional,
		int64(d.LongCount), int64(d.ShortCount), d.LongInterestIndex, d.ShortInterestIndex,
		d.LastUpdate, seq); err != nil {
		return fmt.Errorf("project market data %s: %w", asset, err)
	}
	return nil
}

func (p *StateProjector) projectPosition(ctx context.Context, tx *sql.Tx, pos *state.Position, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settle.positions
			(id, owner, asset, is_long, notional_size, collateral, entry_price, interest_index,
			 created_at, status, stop_loss, take_profit, close_price, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			notional_size = $5, collateral = $6, entry_price = $7, interest_index = $8,
			status = $10, stop_loss = $11, take_profit = $12, close_price = $13, updated_seq = $14
	`, int64(pos.ID), pos.User, pos.Asset.String(), pos.IsLong, pos.NotionalSize, pos.Collateral,
		pos.EntryPrice, pos.InterestIndex, pos.CreatedAt, pos.Status.String(),
		pos.StopLoss, pos.TakeProfit, pos.ClosePrice, seq); err != nil {
		return fmt.Errorf("project position %d: %w", pos.ID, err)
	}
	return nil
}
