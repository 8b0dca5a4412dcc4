package core

import (
	"context"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// CreatePosition opens a position for caller. An EntryPrice of 0 is a market
// order filled at the current price; any other EntryPrice places a Pending
// limit order. The caller pays collateral plus the open fee.
func (e *Engine) CreatePosition(ctx context.Context, caller string, req CreatePositionRequest) (*CreatePositionResult, error) {
	res := &CreatePositionResult{}
	out, err := e.apply(ctx, "create_position", caller, "", func(tx *txn) error {
		if err := requireInitialized(tx); err != nil {
			return err
		}
		if tx.store.Status != state.StatusActive {
			return state.Errorf(state.CodePaused, "new positions require Active status, contract is %s", tx.store.Status)
		}
		if caller == "" {
			return state.Errorf(state.CodeBadRequest, "caller must not be empty")
		}
		if req.Collateral <= 0 || req.Notional <= 0 || req.EntryPrice < 0 {
			return state.Errorf(state.CodeBadRequest, "collateral and notional must be > 0 and entry price >= 0")
		}
		if req.TakeProfit < 0 || req.StopLoss < 0 {
			return state.Errorf(state.CodeBadRequest, "trigger prices must be >= 0")
		}

		m, err := tx.enabledMarket(req.Asset)
		if err != nil {
			return err
		}
		cfg := &m.Config
		if req.Collateral < cfg.MinCollateral || req.Collateral > cfg.MaxCollateral {
			return state.Errorf(state.CodeInvalidAction, "collateral %d outside [%d, %d]",
				req.Collateral, cfg.MinCollateral, cfg.MaxCollateral)
		}
		if !cfg.WithinLeverage(req.Collateral, req.Notional) {
			return state.Errorf(state.CodeInvalidAction, "notional %d on collateral %d exceeds max leverage %s",
				req.Notional, req.Collateral, fpmath.FormatScaled(cfg.MaxLeverage(), fpmath.AmountConfig))
		}
		if live := tx.store.Positions.LiveCount(caller); uint32(live)+1 > tx.store.Config.MaxPositions {
			return state.Errorf(state.CodeMaxPositions, "%s already holds %d positions", caller, live)
		}
		if maxUtil := tx.store.Config.MaxUtilization; maxUtil > 0 {
			total := fpmath.AddChecked(m.Data.LongNotional+m.Data.ShortNotional, req.Notional)
			limit := fpmath.MulFloor(cfg.TotalAvailable, maxUtil, fpmath.Scalar7)
			if total > limit {
				return state.Errorf(state.CodeInvalidAction, "market notional %d would exceed utilization limit %d", total, limit)
			}
		}

		pd, err := tx.prices.GetPrice(ctx, req.Asset)
		if err != nil {
			return err
		}

		pos := state.Position{
			User:          caller,
			Asset:         req.Asset,
			IsLong:        req.IsLong,
			NotionalSize:  req.Notional,
			Collateral:    req.Collateral,
			EntryPrice:    pd.Price,
			InterestIndex: m.Index(req.IsLong),
			CreatedAt:     tx.now,
			Status:        state.PositionOpen,
			StopLoss:      req.StopLoss,
			TakeProfit:    req.TakeProfit,
		}
		if req.EntryPrice != 0 {
			if (req.IsLong && req.EntryPrice < pd.Price) || (!req.IsLong && req.EntryPrice > pd.Price) {
				return state.Errorf(state.CodeBadRequest, "limit price %d is on the wrong side of %d", req.EntryPrice, pd.Price)
			}
			pos.EntryPrice = req.EntryPrice
			pos.Status = state.PositionPending
		}
		if !pos.ValidStopLoss(req.StopLoss, pos.EntryPrice) {
			return state.Errorf(state.CodeBadRequest, "stop loss %d invalid against entry %d", req.StopLoss, pos.EntryPrice)
		}
		if !pos.ValidTakeProfit(req.TakeProfit, pos.EntryPrice) {
			return state.Errorf(state.CodeBadRequest, "take profit %d invalid against entry %d", req.TakeProfit, pos.EntryPrice)
		}

		fee := m.OpenFee(req.IsLong, req.Notional)
		stored, err := tx.store.Positions.Open(pos, m)
		if err != nil {
			return err
		}
		tx.touch(stored.ID)
		tx.batch.PostOpen(0, stored, tx.store.Vault, fee)
		tx.emit(&event.PositionOpened{Position: *stored, Fee: fee})

		res.PositionID = stored.ID
		res.Status = stored.Status.String()
		res.Fee = fee
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Transfers = out.Batch.NetTransfers()
	res.Sequence = out.Sequence
	return res, nil
}

// ClosePosition closes one of caller's positions outside a batch. A
// Pending order is refunded; an Open position settles at the current price.
func (e *Engine) ClosePosition(ctx context.Context, caller string, id uint32) (*PositionActionResult, error) {
	return e.positionCall(ctx, "close_position", caller, id, ActionClose, func(r *request) error {
		if err := r.requireOwner(); err != nil {
			return err
		}
		return r.close()
	})
}

// ModifyCollateral sets the collateral of caller's Open position to
// target. Funding is settled first; the difference is then deposited or
// withdrawn.
func (e *Engine) ModifyCollateral(ctx context.Context, caller string, id uint32, target int64) (*PositionActionResult, error) {
	return e.positionCall(ctx, "modify_collateral", caller, id, ActionDepositCollateral, func(r *request) error {
		if target < r.p.Collateral {
			r.oc.Action = ActionWithdrawCollateral
		}
		return r.modifyCollateral(target)
	})
}

// SetTriggers replaces both take-profit and stop-loss of caller's Open
// position.
func (e *Engine) SetTriggers(ctx context.Context, caller string, id uint32, takeProfit, stopLoss int64) (*PositionActionResult, error) {
	return e.positionCall(ctx, "set_triggers", caller, id, ActionSetTakeProfit, func(r *request) error {
		return r.setTriggers(takeProfit, stopLoss)
	})
}

// positionCall runs one handler against a single position in its own call,
// under the same status gate as Submit.
func (e *Engine) positionCall(ctx context.Context, method, caller string, id uint32, action Action, fn func(r *request) error) (*PositionActionResult, error) {
	oc := Outcome{Position: id, Action: action}
	out, err := e.apply(ctx, method, caller, "", func(tx *txn) error {
		if err := requireInitialized(tx); err != nil {
			return err
		}
		if !tx.store.Status.AcceptsSubmit() {
			return state.Errorf(state.CodePaused, "%s not accepted while %s", method, tx.store.Status)
		}
		p, err := tx.position(id)
		if err != nil {
			return err
		}
		if p.Status == state.PositionClosed {
			return state.Errorf(state.CodeInvalidAction, "position %d is closed", p.ID)
		}
		m, err := tx.enabledMarket(p.Asset)
		if err != nil {
			return err
		}
		return fn(&request{e: e, ctx: ctx, tx: tx, idx: 0, p: p, m: m, oc: &oc})
	})
	if err != nil {
		return nil, err
	}
	return &PositionActionResult{Outcome: oc, Transfers: out.Batch.NetTransfers(), Sequence: out.Sequence}, nil
}
