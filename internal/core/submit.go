package core

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"

	"PerpSettle/internal/access"
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"
)

// Submit applies requests in order under AbortOnError: the first failing
// request rolls back the whole call and the returned error is a
// *RequestError naming it.
func (e *Engine) Submit(ctx context.Context, caller string, requests []Request) (*SubmitResult, error) {
	return e.SubmitBatch(ctx, Batch{Caller: caller, Requests: requests})
}

// SubmitBatch is Submit with delivery metadata. A batch whose ID was
// already committed is acknowledged as a duplicate without touching state.
func (e *Engine) SubmitBatch(ctx context.Context, b Batch) (*SubmitResult, error) {
	if len(b.Requests) == 0 {
		return nil, state.Errorf(state.CodeBadRequest, "empty request batch")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	isDup := b.ID != "" && e.idempotency.IsDuplicate(ctx, b.ID)
	if err := e.sequenceValidator.ValidateSequence(b.Source, b.Sequence, isDup); err != nil {
		return nil, state.Errorf(state.CodeBadRequest, "%v", err)
	}
	if isDup {
		e.logger.Info().Str("batch_id", b.ID).Msg("duplicate batch acknowledged")
		return &SubmitResult{Version: SubmitResultVersion, Transfers: map[string]int64{}, Duplicate: true}, nil
	}

	res := &SubmitResult{
		Version:  SubmitResultVersion,
		Results:  make([]uint32, 0, len(b.Requests)),
		Outcomes: make([]Outcome, 0, len(b.Requests)),
	}
	out, err := e.applyLocked(ctx, "submit", b.Caller, b.ID, func(tx *txn) error {
		tx.source, tx.sourceSeq = b.Source, b.Sequence
		return e.runRequests(ctx, tx, b, res)
	})
	if err != nil {
		var reqErr *RequestError
		if e.metrics != nil && errors.As(err, &reqErr) {
			e.metrics.Requests.WithLabelValues(reqErr.Action.String(), strconv.FormatUint(uint64(state.CodeOf(err)), 10)).Inc()
		}
		return nil, err
	}

	res.Transfers = out.Batch.NetTransfers()
	res.Sequence = out.Sequence
	res.StateHash = hex.EncodeToString(out.StateHash[:])

	if m := e.metrics; m != nil {
		for _, oc := range res.Outcomes {
			m.Requests.WithLabelValues(oc.Action.String(), strconv.FormatUint(uint64(oc.Code), 10)).Inc()
		}
		m.DedupLRUSize.Set(float64(e.idempotency.LRU().Size()))
	}
	return res, nil
}

func (e *Engine) runRequests(ctx context.Context, tx *txn, b Batch, res *SubmitResult) error {
	if err := requireInitialized(tx); err != nil {
		return err
	}
	if !tx.store.Status.AcceptsSubmit() {
		return state.Errorf(state.CodePaused, "submit not accepted while %s", tx.store.Status)
	}

	for i, req := range b.Requests {
		if b.Policy != SkipFailed {
			oc, err := e.runRequest(ctx, tx, i, req)
			if err != nil {
				return &RequestError{Index: i, Action: req.Action, Err: err}
			}
			res.Results = append(res.Results, uint32(oc.Code))
			res.Outcomes = append(res.Outcomes, oc)
			continue
		}

		sp := tx.mark()
		var oc Outcome
		err := runGuarded(func() error {
			var err error
			oc, err = e.runRequest(ctx, tx, i, req)
			return err
		})
		if err != nil {
			// Only coded failures are skippable; infrastructure errors abort.
			var coded *state.Error
			if !errors.As(err, &coded) {
				return &RequestError{Index: i, Action: req.Action, Err: err}
			}
			tx.rollback(sp)
			oc = Outcome{Position: req.Position, Action: req.Action, Code: state.CodeOf(err), Error: err.Error()}
		}
		res.Results = append(res.Results, uint32(oc.Code))
		res.Outcomes = append(res.Outcomes, oc)
	}
	return nil
}

func (e *Engine) runRequest(ctx context.Context, tx *txn, idx int, req Request) (Outcome, error) {
	oc := Outcome{Position: req.Position, Action: req.Action}
	if !req.Action.Valid() {
		return oc, state.Errorf(state.CodeBadRequest, "unknown action %d", uint32(req.Action))
	}
	if req.Action.needsData() && req.Data == nil {
		return oc, state.Errorf(state.CodeBadRequest, "%s requires data", req.Action)
	}
	p, err := tx.position(req.Position)
	if err != nil {
		return oc, err
	}
	if p.Status == state.PositionClosed {
		return oc, state.Errorf(state.CodeInvalidAction, "position %d is closed", p.ID)
	}
	m, err := tx.enabledMarket(p.Asset)
	if err != nil {
		return oc, err
	}
	r := &request{e: e, ctx: ctx, tx: tx, idx: idx, p: p, m: m, oc: &oc}

	switch req.Action {
	case ActionFill:
		err = r.fill()
	case ActionClose:
		err = r.close()
	case ActionStopLoss:
		err = r.trigger(event.CloseReasonStopLoss)
	case ActionTakeProfit:
		err = r.trigger(event.CloseReasonTakeProfit)
	case ActionLiquidation:
		err = r.liquidate()
	case ActionCancel:
		err = r.cancel()
	case ActionDepositCollateral:
		err = r.deposit(*req.Data)
	case ActionWithdrawCollateral:
		err = r.withdraw(*req.Data)
	case ActionSetTakeProfit:
		err = r.setTakeProfit(*req.Data)
	case ActionSetStopLoss:
		err = r.setStopLoss(*req.Data)
	}
	return oc, err
}

// request carries one request's context through its handler.
type request struct {
	e   *Engine
	ctx context.Context
	tx  *txn
	idx int
	p   *state.Position
	m   *state.Market
	oc  *Outcome
}

func (r *request) price() (int64, error) {
	pd, err := r.tx.prices.GetPrice(r.ctx, r.p.Asset)
	if err != nil {
		return 0, err
	}
	r.oc.Price = pd.Price
	return pd.Price, nil
}

func (r *request) requireOwner() error {
	if r.tx.caller != r.p.User {
		return state.Errorf(state.CodeUnauthorized, "%s does not own position %d", r.tx.caller, r.p.ID)
	}
	return nil
}

func (r *request) requireOwnerOrKeeper() error {
	if r.tx.caller == r.p.User || r.e.access.HasRole(r.tx.caller, access.RoleKeeper) {
		return nil
	}
	return state.Errorf(state.CodeUnauthorized, "%s is neither owner of position %d nor a keeper", r.tx.caller, r.p.ID)
}

func (r *request) record(st state.Settlement) {
	r.oc.Price = st.Price
	r.oc.PnL = st.PnL
	r.oc.Fee = st.Fee
	r.oc.Funding = st.Funding
	r.oc.Payout = st.UserPayout
	r.oc.CallerFee = st.CallerFee
}

// ============================================================================
// Handlers
// ============================================================================

func (r *request) fill() error {
	if r.p.Status != state.PositionPending {
		return state.Errorf(state.CodeInvalidAction, "position %d is %s, not Pending", r.p.ID, r.p.Status)
	}
	price, err := r.price()
	if err != nil {
		return err
	}
	if !r.p.LimitFillable(price) {
		return state.Errorf(state.CodeInvalidAction, "position %d limit %d not reached at %d", r.p.ID, r.p.EntryPrice, price)
	}
	if err := r.tx.store.Positions.Fill(r.p, price); err != nil {
		return err
	}
	tx := r.tx
	reward := state.FillReward(r.p, r.m, tx.store.Config.CallerTakeRate)
	tx.touch(r.p.ID)
	tx.batch.PostFillReward(r.idx, r.p, tx.caller, tx.store.Vault, reward)
	tx.emit(&event.PositionFilled{
		PositionID: r.p.ID, User: r.p.User, Asset: r.p.Asset, Price: price,
		Caller: tx.caller, CallerFee: reward,
	})
	r.oc.CallerFee = reward
	return nil
}

func (r *request) close() error {
	if err := r.requireOwnerOrKeeper(); err != nil {
		return err
	}
	if r.p.Status == state.PositionPending {
		return r.refund()
	}
	price, err := r.price()
	if err != nil {
		return err
	}
	return r.settle(price, event.CloseReasonUser)
}

func (r *request) trigger(reason event.CloseReason) error {
	if r.p.Status != state.PositionOpen {
		return state.Errorf(state.CodeInvalidAction, "position %d is %s, not Open", r.p.ID, r.p.Status)
	}
	price, err := r.price()
	if err != nil {
		return err
	}
	hit := r.p.StopLossHit(price)
	if reason == event.CloseReasonTakeProfit {
		hit = r.p.TakeProfitHit(price)
	}
	if !hit {
		return state.Errorf(state.CodeInvalidAction, "position %d %s not triggered at %d", r.p.ID, reason, price)
	}
	return r.settle(price, reason)
}

// settle closes an Open position at price. The caller earns its share of
// the close fee.
func (r *request) settle(price int64, reason event.CloseReason) error {
	tx := r.tx
	st := state.ComputeSettlement(r.p, r.m, price, tx.store.Config.CallerTakeRate)
	if err := tx.store.Positions.Close(r.p, r.m, price); err != nil {
		return err
	}
	tx.touch(r.p.ID)
	tx.batch.PostSettlement(r.idx, r.p, tx.caller, tx.store.Vault, st)
	tx.emit(&event.PositionClosed{PositionID: r.p.ID, User: r.p.User, Asset: r.p.Asset, Reason: reason, Settlement: st})
	r.record(st)
	return nil
}

func (r *request) liquidate() error {
	tx := r.tx
	if !r.e.access.HasRole(tx.caller, access.RoleKeeper) {
		return state.Errorf(state.CodeUnauthorized, "%s is not a keeper", tx.caller)
	}
	if r.p.Status != state.PositionOpen {
		return state.Errorf(state.CodeInvalidAction, "position %d is %s, not Open", r.p.ID, r.p.Status)
	}
	price, err := r.price()
	if err != nil {
		return err
	}
	snap := state.EvaluateMargin(r.p, r.m, price)
	if snap.Equity >= snap.Maintenance {
		return state.Errorf(state.CodeInvalidAction, "position %d not liquidatable: equity %d >= maintenance %d",
			r.p.ID, snap.Equity, snap.Maintenance)
	}
	st := state.ComputeLiquidation(r.p, r.m, price, tx.store.Config.CallerTakeRate)
	if err := tx.store.Positions.Close(r.p, r.m, price); err != nil {
		return err
	}
	tx.touch(r.p.ID)
	tx.batch.PostSettlement(r.idx, r.p, tx.caller, tx.store.Vault, st)
	tx.emit(&event.PositionLiquidated{
		PositionID:  r.p.ID,
		User:        r.p.User,
		Liquidator:  tx.caller,
		Asset:       r.p.Asset,
		Equity:      snap.Equity,
		Maintenance: snap.Maintenance,
		Settlement:  st,
	})
	r.record(st)
	return nil
}

func (r *request) cancel() error {
	if r.p.Status != state.PositionPending {
		return state.Errorf(state.CodeInvalidAction, "position %d is %s, not Pending", r.p.ID, r.p.Status)
	}
	if err := r.requireOwnerOrKeeper(); err != nil {
		return err
	}
	return r.refund()
}

// refund closes a Pending order, returning its collateral net of funding.
func (r *request) refund() error {
	tx := r.tx
	st := state.ComputeCancel(r.p, r.m)
	if err := tx.store.Positions.Close(r.p, r.m, 0); err != nil {
		return err
	}
	tx.touch(r.p.ID)
	tx.batch.PostRefund(r.idx, r.p, tx.store.Vault, st)
	tx.emit(&event.PositionCancelled{PositionID: r.p.ID, User: r.p.User, Asset: r.p.Asset, Settlement: st})
	r.record(st)
	return nil
}

// settleFunding books funding accrued since the position's last snapshot
// into its collateral.
func (r *request) settleFunding() int64 {
	funding := r.tx.store.Positions.SettleFunding(r.p, r.m)
	r.tx.batch.PostFunding(r.idx, r.p, funding)
	r.oc.Funding = funding
	return funding
}

func (r *request) deposit(amount int64) error {
	if amount <= 0 {
		return state.Errorf(state.CodeBadRequest, "deposit amount must be > 0, got %d", amount)
	}
	if err := r.requireOwner(); err != nil {
		return err
	}
	return r.addCollateral(amount, r.settleFunding())
}

// addCollateral moves amount from the owner's wallet into the escrow.
// Funding must already be settled.
func (r *request) addCollateral(amount, funding int64) error {
	if next := r.p.Collateral + amount; next > r.m.Config.MaxCollateral {
		return state.Errorf(state.CodeBadRequest, "collateral %d would exceed max %d", next, r.m.Config.MaxCollateral)
	}
	if err := r.tx.store.Positions.AdjustCollateral(r.p, r.m, amount); err != nil {
		return err
	}
	r.tx.touch(r.p.ID)
	r.tx.batch.PostDeposit(r.idx, r.p, amount)
	r.tx.emit(&event.CollateralChanged{
		Deposit: true, PositionID: r.p.ID, User: r.p.User, Asset: r.p.Asset,
		Amount: amount, FundingSettle: funding, Collateral: r.p.Collateral,
	})
	return nil
}

func (r *request) withdraw(amount int64) error {
	if amount <= 0 {
		return state.Errorf(state.CodeBadRequest, "withdraw amount must be > 0, got %d", amount)
	}
	if r.p.Status != state.PositionOpen {
		return state.Errorf(state.CodeInvalidAction, "position %d is %s, not Open", r.p.ID, r.p.Status)
	}
	if err := r.requireOwner(); err != nil {
		return err
	}
	price, err := r.price()
	if err != nil {
		return err
	}
	return r.removeCollateral(amount, price, r.settleFunding())
}

// removeCollateral returns amount from the escrow to the owner, keeping
// the position above initial margin at price. Funding must already be
// settled.
func (r *request) removeCollateral(amount, price, funding int64) error {
	if amount >= r.p.Collateral {
		return state.Errorf(state.CodeInvalidAction, "withdraw %d leaves no collateral (holds %d)", amount, r.p.Collateral)
	}
	if next := r.p.Collateral - amount; next < r.m.Config.MinCollateral {
		return state.Errorf(state.CodeInvalidAction, "collateral %d would fall below min %d", next, r.m.Config.MinCollateral)
	}
	if err := r.tx.store.Positions.AdjustCollateral(r.p, r.m, -amount); err != nil {
		return err
	}
	if snap := state.EvaluateMargin(r.p, r.m, price); snap.Equity < snap.Initial {
		return state.Errorf(state.CodeInvalidAction, "equity %d after withdraw below initial margin %d", snap.Equity, snap.Initial)
	}
	r.tx.touch(r.p.ID)
	r.tx.batch.PostWithdraw(r.idx, r.p, amount)
	r.tx.emit(&event.CollateralChanged{
		Deposit: false, PositionID: r.p.ID, User: r.p.User, Asset: r.p.Asset,
		Amount: amount, FundingSettle: funding, Collateral: r.p.Collateral,
	})
	return nil
}

func (r *request) setStopLoss(v int64) error {
	return r.setTrigger(v, true)
}

func (r *request) setTakeProfit(v int64) error {
	return r.setTrigger(v, false)
}

// setTrigger updates one threshold. 0 clears it; any other value is checked
// for direction against the current price.
func (r *request) setTrigger(v int64, stopLoss bool) error {
	if v < 0 {
		return state.Errorf(state.CodeBadRequest, "trigger price must be >= 0, got %d", v)
	}
	if err := r.requireOwner(); err != nil {
		return err
	}
	if v != 0 {
		price, err := r.price()
		if err != nil {
			return err
		}
		if stopLoss && !r.p.ValidStopLoss(v, price) {
			return state.Errorf(state.CodeBadRequest, "stop loss %d on the wrong side of %d", v, price)
		}
		if !stopLoss && !r.p.ValidTakeProfit(v, price) {
			return state.Errorf(state.CodeBadRequest, "take profit %d on the wrong side of %d", v, price)
		}
	}
	var err error
	if stopLoss {
		err = r.tx.store.Positions.SetStopLoss(r.p, v)
	} else {
		err = r.tx.store.Positions.SetTakeProfit(r.p, v)
	}
	if err != nil {
		return err
	}
	r.tx.touch(r.p.ID)
	r.tx.emit(&event.TriggersUpdated{PositionID: r.p.ID, Asset: r.p.Asset, StopLoss: r.p.StopLoss, TakeProfit: r.p.TakeProfit})
	return nil
}

// modifyCollateral moves the collateral of an Open position to target,
// settling funding first.
func (r *request) modifyCollateral(target int64) error {
	if target <= 0 {
		return state.Errorf(state.CodeBadRequest, "collateral must be > 0, got %d", target)
	}
	if r.p.Status != state.PositionOpen {
		return state.Errorf(state.CodeInvalidAction, "position %d is %s, not Open", r.p.ID, r.p.Status)
	}
	if err := r.requireOwner(); err != nil {
		return err
	}
	price, err := r.price()
	if err != nil {
		return err
	}
	funding := r.settleFunding()
	r.tx.touch(r.p.ID)
	switch diff := target - r.p.Collateral; {
	case diff > 0:
		return r.addCollateral(diff, funding)
	case diff < 0:
		return r.removeCollateral(-diff, price, funding)
	}
	return nil
}

// setTriggers replaces both thresholds of an Open position at once. 0
// clears a threshold.
func (r *request) setTriggers(takeProfit, stopLoss int64) error {
	if takeProfit < 0 || stopLoss < 0 {
		return state.Errorf(state.CodeBadRequest, "trigger prices must be >= 0")
	}
	if r.p.Status != state.PositionOpen {
		return state.Errorf(state.CodeInvalidAction, "position %d is %s, not Open", r.p.ID, r.p.Status)
	}
	if err := r.requireOwner(); err != nil {
		return err
	}
	if takeProfit != 0 || stopLoss != 0 {
		price, err := r.price()
		if err != nil {
			return err
		}
		if !r.p.ValidTakeProfit(takeProfit, price) {
			return state.Errorf(state.CodeBadRequest, "take profit %d on the wrong side of %d", takeProfit, price)
		}
		if !r.p.ValidStopLoss(stopLoss, price) {
			return state.Errorf(state.CodeBadRequest, "stop loss %d on the wrong side of %d", stopLoss, price)
		}
	}
	if err := r.tx.store.Positions.SetTakeProfit(r.p, takeProfit); err != nil {
		return err
	}
	if err := r.tx.store.Positions.SetStopLoss(r.p, stopLoss); err != nil {
		return err
	}
	r.tx.touch(r.p.ID)
	r.tx.emit(&event.TriggersUpdated{PositionID: r.p.ID, Asset: r.p.Asset, StopLoss: r.p.StopLoss, TakeProfit: r.p.TakeProfit})
	return nil
}
