package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"PerpSettle/internal/core"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/state"
)

// StateReader exposes the engine's committed state.
type StateReader interface {
	Checkpoint() core.Checkpoint
	Owner() (string, error)
}

// QueryService answers reads. Live state comes from the engine's committed
// checkpoint, so it is never behind the last commit; history (journals,
// hash chain) comes from Postgres and lags by one persist flush. Every
// response carries as_of_sequence.
type QueryService struct {
	engine  StateReader
	guard   *oracle.Guard
	db      *sql.DB // nil disables history queries
	funding *projection.FundingHistory
	clock   func() int64
	metrics *observability.Metrics
}

func NewQueryService(engine StateReader, guard *oracle.Guard, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		engine:  engine,
		guard:   guard,
		db:      db,
		funding: projection.NewFundingHistory(),
		clock:   func() int64 { return time.Now().Unix() },
		metrics: metrics,
	}
}

// WithClock replaces the clock used to accrue derived values.
func (qs *QueryService) WithClock(clock func() int64) *QueryService {
	qs.clock = clock
	return qs
}

// ErrHistoryDisabled is returned by history queries without a database.
var ErrHistoryDisabled = errors.New("history queries need a database")

// GetPosition returns one position. Unknown ids fail with BadRequest.
func (qs *QueryService) GetPosition(ctx context.Context, id uint32) (resp *PositionResponse, err error) {
	defer qs.observe("position", &err)()

	cp := qs.engine.Checkpoint()
	pos, ok := cp.Store.Positions.Get(id)
	if !ok {
		return nil, state.Errorf(state.CodeBadRequest, "position %d not found", id)
	}
	return qs.positionResponse(ctx, cp, pos), nil
}

// GetUserPositions returns the user's live positions in id order.
func (qs *QueryService) GetUserPositions(ctx context.Context, user string) (out []PositionResponse, err error) {
	defer qs.observe("user_positions", &err)()

	cp := qs.engine.Checkpoint()
	ids := cp.Store.Positions.UserPositions(user)
	out = make([]PositionResponse, 0, len(ids))
	for _, id := range ids {
		pos, ok := cp.Store.Positions.Get(id)
		if !ok {
			continue
		}
		out = append(out, *qs.positionResponse(ctx, cp, pos))
	}
	return out, nil
}

func (qs *QueryService) positionResponse(ctx context.Context, cp core.Checkpoint, pos *state.Position) *PositionResponse {
	resp := &PositionResponse{
		Position:     *pos,
		StatusName:   pos.Status.String(),
		AsOfSequence: cp.NextSequence - 1,
	}
	if !pos.Status.Live() || qs.guard == nil {
		return resp
	}
	m, ok := cp.Store.Markets.Market(pos.Asset)
	if !ok {
		return resp
	}
	now := qs.clock()
	pd, err := qs.guard.Pin(now).GetPrice(ctx, pos.Asset)
	if err != nil {
		return resp
	}

	// Committed markets are shared; accrue a copy.
	m = m.Clone()
	acc := m.Accrue(now)
	view := *pos
	view.ShiftIndex(acc.Rebase(pos.IsLong))
	snap := state.EvaluateMargin(&view, m, pd.Price)
	resp.Margin = &MarginInfo{
		Price:          pd.Price,
		PnL:            snap.PnL,
		Fee:            snap.Fee,
		Funding:        snap.Funding,
		Equity:         snap.Equity,
		Maintenance:    snap.Maintenance,
		Initial:        snap.Initial,
		Status:         snap.Status().String(),
		IsLiquidatable: pos.Status == state.PositionOpen && snap.Status() == state.MarginStatusLiquidatable,
	}
	return resp
}

// GetMarket returns a market, its queued config and the funding rate at
// the query time.
func (qs *QueryService) GetMarket(ctx context.Context, asset state.Asset) (resp *MarketResponse, err error) {
	defer qs.observe("market", &err)()

	cp := qs.engine.Checkpoint()
	m, ok := cp.Store.Markets.Market(asset)
	if !ok {
		return nil, state.Errorf(state.CodeBadRequest, "market %s not found", asset)
	}
	return qs.marketResponse(cp, m), nil
}

// ListMarkets returns every installed market in asset order.
func (qs *QueryService) ListMarkets(ctx context.Context) (out []MarketResponse, err error) {
	defer qs.observe("markets", &err)()

	cp := qs.engine.Checkpoint()
	assets := cp.Store.Markets.Assets()
	out = make([]MarketResponse, 0, len(assets))
	for _, a := range assets {
		m, _ := cp.Store.Markets.Market(a)
		out = append(out, *qs.marketResponse(cp, m))
	}
	return out, nil
}

func (qs *QueryService) marketResponse(cp core.Checkpoint, m *state.Market) *MarketResponse {
	m = m.Clone()
	acc := m.Accrue(qs.clock())
	util, rate := acc.Utilization, acc.Rate
	if acc.Elapsed == 0 {
		util = fpmath.Utilization(m.Data.LongNotional, m.Data.ShortNotional, m.Config.TotalAvailable)
		rate = fpmath.HourlyRate(util, m.Config.MinHourlyRate, m.Config.TargetHourlyRate,
			m.Config.MaxHourlyRate, m.Config.TargetUtilization)
	}

	resp := &MarketResponse{
		Asset:              m.Asset,
		Config:             m.Config,
		Data:               m.Data,
		Utilization:        util,
		UtilizationDecimal: fpmath.FormatScaled(util, fpmath.RateConfig),
		HourlyRate:         rate,
		HourlyRateDecimal:  fpmath.FormatScaled(rate, fpmath.IndexConfig),
		AsOfSequence:       cp.NextSequence - 1,
	}
	if q, ok := cp.Store.Markets.Queued(m.Asset); ok {
		qc := *q
		resp.Queued = &qc
	}
	return resp
}

// GetContract returns the contract-level state.
func (qs *QueryService) GetContract(ctx context.Context) (resp *ContractResponse, err error) {
	defer qs.observe("contract", &err)()

	cp := qs.engine.Checkpoint()
	s := cp.Store
	resp = &ContractResponse{
		Name:         s.Name,
		Vault:        s.Vault,
		Initialized:  s.Initialized,
		Status:       s.Status.String(),
		Config:       s.Config,
		WasmHash:     s.WasmHash,
		QueuedAssets: s.Markets.QueuedAssets(),
		StateHash:    hex.EncodeToString(cp.StateHash[:]),
		AsOfSequence: cp.NextSequence - 1,
	}
	if q := s.QueuedConfig; q != nil {
		qc := *q
		resp.QueuedConfig = &qc
	}
	if owner, err := qs.engine.Owner(); err == nil {
		resp.Owner = owner
	}
	return resp, nil
}

// VerifyIntegrity re-checks the live store's aggregates and the ledger's
// zero-sum, and scans the persisted hash chain for breaks when a database
// is configured.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("integrity", &err)()

	cp := qs.engine.Checkpoint()
	report = &IntegrityReport{
		GlobalBalance: cp.Books.ComputeGlobalBalance(),
		AsOfSequence:  cp.NextSequence - 1,
	}
	if err := cp.Store.CheckInvariants(); err != nil {
		report.InvariantError = err.Error()
	}
	if qs.db != nil {
		breaks, err := qs.hashChainBreaks(ctx)
		if err != nil {
			return nil, err
		}
		report.HashChainBreaks = breaks
	}
	report.IsHealthy = report.InvariantError == "" && report.GlobalBalance == 0 && len(report.HashChainBreaks) == 0
	return report, nil
}

// observe records the endpoint's request count and latency. Pass a pointer
// to the named error result so the status is read after the call.
func (qs *QueryService) observe(endpoint string, errp *error) func() {
	if qs.metrics == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		status := "ok"
		if errp != nil && *errp != nil {
			status = "error"
		}
		qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
