package query

import "PerpSettle/internal/state"

// PositionResponse is a position plus values derived at query time.
type PositionResponse struct {
	state.Position
	StatusName string `json:"status_name"`

	// Derived from the current price; nil when the price is unavailable
	// or the position is closed.
	Margin *MarginInfo `json:"margin,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// MarginInfo values a live position at the current price.
type MarginInfo struct {
	Price          int64  `json:"price"`
	PnL            int64  `json:"pnl"`
	Fee            int64  `json:"fee"`
	Funding        int64  `json:"funding"`
	Equity         int64  `json:"equity"`
	Maintenance    int64  `json:"maintenance"`
	Initial        int64  `json:"initial"`
	Status         string `json:"status"`
	IsLiquidatable bool   `json:"is_liquidatable"`
}

// MarketResponse is a market with its pending config and derived rates.
type MarketResponse struct {
	Asset  state.Asset              `json:"asset"`
	Config state.MarketConfig       `json:"config"`
	Data   state.MarketData         `json:"data"`
	Queued *state.QueuedMarketInit  `json:"queued,omitempty"`

	// Accrued to the query time, not committed.
	Utilization        int64  `json:"utilization"`
	UtilizationDecimal string `json:"utilization_decimal"`
	HourlyRate         int64  `json:"hourly_rate"`
	HourlyRateDecimal  string `json:"hourly_rate_decimal"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// ContractResponse is the contract-level state.
type ContractResponse struct {
	Name         string              `json:"name"`
	Vault        string              `json:"vault"`
	Initialized  bool                `json:"initialized"`
	Status       string              `json:"status"`
	Config       state.TradingConfig `json:"config"`
	WasmHash     string              `json:"wasm_hash,omitempty"`
	Owner        string              `json:"owner,omitempty"`
	QueuedAssets []state.Asset       `json:"queued_assets"`
	QueuedConfig *state.QueuedConfig `json:"queued_config,omitempty"`
	StateHash    string              `json:"state_hash"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// JournalHistoryEntry is one transfer journal row.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	Sequence      int64  `json:"sequence"`
	RequestIndex  int    `json:"request_index"`
	PositionID    uint32 `json:"position_id"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	InvariantError  string  `json:"invariant_error,omitempty"`
	GlobalBalance   int64   `json:"global_balance"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	AsOfSequence    int64   `json:"as_of_sequence"`
}
