package server

import (
	"PerpSettle/internal/access"
	"PerpSettle/internal/core"
	"PerpSettle/internal/state"
)

// Request and response messages of perpsettle.v1.Settlement. They travel
// as JSON over gRPC and over the HTTP gateway alike.

type Empty struct{}

type InitializeRequest struct {
	Name   string              `json:"name"`
	Vault  string              `json:"vault"`
	Config state.TradingConfig `json:"config"`
}

type SetConfigRequest struct {
	Config state.TradingConfig `json:"config"`
}

type MarketConfigRequest struct {
	Asset  state.Asset        `json:"asset"`
	Config state.MarketConfig `json:"config"`
}

type AssetRequest struct {
	Asset state.Asset `json:"asset"`
}

type SetStatusRequest struct {
	Status state.Status `json:"status"`
}

type UpgradeRequest struct {
	WasmHash string `json:"wasm_hash"`
}

type TransferOwnershipRequest struct {
	NewOwner  string `json:"new_owner"`
	LiveUntil int64  `json:"live_until"`
}

type RoleRequest struct {
	Account string      `json:"account"`
	Role    access.Role `json:"role"`
}

type InjectPriceRequest struct {
	Asset     state.Asset `json:"asset"`
	Price     int64       `json:"price"`
	Timestamp int64       `json:"timestamp"` // 0 = now
}

// CommitResponse acknowledges a committed admin call.
type CommitResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Events    int    `json:"events"`
}

type SubmitRequest = core.Batch

type CreatePositionRequest = core.CreatePositionRequest

type PositionRequest struct {
	ID uint32 `json:"id"`
}

type ModifyCollateralRequest struct {
	ID         uint32 `json:"id"`
	Collateral int64  `json:"collateral"` // new absolute collateral
}

type SetTriggersRequest struct {
	ID         uint32 `json:"id"`
	TakeProfit int64  `json:"take_profit"` // 0 clears
	StopLoss   int64  `json:"stop_loss"`   // 0 clears
}

type UserRequest struct {
	User string `json:"user"`
}

type JournalsRequest struct {
	User          string `json:"user"`
	Limit         int    `json:"limit"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type OwnerResponse struct {
	Owner string `json:"owner"`
}

type FundingRequest struct {
	Asset          state.Asset `json:"asset"`
	Limit          int         `json:"limit"`
	BeforeSequence *int64      `json:"before_sequence,omitempty"`
}
