package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"PerpSettle/internal/state"
)

// Action is the kind of a submitted request. Values are part of the wire
// contract.
type Action uint32

const (
	ActionClose              Action = 0
	ActionFill               Action = 1
	ActionStopLoss           Action = 2
	ActionTakeProfit         Action = 3
	ActionLiquidation        Action = 4
	ActionCancel             Action = 5
	ActionDepositCollateral  Action = 6
	ActionWithdrawCollateral Action = 7
	ActionSetTakeProfit      Action = 8
	ActionSetStopLoss        Action = 9
)

var actionNames = map[Action]string{
	ActionClose:              "close",
	ActionFill:               "fill",
	ActionStopLoss:           "stop_loss",
	ActionTakeProfit:         "take_profit",
	ActionLiquidation:        "liquidation",
	ActionCancel:             "cancel",
	ActionDepositCollateral:  "deposit_collateral",
	ActionWithdrawCollateral: "withdraw_collateral",
	ActionSetTakeProfit:      "set_take_profit",
	ActionSetStopLoss:        "set_stop_loss",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint32(a))
}

func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

// needsData reports whether the action reads Request.Data.
func (a Action) needsData() bool {
	switch a {
	case ActionDepositCollateral, ActionWithdrawCollateral, ActionSetTakeProfit, ActionSetStopLoss:
		return true
	}
	return false
}

// ParseAction accepts either the numeric code or the snake_case name.
func ParseAction(s string) (Action, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	var n uint32
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && Action(n).Valid() {
		return Action(n), nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// MarshalJSON encodes the action by name.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a name or a number.
func (a *Action) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		if !Action(n).Valid() {
			return fmt.Errorf("unknown action %d", n)
		}
		*a = Action(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("action must be a string or number: %w", err)
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Request is one entry of a submitted batch.
type Request struct {
	Action   Action `json:"action"`
	Position uint32 `json:"position"`
	Data     *int64 `json:"data,omitempty"`
}

// Policy selects how Submit treats a failing request.
type Policy uint8

const (
	// AbortOnError rolls back the whole call on the first failure.
	AbortOnError Policy = iota
	// SkipFailed records the failure code and continues. Keeper mode.
	SkipFailed
)

func (p Policy) String() string {
	if p == SkipFailed {
		return "skip_failed"
	}
	return "abort_on_error"
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "abort_on_error":
		*p = AbortOnError
	case "skip_failed":
		*p = SkipFailed
	default:
		return fmt.Errorf("unknown policy %q", b)
	}
	return nil
}

// Batch is a submit call with delivery metadata, as received from the bus
// or the API.
type Batch struct {
	ID       string    `json:"batch_id,omitempty"` // idempotency key
	Source   string    `json:"source,omitempty"`   // producer, for sequence tracking
	Sequence int64     `json:"sequence,omitempty"` // producer sequence, 0 = untracked
	Caller   string    `json:"caller"`
	Policy   Policy    `json:"policy,omitempty"`
	Requests []Request `json:"requests"`
}

// SubmitResultVersion is bumped whenever the layout of SubmitResult changes.
const SubmitResultVersion = 1

// SubmitResult is the outcome of a committed submit call.
type SubmitResult struct {
	Version int `json:"version"`
	// Transfers nets token movements per address: positive receives,
	// negative pays.
	Transfers map[string]int64 `json:"transfers"`
	// Results[i] is 0 when request i succeeded, else its error code.
	Results  []uint32  `json:"results"`
	Outcomes []Outcome `json:"outcomes"`
	// Sequence and StateHash identify the committed call.
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Outcome details one request.
type Outcome struct {
	Position uint32          `json:"position"`
	Action   Action          `json:"action"`
	Code     state.ErrorCode `json:"code"`
	Error    string          `json:"error,omitempty"`
	Price    int64           `json:"price,omitempty"`
	PnL      int64           `json:"pnl,omitempty"`
	Fee      int64           `json:"fee,omitempty"`
	Funding  int64           `json:"funding,omitempty"`
	Payout   int64           `json:"payout,omitempty"`
	// CallerFee is what the caller earned: its share of a close fee or the
	// fill reward.
	CallerFee int64 `json:"caller_fee,omitempty"`
}

// RequestError carries the index of the request that aborted a call.
type RequestError struct {
	Index  int
	Action Action
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %d (%s): %v", e.Index, e.Action, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// CreatePositionRequest opens a position for the caller.
type CreatePositionRequest struct {
	Asset      state.Asset `json:"asset"`
	Collateral int64       `json:"collateral"`
	Notional   int64       `json:"notional_size"`
	IsLong     bool        `json:"is_long"`
	EntryPrice int64       `json:"entry_price"` // 0 = market order
	TakeProfit int64       `json:"take_profit"`
	StopLoss   int64       `json:"stop_loss"`
}

// PositionActionResult is returned by the direct position calls
// (ClosePosition, ModifyCollateral, SetTriggers).
type PositionActionResult struct {
	Outcome
	Transfers map[string]int64 `json:"transfers"`
	Sequence  int64            `json:"sequence"`
}

// CreatePositionResult is returned by CreatePosition.
type CreatePositionResult struct {
	PositionID uint32           `json:"position_id"`
	Status     string           `json:"status"`
	Fee        int64            `json:"fee"`
	Transfers  map[string]int64 `json:"transfers"`
	Sequence   int64            `json:"sequence"`
}
