package query

import (
	"context"

	"PerpSettle/internal/ledger"
)

// BalanceResponse is an address's position in the transfer ledger.
type BalanceResponse struct {
	Address string `json:"address"`

	// Net tokens moved to the address by every committed call; negative
	// when it paid in more than it received.
	NetTransfer int64 `json:"net_transfer"`

	// Collateral held in escrow for the address's live positions.
	Escrowed  int64 `json:"escrowed"`
	LiveCount int   `json:"live_count"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// GetBalance returns the ledger view of address.
func (qs *QueryService) GetBalance(ctx context.Context, address string) (*BalanceResponse, error) {
	defer qs.observe("balance", nil)()

	cp := qs.engine.Checkpoint()
	resp := &BalanceResponse{
		Address:      address,
		NetTransfer:  cp.Books.GetBalance(ledger.WalletAccount(address)),
		AsOfSequence: cp.NextSequence - 1,
	}
	for _, id := range cp.Store.Positions.UserPositions(address) {
		resp.Escrowed += cp.Books.EscrowBalance(id)
		resp.LiveCount++
	}
	return resp, nil
}
