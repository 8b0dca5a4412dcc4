package core

import (
	"context"

	"PerpSettle/internal/access"
	"PerpSettle/internal/event"
	"PerpSettle/internal/state"
)

// Initialize configures the contract once. Owner only.
func (e *Engine) Initialize(ctx context.Context, caller, name, vault string, cfg state.TradingConfig) (*CoreOutput, error) {
	return e.apply(ctx, "initialize", caller, "", func(tx *txn) error {
		if err := e.access.RequireOwner(caller); err != nil {
			return err
		}
		if tx.store.Initialized {
			return state.ErrAlreadyInitialized
		}
		if vault == "" {
			return state.Errorf(state.CodeBadRequest, "vault address must not be empty")
		}
		if err := state.ValidateTradingConfig(&cfg); err != nil {
			return err
		}
		tx.store.Name = name
		tx.store.Vault = vault
		tx.store.Config = cfg
		tx.store.Initialized = true
		tx.emit(&event.Initialized{Name: name, Vault: vault, Config: cfg})
		return nil
	})
}

// requireAdmin gates every owner-only call made after initialization.
func (e *Engine) requireAdmin(tx *txn) error {
	if err := e.access.RequireOwner(tx.caller); err != nil {
		return err
	}
	return requireInitialized(tx)
}

func requireInitialized(tx *txn) error {
	if !tx.store.Initialized {
		return state.ErrNotInitialized
	}
	return nil
}

// SetConfig replaces the contract-wide trading config.
func (e *Engine) SetConfig(ctx context.Context, caller string, cfg state.TradingConfig) (*CoreOutput, error) {
	return e.apply(ctx, "set_config", caller, "", func(tx *txn) error {
		if err := e.requireAdmin(tx); err != nil {
			return err
		}
		if err := state.ValidateTradingConfig(&cfg); err != nil {
			return err
		}
		tx.store.Config = cfg
		tx.emit(&event.ConfigUpdated{Config: cfg})
		return nil
	})
}

// QueueSetConfig stores cfg behind the governance timelock, replacing any
// trading config already queued. In Setup status it unlocks immediately.
func (e *Engine) QueueSetConfig(ctx context.Context, caller string, cfg state.TradingConfig) (*CoreOutput, error) {
	return e.apply(ctx, "queue_set_config", caller, "", func(tx *txn) error {
		if err := e.requireAdmin(tx); err != nil {
			return err
		}
		q, err := tx.store.QueueSetConfig(cfg, tx.now)
		if err != nil {
			return err
		}
		tx.emit(&event.ConfigQueued{Config: q.Config, UnlockTime: q.UnlockTime})
		return nil
	})
}

// CancelSetConfig drops the queued trading config. NotQueued when there is
// none.
func (e *Engine) CancelSetConfig(ctx context.Context, caller string) (*CoreOutput, error) {
	return e.apply(ctx, "cancel_set_config", caller, "", func(tx *txn) error {
		if err := e.requireAdmin(tx); err != nil {
			return err
		}
		if err := tx.store.CancelSetConfig(); err != nil {
			return err
		}
		tx.emit(&event.ConfigQueueCancelled{})
		return nil
	})
}

// ApplyConfig installs the queued trading config once its unlock time has
// passed. Anyone may call it.
func (e *Engine) ApplyConfig(ctx context.Context, caller string) (*CoreOutput, error) {
	return e.apply(ctx, "apply_config", caller, "", func(tx *txn) error {
		if err := requireInitialized(tx); err != nil {
			return err
		}
		cfg, err := tx.store.ApplyQueuedConfig(tx.now)
		if err != nil {
			return err
		}
		tx.emit(&event.ConfigUpdated{Config: cfg})
		return nil
	})
}

// InitMarket installs a market without the timelock. Only allowed while the
// contract is in Setup status.
func (e *Engine) InitMarket(ctx context.Context, caller string, asset state.Asset, cfg state.MarketConfig) (*CoreOutput, error) {
	return e.apply(ctx, "init_market", caller, "", func(tx *txn) error {
		if err := e.requireAdmin(tx); err != nil {
			return err
		}
		if tx.store.Status != state.StatusSetup {
			return state.Errorf(state.CodeInvalidAction, "init_market requires Setup status, contract is %s", tx.store.Status)
		}
		if _, err := tx.store.Markets.InitMarket(asset, cfg, tx.now); err != nil {
			return err
		}
		tx.accrued[asset] = true
		tx.emit(&event.MarketInitialized{Asset: asset, Config: cfg})
		return nil
	})
}

// QueueSetMarket stores cfg behind the governance timelock, replacing any
// config already queued for asset.
func (e *Engine) QueueSetMarket(ctx context.Context, caller string, asset state.Asset, cfg state.MarketConfig) (*CoreOutput, error) {
	return e.apply(ctx, "queue_set_market", caller, "", func(tx *txn) error {
		if err := e.requireAdmin(tx); err != nil {
			return err
		}
		unlock := tx.store.UnlockTime(tx.now)
		if _, err := tx.store.Markets.QueueSetMarket(asset, cfg, unlock); err != nil {
			return err
		}
		tx.emit(&event.MarketQueued{Asset: asset, Config: cfg, UnlockTime: unlock})
		return nil
	})
}

// CancelSetMarket drops the config queued for asset. NotQueued when there
// is none.
func (e *Engine) CancelSetMarket(ctx context.Context, caller string, asset state.Asset) (*CoreOutput, error) {
	return e.apply(ctx, "cancel_set_market", caller, "", func(tx *txn) error {
		if err := e.requireAdmin(tx); err != nil {
			return err
		}
		if err := tx.store.Markets.CancelSetMarket(asset); err != nil {
			return err
		}
		tx.emit(&event.MarketQueueCancelled{Asset: asset})
		return nil
	})
}

// SetMarket applies the queued config for asset once its unlock time has
// passed. Anyone may call it.
func (e *Engine) SetMarket(ctx context.Context, caller string, asset state.Asset) (*CoreOutput, error) {
	return e.apply(ctx, "set_market", caller, "", func(tx *txn) error {
		if err := requireInitialized(tx); err != nil {
			return err
		}
		// Time already elapsed is charged under the outgoing config.
		if _, ok := tx.store.Markets.Market(asset); ok {
			if _, err := tx.market(asset); err != nil {
				return err
			}
		}
		m, err := tx.store.Markets.SetMarket(asset, tx.now)
		if err != nil {
			return err
		}
		tx.accrued[asset] = true
		tx.emit(&event.MarketSet{Asset: asset, Config: m.Config, Data: m.Data})
		return nil
	})
}

// SetStatus switches the contract's operating mode.
func (e *Engine) SetStatus(ctx context.Context, caller string, status state.Status) (*CoreOutput, error) {
	return e.apply(ctx, "set_status", caller, "", func(tx *txn) error {
		if err := e.requireAdmin(tx); err != nil {
			return err
		}
		if !status.Valid() {
			return state.Errorf(state.CodeInvalidConfig, "unknown status %d", uint32(status))
		}
		from := tx.store.Status
		tx.store.Status = status
		tx.emit(&event.StatusChanged{From: from, To: status})
		return nil
	})
}

// Upgrade records a new code hash. The engine itself is unaffected; the
// hash is kept for audit.
func (e *Engine) Upgrade(ctx context.Context, caller, wasmHash string) (*CoreOutput, error) {
	return e.apply(ctx, "upgrade", caller, "", func(tx *txn) error {
		if err := e.access.RequireOwner(caller); err != nil {
			return err
		}
		if wasmHash == "" {
			return state.Errorf(state.CodeBadRequest, "wasm hash must not be empty")
		}
		tx.store.WasmHash = wasmHash
		tx.emit(&event.Upgraded{WasmHash: wasmHash})
		return nil
	})
}

// ============================================================================
// Ownership and roles
// ============================================================================

// Owner returns the current owner.
func (e *Engine) Owner() (string, error) {
	return e.access.Owner()
}

// TransferOwnership offers ownership to newOwner until liveUntil; a
// liveUntil of 0 withdraws the offer.
func (e *Engine) TransferOwnership(caller, newOwner string, liveUntil int64) error {
	if err := e.access.TransferOwnership(caller, newOwner, liveUntil); err != nil {
		return err
	}
	e.logger.Info().Str("owner", caller).Str("new_owner", newOwner).Int64("live_until", liveUntil).Msg("ownership transfer offered")
	return nil
}

// AcceptOwnership completes a pending transfer at the engine's clock.
func (e *Engine) AcceptOwnership(caller string) error {
	e.mu.RLock()
	now := e.sequenceValidator.Now(e.clock())
	e.mu.RUnlock()
	if err := e.access.AcceptOwnership(caller, now); err != nil {
		return err
	}
	e.logger.Info().Str("owner", caller).Msg("ownership accepted")
	return nil
}

// RenounceOwnership leaves the contract without an owner.
func (e *Engine) RenounceOwnership(caller string) error {
	if err := e.access.RenounceOwnership(caller); err != nil {
		return err
	}
	e.logger.Warn().Str("owner", caller).Msg("ownership renounced")
	return nil
}

// GrantRole gives account a role. Owner only.
func (e *Engine) GrantRole(caller, account string, role access.Role) error {
	return e.access.GrantRole(caller, account, role)
}

// RevokeRole removes a role from account. Owner only.
func (e *Engine) RevokeRole(caller, account string, role access.Role) error {
	return e.access.RevokeRole(caller, account, role)
}
