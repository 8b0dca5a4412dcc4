// Package access answers the capability checks the engine makes before
// privileged operations: who owns the contract, who holds which role, and
// whether an ownership transfer is in flight.
package access

import (
	"sort"
	"sync"

	"PerpSettle/internal/state"
)

// Role names a capability granted by the owner.
type Role string

const (
	// RoleKeeper may liquidate and close or cancel on behalf of owners.
	RoleKeeper Role = "keeper"
)

// Gate is the capability check consulted by the engine. One call per
// privileged operation.
type Gate interface {
	// RequireOwner fails with AdminNotSet when no owner exists and with
	// Unauthorized when caller is not the owner.
	RequireOwner(caller string) error
	// HasRole reports whether caller holds role.
	HasRole(caller string, role Role) bool
}

// Ownable is the ownership-transfer surface exposed through the engine.
type Ownable interface {
	Owner() (string, error)
	TransferOwnership(caller, newOwner string, liveUntil int64) error
	AcceptOwnership(caller string, now int64) error
	RenounceOwnership(caller string) error
}

// PendingTransfer is an ownership offer awaiting acceptance.
type PendingTransfer struct {
	NewOwner  string `json:"new_owner"`
	LiveUntil int64  `json:"live_until"`
}

// Table is an in-memory owner and role table.
type Table struct {
	mu      sync.RWMutex
	owner   string
	pending *PendingTransfer
	roles   map[Role]map[string]struct{}
}

var (
	_ Gate    = (*Table)(nil)
	_ Ownable = (*Table)(nil)
)

// NewTable returns a table owned by owner. An empty owner leaves the table
// without an admin.
func NewTable(owner string) *Table {
	return &Table{owner: owner, roles: make(map[Role]map[string]struct{})}
}

func (t *Table) RequireOwner(caller string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.requireOwnerLocked(caller)
}

func (t *Table) requireOwnerLocked(caller string) error {
	if t.owner == "" {
		return state.Errorf(state.CodeAdminNotSet, "contract has no owner")
	}
	if caller != t.owner {
		return state.Errorf(state.CodeUnauthorized, "%s is not the owner", caller)
	}
	return nil
}

func (t *Table) HasRole(caller string, role Role) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.roles[role][caller]
	return ok
}

func (t *Table) Owner() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.owner == "" {
		return "", state.Errorf(state.CodeAdminNotSet, "contract has no owner")
	}
	return t.owner, nil
}

// TransferOwnership offers ownership to newOwner until liveUntil. A
// liveUntil of 0 withdraws the pending offer to newOwner.
func (t *Table) TransferOwnership(caller, newOwner string, liveUntil int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOwnerLocked(caller); err != nil {
		return err
	}
	if liveUntil == 0 {
		if t.pending == nil || t.pending.NewOwner != newOwner {
			return state.Errorf(state.CodeNoPendingTransfer, "no pending transfer to %s", newOwner)
		}
		t.pending = nil
		return nil
	}
	if newOwner == "" {
		return state.Errorf(state.CodeBadRequest, "new owner must not be empty")
	}
	t.pending = &PendingTransfer{NewOwner: newOwner, LiveUntil: liveUntil}
	return nil
}

// AcceptOwnership completes a pending transfer. Only the offered account
// may accept, and only while the offer is live.
func (t *Table) AcceptOwnership(caller string, now int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return state.Errorf(state.CodeNoPendingTransfer, "no pending ownership transfer")
	}
	if caller != t.pending.NewOwner {
		return state.Errorf(state.CodeUnauthorized, "%s is not the pending owner", caller)
	}
	if now > t.pending.LiveUntil {
		return state.Errorf(state.CodeTransferExpired, "offer expired at %d", t.pending.LiveUntil)
	}
	t.owner = caller
	t.pending = nil
	return nil
}

// RenounceOwnership leaves the contract without an owner. Admin operations
// fail with AdminNotSet afterwards.
func (t *Table) RenounceOwnership(caller string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOwnerLocked(caller); err != nil {
		return err
	}
	t.owner = ""
	t.pending = nil
	return nil
}

// GrantRole gives account the role. Owner only.
func (t *Table) GrantRole(caller, account string, role Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOwnerLocked(caller); err != nil {
		return err
	}
	members := t.roles[role]
	if members == nil {
		members = make(map[string]struct{})
		t.roles[role] = members
	}
	members[account] = struct{}{}
	return nil
}

// RevokeRole removes account from the role. Owner only.
func (t *Table) RevokeRole(caller, account string, role Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOwnerLocked(caller); err != nil {
		return err
	}
	delete(t.roles[role], account)
	return nil
}

// Snapshot is the serializable form of a Table.
type Snapshot struct {
	Owner   string            `json:"owner"`
	Pending *PendingTransfer  `json:"pending,omitempty"`
	Roles   map[Role][]string `json:"roles"`
}

// Export captures the table with role members sorted.
func (t *Table) Export() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{Owner: t.owner, Roles: make(map[Role][]string, len(t.roles))}
	if t.pending != nil {
		p := *t.pending
		snap.Pending = &p
	}
	for role, members := range t.roles {
		list := make([]string, 0, len(members))
		for m := range members {
			list = append(list, m)
		}
		sort.Strings(list)
		snap.Roles[role] = list
	}
	return snap
}

// Restore replaces the table's contents with snap.
func (t *Table) Restore(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = snap.Owner
	t.pending = nil
	if snap.Pending != nil {
		p := *snap.Pending
		t.pending = &p
	}
	t.roles = make(map[Role]map[string]struct{}, len(snap.Roles))
	for role, list := range snap.Roles {
		members := make(map[string]struct{}, len(list))
		for _, m := range list {
			members[m] = struct{}{}
		}
		t.roles[role] = members
	}
}
