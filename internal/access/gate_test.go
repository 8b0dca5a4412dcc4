package access_test

import (
	"errors"
	"testing"

	"PerpSettle/internal/access"
	"PerpSettle/internal/state"
)

func TestRequireOwner(t *testing.T) {
	tbl := access.NewTable("admin")
	if err := tbl.RequireOwner("admin"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if err := tbl.RequireOwner("mallory"); !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("got %v, want Unauthorized", err)
	}
	if err := access.NewTable("").RequireOwner("admin"); !errors.Is(err, state.ErrAdminNotSet) {
		t.Fatalf("got %v, want AdminNotSet", err)
	}
}

func TestOwnershipTransfer(t *testing.T) {
	tbl := access.NewTable("admin")

	if err := tbl.AcceptOwnership("bob", 10); !errors.Is(err, state.ErrNoPendingTransfer) {
		t.Fatalf("accept without offer: got %v", err)
	}
	if err := tbl.TransferOwnership("bob", "bob", 100); !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("non-owner transfer: got %v", err)
	}
	if err := tbl.TransferOwnership("admin", "bob", 100); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tbl.AcceptOwnership("carol", 50); !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("wrong acceptor: got %v", err)
	}
	if err := tbl.AcceptOwnership("bob", 100); err != nil {
		t.Fatalf("accept at deadline: %v", err)
	}
	if owner, _ := tbl.Owner(); owner != "bob" {
		t.Errorf("owner: got %q, want bob", owner)
	}
}

func TestOwnershipTransfer_Expired(t *testing.T) {
	tbl := access.NewTable("admin")
	tbl.TransferOwnership("admin", "bob", 100)
	if err := tbl.AcceptOwnership("bob", 101); !errors.Is(err, state.ErrTransferExpired) {
		t.Fatalf("got %v, want TransferExpired", err)
	}
	if owner, _ := tbl.Owner(); owner != "admin" {
		t.Errorf("owner changed to %q", owner)
	}
}

func TestOwnershipTransfer_Withdraw(t *testing.T) {
	tbl := access.NewTable("admin")
	tbl.TransferOwnership("admin", "bob", 100)
	if err := tbl.TransferOwnership("admin", "bob", 0); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := tbl.AcceptOwnership("bob", 10); !errors.Is(err, state.ErrNoPendingTransfer) {
		t.Fatalf("got %v, want NoPendingTransfer", err)
	}
}

func TestRenounceOwnership(t *testing.T) {
	tbl := access.NewTable("admin")
	if err := tbl.RenounceOwnership("admin"); err != nil {
		t.Fatalf("renounce: %v", err)
	}
	if _, err := tbl.Owner(); !errors.Is(err, state.ErrAdminNotSet) {
		t.Fatalf("got %v, want AdminNotSet", err)
	}
	if err := tbl.GrantRole("admin", "k", access.RoleKeeper); !errors.Is(err, state.ErrAdminNotSet) {
		t.Fatalf("grant after renounce: got %v", err)
	}
}

func TestRoles(t *testing.T) {
	tbl := access.NewTable("admin")
	if tbl.HasRole("k", access.RoleKeeper) {
		t.Fatal("role present before grant")
	}
	if err := tbl.GrantRole("k", "k", access.RoleKeeper); !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("self-grant: got %v", err)
	}
	tbl.GrantRole("admin", "k", access.RoleKeeper)
	if !tbl.HasRole("k", access.RoleKeeper) {
		t.Fatal("grant had no effect")
	}

	restored := access.NewTable("")
	restored.Restore(tbl.Export())
	if !restored.HasRole("k", access.RoleKeeper) {
		t.Error("role lost in export/restore")
	}

	tbl.RevokeRole("admin", "k", access.RoleKeeper)
	if tbl.HasRole("k", access.RoleKeeper) {
		t.Error("revoke had no effect")
	}
}
