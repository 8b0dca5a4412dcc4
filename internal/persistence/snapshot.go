package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpSettle/internal/access"
	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/state"
)

// SnapshotFormatVersion is bumped whenever the layout of Snapshot changes.
const SnapshotFormatVersion = 1

// Snapshot is everything needed to resume the engine: the store, the
// transfer balances, the hash tip, the clock floor and the per-source
// ingestion sequences, plus the access table.
type Snapshot struct {
	NextSequence int64                 `json:"next_sequence"`
	StateHash    string                `json:"state_hash"` // hex
	LastNow      int64                 `json:"last_now"`
	Sources      map[string]int64      `json:"sources,omitempty"`
	Store        *state.StoreSnapshot  `json:"store"`
	Balances     []ledger.BalanceEntry `json:"balances"`
	Access       *access.Snapshot      `json:"access,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// NewSnapshot captures the state committed by out.
func NewSnapshot(out core.CoreOutput, acl *access.Snapshot) *Snapshot {
	return &Snapshot{
		NextSequence: out.Sequence + 1,
		StateHash:    hex.EncodeToString(out.StateHash[:]),
		LastNow:      out.Timestamp,
		Sources:      out.Sources,
		Store:        out.Store.Export(),
		Balances:     out.Books.Entries(),
		Access:       acl,
		CreatedAt:    time.Now().UTC(),
	}
}

// Checkpoint rebuilds the engine state held by the snapshot. The store's
// invariants are verified on the way.
func (s *Snapshot) Checkpoint() (core.Checkpoint, error) {
	if s.Store == nil {
		return core.Checkpoint{}, errors.New("snapshot has no store")
	}
	store, err := state.RestoreStore(s.Store)
	if err != nil {
		return core.Checkpoint{}, err
	}
	raw, err := hex.DecodeString(s.StateHash)
	if err != nil || len(raw) != 32 {
		return core.Checkpoint{}, fmt.Errorf("snapshot state hash %q is not 32 hex bytes", s.StateHash)
	}
	books := ledger.NewBalanceTracker()
	books.RestoreEntries(s.Balances)

	cp := core.Checkpoint{
		NextSequence: s.NextSequence,
		LastNow:      s.LastNow,
		Sources:      s.Sources,
		Store:        store,
		Books:        books,
	}
	copy(cp.StateHash[:], raw)
	return cp, nil
}

// SnapshotStore saves and loads snapshots in settle.snapshots.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save writes snap inside tx and returns its encoded size.
func (ss *SnapshotStore) Save(ctx context.Context, tx *sql.Tx, snap *Snapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return 0, fmt.Errorf("snapshot state hash: %w", err)
	}
	seq := snap.NextSequence - 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settle.snapshots
			(sequence, snapshot_id, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, seq, uuid.New(), data, hash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot %d: %w", seq, err)
	}
	return len(data), nil
}

// Prune keeps the newest keep snapshots.
func (ss *SnapshotStore) Prune(ctx context.Context, tx *sql.Tx, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM settle.snapshots
		WHERE sequence < (
			SELECT MIN(sequence) FROM (
				SELECT sequence FROM settle.snapshots ORDER BY sequence DESC LIMIT $1
			) newest
		)
	`, keep)
	return err
}

// LoadLatest returns the newest snapshot, or nil on a cold start.
func (ss *SnapshotStore) LoadLatest(ctx context.Context) (*Snapshot, error) {
	var (
		data    []byte
		version int
	)
	err := ss.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM settle.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != SnapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format %d, want %d", version, SnapshotFormatVersion)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LatestCommit returns the highest committed sequence and its hash, used
// to check that the newest snapshot is the chain tip.
func (ss *SnapshotStore) LatestCommit(ctx context.Context) (int64, []byte, error) {
	var (
		seq  int64
		hash []byte
	)
	err := ss.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM settle.commits ORDER BY sequence DESC LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return seq, hash, nil
}
