package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpSettle:genesis:v1"

// StateHasher chains a hash over every committed call.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ResumeStateHasher continues a chain from a persisted tip.
func ResumeStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash returns SHA-256(prev_hash || sequence || store_digest || journal_digest).
// It does not advance the chain; Advance does, once the call commits.
func (h *StateHasher) ComputeHash(sequence int64, storeDigest [32]byte, journalDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(storeDigest[:])
	hasher.Write(journalDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Advance moves the chain tip.
func (h *StateHasher) Advance(hash [32]byte) {
	h.prevHash = hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
