package core

import (
	"fmt"
)

// SequenceValidator tracks the per-source sequence of ingested batches and
// keeps the engine's notion of time monotonic.
// Not thread-safe: only accessed under the engine's write lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // source -> next expected sequence
	lastNow         int64

	onGap  func(source, kind string)
	onSkew func()
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{expectedNextSeq: make(map[string]int64)}
}

// ValidateSequence checks a batch's source sequence. Redelivery of an
// already processed batch is accepted; a new batch below the expected
// sequence is rejected. Gaps are accepted and reported, since a producer
// may legitimately drop batches it never published.
func (sv *SequenceValidator) ValidateSequence(source string, seq int64, isDuplicate bool) error {
	if source == "" || seq == 0 {
		return nil
	}
	expected, seen := sv.expectedNextSeq[source]
	if !seen {
		return nil
	}
	if seq < expected {
		if isDuplicate {
			return nil
		}
		sv.report(source, "out_of_order")
		return fmt.Errorf("out-of-order batch: source=%s, expected>=%d, got=%d", source, expected, seq)
	}
	if seq > expected {
		sv.report(source, "gap")
	}
	return nil
}

// Advance records a committed batch.
func (sv *SequenceValidator) Advance(source string, seq int64) {
	if source == "" || seq == 0 {
		return
	}
	if seq+1 > sv.expectedNextSeq[source] {
		sv.expectedNextSeq[source] = seq + 1
	}
}

// GetExpectedSequence returns next expected sequence for a source
func (sv *SequenceValidator) GetExpectedSequence(source string) int64 {
	return sv.expectedNextSeq[source]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(source string, seq int64) {
	sv.expectedNextSeq[source] = seq
}

// Export copies the expected sequence of every source.
func (sv *SequenceValidator) Export() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for source, next := range sv.expectedNextSeq {
		out[source] = next
	}
	return out
}

// Now clamps a wall-clock reading so it never precedes a previously
// committed call. Market LastUpdate relies on this.
func (sv *SequenceValidator) Now(wall int64) int64 {
	if wall < sv.lastNow {
		if sv.onSkew != nil {
			sv.onSkew()
		}
		return sv.lastNow
	}
	return wall
}

// Commit records the timestamp of a committed call.
func (sv *SequenceValidator) Commit(now int64) {
	if now > sv.lastNow {
		sv.lastNow = now
	}
}

// LastNow returns the timestamp of the last committed call.
func (sv *SequenceValidator) LastNow() int64 {
	return sv.lastNow
}

func (sv *SequenceValidator) report(source, kind string) {
	if sv.onGap != nil {
		sv.onGap(source, kind)
	}
}
