package book

import "spot-connect/internal/core"

// Verdict is how a diff relates to the book it is offered to.
type Verdict int

const (
	// Apply means the diff continues the book.
	Apply Verdict = iota
	// Skip means every update in the diff is already reflected in the book.
	Skip
	// Gap means updates between the book and the diff were lost.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Apply:
		return "apply"
	case Skip:
		return "skip"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// SequencePolicy classifies a diff against the last applied update id.
// first is true for the first diff offered after a snapshot.
type SequencePolicy interface {
	Classify(ev core.DiffEvent, lastApplied uint64, first bool) Verdict
}

// BinanceSpotPolicy accepts a straddling diff (U <= lastApplied+1 <= u)
// only as the first diff after a snapshot; after that ids must be contiguous.
type BinanceSpotPolicy struct{}

func (BinanceSpotPolicy) Classify(ev core.DiffEvent, lastApplied uint64, first bool) Verdict {
	switch {
	case ev.FinalUpdateID <= lastApplied:
		return Skip
	case ev.Continues(lastApplied):
		return Apply
	case first && ev.FirstUpdateID <= lastApplied+1:
		return Apply
	default:
		return Gap
	}
}

// StrictPolicy never accepts overlap.
type StrictPolicy struct{}

func (StrictPolicy) Classify(ev core.DiffEvent, lastApplied uint64, _ bool) Verdict {
	switch {
	case ev.FinalUpdateID <= lastApplied:
		return Skip
	case ev.Continues(lastApplied):
		return Apply
	default:
		return Gap
	}
}
