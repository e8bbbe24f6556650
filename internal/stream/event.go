package stream

import "spot-connect/internal/core"

type EventKind int

const (
	// EventReset starts a new stream generation. Every book built from an
	// earlier generation is stale; Symbols is the full subscribed set.
	EventReset EventKind = iota
	EventAdd
	EventRemove
	EventDiff
	// EventDisconnect ends the current generation. Books built from it are
	// dropped until the next EventReset.
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventReset:
		return "reset"
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	case EventDiff:
		return "diff"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is what the session hands to the book reconciler, in wire order.
type Event struct {
	Kind       EventKind
	Generation uint64
	Symbols    []core.Symbol
	Diff       core.DiffEvent
}
