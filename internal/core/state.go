package core

import "time"

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Syncing
	Live
	Backoff
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Connected reports whether a transport connection is held in this state.
func (s ConnectionState) Connected() bool { return s == Syncing || s == Live }

// LifecycleEvent records one connection state transition.
type LifecycleEvent struct {
	SessionID string
	From      ConnectionState
	To        ConnectionState
	Reason    string
	Attempt   int
	Delay     time.Duration
	Err       error
	At        time.Time
}

// Degraded reports whether the transition lost or failed to gain connectivity.
func (e LifecycleEvent) Degraded() bool {
	return e.To == Backoff || (e.To == Disconnected && e.Err != nil)
}

type MessageKind int

const (
	MessageUnknown MessageKind = iota
	MessageDiff
	MessageHeartbeat
	MessageAck
	MessageError
)

func (k MessageKind) String() string {
	switch k {
	case MessageDiff:
		return "diff"
	case MessageHeartbeat:
		return "heartbeat"
	case MessageAck:
		return "ack"
	case MessageError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamMessage is a decoded stream frame.
type StreamMessage struct {
	Kind      MessageKind
	Diff      DiffEvent
	RequestID int64
	Err       error
}
