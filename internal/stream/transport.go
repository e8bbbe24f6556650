package stream

import (
	"context"
	"errors"

	"spot-connect/internal/core"
)

// ErrClosed is returned by Conn.Receive once the peer or the client closed
// the connection.
var ErrClosed = errors.New("stream connection closed")

// Frame is one inbound unit. Ping frames carry no data but prove liveness.
type Frame struct {
	Data []byte
	Ping bool
}

type Conn interface {
	Send(ctx context.Context, data []byte) error
	// Receive blocks until a frame arrives, the connection fails, or ctx is done.
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

type Transport interface {
	Open(ctx context.Context, url string) (Conn, error)
}

// Codec maps subscription requests and inbound frames to the exchange wire format.
type Codec interface {
	Subscribe(id int64, symbols []core.Symbol) ([]byte, error)
	Unsubscribe(id int64, symbols []core.Symbol) ([]byte, error)
	Decode(data []byte) (core.StreamMessage, error)
}
