package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spot-connect/internal/stream"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	maxFrameBytes           = 16 << 20
)

// WSTransport dials the market-data websocket.
type WSTransport struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

func NewWSTransport(handshakeTimeout time.Duration) *WSTransport {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &WSTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: defaultWriteTimeout,
	}
}

func (t *WSTransport) Open(ctx context.Context, rawURL string) (stream.Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, dialError(rawURL, resp, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	conn.SetReadLimit(maxFrameBytes)
	c := &wsConn{
		conn:         conn,
		writeTimeout: t.writeTimeout,
		frames:       make(chan stream.Frame),
		done:         make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	conn.SetPingHandler(c.handlePing)
	go c.readLoop()
	return c, nil
}

func dialError(rawURL string, resp *http.Response, err error) error {
	wrapped := fmt.Errorf("dial %s: %w", rawURL, err)
	if resp == nil {
		return transientError(wrapped)
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	kinds := classifyStatus(resp.StatusCode)
	if len(kinds) == 0 {
		return transientError(fmt.Errorf("dial %s: handshake status %d: %w", rawURL, resp.StatusCode, err))
	}
	return errors.Join(append([]error{wrapped}, kinds...)...)
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	frames    chan stream.Frame
	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
	readErr   error
}

// handlePing answers server pings and surfaces them as liveness frames.
// It runs on the read goroutine.
func (c *wsConn) handlePing(data string) error {
	err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
	var netErr net.Error
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.As(err, &netErr) {
		return err
	}
	select {
	case c.frames <- stream.Frame{Ping: true}:
	case <-c.done:
	}
	return nil
}

func (c *wsConn) readLoop() {
	defer close(c.readDone)
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = c.classifyReadError(err)
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		select {
		case c.frames <- stream.Frame{Data: data}:
		case <-c.done:
			c.readErr = stream.ErrClosed
			return
		}
	}
}

func (c *wsConn) classifyReadError(err error) error {
	select {
	case <-c.done:
		return stream.ErrClosed
	default:
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return errors.Join(stream.ErrClosed, err)
	}
	return transientError(fmt.Errorf("read: %w", err))
}

func (c *wsConn) Receive(ctx context.Context) (stream.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.readDone:
		return stream.Frame{}, c.readErr
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		select {
		case <-c.done:
			return stream.ErrClosed
		default:
		}
		return transientError(fmt.Errorf("write: %w", err))
	}
	return nil
}

// Close sends a close frame and releases the socket. Safe to call twice.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

var _ stream.Transport = (*WSTransport)(nil)
var _ stream.Codec = (*StreamCodec)(nil)
