package binance

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"spot-connect/internal/core"
)

const defaultUpdateSpeed = "100ms"

type streamRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// streamFrame covers every inbound shape: depth updates, request replies,
// and the {"stream","data"} wrapper used by combined streams.
type streamFrame struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   uint64     `json:"U"`
	FinalID   uint64     `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`

	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`

	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// StreamCodec encodes SUBSCRIBE/UNSUBSCRIBE requests for the diff depth
// stream and decodes its frames.
type StreamCodec struct {
	updateSpeed string
}

// NewStreamCodec accepts "100ms" or "1000ms"; anything else falls back to 100ms.
func NewStreamCodec(updateSpeed string) *StreamCodec {
	switch updateSpeed {
	case "100ms", "1000ms":
	default:
		updateSpeed = defaultUpdateSpeed
	}
	return &StreamCodec{updateSpeed: updateSpeed}
}

func (c *StreamCodec) Subscribe(id int64, symbols []core.Symbol) ([]byte, error) {
	return c.request("SUBSCRIBE", id, symbols)
}

func (c *StreamCodec) Unsubscribe(id int64, symbols []core.Symbol) ([]byte, error) {
	return c.request("UNSUBSCRIBE", id, symbols)
}

// StreamName returns e.g. "btcusdt@depth@100ms".
func (c *StreamCodec) StreamName(symbol core.Symbol) string {
	name := symbol.Stream() + "@depth"
	if c.updateSpeed == "100ms" {
		name += "@100ms"
	}
	return name
}

func (c *StreamCodec) request(method string, id int64, symbols []core.Symbol) ([]byte, error) {
	if len(symbols) == 0 {
		return nil, errors.New("no symbols")
	}
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		params = append(params, c.StreamName(sym))
	}
	return json.Marshal(streamRequest{Method: method, Params: params, ID: id})
}

func (c *StreamCodec) Decode(data []byte) (core.StreamMessage, error) {
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return core.StreamMessage{}, invalidResponse(fmt.Errorf("decode stream frame: %w", err))
	}
	if len(frame.Data) > 0 {
		return c.Decode(frame.Data)
	}
	switch {
	case frame.Error != nil:
		msg := core.StreamMessage{Kind: core.MessageError, Err: APIError{Code: frame.Error.Code, Msg: frame.Error.Msg}}
		if frame.ID != nil {
			msg.RequestID = *frame.ID
		}
		return msg, nil
	case frame.ID != nil:
		return core.StreamMessage{Kind: core.MessageAck, RequestID: *frame.ID}, nil
	case frame.EventType == "depthUpdate":
		diff, err := frame.toDiff()
		if err != nil {
			return core.StreamMessage{}, invalidResponse(err)
		}
		return core.StreamMessage{Kind: core.MessageDiff, Diff: diff}, nil
	}
	return core.StreamMessage{Kind: core.MessageUnknown}, nil
}

func (f streamFrame) toDiff() (core.DiffEvent, error) {
	symbol, err := core.ParseSymbol(f.Symbol)
	if err != nil {
		return core.DiffEvent{}, err
	}
	if f.FirstID == 0 || f.FinalID < f.FirstID {
		return core.DiffEvent{}, fmt.Errorf("depth update %s: bad id range [%d, %d]", symbol, f.FirstID, f.FinalID)
	}
	bids, err := parseLevels(f.Bids)
	if err != nil {
		return core.DiffEvent{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(f.Asks)
	if err != nil {
		return core.DiffEvent{}, fmt.Errorf("asks: %w", err)
	}
	return core.DiffEvent{
		Symbol:        symbol,
		FirstUpdateID: f.FirstID,
		FinalUpdateID: f.FinalID,
		Bids:          bids,
		Asks:          asks,
		EventTime:     time.UnixMilli(f.EventTime),
	}, nil
}
