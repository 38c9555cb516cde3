package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Wire types exchanged between a host and a chart worker.
// Every message is a single JSON document.

// MessageTypeMouseEvent is the "type" discriminator of interaction messages.
const MessageTypeMouseEvent = "mouse-event"

// ReadySignal is the bare empty string a worker posts once at startup.
const ReadySignal = ""

// EventType is the kind of a relayed pointer event.
type EventType string

const (
	EventMouseMove  EventType = "mousemove"
	EventMouseLeave EventType = "mouseleave"
	EventClick      EventType = "click"
)

// ChartID is a caller-assigned chart identifier. Numbers on the wire
// are normalized to their decimal text.
type ChartID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ChartID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ChartID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("chart id must be a string or number: %w", err)
		}
		*id = ChartID(n.String())
		return nil
	}
}

// Transaction is an opaque correlation token. It is echoed back exactly
// as it was received.
type Transaction json.RawMessage

// NewTransaction wraps a string token.
func NewTransaction(token string) Transaction {
	b, _ := json.Marshal(token)
	return Transaction(b)
}

// MarshalJSON writes the raw token, or null when empty.
func (t Transaction) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

// UnmarshalJSON keeps a compacted copy of the raw token.
func (t *Transaction) UnmarshalJSON(b []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return err
	}
	*t = Transaction(buf.Bytes())
	return nil
}

// Key returns a comparable form of the token.
func (t Transaction) Key() string {
	return string(t)
}

func (t Transaction) String() string {
	if len(t) == 0 {
		return "null"
	}
	return string(t)
}

// MouseEvent relays a pointer event from the host canvas.
type MouseEvent struct {
	Type           string            `json:"type"`
	EventType      EventType         `json:"eventType"`
	X              float64           `json:"x"`
	Y              float64           `json:"y"`
	ChartID        ChartID           `json:"chartId"`
	ComputedStyles map[string]string `json:"computedStyles,omitempty"`
}

// Payload is the second element of a render/update request tuple.
type Payload struct {
	// Canvas names the target canvas.
	Canvas string   `json:"canvas,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`

	// Create fields.
	Obj      map[string]any `json:"obj,omitempty"`
	Mutate   bool           `json:"mutate,omitempty"`
	Plugins  *string        `json:"plugins,omitempty"`
	Defaults *string        `json:"defaults,omitempty"`
	ID       ChartID        `json:"id,omitempty"`

	// Update fields.
	Updated map[string]any `json:"updated,omitempty"`
	Animate bool           `json:"animate,omitempty"`

	// Destroy tears the chart down.
	Destroy bool `json:"destroy,omitempty"`
}

// Request is the tuple [transaction, payload].
type Request struct {
	Transaction Transaction
	Payload     Payload
}

// MarshalJSON encodes the request as a two element array.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Transaction, r.Payload})
}

// UnmarshalJSON decodes [transaction, payload]. A missing or null
// payload decodes as the zero Payload.
func (r *Request) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("request tuple is empty")
	}
	if err := r.Transaction.UnmarshalJSON(parts[0]); err != nil {
		return err
	}
	r.Payload = Payload{}
	if len(parts) > 1 && !bytes.Equal(bytes.TrimSpace(parts[1]), []byte("null")) {
		if err := json.Unmarshal(parts[1], &r.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Response is the tuple [transaction, success].
type Response struct {
	Transaction Transaction
	Success     bool
}

// MarshalJSON encodes the response as a two element array.
func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Transaction, r.Success})
}

// UnmarshalJSON decodes [transaction, success].
func (r *Response) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("response tuple must have 2 elements, got %d", len(parts))
	}
	if err := r.Transaction.UnmarshalJSON(parts[0]); err != nil {
		return err
	}
	return json.Unmarshal(parts[1], &r.Success)
}

// Kind classifies an inbound message by shape.
type Kind int

const (
	KindUnknown Kind = iota
	KindReady
	KindTuple
	KindMouseEvent
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindTuple:
		return "tuple"
	case KindMouseEvent:
		return "mouse-event"
	default:
		return "unknown"
	}
}

// Sniff inspects the first token of a message and, for objects, the
// "type" field.
func Sniff(raw []byte) Kind {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return KindUnknown
	}
	switch raw[0] {
	case '[':
		return KindTuple
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil && s == ReadySignal {
			return KindReady
		}
	case '{':
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &probe) == nil && strings.EqualFold(probe.Type, MessageTypeMouseEvent) {
			return KindMouseEvent
		}
	}
	return KindUnknown
}
