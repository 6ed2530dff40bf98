// ABOUTME: Control stanza types exchanged with the agent: outbound requests and inbound replies.
// ABOUTME: Requests serialize as {type, payload}; replies are keyed maps with an optional binary payload.

package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Stanza is a decoded control message: a keyed mapping of fields.
// Numbers are kept as json.Number so integer serials survive decoding.
type Stanza map[string]any

// String returns the field as a string. Non-string values are not converted.
func (s Stanza) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// Int returns the field as an int64, accepting JSON numbers and numeric strings.
func (s Stanza) Int(key string) (int64, bool) {
	switch v := s[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 0, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Has reports whether the field is present, even if null.
func (s Stanza) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// decodeStanza decodes a JSON object into a Stanza. Anything other than an
// object is rejected.
func decodeStanza(raw json.RawMessage) (Stanza, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("stanza is not an object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var st Stanza
	if err := dec.Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding stanza: %w", err)
	}
	return st, nil
}

// Request is an outbound control stanza: {"type": Type, "payload": {...}}.
type Request struct {
	Type    string
	Payload map[string]any
}

// NewRequest starts a request of the given type with an empty payload.
func NewRequest(typ string) *Request {
	return &Request{Type: typ, Payload: make(map[string]any)}
}

// Set adds a payload field and returns the request for chaining.
func (r *Request) Set(key string, value any) *Request {
	r.Payload[key] = value
	return r
}

// Marshal encodes the request as the outbound wire stanza.
func (r *Request) Marshal() ([]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}{r.Type, payload})
}

// Reply is a successful answer from the agent.
type Reply struct {
	Stanza Stanza
	// Data is the binary payload attached to the reply, nil if none was sent.
	Data []byte
}

// Value returns the human-visible result of a command reply.
func (r *Reply) Value() (string, bool) {
	if r == nil || r.Stanza == nil {
		return "", false
	}
	v, ok := r.Stanza["value"]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}
