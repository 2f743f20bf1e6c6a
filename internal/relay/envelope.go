package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultEvent is used when an inbound body carries no usable event label.
const DefaultEvent = "message"

// Envelope is the unit republished for every inbound webhook.
type Envelope struct {
	Event     string          `json:"event"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds the envelope for a raw webhook body.
//
// An empty body, a body that is not valid JSON, or a body that is not a JSON
// object is treated as {}. malformed reports whether that happened for a
// non-empty body. The payload is the body's "payload" object when it is a
// non-empty object, otherwise the whole body. The payload bytes are forwarded
// as received, compacted.
func NewEnvelope(body []byte) (env Envelope, malformed bool) {
	top, raw, ok := decodeBody(body)
	malformed = !ok && len(bytes.TrimSpace(body)) > 0

	env.Event = DefaultEvent
	if v, found := top["event"]; found {
		var event string
		if err := json.Unmarshal(v, &event); err == nil && event != "" {
			env.Event = event
		}
	}

	payload := raw
	if v, found := top["payload"]; found && isNonEmptyObject(v) {
		payload = v
	}

	fields, err := decodeObject(payload)
	if err != nil {
		// payload came out of a successfully decoded object, so this only
		// happens for the whole-body fallback
		fields, payload = map[string]any{}, json.RawMessage("{}")
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, payload); err != nil {
		compacted.Reset()
		compacted.WriteString("{}")
	}

	env.MessageID = MessageID(fields)
	env.Payload = compacted.Bytes()

	return env, malformed
}

// Marshal serializes the envelope without HTML escaping so payload text is
// forwarded unchanged.
func (e Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("failed to encode envelope %s: %w", e.MessageID, err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Message wraps the serialized envelope for publishing. dedup controls
// whether the identity is also passed as the queue-level dedup key.
func (e Envelope) Message(dedup bool) (Message, error) {
	data, err := e.Marshal()
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		Data: data,
		Attributes: map[string]string{
			AttrEvent:     e.Event,
			AttrMessageID: e.MessageID,
		},
	}
	if dedup {
		msg.DedupKey = e.MessageID
	}

	return msg, nil
}

func decodeBody(body []byte) (map[string]json.RawMessage, json.RawMessage, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		return map[string]json.RawMessage{}, json.RawMessage("{}"), false
	}

	return top, body, true
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("payload is not an object")
	}

	return fields, nil
}

func isNonEmptyObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	return len(obj) > 0
}
