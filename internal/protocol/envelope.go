// Package protocol defines the JSON envelope exchanged with browsers and the
// central relay, plus the validation rules applied to inbound payloads.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// TimestampLayout is the ISO-8601 form used for every timestamp the relay emits.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Envelope is the unit of transmission: {type, payload?, timestamp?, error?}.
type Envelope struct {
	Type      Tag
	Payload   Payload
	Timestamp string
	Error     string
}

type wireEnvelope struct {
	Type      Tag             `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// New wraps payload in an envelope tagged with its variant.
func New(payload Payload) Envelope {
	return Envelope{Type: payload.Tag(), Payload: payload}
}

// NewAt wraps payload and stamps the envelope with now.
func NewAt(payload Payload, now time.Time) Envelope {
	env := New(payload)
	env.Timestamp = FormatTimestamp(now)
	return env
}

// ErrorFrame builds the ERROR envelope sent back to a misbehaving client.
func ErrorFrame(message string) Envelope {
	return Envelope{Type: TagError, Error: message}
}

// Ping builds a heartbeat request.
func Ping() Envelope { return Envelope{Type: TagPing} }

// Pong builds a heartbeat reply.
func Pong() Envelope { return Envelope{Type: TagPong} }

// MarshalJSON writes the wire form, omitting empty optional members.
func (e Envelope) MarshalJSON() ([]byte, error) {
	wire := wireEnvelope{Type: e.Type, Timestamp: e.Timestamp, Error: e.Error}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes and validates the wire form via Decode.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// Encode serialises the envelope for a text frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a text frame into a typed envelope. Anything that is not a JSON
// object with a known tag and a structurally valid payload yields a *ProtocolError.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &ProtocolError{Message: MsgInvalidFormat, Err: err}
	}
	if wire.Type == "" {
		return Envelope{}, &ProtocolError{Message: MsgInvalidFormat}
	}

	env := Envelope{Type: wire.Type, Timestamp: wire.Timestamp, Error: wire.Error}
	payload, err := decodePayload(wire.Type, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = payload
	return env, nil
}

func decodePayload(tag Tag, raw json.RawMessage) (Payload, error) {
	switch tag {
	case TagPing, TagPong, TagError:
		return nil, nil
	case TagAuth:
		return decodeAuth(raw)
	case TagAuthSuccess, TagAuthError:
		status, err := decodeOptional[AuthStatus](raw)
		if err != nil {
			return nil, err
		}
		status.Accepted = tag == TagAuthSuccess
		return status, nil
	case TagLocation:
		return decodeRequired[Location](tag, raw)
	case TagChat:
		return decodeRequired[Chat](tag, raw)
	case TagChatReceived:
		return decodeRequired[ChatReceived](tag, raw)
	case TagSubscribe:
		return decodeRequired[Subscribe](tag, raw)
	case TagNotification:
		return decodeRequired[Notification](tag, raw)
	case TagBroadcast:
		return decodeRequired[Broadcast](tag, raw)
	case TagOrderCreated:
		return decodeRequired[OrderCreated](tag, raw)
	case TagOrderStatusChanged:
		return decodeRequired[OrderStatusChanged](tag, raw)
	case TagOrderPaymentUpdate:
		return decodeRequired[OrderPaymentUpdate](tag, raw)
	case TagBatchCreated:
		return decodeRequired[BatchCreated](tag, raw)
	case TagBatchStatusChanged:
		return decodeRequired[BatchStatusChanged](tag, raw)
	case TagBatchRecalled:
		return decodeRequired[BatchRecalled](tag, raw)
	case TagFraudAlert:
		return decodeRequired[FraudAlert](tag, raw)
	default:
		return nil, &ProtocolError{Message: MsgUnknownType(tag)}
	}
}

// decodeAuth distinguishes the three AUTH shapes by their members: a browser
// token, a service key, or the relay's success acknowledgement.
func decodeAuth(raw json.RawMessage) (Payload, error) {
	if isAbsent(raw) {
		return AuthRequest{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ProtocolError{Message: MsgInvalidFormat, Err: err}
	}
	switch {
	case fields["serviceKey"] != nil:
		return decodeRequired[ServiceAuth](TagAuth, raw)
	case fields["success"] != nil:
		return decodeRequired[AuthResult](TagAuth, raw)
	default:
		return decodeRequired[AuthRequest](TagAuth, raw)
	}
}

func decodeRequired[T Payload](tag Tag, raw json.RawMessage) (T, error) {
	var zero T
	if isAbsent(raw) {
		return zero, &ProtocolError{Message: "Invalid " + tag.String() + " payload"}
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, &ProtocolError{Message: MsgInvalidFormat, Err: err}
	}
	return out, nil
}

func decodeOptional[T Payload](raw json.RawMessage) (T, error) {
	var out T
	if isAbsent(raw) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &ProtocolError{Message: MsgInvalidFormat, Err: err}
	}
	return out, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
