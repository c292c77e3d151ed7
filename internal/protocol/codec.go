package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// NewEnvelope wraps a payload value in a SignalEnvelope. An empty to
// broadcasts on the match topic.
func NewEnvelope(kind Kind, from, to string, payload any) (SignalEnvelope, error) {
	if kind == 0 {
		return SignalEnvelope{}, fmt.Errorf("encode: missing kind")
	}
	var body []byte
	if payload != nil {
		var err error
		body, err = msgpack.Marshal(payload)
		if err != nil {
			return SignalEnvelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
	}
	return SignalEnvelope{Kind: kind, From: from, To: to, Payload: body}, nil
}

// MarshalEnvelope serializes an envelope for the wire.
func MarshalEnvelope(env SignalEnvelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

// Encode builds and marshals an envelope in one step.
func Encode(kind Kind, from, to string, payload any) ([]byte, error) {
	env, err := NewEnvelope(kind, from, to, payload)
	if err != nil {
		return nil, err
	}
	return MarshalEnvelope(env)
}

// DecodeEnvelope unmarshals the outer envelope without touching the payload.
func DecodeEnvelope(b []byte) (SignalEnvelope, error) {
	if len(b) == 0 {
		return SignalEnvelope{}, fmt.Errorf("decode: empty envelope")
	}
	var env SignalEnvelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return SignalEnvelope{}, err
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into a concrete type.
func DecodePayload[T any](env SignalEnvelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("empty payload for kind %q", env.Kind)
	}
	err := msgpack.Unmarshal(env.Payload, &out)
	return out, err
}

// EncodeGame marshals a GameMessage for a peer-link channel.
func EncodeGame(msg GameMessage) ([]byte, error) {
	if msg.Scope == 0 {
		return nil, fmt.Errorf("encode game message: missing scope")
	}
	return msgpack.Marshal(msg)
}

// DecodeGame unmarshals a peer-link channel payload.
func DecodeGame(b []byte) (GameMessage, error) {
	var msg GameMessage
	if err := msgpack.Unmarshal(b, &msg); err != nil {
		return GameMessage{}, err
	}
	if msg.Scope != ScopeSquad && msg.Scope != ScopeGlobal {
		return GameMessage{}, fmt.Errorf("decode game message: bad scope %d", msg.Scope)
	}
	return msg, nil
}
