package envelope

import (
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes envelopes to and from wire bytes.
type Codec interface {
	// Name identifies the codec (e.g., "json", "msgpack").
	Name() string

	// Encode serializes an envelope.
	Encode(e *Envelope) ([]byte, error)

	// Decode deserializes an envelope.
	Decode(data []byte) (*Envelope, error)
}

// JSONCodec is the default wire codec. It preserves unknown fields across
// a decode/encode round trip, so intermediaries can forward envelopes from
// newer peers without losing data.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Encode serializes an envelope to JSON.
func (JSONCodec) Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializes an envelope from JSON.
func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// msgpackEnvelope is the MessagePack wire shape.
type msgpackEnvelope struct {
	ID            string    `msgpack:"id"`
	Type          string    `msgpack:"type"`
	Version       int       `msgpack:"version"`
	CorrelationID string    `msgpack:"correlation_id,omitempty"`
	Sender        string    `msgpack:"sender,omitempty"`
	Recipient     string    `msgpack:"recipient,omitempty"`
	Topic         string    `msgpack:"topic,omitempty"`
	Payload       []byte    `msgpack:"payload,omitempty"`
	Timestamp     time.Time `msgpack:"timestamp"`
	Signature     []byte    `msgpack:"signature,omitempty"`
}

// MsgpackCodec is a compact binary codec for high-volume links. Unlike
// JSONCodec it does not preserve unknown fields; use it only where both
// ends run the same schema version.
type MsgpackCodec struct{}

// Name returns "msgpack".
func (MsgpackCodec) Name() string { return "msgpack" }

// Encode serializes an envelope to MessagePack.
func (MsgpackCodec) Encode(e *Envelope) ([]byte, error) {
	return msgpack.Marshal(msgpackEnvelope{
		ID:            e.ID,
		Type:          e.Type,
		Version:       e.Version,
		CorrelationID: e.CorrelationID,
		Sender:        e.Sender,
		Recipient:     e.Recipient,
		Topic:         e.Topic,
		Payload:       e.Payload,
		Timestamp:     e.Timestamp,
		Signature:     e.Signature,
	})
}

// Decode deserializes an envelope from MessagePack.
func (MsgpackCodec) Decode(data []byte) (*Envelope, error) {
	var w msgpackEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            w.ID,
		Type:          w.Type,
		Version:       w.Version,
		CorrelationID: w.CorrelationID,
		Sender:        w.Sender,
		Recipient:     w.Recipient,
		Topic:         w.Topic,
		Payload:       w.Payload,
		Timestamp:     w.Timestamp,
		Signature:     w.Signature,
	}, nil
}
