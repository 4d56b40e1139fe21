package envelope

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrInvalidDestination = errors.New("invalid destination")
	ErrMissingType        = errors.New("missing envelope type")
)

// Envelope is the unit of transport between agents. It carries routing and
// correlation metadata plus an opaque payload.
type Envelope struct {
	// ID uniquely identifies this envelope.
	ID string

	// Type tags the payload (e.g., "task.request"). The transport routes
	// unknown types without interpreting them.
	Type string

	// Version is the schema version of the payload.
	Version int

	// CorrelationID is shared by all envelopes in one causal chain.
	// Immutable once set; Reply propagates it unchanged.
	CorrelationID string

	// Sender is the identity of the originating endpoint.
	Sender string

	// Recipient is the destination endpoint identity.
	// Exactly one of Recipient or Topic must be set.
	Recipient string

	// Topic is the broadcast destination. Fan-out happens at send time.
	Topic string

	// Payload is opaque bytes; the transport never inspects it.
	Payload []byte

	// Timestamp is when the envelope was created.
	Timestamp time.Time

	// Signature is an optional detached signature over the payload.
	// Verification is the receiver's concern.
	Signature []byte

	// extra holds unknown JSON fields so they survive a round trip.
	extra map[string]json.RawMessage
}

// Destination describes where an envelope is addressed.
type Destination struct {
	recipient string
	topic     string
}

// To addresses a single endpoint identity.
func To(recipient string) Destination {
	return Destination{recipient: recipient}
}

// Broadcast addresses a topic.
func Broadcast(topic string) Destination {
	return Destination{topic: topic}
}

// New creates an envelope with a fresh ID and correlation ID.
func New(envType, sender string, dest Destination, payload []byte) *Envelope {
	return &Envelope{
		ID:            uuid.NewString(),
		Type:          envType,
		Version:       1,
		CorrelationID: uuid.NewString(),
		Sender:        sender,
		Recipient:     dest.recipient,
		Topic:         dest.topic,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
}

// Reply builds a response addressed back to the sender, carrying the
// correlation ID forward unchanged.
func (e *Envelope) Reply(envType string, payload []byte) *Envelope {
	return &Envelope{
		ID:            uuid.NewString(),
		Type:          envType,
		Version:       e.Version,
		CorrelationID: e.CorrelationID,
		Sender:        e.Recipient,
		Recipient:     e.Sender,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
}

// Validate checks that the envelope is routable.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	if (e.Recipient == "") == (e.Topic == "") {
		// Neither or both set.
		return ErrInvalidDestination
	}
	return nil
}

// OrderingKey returns the key the transport serializes delivery on.
// Envelopes sharing a recipient and correlation ID share a key; an envelope
// without a correlation ID orders only with itself.
func (e *Envelope) OrderingKey() string {
	cid := e.CorrelationID
	if cid == "" {
		cid = e.ID
	}
	return e.Recipient + "\x00" + cid
}

// Extra returns an unknown field preserved from decoding, if present.
func (e *Envelope) Extra(key string) (json.RawMessage, bool) {
	v, ok := e.extra[key]
	return v, ok
}

// SetExtra attaches a field that known peers may not understand.
func (e *Envelope) SetExtra(key string, value json.RawMessage) {
	if e.extra == nil {
		e.extra = make(map[string]json.RawMessage)
	}
	e.extra[key] = value
}

// Clone returns a deep copy. Used for topic fan-out so recipients never
// share payload slices.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make([]byte, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Signature != nil {
		clone.Signature = make([]byte, len(e.Signature))
		copy(clone.Signature, e.Signature)
	}
	if e.extra != nil {
		clone.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			clone.extra[k] = v
		}
	}
	return &clone
}

// knownFields are the JSON keys owned by this schema version.
var knownFields = map[string]bool{
	"id": true, "type": true, "version": true, "correlation_id": true,
	"sender": true, "recipient": true, "topic": true, "payload": true,
	"timestamp": true, "signature": true,
}

type envelopeJSON struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Sender        string    `json:"sender,omitempty"`
	Recipient     string    `json:"recipient,omitempty"`
	Topic         string    `json:"topic,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Signature     []byte    `json:"signature,omitempty"`
}

// MarshalJSON implements json.Marshaler, re-emitting preserved unknown
// fields alongside the known schema. Known fields win on key collision.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(envelopeJSON{
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
	if err != nil || len(e.extra) == 0 {
		return known, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.extra {
		if !knownFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON implements json.Unmarshaler, stashing unknown fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var j envelopeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.ID = j.ID
	e.Type = j.Type
	e.Version = j.Version
	e.CorrelationID = j.CorrelationID
	e.Sender = j.Sender
	e.Recipient = j.Recipient
	e.Topic = j.Topic
	e.Payload = j.Payload
	e.Timestamp = j.Timestamp
	e.Signature = j.Signature
	e.extra = nil

	for k, v := range raw {
		if !knownFields[k] {
			if e.extra == nil {
				e.extra = make(map[string]json.RawMessage)
			}
			e.extra[k] = v
		}
	}
	return nil
}
