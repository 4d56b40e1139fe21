package envelope

import (
	"bytes"
	"testing"
	"time"
)

func sample() *Envelope {
	return &Envelope{
		ID:            "env-1",
		Type:          "task.request",
		Version:       3,
		CorrelationID: "corr-1",
		Sender:        "agent-a",
		Recipient:     "agent-b",
		Payload:       []byte("payload bytes"),
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Signature:     []byte{0x01, 0x02},
	}
}

func assertEqual(t *testing.T, got, want *Envelope, codec string) {
	t.Helper()
	if got.ID != want.ID || got.Type != want.Type || got.Version != want.Version {
		t.Errorf("%s: identity fields changed: got %+v", codec, got)
	}
	if got.CorrelationID != want.CorrelationID {
		t.Errorf("%s: CorrelationID = %q, want %q", codec, got.CorrelationID, want.CorrelationID)
	}
	if got.Sender != want.Sender || got.Recipient != want.Recipient {
		t.Errorf("%s: routing fields changed: got %+v", codec, got)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("%s: payload changed", codec)
	}
	if !bytes.Equal(got.Signature, want.Signature) {
		t.Errorf("%s: signature changed", codec)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("%s: timestamp = %v, want %v", codec, got.Timestamp, want.Timestamp)
	}
}

func TestJSONCodec(t *testing.T) {
	codec := JSONCodec{}
	if codec.Name() != "json" {
		t.Errorf("Name = %q", codec.Name())
	}

	want := sample()
	data, err := codec.Encode(want)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	assertEqual(t, got, want, "json")
}

func TestMsgpackCodec(t *testing.T) {
	codec := MsgpackCodec{}
	if codec.Name() != "msgpack" {
		t.Errorf("Name = %q", codec.Name())
	}

	want := sample()
	data, err := codec.Encode(want)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	assertEqual(t, got, want, "msgpack")
}

func TestMsgpackSmallerThanJSON(t *testing.T) {
	e := sample()
	j, _ := JSONCodec{}.Encode(e)
	m, _ := MsgpackCodec{}.Encode(e)
	if len(m) >= len(j) {
		t.Errorf("msgpack (%d bytes) should be smaller than json (%d bytes)", len(m), len(j))
	}
}
