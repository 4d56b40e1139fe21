// Package envelope defines the unit of transport exchanged between agents.
//
// # Overview
//
// An Envelope wraps an opaque payload with the metadata the substrate needs
// for routing, correlation, and forward compatibility: a type tag, a schema
// version, a correlation ID spanning an entire request chain, sender and
// destination, and an optional signature. The transport routes envelopes but
// never interprets payloads or unknown type values.
//
// # Correlation
//
// All envelopes in one causal request/response/forward chain share a
// correlation ID. Use Reply to build a response that carries the chain
// forward:
//
//	req := envelope.New("task.request", "agent-a", envelope.To("agent-b"), payload)
//	resp := req.Reply("task.response", result)
//	// resp.CorrelationID == req.CorrelationID
//
// The transport delivers envelopes sharing a correlation ID to a given
// recipient in send order.
//
// # Forward Compatibility
//
// Unknown JSON fields survive a decode/encode round trip. A newer peer can
// attach fields an older peer does not understand; the older peer forwards
// them unchanged.
//
// # Codecs
//
// Two wire codecs are provided: JSON (default, preserves unknown fields) and
// MessagePack (compact, for high-volume links). See Codec.
package envelope
