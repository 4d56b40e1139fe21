// Package transport moves envelopes between endpoints with at-least-once
// delivery, retry with exponential backoff, per-correlation ordering, and
// dead-lettering.
//
// # Overview
//
// A Transport rides on a bus.MessageBus (in-memory or NATS). Send accepts an
// envelope and returns a delivery handle immediately; delivery, retries, and
// dead-lettering happen in background workers. Receive yields an open-ended
// stream of incoming envelopes that the consumer acknowledges explicitly.
//
//	tr, _ := transport.New(transport.Config{Bus: bus.NewMemoryBus(bus.Config{})})
//	defer tr.Close()
//
//	sub, _ := tr.Receive(ctx, "agent-b", transport.Filter{})
//	go func() {
//	    for in := range sub.Incoming() {
//	        process(in.Envelope)
//	        in.Ack()
//	    }
//	}()
//
//	env := envelope.New("task.request", "agent-a", envelope.To("agent-b"), payload)
//	d, _ := tr.Send(env)
//	// later: d.Status() is StatusDelivered or StatusDeadLettered
//
// # Delivery Semantics
//
// Delivery is at-least-once: an attempt that times out before the ack
// arrives is retried, so consumers may see duplicates and must be
// idempotent (or layer an idempotency key on top). Exactly-once is not
// provided.
//
// Envelopes sharing a recipient and correlation ID are delivered in send
// order: a delivery must reach a terminal state before the next one with
// the same ordering key begins. Envelopes with different correlation IDs
// are independent and may be delivered out of order relative to each other.
//
// # Failure Semantics
//
// Sending to an endpoint that was never bound fails fast with
// ErrUnroutableDestination and consumes no retry budget (unless
// Config.BufferUnknown is set). Transient failures - ack timeout, recipient
// buffer full, recipient briefly gone - are retried per the RetryPolicy.
// A delivery that exhausts its budget is dead-lettered, never silently
// dropped: it appears on the DeadLetters stream and in the DeadLettered
// snapshot until the retention window expires.
//
// Transient errors never surface from Send. Callers observe outcomes via
// the delivery handle or the dead-letter stream.
//
// # Topics
//
// An envelope addressed to a topic fans out to the subscribers present at
// send time; late subscribers see nothing unless Config.ReplayBuffer is
// enabled. Topic deliveries are fire-and-forget: no per-recipient ack
// tracking, no retry.
package transport
