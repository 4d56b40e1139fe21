// Package bus provides the low-level pub/sub fabric the substrate rides on.
//
// # Overview
//
// The MessageBus interface carries raw byte messages between subjects. The
// transport layers delivery tracking, retry, and ordering on top; the
// registry and heartbeat packages use it for change notifications and
// liveness signals. Two implementations are provided:
//
//   - MemoryBus: in-process, for tests and single-node deployments
//   - NATSBus: NATS-backed, for distributed deployments
//
// # Subjects
//
// Subjects are dot-separated tokens ("agentgrid.ep.agent-1"). Subscriptions
// may end in ".>" to match every subject under a prefix:
//
//	sub, _ := b.Subscribe("agentgrid.hb.>")
//	for msg := range sub.Messages() {
//	    // heartbeats from every agent
//	}
//
// # Request/Reply
//
// Request publishes with a unique reply inbox and waits for the first
// response. The transport uses this as its acknowledgement path: each
// delivery attempt is a request, and the receiver's ack is the reply.
package bus
