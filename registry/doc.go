// Package registry maintains a catalogue of endpoint identities, their
// capability records, and health status, with ranked discovery queries.
//
// # Overview
//
// Endpoints self-register with a capability Record (tags plus constraint
// metadata) and receive a registration token. The token authorizes later
// Update, Heartbeat, and Deregister calls; it is never exposed to discovery
// callers. Other endpoints find providers with Discover, which ranks
// matches by exact constraint agreement, then heartbeat recency.
//
// # Health State Machine
//
// Each identity moves through healthy, suspect, and evicted states:
//
//	Register            -> healthy
//	missed heartbeats   -> suspect   (after HeartbeatDeadline)
//	Heartbeat received  -> healthy   (from suspect)
//	suspect too long    -> evicted   (after EvictDeadline)
//	Deregister          -> evicted
//
// Evicted is terminal: the identity disappears from Discover results and
// only a fresh Register, which issues a new token, recreates it. The
// evicted entry survives as a tombstone for TombstoneRetention, answering
// Get and returning ErrEvicted on Heartbeat and Update, then is forgotten.
// A background scanner drives the timeout transitions; detection lag is
// bounded by ScanInterval.
//
// # Basic Usage
//
// Register and discover:
//
//	reg, _ := registry.New(registry.Config{})
//	defer reg.Close()
//
//	token, _ := reg.Register("translator-1", registry.Record{
//	    Tags:   []string{"translate"},
//	    Fields: []registry.Field{{Key: "lang", Value: "de"}},
//	})
//
//	matches, _ := reg.Discover(registry.Query{
//	    Tags: []string{"translate"},
//	    Constraints: []registry.Constraint{
//	        {Key: "lang", Op: registry.OpEq, Value: "de"},
//	    },
//	})
//	if len(matches) > 0 {
//	    target := matches[0].Identity // Best-ranked provider
//	}
//
// Keep the registration alive:
//
//	ticker := time.NewTicker(5 * time.Second)
//	for range ticker.C {
//	    if err := reg.Heartbeat("translator-1", token); err != nil {
//	        break // evicted; re-register
//	    }
//	}
//
// Watch for changes:
//
//	events, _ := reg.Watch()
//	for ev := range events {
//	    fmt.Printf("%s: %s -> %s\n", ev.Identity, ev.Type, ev.State)
//	}
//
// # Persistence
//
// By default the catalogue lives in memory. For distributed deployments,
// configure a Store backed by NATS JetStream KV so entries survive process
// restarts:
//
//	natsBus, _ := bus.NewNATSBus(bus.NATSConfig{URL: "nats://localhost:4222"})
//	store, _ := registry.NewKVStore(natsBus.Conn(), registry.KVStoreConfig{
//	    BucketName: "my-grid-registry",
//	})
//	reg, _ := registry.New(registry.Config{Bus: natsBus, Store: store})
//
// When a bus is configured, registry events are also published as JSON on
// "<prefix>.registry.events" for remote observers.
package registry
