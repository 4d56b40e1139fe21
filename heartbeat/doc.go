// Package heartbeat keeps registrations alive over a message bus.
//
// # Overview
//
// A Sender publishes periodic liveness beats for one endpoint on
// "<prefix>.hb.<identity>". A Listener, typically colocated with the
// registry, subscribes to "<prefix>.hb.>" and resets each identity's
// suspicion timer. Beats carry the registration token, so only the
// endpoint that registered can keep its entry alive.
//
// Heartbeats deliberately bypass the retrying transport. A heartbeat
// delivered late by a retry loop would claim liveness for a moment that
// has already passed; dropping it is the correct behavior.
//
// # Usage
//
// On the endpoint side:
//
//	token, _ := reg.Register("translator-1", record)
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    Identity: "translator-1",
//	    Token:    token,
//	    Interval: 5 * time.Second,
//	})
//	sender.Start(ctx)
//	defer sender.Stop()
//
// Next to the registry:
//
//	listener, _ := heartbeat.NewListener(heartbeat.ListenerConfig{
//	    Bus:      b,
//	    Registry: reg,
//	})
//	listener.Start()
//	defer listener.Stop()
//
// If the endpoint is evicted, its beats are silently discarded and its
// registry calls return errors; re-register and pass the new token to the
// sender via SetToken.
package heartbeat
