package bus

import (
	"testing"
	"time"
)

// These tests require a local NATS server and are skipped otherwise:
//
//	docker run -p 4222:4222 nats:latest

func newTestNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0
	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("NATS server not available: %v", err)
	}
	return b
}

func TestNATSBus_PubSub(t *testing.T) {
	b := newTestNATSBus(t)
	defer b.Close()

	sub, err := b.Subscribe("agentgrid.test.pubsub")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("agentgrid.test.pubsub", []byte("hello")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("Data = %q, want %q", msg.Data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNATSBus_RequestReply(t *testing.T) {
	b := newTestNATSBus(t)
	defer b.Close()

	sub, err := b.Subscribe("agentgrid.test.echo")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	go func() {
		for msg := range sub.Messages() {
			b.Respond(msg, msg.Data)
		}
	}()

	reply, err := b.Request("agentgrid.test.echo", []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "ping" {
		t.Errorf("reply = %q, want %q", reply.Data, "ping")
	}
}

// Unsubscribing while the server is still dispatching messages must not
// panic: the subscription drains before its channel closes.
func TestNATSBus_UnsubscribeDuringDelivery(t *testing.T) {
	b := newTestNATSBus(t)
	defer b.Close()

	sub, err := b.Subscribe("agentgrid.test.churn")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	stop := make(chan struct{})
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish("agentgrid.test.churn", []byte("x"))
			}
		}
	}()
	go func() {
		for range sub.Messages() {
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}
	close(stop)
	<-pubDone
}
