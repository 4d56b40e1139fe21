package transport

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/agentgrid/bus"
	"github.com/vinayprograms/agentgrid/envelope"
)

// fastConfig returns a config with tight timings for tests.
func fastConfig(b bus.MessageBus) Config {
	return Config{
		Bus:        b,
		AckTimeout: 50 * time.Millisecond,
		Retry: RetryPolicy{
			MaxRetries: 2,
			BaseDelay:  2 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     0,
			MaxDelay:   10 * time.Millisecond,
		},
	}
}

func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// ackAll runs a consumer that acks everything and records envelope IDs.
func ackAll(t *testing.T, tr *Transport, endpoint string) <-chan *envelope.Envelope {
	t.Helper()
	sub, err := tr.Receive(context.Background(), endpoint, Filter{})
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	out := make(chan *envelope.Envelope, 64)
	go func() {
		for in := range sub.Incoming() {
			in.Ack()
			out <- in.Envelope
		}
	}()
	return out
}

func TestSendReceiveAck(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))
	got := ackAll(t, tr, "agent-b")

	env := envelope.New("task.request", "agent-a", envelope.To("agent-b"), []byte("work"))
	d, err := tr.Send(env)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case e := <-got:
		if e.ID != env.ID {
			t.Errorf("received ID = %q, want %q", e.ID, env.ID)
		}
		if string(e.Payload) != "work" {
			t.Errorf("payload = %q, want %q", e.Payload, "work")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for terminal state")
	}
	if d.Status() != StatusDelivered {
		t.Errorf("Status = %v, want %v", d.Status(), StatusDelivered)
	}
	if d.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", d.Attempts())
	}
}

func TestSendInvalidDestination(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))

	if _, err := tr.Send(nil); err != ErrInvalidDestination {
		t.Errorf("nil envelope: expected ErrInvalidDestination, got %v", err)
	}

	e := &envelope.Envelope{ID: "x", Type: "t"} // no destination
	if _, err := tr.Send(e); err != ErrInvalidDestination {
		t.Errorf("no destination: expected ErrInvalidDestination, got %v", err)
	}

	e = &envelope.Envelope{ID: "x", Type: "t", Recipient: "a", Topic: "b"}
	if _, err := tr.Send(e); err != ErrInvalidDestination {
		t.Errorf("ambiguous destination: expected ErrInvalidDestination, got %v", err)
	}
}

func TestSendUnroutableFailsFast(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))

	env := envelope.New("t", "a", envelope.To("never-bound"), nil)
	_, err := tr.Send(env)
	if err != ErrUnroutableDestination {
		t.Fatalf("expected ErrUnroutableDestination, got %v", err)
	}
	if n := len(tr.DeadLettered()); n != 0 {
		t.Errorf("fail-fast send must not consume retry budget, got %d dead letters", n)
	}
}

func TestBufferUnknownDeliversToLateBinder(t *testing.T) {
	cfg := fastConfig(bus.NewMemoryBus(bus.Config{}))
	cfg.BufferUnknown = true
	cfg.Retry.MaxRetries = 20
	tr := newTestTransport(t, cfg)

	env := envelope.New("t", "a", envelope.To("late"), []byte("x"))
	d, err := tr.Send(env)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	// Receiver appears only after the first attempts have failed.
	time.Sleep(120 * time.Millisecond)
	got := ackAll(t, tr, "late")

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for buffered delivery")
	}

	<-d.Done()
	if d.Status() != StatusDelivered {
		t.Errorf("Status = %v, want %v", d.Status(), StatusDelivered)
	}
	if d.Attempts() < 2 {
		t.Errorf("Attempts = %d, want >= 2 (late binder forces retries)", d.Attempts())
	}
}

func TestAckIdempotent(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))

	sub, err := tr.Receive(context.Background(), "agent-b", Filter{})
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}

	env := envelope.New("t", "a", envelope.To("agent-b"), nil)
	d, _ := tr.Send(env)

	var in *Incoming
	select {
	case in = <-sub.Incoming():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	if err := in.Ack(); err != nil {
		t.Fatalf("Ack error: %v", err)
	}
	if err := in.Ack(); err != nil {
		t.Errorf("duplicate Ack should be a no-op, got %v", err)
	}

	<-d.Done()
	if d.Status() != StatusDelivered {
		t.Errorf("Status = %v, want %v", d.Status(), StatusDelivered)
	}
	if d.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", d.Attempts())
	}

	// No redelivery after the duplicate ack.
	select {
	case extra := <-sub.Incoming():
		t.Errorf("unexpected redelivery of %q", extra.Envelope.ID)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCorrelationOrderPreserved(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))
	got := ackAll(t, tr, "agent-b")

	const n = 8
	first := envelope.New("t", "a", envelope.To("agent-b"), []byte{0})
	sent := []*envelope.Envelope{first}
	for i := 1; i < n; i++ {
		e := envelope.New("t", "a", envelope.To("agent-b"), []byte{byte(i)})
		e.CorrelationID = first.CorrelationID
		sent = append(sent, e)
	}
	for _, e := range sent {
		if _, err := tr.Send(e); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case e := <-got:
			if e.ID != sent[i].ID {
				t.Fatalf("position %d: got %q, want %q", i, e.ID, sent[i].ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout at position %d", i)
		}
	}
}

func TestRetryBudgetAndDeadLetterOrder(t *testing.T) {
	cfg := fastConfig(bus.NewMemoryBus(bus.Config{}))
	cfg.AckTimeout = 15 * time.Millisecond
	tr := newTestTransport(t, cfg)

	// Bound but nobody listening: every attempt times out.
	if err := tr.Bind("sink"); err != nil {
		t.Fatalf("Bind error: %v", err)
	}

	dls, err := tr.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters error: %v", err)
	}

	first := envelope.New("t", "a", envelope.To("sink"), []byte{0})
	sent := []*envelope.Envelope{first}
	for i := 1; i < 3; i++ {
		e := envelope.New("t", "a", envelope.To("sink"), []byte{byte(i)})
		e.CorrelationID = first.CorrelationID
		sent = append(sent, e)
	}

	handles := make([]*Delivery, 0, 3)
	for _, e := range sent {
		d, err := tr.Send(e)
		if err != nil {
			t.Fatalf("Send error: %v", err)
		}
		handles = append(handles, d)
	}

	for i := 0; i < 3; i++ {
		select {
		case dl := <-dls:
			if dl.Envelope.ID != sent[i].ID {
				t.Errorf("dead-letter %d: got %q, want %q (send order must hold)", i, dl.Envelope.ID, sent[i].ID)
			}
			if dl.Retries != 2 {
				t.Errorf("dead-letter %d: Retries = %d, want exactly 2", i, dl.Retries)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for dead letter %d", i)
		}
	}

	for i, d := range handles {
		if d.Status() != StatusDeadLettered {
			t.Errorf("handle %d: Status = %v, want %v", i, d.Status(), StatusDeadLettered)
		}
		if d.Attempts() != 3 {
			t.Errorf("handle %d: Attempts = %d, want 3 (1 initial + 2 retries)", i, d.Attempts())
		}
	}

	retained := tr.DeadLettered()
	if len(retained) != 3 {
		t.Fatalf("retained %d dead letters, want 3", len(retained))
	}
	for i, dl := range retained {
		if dl.Envelope.ID != sent[i].ID {
			t.Errorf("retained %d: got %q, want %q", i, dl.Envelope.ID, sent[i].ID)
		}
	}
}

func TestCancelPendingSend(t *testing.T) {
	cfg := fastConfig(bus.NewMemoryBus(bus.Config{}))
	cfg.Retry.MaxRetries = 1000
	tr := newTestTransport(t, cfg)
	tr.Bind("deaf")

	d, err := tr.Send(envelope.New("t", "a", envelope.To("deaf"), nil))
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	d.Cancel()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not release the delivery")
	}
	if d.Status() != StatusDeadLettered {
		t.Errorf("Status = %v, want %v", d.Status(), StatusDeadLettered)
	}
	if d.Reason() != "cancelled by sender" {
		t.Errorf("Reason = %q", d.Reason())
	}
}

func TestReceiveCancel(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))

	sub, err := tr.Receive(context.Background(), "agent-b", Filter{})
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if sub.Err() != nil {
		t.Errorf("live subscription Err = %v, want nil", sub.Err())
	}

	sub.Cancel()

	select {
	case _, ok := <-sub.Incoming():
		if ok {
			t.Error("expected closed channel after Cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Cancel")
	}
	if sub.Err() != ErrSubscriptionCancelled {
		t.Errorf("Err = %v, want ErrSubscriptionCancelled", sub.Err())
	}
}

func TestReceiveContextCancel(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := tr.Receive(ctx, "agent-b", Filter{})
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}

	cancel()

	select {
	case _, ok := <-sub.Incoming():
		if ok {
			t.Error("expected closed channel after context cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestFilter(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))

	sub, err := tr.Receive(context.Background(), "agent-b", Filter{Types: []string{"wanted"}})
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	go func() {
		for in := range sub.Incoming() {
			in.Ack()
		}
	}()

	// The unwanted type is never acked by this subscription and
	// dead-letters after its budget.
	dls, _ := tr.DeadLetters()
	unwanted := envelope.New("ignored", "a", envelope.To("agent-b"), nil)
	wanted := envelope.New("wanted", "a", envelope.To("agent-b"), nil)
	tr.Send(unwanted)
	dw, _ := tr.Send(wanted)

	select {
	case <-dw.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("wanted envelope not delivered")
	}
	if dw.Status() != StatusDelivered {
		t.Errorf("wanted: Status = %v", dw.Status())
	}

	select {
	case dl := <-dls:
		if dl.Envelope.ID != unwanted.ID {
			t.Errorf("dead letter = %q, want %q", dl.Envelope.ID, unwanted.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("unwanted envelope never dead-lettered")
	}
}

func TestTopicFanoutNoReplay(t *testing.T) {
	tr := newTestTransport(t, fastConfig(bus.NewMemoryBus(bus.Config{})))
	ctx := context.Background()

	sub1, _ := tr.SubscribeTopic(ctx, "events", Filter{})
	sub2, _ := tr.SubscribeTopic(ctx, "events", Filter{})

	env := envelope.New("status", "a", envelope.Broadcast("events"), []byte("x"))
	d, err := tr.Send(env)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if d.Status() != StatusDelivered {
		t.Errorf("topic send Status = %v, want %v", d.Status(), StatusDelivered)
	}

	for i, sub := range []*Subscription{sub1, sub2} {
		select {
		case in := <-sub.Incoming():
			if in.Envelope.ID != env.ID {
				t.Errorf("subscriber %d: got %q", i+1, in.Envelope.ID)
			}
			if err := in.Ack(); err != nil {
				t.Errorf("topic Ack error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive broadcast", i+1)
		}
	}

	// A late subscriber sees nothing: replay is off by default.
	late, _ := tr.SubscribeTopic(ctx, "events", Filter{})
	select {
	case in := <-late.Incoming():
		t.Errorf("late subscriber received %q without replay buffer", in.Envelope.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTopicReplayBuffer(t *testing.T) {
	cfg := fastConfig(bus.NewMemoryBus(bus.Config{}))
	cfg.ReplayBuffer = 2
	tr := newTestTransport(t, cfg)

	for i := 0; i < 3; i++ {
		env := envelope.New("status", "a", envelope.Broadcast("events"), []byte{byte(i)})
		if _, err := tr.Send(env); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	// Buffer holds the last 2 of the 3.
	sub, _ := tr.SubscribeTopic(context.Background(), "events", Filter{})
	var got []byte
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case in := <-sub.Incoming():
			got = append(got, in.Envelope.Payload[0])
		case <-timeout:
			t.Fatalf("replayed %d envelopes, want 2", len(got))
		}
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("replayed payloads = %v, want [1 2]", got)
	}
}

func TestPolicyInspectable(t *testing.T) {
	cfg := fastConfig(bus.NewMemoryBus(bus.Config{}))
	tr := newTestTransport(t, cfg)

	if got := tr.Policy(); got != cfg.Retry {
		t.Errorf("Policy = %+v, want %+v", got, cfg.Retry)
	}
}

func TestCloseDeadLettersPending(t *testing.T) {
	cfg := fastConfig(bus.NewMemoryBus(bus.Config{}))
	cfg.Retry.MaxRetries = 1000
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	tr.Bind("deaf")

	d, _ := tr.Send(envelope.New("t", "a", envelope.To("deaf"), nil))

	if err := tr.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if d.Status() != StatusDeadLettered {
		t.Errorf("Status = %v, want %v after Close", d.Status(), StatusDeadLettered)
	}

	if _, err := tr.Send(envelope.New("t", "a", envelope.To("deaf"), nil)); err != ErrClosed {
		t.Errorf("Send after Close: expected ErrClosed, got %v", err)
	}
}

func TestDeadLetterRetentionPurge(t *testing.T) {
	cfg := fastConfig(bus.NewMemoryBus(bus.Config{}))
	cfg.AckTimeout = 15 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	cfg.Retention = 100 * time.Millisecond
	tr := newTestTransport(t, cfg)

	tr.Bind("deaf")
	dls, err := tr.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters error: %v", err)
	}

	if _, err := tr.Send(envelope.New("task.request", "agent-a", envelope.To("deaf"), nil)); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case <-dls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead letter")
	}
	if got := len(tr.DeadLettered()); got != 1 {
		t.Fatalf("retained = %d, want 1", got)
	}

	// The purge ticker is clamped to one second, so the snapshot empties
	// only after the first tick past the retention window.
	deadline := time.Now().Add(3 * time.Second)
	for len(tr.DeadLettered()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("retained = %d after retention window, want 0", len(tr.DeadLettered()))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
