package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/agentgrid/bus"
	"github.com/vinayprograms/agentgrid/envelope"
)

// Filter selects which envelopes a subscription receives. Zero value
// matches everything.
type Filter struct {
	// Types restricts to these envelope types. Empty matches all.
	Types []string

	// Sender restricts to one sender identity. Empty matches all.
	Sender string
}

// Match reports whether an envelope passes the filter.
func (f Filter) Match(e *envelope.Envelope) bool {
	if f.Sender != "" && e.Sender != f.Sender {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, want := range f.Types {
		if e.Type == want {
			return true
		}
	}
	return false
}

// Incoming is one delivered envelope awaiting acknowledgement.
type Incoming struct {
	// Envelope as decoded from the wire.
	Envelope *envelope.Envelope

	msg   *bus.Message
	b     bus.MessageBus
	acked atomic.Bool
}

// Ack acknowledges the delivery. Idempotent: a duplicate ack is a no-op,
// not an error. Topic deliveries carry no ack path; Ack on them is a no-op.
func (in *Incoming) Ack() error {
	if in.acked.Swap(true) {
		return nil
	}
	if in.msg.Reply == "" {
		return nil
	}
	return in.b.Respond(in.msg, []byte("+ACK"))
}

// Acked reports whether Ack has been called.
func (in *Incoming) Acked() bool {
	return in.acked.Load()
}

// Subscription is an open-ended stream of incoming envelopes. It ends only
// when cancelled (directly or via context) or when the transport closes.
type Subscription struct {
	incoming chan *Incoming
	busSub   bus.Subscription
	stopCh   chan struct{}
	once     sync.Once
	ended    atomic.Bool
}

// Incoming returns the delivery channel. Closed on cancellation.
func (s *Subscription) Incoming() <-chan *Incoming {
	return s.incoming
}

// Cancel ends the subscription. No further envelopes are delivered and the
// bus subscription is released. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.stopCh)
		s.busSub.Unsubscribe()
	})
}

// Err returns nil while the subscription is live and
// ErrSubscriptionCancelled after it ends. Cancellation is a clean
// termination signal, not a failure.
func (s *Subscription) Err() error {
	if s.ended.Load() {
		return ErrSubscriptionCancelled
	}
	return nil
}

// Receive opens an open-ended subscription for envelopes addressed to the
// given endpoint, binding the endpoint as routable. The stream suspends
// while no matching envelope is available and ends when ctx is cancelled,
// Cancel is called, or the transport closes.
func (t *Transport) Receive(ctx context.Context, endpoint string, filter Filter) (*Subscription, error) {
	if endpoint == "" {
		return nil, ErrInvalidDestination
	}
	if err := t.Bind(endpoint); err != nil {
		return nil, err
	}
	return t.subscribe(ctx, t.endpointSubject(endpoint), filter, nil)
}

// SubscribeTopic opens a subscription for a broadcast topic. Only
// envelopes sent after subscribing are delivered, unless the transport's
// replay buffer is enabled, in which case buffered envelopes arrive first.
func (t *Transport) SubscribeTopic(ctx context.Context, topic string, filter Filter) (*Subscription, error) {
	if topic == "" {
		return nil, ErrInvalidDestination
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	var backlog []*envelope.Envelope
	for _, e := range t.replay[topic] {
		backlog = append(backlog, e.Clone())
	}
	t.mu.Unlock()

	return t.subscribe(ctx, t.topicSubject(topic), filter, backlog)
}

func (t *Transport) subscribe(ctx context.Context, subject string, filter Filter, backlog []*envelope.Envelope) (*Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	busSub, err := t.cfg.Bus.Subscribe(subject)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		incoming: make(chan *Incoming),
		busSub:   busSub,
		stopCh:   make(chan struct{}),
	}

	// Register under the lock so Close cannot start waiting between the
	// closed check and the Add.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		busSub.Unsubscribe()
		return nil, ErrClosed
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		defer func() {
			s.ended.Store(true)
			s.Cancel()
			close(s.incoming)
		}()

		for _, e := range backlog {
			if !filter.Match(e) {
				continue
			}
			in := &Incoming{Envelope: e, msg: &bus.Message{}, b: t.cfg.Bus}
			if !s.forward(ctx, t.stopCh, in) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.stopCh:
				return
			case msg, ok := <-busSub.Messages():
				if !ok {
					return
				}
				e, err := t.codec.Decode(msg.Data)
				if err != nil {
					t.log.Debug("dropping undecodable message", map[string]any{
						"subject": msg.Subject,
						"error":   err.Error(),
					})
					continue
				}
				if !filter.Match(e) {
					// Not ours to ack; another subscription may match.
					continue
				}
				in := &Incoming{Envelope: e, msg: msg, b: t.cfg.Bus}
				if !s.forward(ctx, t.stopCh, in) {
					return
				}
			}
		}
	}()

	return s, nil
}

// forward blocks until the consumer takes the delivery or the subscription
// ends. Blocking here gives slow consumers backpressure; the sender's
// ack-timeout/retry loop covers the gap.
func (s *Subscription) forward(ctx context.Context, transportStop <-chan struct{}, in *Incoming) bool {
	select {
	case s.incoming <- in:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-transportStop:
		return false
	}
}
