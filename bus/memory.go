package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryBus implements MessageBus with in-process channels.
// Suitable for tests and single-node deployments.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub // includes queue subs; grouped at delivery time
	closed bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Message

	delivered atomic.Uint64 // messages handed to at least one subscriber
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates an in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config:    cfg,
		replySubs: make(map[string]chan *Message),
	}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	return b.publish(&Message{Subject: subject, Data: data})
}

// Respond publishes a reply to the message's inbox.
func (b *MemoryBus) Respond(msg *Message, data []byte) error {
	if msg == nil || msg.Reply == "" {
		return ErrInvalidSubject
	}
	return b.publish(&Message{Subject: msg.Reply, Data: data})
}

func (b *MemoryBus) publish(msg *Message) error {
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}

	// Sends happen under the read lock so Unsubscribe/Close (which hold the
	// write lock) can never close a channel mid-send. All sends are
	// non-blocking, so the lock is held only briefly.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	hit := false
	queues := make(map[string][]*memorySub)
	for _, sub := range b.subs {
		if sub.closed.Load() || !subjectMatches(sub.pattern, msg.Subject) {
			continue
		}
		if sub.queue != "" {
			queues[sub.queue] = append(queues[sub.queue], sub)
			continue
		}
		select {
		case sub.ch <- msg:
			hit = true
		default:
			// Buffer full; the transport's retry layer recovers.
		}
	}
	for _, group := range queues {
		// One member per group; first with buffer space wins.
		for _, sub := range group {
			select {
			case sub.ch <- msg:
				hit = true
			default:
				continue
			}
			break
		}
	}
	b.mu.RUnlock()

	if b.deliverReply(msg) {
		hit = true
	}
	if hit {
		b.delivered.Add(1)
	}
	return nil
}

// deliverReply routes a message to a pending request inbox, if any.
func (b *MemoryBus) deliverReply(msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[msg.Subject]
	if ok {
		delete(b.replySubs, msg.Subject)
	}
	b.replyMu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	close(ch)
	return true
}

// Subscribe creates a subscription. The subject may end in ".>".
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (Subscription, error) {
	if err := validateSubscribeSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Request publishes with a unique inbox and waits for the first reply.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	inbox := "_INBOX." + uuid.NewString()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[inbox] = replyCh
	b.replyMu.Unlock()

	if err := b.publish(&Message{Subject: subject, Data: data, Reply: inbox}); err != nil {
		b.dropInbox(inbox)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok || reply == nil {
			return nil, ErrClosed
		}
		return reply, nil
	case <-timer.C:
		b.dropInbox(inbox)
		return nil, ErrTimeout
	}
}

func (b *MemoryBus) dropInbox(inbox string) {
	b.replyMu.Lock()
	delete(b.replySubs, inbox)
	b.replyMu.Unlock()
}

// Close shuts down the bus and closes all subscription channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	b.subs = nil
	return nil
}

// Delivered reports how many publishes reached at least one subscriber.
// Useful in tests.
func (b *MemoryBus) Delivered() uint64 {
	return b.delivered.Load()
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
