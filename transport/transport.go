package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vinayprograms/agentgrid/bus"
	"github.com/vinayprograms/agentgrid/envelope"
	"github.com/vinayprograms/agentgrid/logging"
)

// Common errors.
var (
	ErrClosed                = errors.New("transport closed")
	ErrInvalidDestination    = errors.New("invalid destination")
	ErrUnroutableDestination = errors.New("unroutable destination")
	ErrSubscriptionCancelled = errors.New("subscription cancelled")
	ErrInvalidConfig         = errors.New("invalid configuration")
)

// RetryPolicy configures delivery retries. The policy is plain data so
// tests can construct deterministic schedules.
type RetryPolicy struct {
	// MaxRetries after the first attempt. A delivery makes at most
	// 1+MaxRetries attempts before it is dead-lettered.
	// Default: 3.
	MaxRetries int

	// BaseDelay before the first retry. Default: 100ms.
	BaseDelay time.Duration

	// Multiplier applied to the delay after each retry. Default: 2.0.
	Multiplier float64

	// Jitter is the randomization fraction (0 disables jitter). Default: 0.2.
	Jitter float64

	// MaxDelay caps the delay between retries. Default: 5s.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the default retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     0.2,
		MaxDelay:   5 * time.Second,
	}
}

// newBackOff builds the per-delivery backoff schedule.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	return b
}

// Config configures a Transport.
type Config struct {
	// Bus is the underlying message fabric. Required.
	Bus bus.MessageBus

	// Codec for envelope wire encoding. Default: envelope.JSONCodec.
	Codec envelope.Codec

	// Retry policy for direct deliveries.
	Retry RetryPolicy

	// AckTimeout is how long one delivery attempt waits for the
	// recipient's ack. Default: 3s.
	AckTimeout time.Duration

	// Retention of dead-lettered envelopes before they are purged.
	// Default: 10 minutes.
	Retention time.Duration

	// BufferUnknown queues sends to endpoints this transport has not seen
	// bind, instead of failing with ErrUnroutableDestination. Needed when
	// senders and receivers run in different processes over NATS.
	BufferUnknown bool

	// ReplayBuffer is the number of recent envelopes kept per topic and
	// replayed to late subscribers. 0 (default) disables replay.
	ReplayBuffer int

	// SubjectPrefix namespaces bus subjects. Default: "agentgrid".
	SubjectPrefix string

	// Logger for monitoring. Default: discard.
	Logger *logging.Logger
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = envelope.JSONCodec{}
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 3 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "agentgrid"
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// Transport delivers envelopes over a message bus with ack/retry tracking.
type Transport struct {
	cfg   Config
	codec envelope.Codec
	log   *logging.Logger

	mu         sync.Mutex
	endpoints  map[string]bool           // endpoints that have bound here
	queues     map[string]*orderingQueue // ordering key -> pending deliveries
	replay     map[string][]*envelope.Envelope
	retained   []*DeadLetter
	dlWatchers []chan *DeadLetter
	closed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// orderingQueue serializes deliveries that share an ordering key.
type orderingQueue struct {
	pending []*Delivery
	running bool
}

// New creates a Transport over the given bus.
func New(cfg Config) (*Transport, error) {
	if cfg.Bus == nil {
		return nil, ErrInvalidConfig
	}
	cfg = cfg.withDefaults()

	t := &Transport{
		cfg:       cfg,
		codec:     cfg.Codec,
		log:       cfg.Logger.WithComponent("transport"),
		endpoints: make(map[string]bool),
		queues:    make(map[string]*orderingQueue),
		replay:    make(map[string][]*envelope.Envelope),
		stopCh:    make(chan struct{}),
	}

	t.wg.Add(1)
	go t.purgeLoop()

	return t, nil
}

// Policy returns the retry policy in effect, for inspection.
func (t *Transport) Policy() RetryPolicy {
	return t.cfg.Retry
}

// Bind declares an endpoint routable without starting a subscription.
// Receive binds implicitly; Bind exists for senders that know a recipient
// lives in another process.
func (t *Transport) Bind(endpoint string) error {
	if endpoint == "" {
		return ErrInvalidDestination
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.endpoints[endpoint] = true
	return nil
}

// Send accepts an envelope for delivery and returns its handle immediately.
// Delivery happens in the background; transient failures never surface
// here. Permanent routing failures do: ErrInvalidDestination for a
// malformed destination, ErrUnroutableDestination when no endpoint was ever
// bound for a direct recipient (and BufferUnknown is off).
func (t *Transport) Send(env *envelope.Envelope) (*Delivery, error) {
	if env == nil || env.Validate() != nil {
		return nil, ErrInvalidDestination
	}

	data, err := t.codec.Encode(env)
	if err != nil {
		return nil, err
	}

	if env.Topic != "" {
		return t.sendTopic(env, data)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if !t.endpoints[env.Recipient] && !t.cfg.BufferUnknown {
		return nil, ErrUnroutableDestination
	}

	d := newDelivery(env, data)
	key := env.OrderingKey()
	q := t.queues[key]
	if q == nil {
		q = &orderingQueue{}
		t.queues[key] = q
	}
	q.pending = append(q.pending, d)
	if !q.running {
		q.running = true
		t.wg.Add(1)
		go t.runQueue(key, q)
	}
	return d, nil
}

// sendTopic fans out to current subscribers. Fire-and-forget: the record
// is terminal at publish time.
func (t *Transport) sendTopic(env *envelope.Envelope, data []byte) (*Delivery, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if n := t.cfg.ReplayBuffer; n > 0 {
		ring := append(t.replay[env.Topic], env.Clone())
		if len(ring) > n {
			ring = ring[len(ring)-n:]
		}
		t.replay[env.Topic] = ring
	}
	t.mu.Unlock()

	d := newDelivery(env, data)
	d.attempts.Store(1)
	if err := t.cfg.Bus.Publish(t.topicSubject(env.Topic), data); err != nil {
		return nil, err
	}
	d.setStatus(StatusDelivered)
	return d, nil
}

// runQueue drains one ordering key. Deliveries on the same key are strictly
// sequential; a delivery reaches a terminal state before the next begins.
func (t *Transport) runQueue(key string, q *orderingQueue) {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		if len(q.pending) == 0 || t.closed {
			if t.closed {
				// Terminal outcome for anything still queued.
				for _, d := range q.pending {
					t.deadLetterLocked(d, "transport closed")
				}
				q.pending = nil
			}
			q.running = false
			delete(t.queues, key)
			t.mu.Unlock()
			return
		}
		d := q.pending[0]
		q.pending = q.pending[1:]
		t.mu.Unlock()

		t.deliver(d)
	}
}

// deliver runs the attempt/retry loop for one delivery until it reaches a
// terminal state.
func (t *Transport) deliver(d *Delivery) {
	subject := t.endpointSubject(d.env.Recipient)
	bo := t.cfg.Retry.newBackOff()
	log := t.log.WithCorrelation(d.env.CorrelationID)

	for {
		if d.Cancelled() {
			t.deadLetter(d, "cancelled by sender")
			return
		}

		d.attempts.Add(1)
		_, err := t.cfg.Bus.Request(subject, d.data, t.cfg.AckTimeout)
		if err == nil {
			d.setStatus(StatusDelivered)
			log.Debug("delivered", map[string]any{
				"envelope": d.env.ID,
				"to":       d.env.Recipient,
				"attempts": d.Attempts(),
			})
			return
		}
		if errors.Is(err, bus.ErrClosed) {
			t.deadLetter(d, "bus closed")
			return
		}

		retries := d.Attempts() - 1
		if retries >= t.cfg.Retry.MaxRetries {
			t.deadLetter(d, err.Error())
			return
		}

		wait := bo.NextBackOff()
		log.Debug("retrying", map[string]any{
			"envelope": d.env.ID,
			"to":       d.env.Recipient,
			"attempt":  d.Attempts(),
			"backoff":  wait.String(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-t.stopCh:
			timer.Stop()
			t.deadLetter(d, "transport closed")
			return
		case <-d.cancelCh:
			timer.Stop()
			t.deadLetter(d, "cancelled by sender")
			return
		}
	}
}

func (t *Transport) endpointSubject(endpoint string) string {
	return t.cfg.SubjectPrefix + ".ep." + endpoint
}

func (t *Transport) topicSubject(topic string) string {
	return t.cfg.SubjectPrefix + ".topic." + topic
}

// Close stops background delivery work. Pending deliveries are
// dead-lettered with reason "transport closed" so no outcome goes
// unobserved.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	for _, ch := range t.dlWatchers {
		close(ch)
	}
	t.dlWatchers = nil
	t.mu.Unlock()
	return nil
}
