package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentgrid/bus"
	"github.com/vinayprograms/agentgrid/logging"
)

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// Identity is the endpoint this sender beats for.
	Identity string

	// Token is the registration token returned at Register.
	Token string

	// Interval between heartbeats. Should be well under the registry's
	// heartbeat deadline. Default: 5 seconds
	Interval time.Duration

	// SubjectPrefix namespaces heartbeat subjects. Default: "agentgrid"
	SubjectPrefix string

	// Logger receives sender activity. Default: discard.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.Identity == "" {
		return ErrInvalidConfig
	}
	return nil
}

// Sender publishes periodic heartbeats over a message bus. Heartbeats ride
// the bus directly rather than the retrying transport: a late retried
// heartbeat would misreport liveness, so a missed beat is simply missed.
type Sender struct {
	bus      bus.MessageBus
	identity string
	interval time.Duration
	prefix   string
	log      *logging.Logger

	mu    sync.RWMutex
	token string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Sender{
		bus:      cfg.Bus,
		identity: cfg.Identity,
		interval: cfg.Interval,
		prefix:   cfg.SubjectPrefix,
		log:      cfg.Logger.WithComponent("heartbeat"),
		token:    cfg.Token,
	}, nil
}

// Start begins sending heartbeats at the configured interval. The first
// beat is sent immediately. Returns ErrAlreadyStarted if already running.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Beats cease but the running flag stays set; Stop owns the
			// flag so its lifecycle contract holds either way.
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

func (s *Sender) beat() {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	hb := &Heartbeat{Identity: s.identity, Token: token, Timestamp: time.Now()}
	data, err := hb.Marshal()
	if err != nil {
		return
	}
	if err := s.bus.Publish(Subject(s.prefix, s.identity), data); err != nil {
		s.log.Warn("publish failed", map[string]any{"identity": s.identity, "error": err.Error()})
	}
}

// SetToken replaces the registration token, e.g. after re-registering.
func (s *Sender) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Identity returns the endpoint this sender beats for.
func (s *Sender) Identity() string {
	return s.identity
}

// Stop stops sending heartbeats and waits for the send loop to exit. It
// also settles a sender whose context was cancelled. Returns ErrNotStarted
// if Start was never called or Stop already ran.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
