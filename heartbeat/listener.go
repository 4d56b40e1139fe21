package heartbeat

import (
	"sync/atomic"

	"github.com/vinayprograms/agentgrid/bus"
	"github.com/vinayprograms/agentgrid/logging"
	"github.com/vinayprograms/agentgrid/registry"
)

// ListenerConfig configures a heartbeat listener.
type ListenerConfig struct {
	// Bus is the message bus carrying heartbeats.
	Bus bus.MessageBus

	// Registry receives the heartbeats.
	Registry *registry.Engine

	// SubjectPrefix namespaces heartbeat subjects. Default: "agentgrid"
	SubjectPrefix string

	// Logger receives listener activity. Default: discard.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *ListenerConfig) Validate() error {
	if c.Bus == nil || c.Registry == nil {
		return ErrInvalidConfig
	}
	return nil
}

// Listener subscribes to all heartbeat subjects and applies each beat to
// the registry. Beats carrying an unknown identity or a stale token are
// discarded; the sender learns of eviction only when its own registry
// calls start failing, which is the cue to re-register.
type Listener struct {
	reg    *registry.Engine
	log    *logging.Logger
	sub    bus.Subscription
	doneCh chan struct{}

	running atomic.Bool
}

// NewListener creates a listener. Call Start to begin consuming.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	sub, err := cfg.Bus.Subscribe(cfg.SubjectPrefix + ".hb.>")
	if err != nil {
		return nil, err
	}

	return &Listener{
		reg:    cfg.Registry,
		log:    cfg.Logger.WithComponent("heartbeat"),
		sub:    sub,
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins applying heartbeats. Returns ErrAlreadyStarted if running.
func (l *Listener) Start() error {
	if l.running.Swap(true) {
		return ErrAlreadyStarted
	}
	go l.run()
	return nil
}

func (l *Listener) run() {
	defer close(l.doneCh)

	for msg := range l.sub.Messages() {
		hb, err := Unmarshal(msg.Data)
		if err != nil || hb.Identity == "" {
			continue
		}
		switch err := l.reg.Heartbeat(hb.Identity, hb.Token); err {
		case nil:
		case registry.ErrUnauthorized, registry.ErrNotFound, registry.ErrEvicted:
			l.log.Debug("discarded beat", map[string]any{"identity": hb.Identity, "reason": err.Error()})
		default:
			l.log.Warn("heartbeat failed", map[string]any{"identity": hb.Identity, "error": err.Error()})
		}
	}
}

// Stop unsubscribes and waits for in-flight beats to be applied.
// Returns ErrNotStarted if not running.
func (l *Listener) Stop() error {
	if !l.running.Swap(false) {
		return ErrNotStarted
	}
	l.sub.Unsubscribe()
	<-l.doneCh
	return nil
}
