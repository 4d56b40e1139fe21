// Package shutdown coordinates graceful teardown of grid components.
//
// Components register with a phase; lower phases stop first, handlers in
// the same phase stop concurrently. The phase constants encode the order
// a grid node should come down in: stop announcing liveness, drain the
// transport, close the registry, then drop the bus.
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Logger: log})
//	coord.RegisterFunc("heartbeat", shutdown.PhaseHeartbeat, func(ctx context.Context) error {
//	    return sender.Stop()
//	})
//	coord.RegisterFunc("transport", shutdown.PhaseTransport, func(ctx context.Context) error {
//	    return tr.Close()
//	})
//	coord.HandleSignals()
//	<-coord.Done()
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/agentgrid/logging"
)

// Common errors.
var (
	ErrTimeout       = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Teardown phases for a grid node. Lower phases run first.
const (
	PhaseHeartbeat = 10
	PhaseTransport = 20
	PhaseRegistry  = 30
	PhaseBus       = 40
)

// Handler is implemented by components that need graceful teardown.
type Handler interface {
	// Shutdown is called when teardown reaches the handler's phase. The
	// context is cancelled when the overall timeout is reached.
	Shutdown(ctx context.Context) error
}

// Func adapts a function to the Handler interface.
type Func func(ctx context.Context) error

// Shutdown implements Handler.
func (f Func) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds the whole teardown when triggered by a signal or
	// ShutdownWithTimeout(0). Default: 30 seconds
	Timeout time.Duration

	// Logger receives per-handler progress. Default: discard.
	Logger *logging.Logger
}

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Coordinator runs registered handlers in phase order, once.
type Coordinator struct {
	timeout time.Duration
	log     *logging.Logger

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	err     error
	done    chan struct{}
	sigCh   chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Coordinator{
		timeout: cfg.Timeout,
		log:     cfg.Logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		sigCh:   make(chan os.Signal, 1),
	}
}

// Register adds a handler at a phase. Handlers in the same phase run
// concurrently; phases run in ascending order.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
	c.mu.Unlock()
}

// RegisterFunc adds a function handler at a phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// Shutdown runs the teardown sequence. Subsequent calls return the result
// of the first; teardown runs only once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout runs teardown bounded by the given timeout, or the
// configured default when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers teardown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c.sigCh
		c.ShutdownWithTimeout(0)
	}()
}

// Trigger initiates teardown as if a signal had arrived.
func (c *Coordinator) Trigger() {
	select {
	case c.sigCh <- syscall.SIGTERM:
	default:
	}
}

// Done returns a channel closed when teardown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the teardown error. Nil before Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	var failed bool
	for start := 0; start < len(handlers); {
		end := start
		for end < len(handlers) && handlers[end].phase == handlers[start].phase {
			end++
		}

		select {
		case <-ctx.Done():
			c.log.Error("teardown timed out", map[string]any{"phase": handlers[start].phase})
			return ErrTimeout
		default:
		}

		if c.runPhase(ctx, handlers[start:end]) {
			failed = true
		}
		start = end
	}

	if failed {
		return ErrHandlerFailed
	}
	return nil
}

// runPhase runs one phase's handlers concurrently and reports whether any
// failed. Failures do not stop later phases; a half-stopped node is worse
// than a noisy teardown.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) bool {
	var wg sync.WaitGroup
	errs := make([]error, len(group))

	for i, reg := range group {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			start := time.Now()
			errs[i] = reg.handler.Shutdown(ctx)
			fields := map[string]any{"handler": reg.name, "took": time.Since(start).String()}
			if errs[i] != nil {
				fields["error"] = errs[i].Error()
				c.log.Error("handler failed", fields)
			} else {
				c.log.Debug("handler stopped", fields)
			}
		}(i, reg)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return true
		}
	}
	return false
}
