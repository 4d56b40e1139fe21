package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPhasesRunInOrder(t *testing.T) {
	c := NewCoordinator(Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of order on purpose.
	c.RegisterFunc("bus", PhaseBus, record("bus"))
	c.RegisterFunc("heartbeat", PhaseHeartbeat, record("heartbeat"))
	c.RegisterFunc("registry", PhaseRegistry, record("registry"))
	c.RegisterFunc("transport", PhaseTransport, record("transport"))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	want := []string{"heartbeat", "transport", "registry", "bus"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	c := NewCoordinator(Config{})

	// Both handlers block until both have started, so the test only
	// passes if they run at the same time.
	var started sync.WaitGroup
	started.Add(2)
	wait := make(chan struct{})
	concurrent := func(context.Context) error {
		started.Done()
		<-wait
		return nil
	}

	c.RegisterFunc("a", PhaseTransport, concurrent)
	c.RegisterFunc("b", PhaseTransport, concurrent)

	go func() {
		started.Wait() // both running at the same time
		close(wait)
	}()

	done := make(chan error, 1)
	go func() { done <- c.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handlers in the same phase did not run concurrently")
	}
}

func TestHandlerFailureSurfacesButContinues(t *testing.T) {
	c := NewCoordinator(Config{})

	var laterRan bool
	c.RegisterFunc("failing", PhaseHeartbeat, func(context.Context) error {
		return errors.New("boom")
	})
	c.RegisterFunc("later", PhaseBus, func(context.Context) error {
		laterRan = true
		return nil
	})

	if err := c.Shutdown(context.Background()); err != ErrHandlerFailed {
		t.Errorf("expected ErrHandlerFailed, got %v", err)
	}
	if !laterRan {
		t.Error("failure in an early phase stopped later phases")
	}
}

func TestTimeout(t *testing.T) {
	c := NewCoordinator(Config{})

	c.RegisterFunc("slow", PhaseHeartbeat, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.RegisterFunc("never-reached", PhaseBus, func(context.Context) error {
		t.Error("phase after timeout should not run")
		return nil
	})

	err := c.ShutdownWithTimeout(30 * time.Millisecond)
	if err != ErrTimeout && err != ErrHandlerFailed {
		t.Errorf("expected timeout-related error, got %v", err)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	c := NewCoordinator(Config{})

	calls := 0
	c.RegisterFunc("once", PhaseTransport, func(context.Context) error {
		calls++
		return nil
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown error: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestTriggerAndDone(t *testing.T) {
	c := NewCoordinator(Config{Timeout: time.Second})

	ran := make(chan struct{})
	c.RegisterFunc("h", PhaseTransport, func(context.Context) error {
		close(ran)
		return nil
	})

	if c.Err() != nil {
		t.Errorf("Err before shutdown = %v", c.Err())
	}

	c.HandleSignals()
	c.Trigger()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Trigger")
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
	if c.Err() != nil {
		t.Errorf("Err = %v", c.Err())
	}
}
