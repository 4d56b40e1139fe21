package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentgrid/envelope"
)

// Status is the state of a delivery.
type Status string

const (
	// StatusPending means the delivery has not reached a terminal state.
	StatusPending Status = "pending"

	// StatusDelivered means the recipient acknowledged the envelope.
	StatusDelivered Status = "delivered"

	// StatusDeadLettered means the retry budget was exhausted (or the
	// delivery was cancelled) without an ack.
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDeadLettered
}

// Delivery is the handle returned by Send. It tracks one envelope's journey
// to a terminal state and remains queryable after the transport has purged
// its internal record.
type Delivery struct {
	env  *envelope.Envelope
	data []byte

	mu         sync.Mutex
	status     Status
	reason     string
	terminalAt time.Time

	attempts  atomic.Int32
	cancelled atomic.Bool
	cancelCh  chan struct{}
	done      chan struct{}
}

func newDelivery(env *envelope.Envelope, data []byte) *Delivery {
	return &Delivery{
		env:      env,
		data:     data,
		status:   StatusPending,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Envelope returns the envelope being delivered.
func (d *Delivery) Envelope() *envelope.Envelope {
	return d.env
}

// Status returns the current delivery state.
func (d *Delivery) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Reason returns why the delivery was dead-lettered, if it was.
func (d *Delivery) Reason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

// Attempts returns how many delivery attempts have run.
func (d *Delivery) Attempts() int {
	return int(d.attempts.Load())
}

// Done returns a channel closed when the delivery reaches a terminal state.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Cancel releases the delivery's retry work. A cancelled delivery that has
// not yet completed is dead-lettered with reason "cancelled by sender";
// cancelling a terminal delivery is a no-op.
func (d *Delivery) Cancel() {
	if d.cancelled.Swap(true) {
		return
	}
	close(d.cancelCh)
}

// Cancelled reports whether Cancel was called.
func (d *Delivery) Cancelled() bool {
	return d.cancelled.Load()
}

func (d *Delivery) setStatus(s Status) {
	d.mu.Lock()
	if d.status.Terminal() {
		d.mu.Unlock()
		return
	}
	d.status = s
	if s.Terminal() {
		d.terminalAt = time.Now()
		close(d.done)
	}
	d.mu.Unlock()
}

func (d *Delivery) setDeadLettered(reason string) {
	d.mu.Lock()
	if d.status.Terminal() {
		d.mu.Unlock()
		return
	}
	d.status = StatusDeadLettered
	d.reason = reason
	d.terminalAt = time.Now()
	close(d.done)
	d.mu.Unlock()
}
