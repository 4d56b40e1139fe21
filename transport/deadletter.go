package transport

import (
	"time"

	"github.com/vinayprograms/agentgrid/envelope"
)

// DeadLetter records an envelope that reached a terminal failure state.
// Dead letters are retained for Config.Retention and then purged.
type DeadLetter struct {
	// Envelope that failed to deliver.
	Envelope *envelope.Envelope

	// Reason the delivery failed (last attempt error, "cancelled by
	// sender", or "transport closed").
	Reason string

	// Retries actually performed (attempts minus the first).
	Retries int

	// At is when the envelope was dead-lettered.
	At time.Time
}

// deadLetter moves a delivery to DEAD_LETTERED and records it.
func (t *Transport) deadLetter(d *Delivery, reason string) {
	t.mu.Lock()
	t.deadLetterLocked(d, reason)
	t.mu.Unlock()
}

// deadLetterLocked requires t.mu held.
func (t *Transport) deadLetterLocked(d *Delivery, reason string) {
	d.setDeadLettered(reason)

	retries := d.Attempts() - 1
	if retries < 0 {
		retries = 0
	}
	dl := &DeadLetter{
		Envelope: d.env,
		Reason:   reason,
		Retries:  retries,
		At:       time.Now(),
	}
	t.retained = append(t.retained, dl)

	for _, ch := range t.dlWatchers {
		select {
		case ch <- dl:
		default:
			// Watcher not keeping up; the retained snapshot still has it.
		}
	}

	t.log.WithCorrelation(d.env.CorrelationID).Warn("dead-lettered", map[string]any{
		"envelope": d.env.ID,
		"to":       d.env.Recipient,
		"reason":   reason,
		"retries":  retries,
	})
}

// DeadLetters returns a channel of dead letters as they occur. The channel
// is closed when the transport closes. Multiple watchers are supported.
func (t *Transport) DeadLetters() (<-chan *DeadLetter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	ch := make(chan *DeadLetter, 64)
	t.dlWatchers = append(t.dlWatchers, ch)
	return ch, nil
}

// DeadLettered returns the currently retained dead letters in the order
// they were dead-lettered.
func (t *Transport) DeadLettered() []*DeadLetter {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*DeadLetter, len(t.retained))
	copy(out, t.retained)
	return out
}

// purgeLoop drops retained dead letters older than the retention window.
func (t *Transport) purgeLoop() {
	defer t.wg.Done()

	interval := t.cfg.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.cfg.Retention)
			t.mu.Lock()
			kept := t.retained[:0]
			for _, dl := range t.retained {
				if dl.At.After(cutoff) {
					kept = append(kept, dl)
				}
			}
			t.retained = kept
			t.mu.Unlock()
		}
	}
}
