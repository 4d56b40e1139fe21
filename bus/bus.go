package bus

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a raw message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Reply is the inbox for request/reply. Empty for plain publishes.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Respond publishes a reply to a request message's inbox.
	Respond(msg *Message, data []byte) error

	// Subscribe creates a subscription. The subject may end in ".>" to
	// match every subject under a prefix.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription. Messages are
	// load-balanced across members of the same queue group.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request publishes with a unique reply inbox and waits for the first
	// reply. Returns ErrTimeout if none arrives in time, ErrNoResponders
	// if the backend can tell nobody is listening.
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close shuts down the bus. Subscription channels are closed.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the incoming message channel.
	// Closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription and closes its channel.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize of subscription channels. Default: 256.
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

const wildcardSuffix = ".>"

// ValidateSubject checks that a subject is publishable: non-empty and
// without wildcard tokens.
func ValidateSubject(subject string) error {
	if subject == "" || strings.Contains(subject, ">") || strings.Contains(subject, "*") {
		return ErrInvalidSubject
	}
	return nil
}

// validateSubscribeSubject allows a trailing ".>" wildcard.
func validateSubscribeSubject(subject string) error {
	if strings.HasSuffix(subject, wildcardSuffix) {
		return ValidateSubject(strings.TrimSuffix(subject, wildcardSuffix))
	}
	return ValidateSubject(subject)
}

// subjectMatches reports whether a concrete subject matches a subscription
// pattern (exact, or prefix when the pattern ends in ".>").
func subjectMatches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, wildcardSuffix); ok {
		return strings.HasPrefix(subject, prefix+".")
	}
	return pattern == subject
}
