package bus

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config

	// URL of the NATS server (e.g., "nats://localhost:4222").
	URL string

	// Name identifies this client to the server.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects before giving up. -1 = unlimited.
	MaxReconnects int

	// ConnectTimeout for the initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS and wraps the connection.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{conn: conn, config: cfg}, nil
}

// NewNATSBusFromConn wraps an existing connection. The caller retains
// ownership; Close does not close the underlying connection.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &NATSBus{conn: conn, config: cfg}
}

// Conn exposes the underlying connection for components that need
// JetStream (e.g., the registry's KV store).
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return b.conn.Publish(subject, data)
}

// Respond publishes a reply to a request message's inbox.
func (b *NATSBus) Respond(msg *Message, data []byte) error {
	if msg == nil || msg.Reply == "" {
		return ErrInvalidSubject
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return b.conn.Publish(msg.Reply, data)
}

// Subscribe creates a subscription. NATS supports the ".>" wildcard natively.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := validateSubscribeSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	ns := &natsSub{ch: make(chan *Message, b.config.BufferSize)}
	handler := func(m *nats.Msg) {
		if ns.closed.Load() {
			return
		}
		msg := &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}
		select {
		case ns.ch <- msg:
		default:
			// Buffer full; the transport's retry layer recovers.
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.conn.Subscribe(subject, handler)
	} else {
		sub, err = b.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		close(ns.ch)
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	ns.sub = sub
	return ns, nil
}

// Request publishes and waits for the first reply.
func (b *NATSBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	m, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout):
			return nil, ErrTimeout
		case errors.Is(err, nats.ErrNoResponders):
			return nil, ErrNoResponders
		default:
			return nil, fmt.Errorf("nats request: %w", err)
		}
	}
	return &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}, nil
}

// Close drains and closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}

type natsSub struct {
	sub    *nats.Subscription
	ch     chan *Message
	closed atomic.Bool
}

func (s *natsSub) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	// Drain instead of Unsubscribe: a handler may still be mid-dispatch
	// when Unsubscribe returns, and closing the channel under it would
	// panic. Drain completion (IsValid turning false) guarantees the last
	// handler has returned.
	err := s.sub.Drain()
	for s.sub.IsValid() {
		time.Sleep(time.Millisecond)
	}
	close(s.ch)
	return err
}
