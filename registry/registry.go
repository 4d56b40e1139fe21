package registry

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentgrid/bus"
	"github.com/vinayprograms/agentgrid/logging"
)

// Common errors.
var (
	ErrClosed                  = errors.New("registry closed")
	ErrNotFound                = errors.New("identity not found")
	ErrInvalidIdentity         = errors.New("invalid identity")
	ErrDuplicateActiveIdentity = errors.New("identity already registered and healthy")
	ErrUnauthorized            = errors.New("registration token does not match")
	ErrEvicted                 = errors.New("identity evicted; re-register to continue")
)

// State is an endpoint's health status.
type State string

const (
	StateHealthy State = "healthy"
	StateSuspect State = "suspect"
	StateEvicted State = "evicted"
)

// EventType represents the type of registry event.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventUpdated    EventType = "updated"
	EventSuspect    EventType = "suspect"
	EventRecovered  EventType = "recovered"
	EventEvicted    EventType = "evicted"
)

// Event represents a change in the registry.
type Event struct {
	Type     EventType `json:"type"`
	Identity string    `json:"identity"`
	State    State     `json:"state"`
	Time     time.Time `json:"time"`
}

// Snapshot is a read-only view of one registered endpoint. The registration
// token is never part of a snapshot.
type Snapshot struct {
	Identity      string    `json:"identity"`
	Record        Record    `json:"record"`
	State         State     `json:"state"`
	Registered    time.Time `json:"registered"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Clock is the entry's logical version, bumped on every mutation.
	Clock uint64 `json:"clock"`
}

// Config configures a registry engine.
type Config struct {
	// Bus, when set, receives JSON-encoded events on
	// "<SubjectPrefix>.registry.events" in addition to local watchers.
	Bus bus.MessageBus

	// Store, when set, persists entries across restarts. Nil keeps the
	// catalogue in memory only.
	Store Store

	// HeartbeatDeadline is how long after the last heartbeat an identity
	// becomes SUSPECT. Default: 15s.
	HeartbeatDeadline time.Duration

	// EvictDeadline is how long an identity may stay SUSPECT before it is
	// EVICTED. Default: 30s.
	EvictDeadline time.Duration

	// ScanInterval is how often the background scanner checks deadlines.
	// Detection lag is bounded by this value. Default: 1s.
	ScanInterval time.Duration

	// TombstoneRetention is how long an EVICTED identity is kept as a
	// tombstone before the scanner forgets it entirely. While the
	// tombstone lives, Heartbeat and Update on it return ErrEvicted;
	// afterwards the identity is indistinguishable from one that never
	// registered. Default: 10m.
	TombstoneRetention time.Duration

	// SubjectPrefix namespaces bus subjects. Default: "agentgrid".
	SubjectPrefix string

	// Logger receives registry activity. Default: discard.
	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatDeadline <= 0 {
		c.HeartbeatDeadline = 15 * time.Second
	}
	if c.EvictDeadline <= 0 {
		c.EvictDeadline = 30 * time.Second
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Second
	}
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = 10 * time.Minute
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "agentgrid"
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// entry is the mutable per-identity state. Mutations to one entry are
// serialized by its own mutex; the engine lock only guards map membership.
type entry struct {
	mu            sync.Mutex
	identity      string
	token         string
	record        Record
	state         State
	registered    time.Time
	lastHeartbeat time.Time
	suspectedAt   time.Time
	evictedAt     time.Time
	clock         uint64

	// dropped marks a tombstone the scanner has removed from the map.
	// A caller that fetched the pointer before removal must not revive it.
	dropped bool
}

func (e *entry) snapshotLocked() Snapshot {
	return Snapshot{
		Identity:      e.identity,
		Record:        e.record.Clone(),
		State:         e.state,
		Registered:    e.registered,
		LastHeartbeat: e.lastHeartbeat,
		Clock:         e.clock,
	}
}

// Engine maintains the capability catalogue and health state machine.
type Engine struct {
	cfg Config
	log *logging.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	watchers []chan Event
	closed   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a registry engine and starts its health scanner. If a Store
// is configured, previously persisted entries are loaded first.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	r := &Engine{
		cfg:     cfg,
		log:     cfg.Logger.WithComponent("registry"),
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if cfg.Store != nil {
		stored, err := cfg.Store.Load()
		if err != nil {
			return nil, err
		}
		for _, s := range stored {
			r.entries[s.Identity] = &entry{
				identity:      s.Identity,
				token:         s.Token,
				record:        s.Record,
				state:         s.State,
				registered:    s.Registered,
				lastHeartbeat: s.LastHeartbeat,
				suspectedAt:   s.SuspectedAt,
				evictedAt:     s.EvictedAt,
				clock:         s.Clock,
			}
		}
	}

	go r.scanLoop()
	return r, nil
}

// Register creates or replaces the identity's capability record and sets it
// HEALTHY. It returns a fresh registration token; the caller must present
// that token on Update, Heartbeat, and Deregister.
//
// Re-registering a HEALTHY identity requires the current token (pass it via
// WithToken) and fails with ErrDuplicateActiveIdentity otherwise. A SUSPECT
// identity may be replaced without a token; its previous owner is presumed
// gone. An EVICTED identity is recreated as a logically new entry.
func (r *Engine) Register(identity string, rec Record, opts ...RegisterOption) (string, error) {
	if identity == "" {
		return "", ErrInvalidIdentity
	}
	var ro registerOptions
	for _, opt := range opts {
		opt(&ro)
	}

	// Locking e.mu only after releasing r.mu keeps the emit path's lock
	// ordering. The scanner may purge an expired tombstone between the two
	// locks; the dropped flag detects that and the lookup restarts.
	var e *entry
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return "", ErrClosed
		}
		var ok bool
		e, ok = r.entries[identity]
		if !ok {
			e = &entry{identity: identity}
			r.entries[identity] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if !e.dropped {
			break
		}
		e.mu.Unlock()
		r.dropEntry(e)
	}
	defer e.mu.Unlock()

	if e.state == StateHealthy && e.token != ro.token {
		return "", ErrDuplicateActiveIdentity
	}

	now := time.Now()
	e.token = uuid.NewString()
	e.record = rec.Clone()
	e.state = StateHealthy
	e.registered = now
	e.lastHeartbeat = now
	e.suspectedAt = time.Time{}
	e.evictedAt = time.Time{}
	e.clock++

	r.persist(e)
	r.emit(Event{Type: EventRegistered, Identity: identity, State: StateHealthy, Time: now})
	r.log.Info("registered", map[string]any{"identity": identity, "tags": len(rec.Tags)})
	return e.token, nil
}

// RegisterOption adjusts a Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	token string
}

// WithToken presents the current registration token so a HEALTHY identity
// can be re-registered by its owner.
func WithToken(token string) RegisterOption {
	return func(o *registerOptions) { o.token = token }
}

// Update replaces the capability record atomically. Readers never observe
// a partial record. Requires the registration token.
func (r *Engine) Update(identity, token string, rec Record) error {
	e, err := r.lookup(identity)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateEvicted {
		return ErrEvicted
	}
	if e.token != token {
		return ErrUnauthorized
	}

	e.record = rec.Clone()
	e.clock++
	r.persist(e)
	r.emit(Event{Type: EventUpdated, Identity: identity, State: e.state, Time: time.Now()})
	return nil
}

// Heartbeat resets the identity's suspicion timer. A SUSPECT identity
// transitions back to HEALTHY. Requires the registration token. An EVICTED
// identity cannot heartbeat back to life; it must re-register.
func (r *Engine) Heartbeat(identity, token string) error {
	e, err := r.lookup(identity)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateEvicted {
		return ErrEvicted
	}
	if e.token != token {
		return ErrUnauthorized
	}

	now := time.Now()
	e.lastHeartbeat = now
	if e.state == StateSuspect {
		e.state = StateHealthy
		e.suspectedAt = time.Time{}
		e.clock++
		r.persist(e)
		r.emit(Event{Type: EventRecovered, Identity: identity, State: StateHealthy, Time: now})
		r.log.Info("recovered", map[string]any{"identity": identity})
	}
	return nil
}

// Deregister transitions the identity directly to EVICTED. Idempotent:
// deregistering an already-evicted identity is a no-op. Requires the
// registration token while the identity is live.
func (r *Engine) Deregister(identity, token string) error {
	e, err := r.lookup(identity)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateEvicted {
		return nil
	}
	if e.token != token {
		return ErrUnauthorized
	}

	r.evictLocked(e, time.Now())
	r.log.Info("deregistered", map[string]any{"identity": identity})
	return nil
}

// Get returns a read-only snapshot of one identity, including EVICTED ones
// still held as tombstones.
func (r *Engine) Get(identity string) (Snapshot, error) {
	e, err := r.lookup(identity)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// Discover returns matching identities ranked by exact constraint matches,
// then heartbeat recency, then identity. EVICTED identities never appear.
func (r *Engine) Discover(q Query) ([]Snapshot, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	type ranked struct {
		snap  Snapshot
		exact int
	}
	var matched []ranked
	for _, e := range candidates {
		e.mu.Lock()
		if e.state == StateEvicted || !Matches(e.record, q) {
			e.mu.Unlock()
			continue
		}
		matched = append(matched, ranked{snap: e.snapshotLocked(), exact: exactMatches(e.record, q)})
		e.mu.Unlock()
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].exact != matched[j].exact {
			return matched[i].exact > matched[j].exact
		}
		if !matched[i].snap.LastHeartbeat.Equal(matched[j].snap.LastHeartbeat) {
			return matched[i].snap.LastHeartbeat.After(matched[j].snap.LastHeartbeat)
		}
		return matched[i].snap.Identity < matched[j].snap.Identity
	})

	out := make([]Snapshot, len(matched))
	for i, m := range matched {
		out[i] = m.snap
	}
	return out, nil
}

// Watch returns a channel of registry events. The channel is closed when
// the registry is closed. Multiple watchers are supported; a slow watcher
// misses events rather than blocking the registry.
func (r *Engine) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close stops the scanner and closes all watcher channels.
func (r *Engine) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stopCh)
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	r.mu.Unlock()

	<-r.doneCh
	return nil
}

func (r *Engine) lookup(identity string) (*entry, error) {
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	e, ok := r.entries[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// evictLocked marks the entry EVICTED. Caller holds e.mu.
func (r *Engine) evictLocked(e *entry, now time.Time) {
	e.state = StateEvicted
	e.evictedAt = now
	e.clock++
	r.persist(e)
	r.emit(Event{Type: EventEvicted, Identity: e.identity, State: StateEvicted, Time: now})
}

// dropEntry removes a dropped tombstone from the map. A later Register for
// the same identity may already have replaced the pointer, so removal is
// pointer-guarded.
func (r *Engine) dropEntry(e *entry) {
	r.mu.Lock()
	if r.entries[e.identity] == e {
		delete(r.entries, e.identity)
	}
	r.mu.Unlock()
}

// persist writes the entry through the store, if any. Caller holds e.mu.
func (r *Engine) persist(e *entry) {
	if r.cfg.Store == nil {
		return
	}
	err := r.cfg.Store.Save(StoredEntry{
		Identity:      e.identity,
		Token:         e.token,
		Record:        e.record.Clone(),
		State:         e.state,
		Registered:    e.registered,
		LastHeartbeat: e.lastHeartbeat,
		SuspectedAt:   e.suspectedAt,
		EvictedAt:     e.evictedAt,
		Clock:         e.clock,
	})
	if err != nil {
		r.log.Warn("persist failed", map[string]any{"identity": e.identity, "error": err.Error()})
	}
}

// emit delivers an event to local watchers and, when a bus is configured,
// publishes it for remote observers.
func (r *Engine) emit(ev Event) {
	r.mu.RLock()
	for _, ch := range r.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
	r.mu.RUnlock()

	if r.cfg.Bus != nil {
		if data, err := json.Marshal(ev); err == nil {
			r.cfg.Bus.Publish(r.cfg.SubjectPrefix+".registry.events", data)
		}
	}
}

// scanLoop drives HEALTHY→SUSPECT→EVICTED transitions. Detection lag is
// bounded by ScanInterval.
func (r *Engine) scanLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.scan(now)
		}
	}
}

func (r *Engine) scan(now time.Time) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	var purged []*entry
	for _, e := range candidates {
		e.mu.Lock()
		switch e.state {
		case StateHealthy:
			if now.Sub(e.lastHeartbeat) > r.cfg.HeartbeatDeadline {
				e.state = StateSuspect
				e.suspectedAt = now
				e.clock++
				r.persist(e)
				r.emit(Event{Type: EventSuspect, Identity: e.identity, State: StateSuspect, Time: now})
				r.log.Warn("suspect", map[string]any{"identity": e.identity})
			}
		case StateSuspect:
			if now.Sub(e.suspectedAt) > r.cfg.EvictDeadline {
				r.evictLocked(e, now)
				r.log.Warn("evicted", map[string]any{"identity": e.identity})
			}
		case StateEvicted:
			if e.evictedAt.IsZero() {
				// Tombstone restored from a store that predates the
				// eviction timestamp; start its clock now.
				e.evictedAt = now
			} else if now.Sub(e.evictedAt) > r.cfg.TombstoneRetention {
				e.dropped = true
				purged = append(purged, e)
			}
		}
		e.mu.Unlock()
	}

	for _, e := range purged {
		r.dropEntry(e)
		if r.cfg.Store != nil {
			if err := r.cfg.Store.Delete(e.identity); err != nil {
				r.log.Warn("tombstone delete failed", map[string]any{"identity": e.identity, "error": err.Error()})
			}
		}
		r.log.Info("tombstone purged", map[string]any{"identity": e.identity})
	}
}
