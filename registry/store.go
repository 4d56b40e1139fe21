package registry

import "time"

// StoredEntry is the persisted form of one catalogue entry. Unlike a
// Snapshot it carries the registration token, so stores must not be exposed
// to discovery callers.
type StoredEntry struct {
	Identity      string    `json:"identity"`
	Token         string    `json:"token"`
	Record        Record    `json:"record"`
	State         State     `json:"state"`
	Registered    time.Time `json:"registered"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	SuspectedAt   time.Time `json:"suspected_at,omitempty"`
	EvictedAt     time.Time `json:"evicted_at,omitempty"`
	Clock         uint64    `json:"clock"`
}

// Store persists the capability catalogue across restarts. Implementations
// must be safe for concurrent use; the engine may call Save from multiple
// goroutines for different identities.
type Store interface {
	// Save writes or replaces one entry.
	Save(e StoredEntry) error

	// Load returns all persisted entries.
	Load() ([]StoredEntry, error)

	// Delete removes one entry. Deleting an absent identity is a no-op.
	Delete(identity string) error

	// Close releases store resources.
	Close() error
}
