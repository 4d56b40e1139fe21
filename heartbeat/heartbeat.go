package heartbeat

import (
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// DefaultSubjectPrefix namespaces heartbeat subjects.
const DefaultSubjectPrefix = "agentgrid"

// Heartbeat is a single liveness signal from an endpoint. The token
// authenticates the beat against the registry; beats with a stale token
// are discarded by the listener.
type Heartbeat struct {
	// Identity of the sending endpoint.
	Identity string `json:"identity"`

	// Token is the registration token returned at Register.
	Token string `json:"token"`

	// Timestamp when the heartbeat was generated.
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns the bus subject for an identity's heartbeats.
func Subject(prefix, identity string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".hb." + identity
}
