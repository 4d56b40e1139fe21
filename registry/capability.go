package registry

import (
	"strconv"
	"strings"
)

// Record declares what an endpoint can do. Tags are free-form capability
// names; Fields carry constraint metadata as ordered key-value pairs.
type Record struct {
	// Tags lists capability names (e.g., "translate", "code-review").
	Tags []string `json:"tags"`

	// Fields holds constraint metadata. Order is preserved.
	Fields []Field `json:"fields,omitempty"`
}

// Field is one constraint metadata entry.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Get returns the value for a key and whether it is present. The first
// matching field wins.
func (r Record) Get(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// HasTag checks if the record carries a specific capability tag.
func (r Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := Record{}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Fields != nil {
		out.Fields = append([]Field(nil), r.Fields...)
	}
	return out
}

// Op is a constraint comparison operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpExists Op = "exists"
)

// Constraint is a hard requirement on a record's constraint metadata.
// For OpExists the Value is ignored.
type Constraint struct {
	Key   string `json:"key"`
	Op    Op     `json:"op"`
	Value string `json:"value,omitempty"`
}

// Query selects endpoints for discovery. An endpoint matches when its tag
// set is a superset of Tags and every constraint holds against its record.
type Query struct {
	Tags        []string     `json:"tags,omitempty"`
	Constraints []Constraint `json:"constraints,omitempty"`
}

// Matches reports whether a record satisfies the query.
func Matches(r Record, q Query) bool {
	for _, tag := range q.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	for _, c := range q.Constraints {
		if !satisfies(r, c) {
			return false
		}
	}
	return true
}

func satisfies(r Record, c Constraint) bool {
	v, ok := r.Get(c.Key)
	if c.Op == OpExists {
		return ok
	}
	if !ok {
		return false
	}
	cmp := compareValues(v, c.Value)
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

// exactMatches counts constraints whose record value equals the constraint
// value. Used as the primary discovery ranking signal.
func exactMatches(r Record, q Query) int {
	n := 0
	for _, c := range q.Constraints {
		if v, ok := r.Get(c.Key); ok && compareValues(v, c.Value) == 0 {
			n++
		}
	}
	return n
}

// compareValues compares two values numerically when both parse as numbers,
// lexicographically otherwise.
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
