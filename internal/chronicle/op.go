package chronicle

import (
	"encoding/json"

	"github.com/flammafex/hypertoken/internal/clock"
)

// OpKind enumerates the CRDT operation kinds. The set is closed: a single
// total apply covers every variant.
type OpKind string

const (
	OpSet        OpKind = "set"
	OpListInsert OpKind = "list_insert"
	OpListRemove OpKind = "list_remove"
	OpListMove   OpKind = "list_move"
	OpCounterAdd OpKind = "counter_add"
	OpSetAdd     OpKind = "set_add"
	OpSetRemove  OpKind = "set_remove"
)

// Op is one tagged operation against a named container. Every op carries a
// Lamport id; conflicting ops on the same target resolve by that id's
// (timestamp, origin) order.
type Op struct {
	Kind OpKind          `json:"kind"`
	ID   clock.LamportID `json:"id"`
	Key  string          `json:"key"`

	// Set / ListInsert payload
	Value json.RawMessage `json:"value,omitempty"`

	// List targeting
	Elem  clock.LamportID `json:"elem,omitempty"`
	After clock.LamportID `json:"after,omitempty"`

	// ListInsert provenance: the insert is visible only while ClaimID is
	// the winning claim on (SrcKey, SrcElem). Used by draw-style moves so
	// concurrent claims of one element keep it in exactly one place.
	SrcKey  string          `json:"srcKey,omitempty"`
	SrcElem clock.LamportID `json:"srcElem,omitempty"`
	ClaimID clock.LamportID `json:"claimId,omitempty"`

	// Set membership / counter payload
	Member string `json:"member,omitempty"`
	Delta  int64  `json:"delta,omitempty"`
}

// Change is one sealed transaction: the unit of replication. Seq is the
// per-origin sequence number; Deps is the vector the origin had observed
// before sealing, so receivers can deliver causally.
type Change struct {
	Origin    string            `json:"origin"`
	Seq       int64             `json:"seq"`
	Deps      clock.VectorClock `json:"deps"`
	Label     string            `json:"label"`
	Timestamp int64             `json:"timestamp"`
	Ops       []Op              `json:"ops"`
}

// ChangeSet is the wire form produced by Save-style encoders and consumed by
// Merge.
type ChangeSet struct {
	Changes []Change `json:"changes"`
}

// EncodeChanges serialises a batch of changes for the sync layer.
func EncodeChanges(changes []Change) ([]byte, error) {
	return json.Marshal(ChangeSet{Changes: changes})
}

// DecodeChanges parses a change-set produced by EncodeChanges.
func DecodeChanges(data []byte) ([]Change, error) {
	var cs ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, err
	}
	return cs.Changes, nil
}

// normalize round-trips a value through JSON so every replica holds the
// same generic representation regardless of the caller's concrete type.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
