// Package chronicle owns the replicated game document: a map of named CRDT
// containers mutated through sealed transactions and merged from remote
// change sets. Merges are deterministic and commutative, so replicas that
// see the same changes converge to identical state.
package chronicle

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/flammafex/hypertoken/internal/clock"
	"github.com/flammafex/hypertoken/internal/hterr"
)

// ChangeSource tags state notifications with what caused the change.
type ChangeSource string

const (
	SourceLocal ChangeSource = "local"
	SourceMerge ChangeSource = "merge"
	SourceLoad  ChangeSource = "load"
)

// StateHandler observes applied mutations.
type StateHandler func(source ChangeSource)

// SyncHandler observes outbound change sets ready for the sync layer.
type SyncHandler func(data []byte)

// Chronicle is the replicated document container for one session.
type Chronicle struct {
	mu      sync.Mutex
	origin  string
	lamport *clock.Lamport
	doc     *doc

	// vclock counts applied changes per origin.
	vclock  clock.VectorClock
	log     []Change
	pending []Change

	stateSubs []StateHandler
	syncSubs  []SyncHandler
	closed    bool
}

// New creates an empty chronicle owned by the given origin (replica id).
func New(origin string) *Chronicle {
	return &Chronicle{
		origin:  origin,
		lamport: clock.NewLamport(origin),
		doc:     newDoc(),
		vclock:  clock.NewVectorClock(),
	}
}

// Origin returns the owning replica id.
func (c *Chronicle) Origin() string { return c.origin }

// OnStateChanged registers a state observer.
func (c *Chronicle) OnStateChanged(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = append(c.stateSubs, h)
}

// OnSyncNeeded registers an outbound-change observer.
func (c *Chronicle) OnSyncNeeded(h SyncHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncSubs = append(c.syncSubs, h)
}

// Close detaches all observers. Further changes fail.
func (c *Chronicle) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stateSubs = nil
	c.syncSubs = nil
}

// Change runs a mutator inside a transaction. On success a new version is
// sealed and broadcast; on mutator failure the document rolls back. An
// error that already carries a kind surfaces unchanged; any other error
// surfaces as InvalidMutation.
func (c *Chronicle) Change(label string, mutator func(tx *Tx) error) error {
	data, stateSubs, syncSubs, err := c.changeLocked(label, mutator)
	if err != nil {
		return err
	}
	for _, h := range stateSubs {
		h(SourceLocal)
	}
	if data != nil {
		for _, h := range syncSubs {
			h(data)
		}
	}
	return nil
}

func (c *Chronicle) changeLocked(label string, mutator func(tx *Tx) error) (data []byte, stateSubs []StateHandler, syncSubs []SyncHandler, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, nil, hterr.New(hterr.KindInvalidMutation, "chronicle is closed")
	}

	saved := c.doc.clone()
	savedNow := c.lamport.Now()
	tx := &Tx{c: c}

	defer func() {
		if r := recover(); r != nil {
			c.doc = saved
			c.lamport = replayLamport(c.origin, savedNow)
			err = hterr.Newf(hterr.KindInvalidMutation, "mutator panic in %q: %v", label, r)
		}
	}()

	if merr := mutator(tx); merr != nil || tx.err != nil {
		c.doc = saved
		c.lamport = replayLamport(c.origin, savedNow)
		if tx.err != nil {
			return nil, nil, nil, tx.err
		}
		if hterr.KindOf(merr) != hterr.KindUnknown {
			return nil, nil, nil, merr
		}
		return nil, nil, nil, hterr.Wrap(hterr.KindInvalidMutation, label, merr)
	}
	if len(tx.ops) == 0 {
		return nil, nil, nil, nil
	}

	change := Change{
		Origin:    c.origin,
		Seq:       c.vclock[c.origin] + 1,
		Deps:      clock.Clone(c.vclock),
		Label:     label,
		Timestamp: time.Now().UnixMilli(),
		Ops:       tx.ops,
	}
	c.log = append(c.log, change)
	c.vclock = clock.Increment(c.vclock, c.origin)

	data, encErr := EncodeChanges([]Change{change})
	if encErr != nil {
		data = nil
	}
	return data, append([]StateHandler(nil), c.stateSubs...), append([]SyncHandler(nil), c.syncSubs...), nil
}

func replayLamport(origin string, now int64) *clock.Lamport {
	l := clock.NewLamport(origin)
	l.Witness(clock.LamportID{Timestamp: now, Origin: origin})
	return l
}

// Merge applies an encoded remote change set. Already-seen changes are
// skipped, out-of-order changes are buffered until their causal
// dependencies arrive. Merge is idempotent.
func (c *Chronicle) Merge(data []byte) error {
	changes, err := DecodeChanges(data)
	if err != nil {
		return hterr.Wrap(hterr.KindCorruptChange, "decoding change set", err)
	}

	c.mu.Lock()
	applied := 0
	for _, ch := range changes {
		applied += c.deliver(ch)
	}
	// buffered changes may have been unblocked
	for {
		progressed := false
		remaining := c.pending[:0]
		for _, ch := range c.pending {
			if c.deliverable(ch) {
				applied += c.applyChange(ch)
				progressed = true
			} else {
				remaining = append(remaining, ch)
			}
		}
		c.pending = remaining
		if !progressed {
			break
		}
	}
	stateSubs := append([]StateHandler(nil), c.stateSubs...)
	c.mu.Unlock()

	if applied > 0 {
		for _, h := range stateSubs {
			h(SourceMerge)
		}
	}
	return nil
}

func (c *Chronicle) deliver(ch Change) int {
	if c.vclock[ch.Origin] >= ch.Seq {
		return 0 // already applied
	}
	if !c.deliverable(ch) {
		for _, p := range c.pending {
			if p.Origin == ch.Origin && p.Seq == ch.Seq {
				return 0
			}
		}
		c.pending = append(c.pending, ch)
		return 0
	}
	return c.applyChange(ch)
}

func (c *Chronicle) deliverable(ch Change) bool {
	if ch.Seq != c.vclock[ch.Origin]+1 {
		return false
	}
	for origin, seq := range ch.Deps {
		if origin == ch.Origin {
			continue
		}
		if c.vclock[origin] < seq {
			return false
		}
	}
	return true
}

func (c *Chronicle) applyChange(ch Change) int {
	for _, op := range ch.Ops {
		c.lamport.Witness(op.ID)
		c.doc.apply(op)
	}
	c.log = append(c.log, ch)
	c.vclock[ch.Origin] = ch.Seq
	return 1
}

// State returns a structurally stable snapshot of the document.
func (c *Chronicle) State() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.materialize()
}

// Clock returns a copy of the replica's applied-change vector.
func (c *Chronicle) Clock() clock.VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clock.Clone(c.vclock)
}

// ChangesSince returns every logged change the given vector has not seen.
func (c *Chronicle) ChangesSince(vc clock.VectorClock) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Change
	for _, ch := range c.log {
		if ch.Seq > vc[ch.Origin] {
			out = append(out, ch)
		}
	}
	return out
}

// snapshot is the serialised document form.
type snapshot struct {
	Version int      `json:"version"`
	Changes []Change `json:"changes"`
}

const snapshotVersion = 1

// Save serialises the document, including vector metadata, as a replayable
// change log.
func (c *Chronicle) Save() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(snapshot{Version: snapshotVersion, Changes: c.log})
}

// Load restores a document produced by Save, replacing current state.
func (c *Chronicle) Load(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return hterr.Wrap(hterr.KindCorruptChange, "decoding snapshot", err)
	}
	if snap.Version != snapshotVersion {
		return hterr.Newf(hterr.KindVersionDrift, "snapshot version %d, want %d", snap.Version, snapshotVersion)
	}

	c.mu.Lock()
	c.doc = newDoc()
	c.vclock = clock.NewVectorClock()
	c.log = nil
	c.pending = nil
	c.lamport = clock.NewLamport(c.origin)
	for _, ch := range snap.Changes {
		c.deliver(ch)
	}
	for {
		progressed := false
		remaining := c.pending[:0]
		for _, ch := range c.pending {
			if c.deliverable(ch) {
				c.applyChange(ch)
				progressed = true
			} else {
				remaining = append(remaining, ch)
			}
		}
		c.pending = remaining
		if !progressed {
			break
		}
	}
	stateSubs := append([]StateHandler(nil), c.stateSubs...)
	c.mu.Unlock()

	for _, h := range stateSubs {
		h(SourceLoad)
	}
	return nil
}

// elems returns the visible elements of a list, claim-gated.
func (c *Chronicle) elems(key string) []Elem {
	l, ok := c.doc.lists[key]
	if !ok {
		return nil
	}
	nodes := l.visible(c.doc.claimGate)
	out := make([]Elem, len(nodes))
	for i, n := range nodes {
		out[i] = Elem{ID: n.ID, Value: n.Value}
	}
	return out
}

// Read runs fn under the lock with a read-only transaction view. Mutations
// made through the view would not be sealed; callers must treat it as
// read-only.
func (c *Chronicle) Read(fn func(tx *Tx)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&Tx{c: c})
}
