package chronicle

import (
	"encoding/json"

	"github.com/flammafex/hypertoken/internal/clock"
	"github.com/flammafex/hypertoken/internal/hterr"
)

// Elem pairs a list element's id with its value.
type Elem struct {
	ID    clock.LamportID
	Value any
}

// Tx is the mutable view handed to a Change mutator. Every write records an
// op and applies it immediately, so the mutator observes its own writes.
type Tx struct {
	c   *Chronicle
	ops []Op
	err error
}

func (tx *Tx) record(op Op) {
	if tx.err != nil {
		return
	}
	tx.c.doc.apply(op)
	tx.ops = append(tx.ops, op)
}

func (tx *Tx) tick() clock.LamportID { return tx.c.lamport.Tick() }

// Set writes a last-writer-wins register at the dotted path.
func (tx *Tx) Set(path string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		tx.err = hterr.Wrap(hterr.KindInvalidMutation, "encoding register value", err)
		return
	}
	tx.record(Op{Kind: OpSet, ID: tx.tick(), Key: path, Value: raw})
}

// Get reads a register.
func (tx *Tx) Get(path string) any {
	r, ok := tx.c.doc.registers[path]
	if !ok {
		return nil
	}
	return r.Value
}

// Push appends a value to the end of a list and returns the element id.
func (tx *Tx) Push(key string, value any) clock.LamportID {
	gate := tx.c.doc.claimGate
	after := tx.c.doc.list(key).lastID(gate)
	return tx.InsertAfter(key, after, value)
}

// InsertAfter inserts a value after the given element (Zero for the head).
func (tx *Tx) InsertAfter(key string, after clock.LamportID, value any) clock.LamportID {
	raw, err := json.Marshal(value)
	if err != nil {
		tx.err = hterr.Wrap(hterr.KindInvalidMutation, "encoding list value", err)
		return clock.Zero
	}
	id := tx.tick()
	tx.record(Op{Kind: OpListInsert, ID: id, Key: key, Value: raw, After: after})
	return id
}

// Elems returns the visible elements of a list in order.
func (tx *Tx) Elems(key string) []Elem {
	return tx.c.elems(key)
}

// Remove tombstones an element and returns the claim id registered on it.
func (tx *Tx) Remove(key string, elem clock.LamportID) clock.LamportID {
	id := tx.tick()
	tx.record(Op{Kind: OpListRemove, ID: id, Key: key, Elem: elem})
	return id
}

// Transfer claims an element out of one list and appends its value to
// another. Concurrent transfers of the same element converge to a single
// destination decided by claim order.
func (tx *Tx) Transfer(fromKey string, elem clock.LamportID, toKey string) clock.LamportID {
	src, ok := tx.c.doc.lists[fromKey]
	if !ok {
		return clock.Zero
	}
	n, ok := src.registry[elem]
	if !ok {
		return clock.Zero
	}
	claim := tx.Remove(fromKey, elem)

	raw, err := json.Marshal(n.Value)
	if err != nil {
		tx.err = hterr.Wrap(hterr.KindInvalidMutation, "encoding transferred value", err)
		return clock.Zero
	}
	gate := tx.c.doc.claimGate
	after := tx.c.doc.list(toKey).lastID(gate)
	id := tx.tick()
	tx.record(Op{Kind: OpListInsert, ID: id, Key: toKey, Value: raw, After: after,
		SrcKey: fromKey, SrcElem: elem, ClaimID: claim})
	return id
}

// Move repositions an element after another inside the same list.
func (tx *Tx) Move(key string, elem, after clock.LamportID) clock.LamportID {
	id := tx.tick()
	tx.record(Op{Kind: OpListMove, ID: id, Key: key, Elem: elem, After: after})
	return id
}

// AddCounter adds a delta to a replicated counter.
func (tx *Tx) AddCounter(key string, delta int64) {
	tx.record(Op{Kind: OpCounterAdd, ID: tx.tick(), Key: key, Delta: delta})
}

// Counter reads the current counter total.
func (tx *Tx) Counter(key string) int64 { return tx.c.doc.counterValue(key) }

// Counters returns the totals of every counter under the prefix, keyed by
// the remainder of the path.
func (tx *Tx) Counters(prefix string) map[string]int64 {
	out := make(map[string]int64)
	for key := range tx.c.doc.counters {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key[len(prefix):]] = tx.c.doc.counterValue(key)
		}
	}
	return out
}

// AddToSet inserts a member into a replicated set.
func (tx *Tx) AddToSet(key, member string) {
	tx.record(Op{Kind: OpSetAdd, ID: tx.tick(), Key: key, Member: member})
}

// RemoveFromSet deletes a member from a replicated set.
func (tx *Tx) RemoveFromSet(key, member string) {
	tx.record(Op{Kind: OpSetRemove, ID: tx.tick(), Key: key, Member: member})
}

// SetMembers returns the members of a replicated set in sorted order.
func (tx *Tx) SetMembers(key string) []string { return tx.c.doc.setMembers(key) }
