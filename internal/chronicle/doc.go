package chronicle

import (
	"sort"
	"strings"

	"github.com/flammafex/hypertoken/internal/clock"
)

// register is a last-writer-wins cell.
type register struct {
	Value any
	ID    clock.LamportID
}

// setEntry is per-member LWW presence inside a replicated set.
type setEntry struct {
	Present bool
	ID      clock.LamportID
}

// doc is the materialisable CRDT document: named containers addressed by
// dotted paths. apply is total over the op algebra.
type doc struct {
	lists     map[string]*rlist
	registers map[string]register
	sets      map[string]map[string]setEntry
	counters  map[string]map[string]int64
}

func newDoc() *doc {
	return &doc{
		lists:     make(map[string]*rlist),
		registers: make(map[string]register),
		sets:      make(map[string]map[string]setEntry),
		counters:  make(map[string]map[string]int64),
	}
}

func (d *doc) list(key string) *rlist {
	l, ok := d.lists[key]
	if !ok {
		l = newRlist()
		d.lists[key] = l
	}
	return l
}

// apply executes one operation. Replays are no-ops; conflicting writes
// resolve by Lamport order.
func (d *doc) apply(op Op) {
	switch op.Kind {
	case OpSet:
		cur, ok := d.registers[op.Key]
		if ok && !op.ID.Greater(cur.ID) {
			return
		}
		var v any
		if op.Value != nil {
			v = decodeRaw(op.Value)
		}
		d.registers[op.Key] = register{Value: v, ID: op.ID}

	case OpListInsert:
		var v any
		if op.Value != nil {
			v = decodeRaw(op.Value)
		}
		d.list(op.Key).insert(&listNode{
			ID:       op.ID,
			ParentID: op.After,
			Value:    v,
			SrcKey:   op.SrcKey,
			SrcElem:  op.SrcElem,
			ClaimID:  op.ClaimID,
		})

	case OpListRemove:
		d.list(op.Key).remove(op.Elem, op.ID)

	case OpListMove:
		d.list(op.Key).move(op.Key, op.Elem, op.After, op.ID)

	case OpCounterAdd:
		m, ok := d.counters[op.Key]
		if !ok {
			m = make(map[string]int64)
			d.counters[op.Key] = m
		}
		m[op.ID.Origin] += op.Delta

	case OpSetAdd, OpSetRemove:
		m, ok := d.sets[op.Key]
		if !ok {
			m = make(map[string]setEntry)
			d.sets[op.Key] = m
		}
		cur, ok := m[op.Member]
		if ok && !op.ID.Greater(cur.ID) {
			return
		}
		m[op.Member] = setEntry{Present: op.Kind == OpSetAdd, ID: op.ID}
	}
}

// claimGate filters draw-destination nodes whose claim on the source
// element lost against a concurrent remove.
func (d *doc) claimGate(n *listNode) bool {
	if n.SrcKey == "" || n.ClaimID.IsZero() {
		return true
	}
	src, ok := d.lists[n.SrcKey]
	if !ok {
		return true
	}
	win := src.winningClaim(n.SrcElem)
	return win.IsZero() || win == n.ClaimID
}

// listValues returns the visible values of a list.
func (d *doc) listValues(key string) []any {
	l, ok := d.lists[key]
	if !ok {
		return nil
	}
	nodes := l.visible(d.claimGate)
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = n.Value
	}
	return out
}

// counterValue sums per-origin contributions.
func (d *doc) counterValue(key string) int64 {
	var total int64
	for _, v := range d.counters[key] {
		total += v
	}
	return total
}

// setMembers returns the present members in sorted order.
func (d *doc) setMembers(key string) []string {
	m, ok := d.sets[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m))
	for member, e := range m {
		if e.Present {
			out = append(out, member)
		}
	}
	sort.Strings(out)
	return out
}

// materialize renders the whole document as nested plain maps. Dotted
// register paths become nested objects; lists, sets and counters appear
// under their path leaf.
func (d *doc) materialize() map[string]any {
	root := make(map[string]any)
	for key, r := range d.registers {
		putPath(root, key, r.Value)
	}
	for key := range d.lists {
		putPath(root, key, d.listValues(key))
	}
	for key := range d.sets {
		putPath(root, key, d.setMembers(key))
	}
	for key := range d.counters {
		putPath(root, key, d.counterValue(key))
	}
	return root
}

func putPath(root map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	m := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func (d *doc) clone() *doc {
	out := newDoc()
	for k, l := range d.lists {
		out.lists[k] = l.clone()
	}
	for k, r := range d.registers {
		out.registers[k] = r
	}
	for k, m := range d.sets {
		cm := make(map[string]setEntry, len(m))
		for member, e := range m {
			cm[member] = e
		}
		out.sets[k] = cm
	}
	for k, m := range d.counters {
		cm := make(map[string]int64, len(m))
		for origin, v := range m {
			cm[origin] = v
		}
		out.counters[k] = cm
	}
	return out
}
