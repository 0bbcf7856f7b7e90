package chronicle

import (
	"github.com/flammafex/hypertoken/internal/clock"
)

// listNode is one element of a replicated ordered list. Nodes are never
// physically removed; a tombstone keeps concurrent operations resolvable.
type listNode struct {
	ID       clock.LamportID
	ParentID clock.LamportID
	Value    any
	Deleted  bool

	// Claims registered by removes that pulled this element into another
	// list. The smallest id is the winning claim.
	Claims []clock.LamportID

	// Provenance for claim-gated inserts (draw destinations).
	SrcKey  string
	SrcElem clock.LamportID
	ClaimID clock.LamportID

	Next *listNode
}

// rlist is a replicated growable array: a linked list anchored at a sentinel
// root with O(1) id lookup. Siblings under one parent are ordered by id so
// replicas converge to the same sequence.
type rlist struct {
	registry map[clock.LamportID]*listNode
	root     *listNode
	orphans  map[clock.LamportID][]*listNode
}

func newRlist() *rlist {
	root := &listNode{ID: clock.Zero}
	return &rlist{
		registry: map[clock.LamportID]*listNode{clock.Zero: root},
		root:     root,
		orphans:  make(map[clock.LamportID][]*listNode),
	}
}

// insert integrates a new node after parentID. Duplicate ids are ignored so
// replayed operations are harmless.
func (l *rlist) insert(n *listNode) {
	if _, exists := l.registry[n.ID]; exists {
		return
	}
	if _, ok := l.registry[n.ParentID]; !ok {
		l.orphans[n.ParentID] = append(l.orphans[n.ParentID], n)
		return
	}
	l.integrate(n)
	if kids, ok := l.orphans[n.ID]; ok {
		delete(l.orphans, n.ID)
		for _, child := range kids {
			l.insert(child)
		}
	}
}

// integrate links the node after its parent, skipping every following node
// with a greater id (later siblings and their descendants), so siblings end
// up in descending id order whatever the arrival order.
func (l *rlist) integrate(n *listNode) {
	parent := l.registry[n.ParentID]

	prev := parent
	curr := parent.Next
	for curr != nil && curr.ID.Greater(n.ID) {
		prev = curr
		curr = curr.Next
	}

	n.Next = curr
	prev.Next = n
	l.registry[n.ID] = n
}

// remove tombstones the element and registers the claim. The smallest claim
// id wins when concurrent removes race for the same element.
func (l *rlist) remove(elem, claim clock.LamportID) {
	n, ok := l.registry[elem]
	if !ok {
		return
	}
	n.Deleted = true
	for _, c := range n.Claims {
		if c == claim {
			return
		}
	}
	n.Claims = append(n.Claims, claim)
}

// winningClaim returns the lowest claim id on the element, or Zero when the
// element is unknown or unclaimed.
func (l *rlist) winningClaim(elem clock.LamportID) clock.LamportID {
	n, ok := l.registry[elem]
	if !ok || len(n.Claims) == 0 {
		return clock.Zero
	}
	win := n.Claims[0]
	for _, c := range n.Claims[1:] {
		if c.Less(win) {
			win = c
		}
	}
	return win
}

// move tombstones the element and reinserts its value under a new parent
// with the op id as the new element id. The reinsert claims the original, so
// concurrent moves of one element leave exactly one visible copy.
func (l *rlist) move(key string, elem, after, opID clock.LamportID) {
	n, ok := l.registry[elem]
	if !ok {
		return
	}
	l.remove(elem, opID)
	l.insert(&listNode{ID: opID, ParentID: after, Value: n.Value,
		SrcKey: key, SrcElem: elem, ClaimID: opID})
}

// visible walks live nodes in list order. gate filters claim-carrying nodes
// whose claim lost; a nil gate admits everything.
func (l *rlist) visible(gate func(n *listNode) bool) []*listNode {
	var out []*listNode
	for curr := l.root.Next; curr != nil; curr = curr.Next {
		if curr.Deleted {
			continue
		}
		if gate != nil && !gate(curr) {
			continue
		}
		out = append(out, curr)
	}
	return out
}

// lastID returns the id of the last live element, or Zero for an empty list.
func (l *rlist) lastID(gate func(n *listNode) bool) clock.LamportID {
	nodes := l.visible(gate)
	if len(nodes) == 0 {
		return clock.Zero
	}
	return nodes[len(nodes)-1].ID
}

// all returns every node in list order, tombstones included. Used by the
// save codec, which must preserve full structure.
func (l *rlist) all() []*listNode {
	var out []*listNode
	for curr := l.root.Next; curr != nil; curr = curr.Next {
		out = append(out, curr)
	}
	return out
}

func (l *rlist) clone() *rlist {
	out := newRlist()
	prev := out.root
	for curr := l.root.Next; curr != nil; curr = curr.Next {
		n := &listNode{
			ID:       curr.ID,
			ParentID: curr.ParentID,
			Value:    curr.Value,
			Deleted:  curr.Deleted,
			SrcKey:   curr.SrcKey,
			SrcElem:  curr.SrcElem,
			ClaimID:  curr.ClaimID,
		}
		if curr.Claims != nil {
			n.Claims = append([]clock.LamportID(nil), curr.Claims...)
		}
		prev.Next = n
		out.registry[n.ID] = n
		prev = n
	}
	for parent, kids := range l.orphans {
		cp := make([]*listNode, len(kids))
		for i, k := range kids {
			cp[i] = &listNode{ID: k.ID, ParentID: k.ParentID, Value: k.Value,
				Deleted: k.Deleted, SrcKey: k.SrcKey, SrcElem: k.SrcElem, ClaimID: k.ClaimID}
		}
		out.orphans[parent] = cp
	}
	return out
}
