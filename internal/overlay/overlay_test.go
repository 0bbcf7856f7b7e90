package overlay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simNet is an in-memory network of overlay nodes with synchronous
// delivery.
type simNet struct {
	mu    sync.Mutex
	nodes map[string]Strategy
	// delivered counts local deliveries per node
	delivered map[string]int
	sent      int
}

func newSimNet() *simNet {
	return &simNet{nodes: make(map[string]Strategy), delivered: make(map[string]int)}
}

func (n *simNet) forwarder() Forwarder {
	return func(target string, msg Message) error {
		n.mu.Lock()
		node, ok := n.nodes[target]
		n.sent++
		n.mu.Unlock()
		if ok {
			node.Receive(msg)
		}
		return nil
	}
}

func (n *simNet) deliverer(name string) Deliverer {
	return func(msg Message) {
		n.mu.Lock()
		n.delivered[name]++
		n.mu.Unlock()
	}
}

func TestBucketIndex(t *testing.T) {
	a := MakeNodeID("a")
	assert.Equal(t, -1, bucketIndex(xor(a, a)), "zero distance has no bucket")

	b := MakeNodeID("b")
	idx := bucketIndex(xor(a, b))
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, 256)
}

func TestKademliaRegisterCapsBuckets(t *testing.T) {
	net := newSimNet()
	k := NewKademlia("self", KademliaOptions{K: 2}, net.forwarder(), net.deliverer("self"), nil)
	for i := 0; i < 100; i++ {
		k.RegisterPeer(fmt.Sprintf("peer-%d", i))
	}
	for idx := range k.buckets {
		assert.LessOrEqual(t, len(k.buckets[idx]), 2, "bucket %d over capacity", idx)
	}
	k.RegisterPeer("self") // self registration is ignored
	_, known := k.idOf["self"]
	assert.False(t, known)
}

func TestKademliaFindNodeStabilises(t *testing.T) {
	// build a population where every node knows every other, then look up
	// from one node that initially knows only a few
	names := make([]string, 50)
	for i := range names {
		names[i] = fmt.Sprintf("node-%02d", i)
	}
	net := newSimNet()
	nodes := make(map[string]*Kademlia, len(names))
	for _, name := range names {
		k := NewKademlia(name, KademliaOptions{K: 8}, net.forwarder(), net.deliverer(name), nil)
		for _, other := range names {
			if other != name {
				k.RegisterPeer(other)
			}
		}
		nodes[name] = k
	}

	query := func(peer string, target NodeID) []string {
		return nodes[peer].Closest(target, 8)
	}
	seeker := NewKademlia("seeker", KademliaOptions{K: 8, Alpha: 3}, net.forwarder(), net.deliverer("seeker"), query)
	seeker.RegisterPeer(names[0])
	seeker.RegisterPeer(names[1])

	target := MakeNodeID("node-33")
	result := seeker.FindNode(target)
	require.NotEmpty(t, result)
	assert.Contains(t, result, "node-33", "lookup converges on the target's neighbourhood")
}

func TestKademliaBroadcastCoverage(t *testing.T) {
	if testing.Short() {
		t.Skip("1000-node simulation")
	}
	const n = 1000
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("peer-%04d", i)
	}

	net := newSimNet()
	for _, name := range names {
		k := NewKademlia(name, KademliaOptions{K: 20, Alpha: 3, TTL: 10}, net.forwarder(), net.deliverer(name), nil)
		for _, other := range names {
			if other != name {
				k.RegisterPeer(other)
			}
		}
		net.nodes[name] = k
	}

	origin := net.nodes[names[0]].(*Kademlia)
	origin.Broadcast(NewMessage(names[0], []byte("hello"), 10))

	covered := 0
	for _, name := range names[1:] {
		if net.delivered[name] > 0 {
			covered++
		}
	}
	coverage := float64(covered) / float64(n-1)
	assert.GreaterOrEqual(t, coverage, 0.99, "broadcast must reach at least 99%% of peers, got %.3f", coverage)

	// every node delivered at most once
	for name, count := range net.delivered {
		assert.LessOrEqual(t, count, 1, "node %s saw duplicates", name)
	}
}

func TestSupernodePromotion(t *testing.T) {
	net := newSimNet()
	s := NewSupernode("n1", SupernodeOptions{PromoteThreshold: 10}, net.forwarder(), net.deliverer("n1"))

	assert.Equal(t, RoleLeaf, s.Role())
	s.UpdateScore("n2", Score{Uptime: 5, Bandwidth: 3, Reliability: 1, Connections: 2})
	s.mu.Lock()
	role := s.roles["n2"]
	s.mu.Unlock()
	assert.Equal(t, RoleCandidate, role, "above threshold enters candidate state")

	s.PromoteSelf()
	assert.Equal(t, RoleSupernode, s.Role())
}

func TestSupernodeLeafCap(t *testing.T) {
	net := newSimNet()
	s := NewSupernode("sn", SupernodeOptions{MaxLeavesPerSupernode: 2}, net.forwarder(), net.deliverer("sn"))
	s.PromoteSelf()

	assert.True(t, s.AttachLeaf("l1"))
	assert.True(t, s.AttachLeaf("l2"))
	assert.False(t, s.AttachLeaf("l3"), "leaf cap enforced")
	assert.True(t, s.AttachLeaf("l1"), "re-attach is idempotent")
}

func TestSupernodeBroadcastReachesHierarchy(t *testing.T) {
	net := newSimNet()

	// two supernodes in a mesh, each with two leaves
	sn1 := NewSupernode("sn1", SupernodeOptions{}, net.forwarder(), net.deliverer("sn1"))
	sn2 := NewSupernode("sn2", SupernodeOptions{}, net.forwarder(), net.deliverer("sn2"))
	sn1.PromoteSelf()
	sn2.PromoteSelf()
	sn1.PromotePeer("sn2")
	sn2.PromotePeer("sn1")

	leaves := []string{"l1", "l2", "l3", "l4"}
	nodes := map[string]*Supernode{"sn1": sn1, "sn2": sn2}
	for i, name := range leaves {
		l := NewSupernode(name, SupernodeOptions{}, net.forwarder(), net.deliverer(name))
		l.PromotePeer("sn1")
		l.PromotePeer("sn2")
		nodes[name] = l
		if i < 2 {
			sn1.AttachLeaf(name)
		} else {
			sn2.AttachLeaf(name)
		}
	}
	for name, node := range nodes {
		net.nodes[name] = node
	}

	nodes["l1"].Broadcast(NewMessage("l1", []byte("x"), 6))

	for _, name := range []string{"sn1", "sn2", "l2", "l3", "l4"} {
		assert.Equal(t, 1, net.delivered[name], "node %s must receive exactly once", name)
	}
}

func TestSelectorSwitches(t *testing.T) {
	net := newSimNet()
	naive := NewNaive("self", net.forwarder(), net.deliverer("self"))
	structured := NewKademlia("self", KademliaOptions{}, net.forwarder(), net.deliverer("self"), nil)
	sel := NewSelector(SelectorOptions{Threshold: 2}, naive, structured)

	sel.RegisterPeer("a")
	sel.RegisterPeer("b")
	assert.Equal(t, Strategy(naive), sel.Active())

	sel.RegisterPeer("c")
	assert.Equal(t, Strategy(structured), sel.Active(), "above threshold switches to the overlay")

	sel.UnregisterPeer("c")
	assert.Equal(t, Strategy(naive), sel.Active())
}

func TestNaiveBroadcast(t *testing.T) {
	net := newSimNet()
	nodes := map[string]*Naive{}
	for _, name := range []string{"a", "b", "c"} {
		nodes[name] = NewNaive(name, net.forwarder(), net.deliverer(name))
		net.nodes[name] = nodes[name]
	}
	for name, node := range nodes {
		for other := range nodes {
			if other != name {
				node.RegisterPeer(other)
			}
		}
	}

	nodes["a"].Broadcast(NewMessage("a", []byte("x"), 1))
	assert.Equal(t, 1, net.delivered["b"])
	assert.Equal(t, 1, net.delivered["c"])
	assert.Equal(t, 0, net.delivered["a"], "originator does not self-deliver")
}
