package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/hterr"
)

// node couples a chronicle with a core and an inbox per peer.
type node struct {
	id    string
	chron *chronicle.Chronicle
	core  *Core
}

// network delivers messages synchronously between registered nodes.
type network struct {
	nodes map[string]*node
}

func newNetwork(ids ...string) *network {
	net := &network{nodes: make(map[string]*node)}
	for _, id := range ids {
		chron := chronicle.New(id)
		net.nodes[id] = &node{id: id, chron: chron, core: New(chron, nil, nil)}
	}
	return net
}

// connect wires two nodes bidirectionally with immediate delivery.
func (net *network) connect(a, b string) {
	na, nb := net.nodes[a], net.nodes[b]
	na.core.RegisterPeer(b, func(data []byte) error {
		return nb.core.OnRemoteMessage(a, data)
	})
	nb.core.RegisterPeer(a, func(data []byte) error {
		return na.core.OnRemoteMessage(b, data)
	})
}

func (net *network) state(id string) map[string]any { return net.nodes[id].chron.State() }

func TestTwoPeersConverge(t *testing.T) {
	net := newNetwork("a", "b")
	net.connect("a", "b")

	require.NoError(t, net.nodes["a"].chron.Change("x", func(tx *chronicle.Tx) error {
		tx.Push("events", "from-a")
		return nil
	}))
	require.NoError(t, net.nodes["b"].chron.Change("y", func(tx *chronicle.Tx) error {
		tx.Push("events", "from-b")
		return nil
	}))

	assert.Equal(t, net.state("a"), net.state("b"))
	assert.Len(t, net.state("a")["events"], 2)
}

func TestLateJoinerCatchesUp(t *testing.T) {
	net := newNetwork("a", "b")

	for i := 0; i < 5; i++ {
		require.NoError(t, net.nodes["a"].chron.Change("tick", func(tx *chronicle.Tx) error {
			tx.AddCounter("turn", 1)
			return nil
		}))
	}

	net.connect("a", "b")
	assert.Equal(t, net.state("a"), net.state("b"), "registration pushes the full gap")
	assert.Equal(t, int64(5), net.state("b")["turn"])
}

func TestThreePeerLineTopology(t *testing.T) {
	// a <-> b <-> c: a and c are not directly connected
	net := newNetwork("a", "b", "c")
	net.connect("a", "b")
	net.connect("b", "c")

	require.NoError(t, net.nodes["a"].chron.Change("w", func(tx *chronicle.Tx) error {
		tx.Set("phase", "from-a")
		return nil
	}))

	assert.Equal(t, "from-a", net.state("c")["phase"], "changes relay through b")
}

func TestUnregisterStopsDelivery(t *testing.T) {
	net := newNetwork("a", "b")
	net.connect("a", "b")
	net.nodes["a"].core.UnregisterPeer("b")

	require.NoError(t, net.nodes["a"].chron.Change("x", func(tx *chronicle.Tx) error {
		tx.Set("k", "v")
		return nil
	}))
	assert.Nil(t, net.state("b")["k"])
	assert.Empty(t, net.nodes["a"].core.Peers())
}

func TestCorruptMessageSurfaces(t *testing.T) {
	chron := chronicle.New("a")
	core := New(chron, nil, nil)
	err := core.OnRemoteMessage("x", []byte("{bad"))
	require.Error(t, err)
	assert.Equal(t, hterr.KindCorruptChange, hterr.KindOf(err))
}

func TestFlakySenderRetries(t *testing.T) {
	chronA := chronicle.New("a")
	coreA := New(chronA, nil, nil)
	chronB := chronicle.New("b")
	coreB := New(chronB, nil, nil)

	failures := 2
	coreA.RegisterPeer("b", func(data []byte) error {
		if failures > 0 {
			failures--
			return assert.AnError
		}
		return coreB.OnRemoteMessage("a", data)
	})
	coreB.RegisterPeer("a", func(data []byte) error {
		return coreA.OnRemoteMessage("b", data)
	})

	require.NoError(t, chronA.Change("x", func(tx *chronicle.Tx) error {
		tx.Set("k", "v")
		return nil
	}))
	assert.Equal(t, "v", chronB.State()["k"], "bounded backoff rides out transient failures")
}
