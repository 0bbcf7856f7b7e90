// Package consensus exchanges chronicle change sets among peers for one
// document. Each peer tracks what its counterparts have acknowledged and
// sends only the gap, so an eventually connected peer graph converges.
package consensus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/clock"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/logging"
	"github.com/flammafex/hypertoken/internal/monitoring"
)

// Sender delivers an encoded sync message to one peer.
type Sender func(data []byte) error

// msgKind tags protocol messages.
type msgKind string

const (
	msgChanges msgKind = "changes"
	msgRequest msgKind = "request"
)

// message is the wire envelope: either a batch of changes plus the
// sender's vector, or a sync request advertising the requester's vector.
type message struct {
	Kind    msgKind            `json:"kind"`
	Vector  clock.VectorClock  `json:"vector"`
	Changes []chronicle.Change `json:"changes,omitempty"`
}

type peerState struct {
	sender Sender
	// acked is the vector the peer is known to have reached.
	acked clock.VectorClock
}

// Core synchronises one chronicle across registered peers.
type Core struct {
	chron   *chronicle.Chronicle
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu    sync.Mutex
	peers map[string]*peerState
}

// New wires a core to a chronicle. Local changes broadcast automatically.
func New(chron *chronicle.Chronicle, log *logging.Logger, metrics *monitoring.Metrics) *Core {
	if log == nil {
		log = logging.NewNop()
	}
	c := &Core{
		chron:   chron,
		log:     log,
		metrics: metrics,
		peers:   make(map[string]*peerState),
	}
	chron.OnSyncNeeded(c.OnLocalChange)
	return c
}

// RegisterPeer adds a peer and immediately offers it everything it is
// missing, starting with a request for its state.
func (c *Core) RegisterPeer(peerID string, sender Sender) {
	c.mu.Lock()
	c.peers[peerID] = &peerState{sender: sender, acked: clock.NewVectorClock()}
	c.mu.Unlock()

	c.sendRequest(peerID)
	c.sendMissing(peerID)
}

// UnregisterPeer forgets a peer.
func (c *Core) UnregisterPeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, peerID)
}

// Peers returns the registered peer ids.
func (c *Core) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// OnLocalChange schedules a broadcast of freshly sealed local changes.
func (c *Core) OnLocalChange(data []byte) {
	changes, err := chronicle.DecodeChanges(data)
	if err != nil {
		c.log.Error("undecodable local change", zap.Error(err))
		return
	}
	c.mu.Lock()
	targets := make(map[string]*peerState, len(c.peers))
	for id, p := range c.peers {
		targets[id] = p
	}
	c.mu.Unlock()

	for id, p := range targets {
		c.send(id, p, message{Kind: msgChanges, Vector: c.chron.Clock(), Changes: changes})
	}
}

// OnRemoteMessage merges inbound changes and answers with whatever the
// sender is still missing.
func (c *Core) OnRemoteMessage(peerID string, data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return hterr.Wrap(hterr.KindCorruptChange, "decoding sync message", err)
	}
	if c.metrics != nil {
		c.metrics.SyncBytesReceived.Add(float64(len(data)))
	}

	if len(msg.Changes) > 0 {
		encoded, err := chronicle.EncodeChanges(msg.Changes)
		if err != nil {
			return err
		}
		if err := c.chron.Merge(encoded); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.ChangesMerged.Add(float64(len(msg.Changes)))
		}
	}

	c.mu.Lock()
	peer, ok := c.peers[peerID]
	if ok && msg.Vector != nil {
		if msg.Kind == msgRequest {
			// a request states what the peer really holds
			peer.acked = clock.Clone(msg.Vector)
		} else {
			peer.acked = clock.Merge(peer.acked, msg.Vector)
		}
	}
	c.mu.Unlock()

	if ok {
		c.sendMissing(peerID)
	}
	// gossip merged changes onward so indirectly connected peers converge
	if len(msg.Changes) > 0 {
		for _, id := range c.Peers() {
			if id != peerID {
				c.sendMissing(id)
			}
		}
	}
	return nil
}

// sendMissing pushes the peer's gap, if any.
func (c *Core) sendMissing(peerID string) {
	c.mu.Lock()
	peer, ok := c.peers[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	acked := clock.Clone(peer.acked)
	c.mu.Unlock()

	missing := c.chron.ChangesSince(acked)
	if len(missing) == 0 {
		return
	}
	c.send(peerID, peer, message{Kind: msgChanges, Vector: c.chron.Clock(), Changes: missing})

	// optimistically assume delivery; a later request corrects the view
	c.mu.Lock()
	if p, ok := c.peers[peerID]; ok {
		p.acked = clock.Merge(p.acked, c.chron.Clock())
	}
	c.mu.Unlock()
}

func (c *Core) sendRequest(peerID string) {
	c.mu.Lock()
	peer, ok := c.peers[peerID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.send(peerID, peer, message{Kind: msgRequest, Vector: c.chron.Clock()})
}

// send encodes and delivers with a bounded retry; sync is idempotent so
// resending is safe.
func (c *Core) send(peerID string, peer *peerState, msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encoding sync message", zap.Error(err))
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	err = backoff.Retry(func() error { return peer.sender(data) }, policy)
	if err != nil {
		c.log.Warn("peer unreachable, dropping sync message",
			zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.SyncBytesSent.Add(float64(len(data)))
	}
}

// ForceSync re-requests state from every peer.
func (c *Core) ForceSync() {
	for _, id := range c.Peers() {
		c.sendRequest(id)
		c.sendMissing(id)
	}
}
