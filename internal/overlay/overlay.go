// Package overlay replaces O(N) relay broadcast with structured topologies
// once the peer count outgrows naive fan-out.
package overlay

import (
	"sync"

	"github.com/google/uuid"
)

// Message travels the overlay. ID deduplicates, TTL bounds forwarding.
type Message struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Data []byte `json:"data"`
	TTL  int    `json:"ttl"`
}

// NewMessage stamps data with a fresh id and TTL.
func NewMessage(from string, data []byte, ttl int) Message {
	return Message{ID: uuid.NewString(), From: from, Data: data, TTL: ttl}
}

// Forwarder hands a message to a named peer's overlay node.
type Forwarder func(target string, msg Message) error

// Deliverer consumes a message locally.
type Deliverer func(msg Message)

// Strategy is the routing contract shared by naive, Kademlia and Supernode
// overlays.
type Strategy interface {
	RegisterPeer(peerID string)
	UnregisterPeer(peerID string)
	Broadcast(msg Message)
	Send(target string, msg Message)
	// Receive is invoked by the transport when a peer forwards a message.
	Receive(msg Message)
}

// dedup remembers recently seen message ids with a bounded footprint.
type dedup struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
	cap   int
}

func newDedup(cap int) *dedup {
	if cap <= 0 {
		cap = 4096
	}
	return &dedup{seen: make(map[string]bool), cap: cap}
}

// claim returns false if the id was already seen.
func (d *dedup) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false
	}
	d.seen[id] = true
	d.order = append(d.order, id)
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return true
}

// Naive broadcasts to every registered peer directly: correct and O(N) per
// originator, fine for small rooms.
type Naive struct {
	self    string
	forward Forwarder
	deliver Deliverer
	dedup   *dedup

	mu    sync.Mutex
	peers map[string]bool
}

// NewNaive builds the baseline strategy.
func NewNaive(self string, forward Forwarder, deliver Deliverer) *Naive {
	return &Naive{
		self:    self,
		forward: forward,
		deliver: deliver,
		dedup:   newDedup(0),
		peers:   make(map[string]bool),
	}
}

func (n *Naive) RegisterPeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[peerID] = true
}

func (n *Naive) UnregisterPeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, peerID)
}

func (n *Naive) Broadcast(msg Message) {
	n.dedup.claim(msg.ID)
	n.mu.Lock()
	targets := make([]string, 0, len(n.peers))
	for id := range n.peers {
		targets = append(targets, id)
	}
	n.mu.Unlock()
	for _, id := range targets {
		_ = n.forward(id, msg)
	}
}

func (n *Naive) Send(target string, msg Message) { _ = n.forward(target, msg) }

func (n *Naive) Receive(msg Message) {
	if !n.dedup.claim(msg.ID) {
		return
	}
	n.deliver(msg)
}

// SelectorOptions governs automatic strategy choice.
type SelectorOptions struct {
	// Threshold is the peer count above which the structured overlay
	// takes over from naive broadcast.
	Threshold int
	// Structured names the large-scale strategy: "kademlia" or
	// "supernode".
	Structured string
}

// Selector switches between naive and structured strategies as the peer
// population crosses the threshold.
type Selector struct {
	opts       SelectorOptions
	naive      Strategy
	structured Strategy

	mu    sync.Mutex
	count int
}

// NewSelector wraps the two strategies.
func NewSelector(opts SelectorOptions, naive, structured Strategy) *Selector {
	if opts.Threshold <= 0 {
		opts.Threshold = 32
	}
	return &Selector{opts: opts, naive: naive, structured: structured}
}

func (s *Selector) active() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > s.opts.Threshold {
		return s.structured
	}
	return s.naive
}

// Active exposes the current strategy for observability.
func (s *Selector) Active() Strategy { return s.active() }

func (s *Selector) RegisterPeer(peerID string) {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.naive.RegisterPeer(peerID)
	s.structured.RegisterPeer(peerID)
}

func (s *Selector) UnregisterPeer(peerID string) {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
	}
	s.mu.Unlock()
	s.naive.UnregisterPeer(peerID)
	s.structured.UnregisterPeer(peerID)
}

func (s *Selector) Broadcast(msg Message)           { s.active().Broadcast(msg) }
func (s *Selector) Send(target string, msg Message) { s.active().Send(target, msg) }
func (s *Selector) Receive(msg Message)             { s.active().Receive(msg) }
