package overlay

import (
	"crypto/sha256"
	"math/bits"
	"sort"
	"sync"
)

// NodeID is a 256-bit identifier derived from a peer's public name.
type NodeID [32]byte

// MakeNodeID hashes a public identifier into id space.
func MakeNodeID(name string) NodeID { return sha256.Sum256([]byte(name)) }

// xor returns the distance metric between two ids.
func xor(a, b NodeID) NodeID {
	var out NodeID
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// bucketIndex maps a distance to its k-bucket: the index of the highest
// set bit (0..255), or -1 for the zero distance.
func bucketIndex(d NodeID) int {
	for i, by := range d {
		if by != 0 {
			return 255 - (i*8 + bits.LeadingZeros8(by))
		}
	}
	return -1
}

// less orders distances numerically.
func less(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// KademliaOptions tunes the DHT overlay.
type KademliaOptions struct {
	// K is the bucket capacity and lookup result size.
	K int
	// Alpha is the lookup concurrency.
	Alpha int
	// TTL bounds broadcast forwarding hops.
	TTL int
}

// QueryFunc asks a remote peer for its closest known peers to a target.
// The transport provides it; lookups stay iterative on the caller.
type QueryFunc func(peer string, target NodeID) []string

// Kademlia maintains 256 XOR-distance buckets and routes broadcasts along
// bucket structure for O(k log N) fan-out.
type Kademlia struct {
	selfName string
	self     NodeID
	opts     KademliaOptions
	forward  Forwarder
	deliver  Deliverer
	query    QueryFunc
	dedup    *dedup

	mu      sync.Mutex
	buckets [256][]string
	idOf    map[string]NodeID
}

// NewKademlia builds a node.
func NewKademlia(selfName string, opts KademliaOptions, forward Forwarder, deliver Deliverer, query QueryFunc) *Kademlia {
	if opts.K <= 0 {
		opts.K = 20
	}
	if opts.Alpha <= 0 {
		opts.Alpha = 3
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	return &Kademlia{
		selfName: selfName,
		self:     MakeNodeID(selfName),
		opts:     opts,
		forward:  forward,
		deliver:  deliver,
		query:    query,
		dedup:    newDedup(0),
		idOf:     make(map[string]NodeID),
	}
}

// RegisterPeer inserts the peer into its bucket if there is room.
func (k *Kademlia) RegisterPeer(peerID string) {
	id := MakeNodeID(peerID)
	idx := bucketIndex(xor(k.self, id))
	if idx < 0 {
		return // self
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, known := k.idOf[peerID]; known {
		return
	}
	if len(k.buckets[idx]) >= k.opts.K {
		return // bucket full: keep the longest-lived entries
	}
	k.buckets[idx] = append(k.buckets[idx], peerID)
	k.idOf[peerID] = id
}

// UnregisterPeer removes the peer.
func (k *Kademlia) UnregisterPeer(peerID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id, known := k.idOf[peerID]
	if !known {
		return
	}
	delete(k.idOf, peerID)
	idx := bucketIndex(xor(k.self, id))
	bucket := k.buckets[idx]
	for i, name := range bucket {
		if name == peerID {
			k.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Known returns every routed peer.
func (k *Kademlia) Known() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.idOf))
	for name := range k.idOf {
		out = append(out, name)
	}
	return out
}

// closest returns up to n known peers nearest the target.
func (k *Kademlia) closest(target NodeID, n int) []string {
	k.mu.Lock()
	names := make([]string, 0, len(k.idOf))
	for name := range k.idOf {
		names = append(names, name)
	}
	k.mu.Unlock()

	sort.Slice(names, func(i, j int) bool {
		return less(xor(MakeNodeID(names[i]), target), xor(MakeNodeID(names[j]), target))
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

// Closest exposes the local routing view for remote queries.
func (k *Kademlia) Closest(target NodeID, n int) []string { return k.closest(target, n) }

// FindNode runs the iterative lookup: query α closest peers, absorb their
// answers, and stop when the closest-k set stabilises.
func (k *Kademlia) FindNode(target NodeID) []string {
	shortlist := k.closest(target, k.opts.K)
	queried := map[string]bool{}

	for {
		// pick the alpha closest unqueried peers
		var wave []string
		for _, name := range shortlist {
			if !queried[name] {
				wave = append(wave, name)
				if len(wave) == k.opts.Alpha {
					break
				}
			}
		}
		if len(wave) == 0 || k.query == nil {
			return shortlist
		}

		before := append([]string(nil), shortlist...)
		for _, peer := range wave {
			queried[peer] = true
			for _, learned := range k.query(peer, target) {
				if learned == k.selfName {
					continue
				}
				k.RegisterPeer(learned)
			}
		}
		shortlist = k.closest(target, k.opts.K)
		if equalStrings(before, shortlist) {
			return shortlist
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Broadcast seeds the message locally and forwards across bucket
// structure.
func (k *Kademlia) Broadcast(msg Message) {
	if msg.TTL == 0 {
		msg.TTL = k.opts.TTL
	}
	k.dedup.claim(msg.ID)
	k.forwardDiverse(msg)
}

// Send unicasts without overlay routing.
func (k *Kademlia) Send(target string, msg Message) { _ = k.forward(target, msg) }

// Receive handles a forwarded message: deliver once, forward while TTL
// lasts.
func (k *Kademlia) Receive(msg Message) {
	if !k.dedup.claim(msg.ID) {
		return
	}
	k.deliver(msg)
	if msg.TTL <= 1 {
		return
	}
	msg.TTL--
	k.forwardDiverse(msg)
}

// forwardDiverse picks a few peers per non-empty bucket, spreading the
// message across distance ranges; duplicates die at the receivers' dedup.
func (k *Kademlia) forwardDiverse(msg Message) {
	k.mu.Lock()
	var targets []string
	for idx := range k.buckets {
		bucket := k.buckets[idx]
		n := k.opts.Alpha
		if n > len(bucket) {
			n = len(bucket)
		}
		targets = append(targets, bucket[:n]...)
	}
	k.mu.Unlock()
	for _, t := range targets {
		_ = k.forward(t, msg)
	}
}
