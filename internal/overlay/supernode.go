package overlay

import (
	"sort"
	"sync"
)

// Role is a node's position in the supernode hierarchy.
type Role int

const (
	RoleLeaf Role = iota
	RoleCandidate
	RoleSupernode
)

// Score rates a peer's fitness for promotion.
type Score struct {
	Uptime      float64
	Bandwidth   float64
	Reliability float64
	Connections int
}

// total folds the score into one comparable number.
func (s Score) total() float64 {
	return s.Uptime + s.Bandwidth + s.Reliability + float64(s.Connections)
}

// SupernodeOptions tunes the hierarchy.
type SupernodeOptions struct {
	// PromoteThreshold is the total score above which a node becomes a
	// candidate and may promote.
	PromoteThreshold float64
	// MeshFanout bounds supernode-to-supernode gossip.
	MeshFanout int
	// LeafSupernodes is how many supernodes a leaf attaches to.
	LeafSupernodes int
	// MaxLeavesPerSupernode caps leaf attachments.
	MaxLeavesPerSupernode int
	TTL                   int
}

// Supernode implements the scored two-tier overlay: leaves hand messages to
// their supernodes; supernodes gossip across the mesh and fan out to their
// leaves for ~O(sqrt N) messages per originator.
type Supernode struct {
	self    string
	opts    SupernodeOptions
	forward Forwarder
	deliver Deliverer
	dedup   *dedup

	mu     sync.Mutex
	role   Role
	scores map[string]Score
	roles  map[string]Role
	// mySupernodes are the supernodes this leaf attaches to.
	mySupernodes []string
	// myLeaves are leaves attached to this supernode.
	myLeaves []string
	// mesh are supernode gossip partners.
	mesh []string
}

// NewSupernode builds a node starting as a leaf.
func NewSupernode(self string, opts SupernodeOptions, forward Forwarder, deliver Deliverer) *Supernode {
	if opts.PromoteThreshold <= 0 {
		opts.PromoteThreshold = 10
	}
	if opts.MeshFanout <= 0 {
		opts.MeshFanout = 5
	}
	if opts.LeafSupernodes <= 0 {
		opts.LeafSupernodes = 3
	}
	if opts.MaxLeavesPerSupernode <= 0 {
		opts.MaxLeavesPerSupernode = 100
	}
	if opts.TTL <= 0 {
		opts.TTL = 6
	}
	return &Supernode{
		self:    self,
		opts:    opts,
		forward: forward,
		deliver: deliver,
		dedup:   newDedup(0),
		scores:  make(map[string]Score),
		roles:   make(map[string]Role),
	}
}

// Role returns the node's current role.
func (s *Supernode) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// UpdateScore records a peer's score and recomputes its role.
func (s *Supernode) UpdateScore(peerID string, score Score) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[peerID] = score
	if score.total() >= s.opts.PromoteThreshold {
		if s.roles[peerID] == RoleLeaf {
			s.roles[peerID] = RoleCandidate
		}
	} else {
		s.roles[peerID] = RoleLeaf
	}
	s.rewireLocked()
}

// PromoteSelf moves this node through candidate into supernode.
func (s *Supernode) PromoteSelf() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = RoleSupernode
	s.rewireLocked()
}

// PromotePeer marks a remote candidate as a live supernode.
func (s *Supernode) PromotePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[peerID] = RoleSupernode
	s.rewireLocked()
}

func (s *Supernode) RegisterPeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[peerID]; !ok {
		s.roles[peerID] = RoleLeaf
	}
	s.rewireLocked()
}

func (s *Supernode) UnregisterPeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, peerID)
	delete(s.scores, peerID)
	s.rewireLocked()
}

// rewireLocked recomputes attachments from the current role table.
func (s *Supernode) rewireLocked() {
	var supers []string
	for id, role := range s.roles {
		if role == RoleSupernode {
			supers = append(supers, id)
		}
	}
	sort.Strings(supers)

	if s.role == RoleSupernode {
		// mesh partners: bounded fan-out over the other supernodes
		n := s.opts.MeshFanout
		if n > len(supers) {
			n = len(supers)
		}
		s.mesh = append([]string(nil), supers[:n]...)
		// leaves attach to us elsewhere; myLeaves is maintained by
		// AttachLeaf from the transport layer
		s.mySupernodes = nil
		return
	}

	n := s.opts.LeafSupernodes
	if n > len(supers) {
		n = len(supers)
	}
	s.mySupernodes = append([]string(nil), supers[:n]...)
	s.mesh = nil
}

// AttachLeaf records a leaf under this supernode, honouring the cap.
func (s *Supernode) AttachLeaf(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleSupernode {
		return false
	}
	for _, id := range s.myLeaves {
		if id == peerID {
			return true
		}
	}
	if len(s.myLeaves) >= s.opts.MaxLeavesPerSupernode {
		return false
	}
	s.myLeaves = append(s.myLeaves, peerID)
	return true
}

// DetachLeaf removes a leaf attachment.
func (s *Supernode) DetachLeaf(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.myLeaves {
		if id == peerID {
			s.myLeaves = append(s.myLeaves[:i], s.myLeaves[i+1:]...)
			return
		}
	}
}

// Broadcast seeds a message into the hierarchy.
func (s *Supernode) Broadcast(msg Message) {
	if msg.TTL == 0 {
		msg.TTL = s.opts.TTL
	}
	s.dedup.claim(msg.ID)
	s.fanout(msg)
}

// Send unicasts directly.
func (s *Supernode) Send(target string, msg Message) { _ = s.forward(target, msg) }

// Receive delivers once and continues the fan-out.
func (s *Supernode) Receive(msg Message) {
	if !s.dedup.claim(msg.ID) {
		return
	}
	s.deliver(msg)
	if msg.TTL <= 1 {
		return
	}
	msg.TTL--
	s.fanout(msg)
}

func (s *Supernode) fanout(msg Message) {
	s.mu.Lock()
	var targets []string
	if s.role == RoleSupernode {
		targets = append(targets, s.mesh...)
		targets = append(targets, s.myLeaves...)
	} else {
		targets = append(targets, s.mySupernodes...)
	}
	s.mu.Unlock()
	for _, t := range targets {
		if t != msg.From {
			_ = s.forward(t, msg)
		}
	}
}
