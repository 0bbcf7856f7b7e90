// Package room groups peers into isolated sessions behind human-friendly
// room codes.
package room

import (
	"crypto/rand"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/flammafex/hypertoken/internal/hterr"
)

// codeAlphabet avoids ambiguous glyphs (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Config is the per-room policy.
type Config struct {
	MaxMembers int
	// PasswordHash is a bcrypt hash; empty means open.
	PasswordHash []byte
	IsPrivate    bool
	Metadata     map[string]any
	Variant      string
}

// Room is one isolated session.
type Room struct {
	Code      string
	CreatedBy string
	CreatedAt time.Time
	Config    Config

	mu      sync.Mutex
	members map[string]bool
}

// Members returns the current member peer ids.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// HasMember reports membership.
func (r *Room) HasMember(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[peerID]
}

// ManagerOptions bounds the manager.
type ManagerOptions struct {
	MaxRooms        int
	MaxRoomsPerPeer int
	// CodePattern optionally constrains generated codes.
	CodePattern *regexp.Regexp
	// KeepEmpty disables auto-deletion of empty rooms.
	KeepEmpty bool
}

// Manager creates, finds and retires rooms.
type Manager struct {
	opts ManagerOptions

	mu    sync.Mutex
	rooms map[string]*Room
	// owned counts rooms per creating peer.
	owned map[string]int
}

// NewManager builds a manager with defaults.
func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxRooms <= 0 {
		opts.MaxRooms = 1000
	}
	if opts.MaxRoomsPerPeer <= 0 {
		opts.MaxRoomsPerPeer = 4
	}
	return &Manager{
		opts:  opts,
		rooms: make(map[string]*Room),
		owned: make(map[string]int),
	}
}

// HashPassword prepares a password for Config.PasswordHash.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// newCode draws random codes by rejection sampling until one is unused and
// matches the configured pattern.
func (m *Manager) newCode() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		code := make([]byte, 9)
		for i := 0; i < 8; i++ {
			pos := i
			if i >= 4 {
				pos = i + 1
			}
			code[pos] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code[4] = '-'
		candidate := string(code)
		if m.opts.CodePattern != nil && !m.opts.CodePattern.MatchString(candidate) {
			continue
		}
		if _, taken := m.rooms[candidate]; !taken {
			return candidate, nil
		}
	}
	return "", hterr.New(hterr.KindRoomFull, "could not allocate a unique room code")
}

// Create allocates a room. The creator does not join automatically.
func (m *Manager) Create(createdBy string, cfg Config) (*Room, error) {
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = 8
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.rooms) >= m.opts.MaxRooms {
		return nil, hterr.New(hterr.KindRoomFull, "room capacity reached")
	}
	if m.owned[createdBy] >= m.opts.MaxRoomsPerPeer {
		return nil, hterr.Newf(hterr.KindRoomFull, "peer %s owns too many rooms", createdBy)
	}

	code, err := m.newCode()
	if err != nil {
		return nil, err
	}
	r := &Room{
		Code:      code,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
		Config:    cfg,
		members:   make(map[string]bool),
	}
	m.rooms[code] = r
	m.owned[createdBy]++
	return r, nil
}

// Get finds a room by code.
func (m *Manager) Get(code string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[code]
	return r, ok
}

// Join adds a peer after password and capacity checks.
func (m *Manager) Join(code, peerID, password string) (*Room, error) {
	m.mu.Lock()
	r, ok := m.rooms[code]
	m.mu.Unlock()
	if !ok {
		return nil, hterr.Newf(hterr.KindUnknownZone, "room %q", code)
	}

	if len(r.Config.PasswordHash) > 0 {
		if bcrypt.CompareHashAndPassword(r.Config.PasswordHash, []byte(password)) != nil {
			return nil, hterr.New(hterr.KindInvalidPassword, "wrong room password")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[peerID] {
		return r, nil
	}
	if len(r.members) >= r.Config.MaxMembers {
		return nil, hterr.Newf(hterr.KindRoomFull, "room %s is full", code)
	}
	r.members[peerID] = true
	return r, nil
}

// Leave removes a peer; the last member leaving retires the room unless
// KeepEmpty is set. Reports whether the room was deleted.
func (m *Manager) Leave(code, peerID string) bool {
	m.mu.Lock()
	r, ok := m.rooms[code]
	m.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	delete(r.members, peerID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty && !m.opts.KeepEmpty {
		m.mu.Lock()
		delete(m.rooms, code)
		if m.owned[r.CreatedBy] > 0 {
			m.owned[r.CreatedBy]--
		}
		m.mu.Unlock()
		return true
	}
	return false
}

// ListPublic returns codes of non-private rooms.
func (m *Manager) ListPublic() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for code, r := range m.rooms {
		if !r.Config.IsPrivate {
			out = append(out, code)
		}
	}
	return out
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
