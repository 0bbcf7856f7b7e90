package room

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flammafex/hypertoken/internal/hterr"
)

func TestCodeShape(t *testing.T) {
	m := NewManager(ManagerOptions{})
	r, err := m.Create("p1", Config{})
	require.NoError(t, err)

	require.Len(t, r.Code, 9)
	assert.Equal(t, byte('-'), r.Code[4])
	for _, ch := range strings.ReplaceAll(r.Code, "-", "") {
		assert.Contains(t, codeAlphabet, string(ch), "codes use the unambiguous alphabet")
	}
}

func TestCodesUnique(t *testing.T) {
	m := NewManager(ManagerOptions{MaxRooms: 100, MaxRoomsPerPeer: 100})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		r, err := m.Create("p1", Config{})
		require.NoError(t, err)
		assert.False(t, seen[r.Code])
		seen[r.Code] = true
	}
}

func TestCodePattern(t *testing.T) {
	m := NewManager(ManagerOptions{CodePattern: regexp.MustCompile(`^[A-Z2-9]{4}-[A-Z2-9]{4}$`)})
	r, err := m.Create("p1", Config{})
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Z2-9]{4}-[A-Z2-9]{4}$`, r.Code)
}

func TestJoinLeaveLifecycle(t *testing.T) {
	m := NewManager(ManagerOptions{})
	r, err := m.Create("owner", Config{MaxMembers: 2})
	require.NoError(t, err)

	_, err = m.Join(r.Code, "p1", "")
	require.NoError(t, err)
	_, err = m.Join(r.Code, "p2", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, r.Members())

	_, err = m.Join(r.Code, "p3", "")
	require.Error(t, err)
	assert.Equal(t, hterr.KindRoomFull, hterr.KindOf(err))

	// rejoin is idempotent, not a capacity hit
	_, err = m.Join(r.Code, "p1", "")
	require.NoError(t, err)

	assert.False(t, m.Leave(r.Code, "p1"))
	deleted := m.Leave(r.Code, "p2")
	assert.True(t, deleted, "empty rooms auto-delete")
	_, ok := m.Get(r.Code)
	assert.False(t, ok)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("sekret")
	require.NoError(t, err)

	m := NewManager(ManagerOptions{})
	r, err := m.Create("owner", Config{PasswordHash: hash})
	require.NoError(t, err)

	_, err = m.Join(r.Code, "p1", "wrong")
	require.Error(t, err)
	assert.Equal(t, hterr.KindInvalidPassword, hterr.KindOf(err))

	_, err = m.Join(r.Code, "p1", "sekret")
	require.NoError(t, err)
}

func TestManagerLimits(t *testing.T) {
	m := NewManager(ManagerOptions{MaxRooms: 2, MaxRoomsPerPeer: 1})

	_, err := m.Create("p1", Config{})
	require.NoError(t, err)
	_, err = m.Create("p1", Config{})
	require.Error(t, err, "per-peer cap")

	_, err = m.Create("p2", Config{})
	require.NoError(t, err)
	_, err = m.Create("p3", Config{})
	require.Error(t, err, "total cap")
}

func TestListPublic(t *testing.T) {
	m := NewManager(ManagerOptions{})
	pub, err := m.Create("p1", Config{})
	require.NoError(t, err)
	_, err = m.Create("p2", Config{IsPrivate: true})
	require.NoError(t, err)

	listed := m.ListPublic()
	assert.Equal(t, []string{pub.Code}, listed)
}

func TestKeepEmpty(t *testing.T) {
	m := NewManager(ManagerOptions{KeepEmpty: true})
	r, err := m.Create("p1", Config{})
	require.NoError(t, err)
	_, err = m.Join(r.Code, "p1", "")
	require.NoError(t, err)
	assert.False(t, m.Leave(r.Code, "p1"))
	_, ok := m.Get(r.Code)
	assert.True(t, ok)
}
