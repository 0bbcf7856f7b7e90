package deck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/token"
)

func newAgents(t *testing.T, ids ...string) *Agents {
	t.Helper()
	c := chronicle.New("r1")
	a := NewAgents(c)
	for _, id := range ids {
		require.NoError(t, a.Create(id, "player "+id))
	}
	return a
}

func TestGrantAndBalance(t *testing.T) {
	a := newAgents(t, "p1")
	require.NoError(t, a.Grant("p1", "gold", 10))
	assert.Equal(t, int64(10), a.Balance("p1", "gold"))
	assert.Equal(t, int64(0), a.Balance("p1", "mana"))
}

func TestSpendCannotGoNegative(t *testing.T) {
	a := newAgents(t, "p1")
	require.NoError(t, a.Grant("p1", "gold", 5))
	require.NoError(t, a.Spend("p1", "gold", 5))

	err := a.Spend("p1", "gold", 1)
	require.Error(t, err)
	assert.Equal(t, int64(0), a.Balance("p1", "gold"))
}

func TestTransferAtomic(t *testing.T) {
	a := newAgents(t, "p1", "p2")
	require.NoError(t, a.Grant("p1", "gold", 10))

	require.NoError(t, a.Transfer("p1", "p2", "gold", 4))
	assert.Equal(t, int64(6), a.Balance("p1", "gold"))
	assert.Equal(t, int64(4), a.Balance("p2", "gold"))

	err := a.Transfer("p1", "p2", "gold", 100)
	require.Error(t, err)
	assert.Equal(t, int64(6), a.Balance("p1", "gold"), "failed transfer moves nothing")
	assert.Equal(t, int64(4), a.Balance("p2", "gold"))
}

func TestUnknownAgent(t *testing.T) {
	a := newAgents(t)
	err := a.Grant("ghost", "gold", 1)
	require.Error(t, err)
	assert.Equal(t, hterr.KindInvalidMutation, hterr.KindOf(err))
}

func TestHandUniqueness(t *testing.T) {
	a := newAgents(t, "p1", "p2")
	tok := token.New("card")
	require.NoError(t, a.AddToHand("p1", tok))

	err := a.AddToHand("p2", tok)
	require.Error(t, err)
	assert.Equal(t, hterr.KindTokenAlreadyPlaced, hterr.KindOf(err))

	got, err := a.RemoveFromHand("p1", tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)

	require.NoError(t, a.AddToHand("p2", tok), "removed tokens may be re-held")
}

func TestRemoveFromHandMissing(t *testing.T) {
	a := newAgents(t, "p1")
	_, err := a.RemoveFromHand("p1", "nope")
	require.Error(t, err)
	assert.Equal(t, hterr.KindUnknownPlacement, hterr.KindOf(err))
}

func TestEliminateKeepsRecord(t *testing.T) {
	a := newAgents(t, "p1")
	require.NoError(t, a.Grant("p1", "gold", 3))
	require.NoError(t, a.Eliminate("p1"))

	got, err := a.Get("p1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, int64(3), got.Resources["gold"])
	assert.Contains(t, a.List(), "p1")
}

func TestGetAssemblesRecord(t *testing.T) {
	a := newAgents(t, "p1")
	require.NoError(t, a.Grant("p1", "gold", 2))
	require.NoError(t, a.AddToHand("p1", token.New("ace")))

	got, err := a.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "player p1", got.Name)
	assert.True(t, got.Active)
	require.Len(t, got.Hand, 1)
	assert.Equal(t, "ace", got.Hand[0].Label)
}
