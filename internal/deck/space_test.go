package deck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/token"
)

func newSpace(t *testing.T, zones ...string) (*chronicle.Chronicle, *Space) {
	t.Helper()
	c := chronicle.New("r1")
	sp := NewSpace(c)
	for _, z := range zones {
		require.NoError(t, sp.CreateZone(z, nil))
	}
	return c, sp
}

func TestPlaceAndCards(t *testing.T) {
	_, sp := newSpace(t, "table")
	tok := token.New("queen")

	p, err := sp.Place("table", tok, PlaceOptions{X: 3, Y: 4, FaceUp: true})
	require.NoError(t, err)
	assert.Equal(t, tok.ID, p.TokenID)
	assert.Equal(t, tok.ID, p.TokenSnapshot.ID, "snapshot id matches token id")

	got, err := sp.Cards("table")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3.0, got[0].X)
	assert.Equal(t, 4.0, got[0].Y)
	assert.True(t, got[0].FaceUp)
}

func TestPlaceUnknownZone(t *testing.T) {
	_, sp := newSpace(t)
	_, err := sp.Place("nowhere", token.New("x"), PlaceOptions{})
	require.Error(t, err)
	assert.Equal(t, hterr.KindUnknownZone, hterr.KindOf(err))
}

func TestPlaceSameTokenTwice(t *testing.T) {
	_, sp := newSpace(t, "table", "river")
	tok := token.New("x")
	_, err := sp.Place("table", tok, PlaceOptions{})
	require.NoError(t, err)
	_, err = sp.Place("river", tok, PlaceOptions{})
	require.Error(t, err)
	assert.Equal(t, hterr.KindTokenAlreadyPlaced, hterr.KindOf(err))
}

func TestLockedZoneRejectsWithoutMutating(t *testing.T) {
	c, sp := newSpace(t, "table")
	require.NoError(t, sp.LockZone("table"))
	before := c.State()

	_, err := sp.Place("table", token.New("x"), PlaceOptions{})
	require.Error(t, err)
	assert.Equal(t, hterr.KindZoneLocked, hterr.KindOf(err))
	assert.Equal(t, before, c.State(), "failed place must not mutate")

	require.NoError(t, sp.UnlockZone("table"))
	_, err = sp.Place("table", token.New("x"), PlaceOptions{})
	require.NoError(t, err)
}

func TestMoveBetweenZones(t *testing.T) {
	_, sp := newSpace(t, "hand", "table")
	p, err := sp.Place("hand", token.New("x"), PlaceOptions{})
	require.NoError(t, err)

	require.NoError(t, sp.Move("hand", "table", p.PlacementID, &PlaceOptions{X: 9, Y: 1}))

	handCards, err := sp.Cards("hand")
	require.NoError(t, err)
	assert.Empty(t, handCards)

	tableCards, err := sp.Cards("table")
	require.NoError(t, err)
	require.Len(t, tableCards, 1)
	assert.Equal(t, p.PlacementID, tableCards[0].PlacementID)
	assert.Equal(t, 9.0, tableCards[0].X)
}

func TestMoveUnknownPlacement(t *testing.T) {
	_, sp := newSpace(t, "a", "b")
	err := sp.Move("a", "b", "nope", nil)
	require.Error(t, err)
	assert.Equal(t, hterr.KindUnknownPlacement, hterr.KindOf(err))
}

func TestFlip(t *testing.T) {
	_, sp := newSpace(t, "table")
	p, err := sp.Place("table", token.New("x"), PlaceOptions{FaceUp: false})
	require.NoError(t, err)

	require.NoError(t, sp.Flip("table", p.PlacementID))
	got, err := sp.Cards("table")
	require.NoError(t, err)
	assert.True(t, got[0].FaceUp)

	require.NoError(t, sp.Flip("table", p.PlacementID))
	got, _ = sp.Cards("table")
	assert.False(t, got[0].FaceUp)
}

func TestClearZone(t *testing.T) {
	_, sp := newSpace(t, "table")
	for i := 0; i < 3; i++ {
		_, err := sp.Place("table", token.New("x"), PlaceOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, sp.ClearZone("table"))
	got, err := sp.Cards("table")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemoveZone(t *testing.T) {
	_, sp := newSpace(t, "table")
	require.NoError(t, sp.RemoveZone("table"))
	_, err := sp.Cards("table")
	require.Error(t, err)
	assert.Equal(t, hterr.KindUnknownZone, hterr.KindOf(err))
	assert.Empty(t, sp.Zones())
}

func TestShuffleZoneDeterministic(t *testing.T) {
	order := func() []string {
		_, sp := newSpace(t, "table")
		for _, l := range []string{"a", "b", "c", "d", "e"} {
			tok := token.Token{ID: "tok-" + l, Label: l}
			_, err := sp.Place("table", tok, PlaceOptions{})
			require.NoError(t, err)
		}
		require.NoError(t, sp.ShuffleZone("table", 42))
		got, err := sp.Cards("table")
		require.NoError(t, err)
		out := make([]string, len(got))
		for i, p := range got {
			out[i] = p.TokenSnapshot.Label
		}
		return out
	}
	assert.Equal(t, order(), order())
}

func TestSpread(t *testing.T) {
	_, sp := newSpace(t, "a", "b")
	require.NoError(t, sp.DefineSpread("row", []string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, sp.Spread("row"))
	assert.Empty(t, sp.Spread("missing"))
}
