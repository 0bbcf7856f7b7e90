package chronicle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flammafex/hypertoken/internal/hterr"
)

// pipe wires two chronicles so each sees the other's changes on demand.
type pipe struct {
	a, b     *Chronicle
	aOut     [][]byte
	bOut     [][]byte
	delivers int
}

func newPipe(a, b *Chronicle) *pipe {
	p := &pipe{a: a, b: b}
	a.OnSyncNeeded(func(data []byte) { p.aOut = append(p.aOut, data) })
	b.OnSyncNeeded(func(data []byte) { p.bOut = append(p.bOut, data) })
	return p
}

func (p *pipe) flush(t *testing.T) {
	t.Helper()
	for len(p.aOut) > 0 || len(p.bOut) > 0 {
		aOut, bOut := p.aOut, p.bOut
		p.aOut, p.bOut = nil, nil
		for _, d := range aOut {
			require.NoError(t, p.b.Merge(d))
		}
		for _, d := range bOut {
			require.NoError(t, p.a.Merge(d))
		}
		p.delivers++
		if p.delivers > 100 {
			t.Fatal("sync did not quiesce")
		}
	}
}

func TestChangeSealsAndNotifies(t *testing.T) {
	c := New("r1")
	var sources []ChangeSource
	c.OnStateChanged(func(s ChangeSource) { sources = append(sources, s) })

	err := c.Change("setup", func(tx *Tx) error {
		tx.Set("turn", 1)
		tx.Push("stack.main.stack", "a")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []ChangeSource{SourceLocal}, sources)

	state := c.State()
	assert.Equal(t, float64(1), state["turn"])
}

func TestMutatorErrorRollsBack(t *testing.T) {
	c := New("r1")
	require.NoError(t, c.Change("setup", func(tx *Tx) error {
		tx.Set("phase", "draw")
		return nil
	}))

	err := c.Change("bad", func(tx *Tx) error {
		tx.Set("phase", "discard")
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, hterr.KindInvalidMutation, hterr.KindOf(err))
	assert.Equal(t, "draw", c.State()["phase"])
}

func TestMutatorPanicRollsBack(t *testing.T) {
	c := New("r1")
	err := c.Change("panic", func(tx *Tx) error {
		tx.Set("phase", "x")
		panic("unexpected")
	})
	require.Error(t, err)
	assert.Equal(t, hterr.KindInvalidMutation, hterr.KindOf(err))
	assert.Nil(t, c.State()["phase"])
}

func TestMergeRejectsGarbage(t *testing.T) {
	c := New("r1")
	err := c.Merge([]byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, hterr.KindCorruptChange, hterr.KindOf(err))
}

func TestMergeIdempotent(t *testing.T) {
	a := New("a")
	b := New("b")
	var out []byte
	a.OnSyncNeeded(func(d []byte) { out = d })
	require.NoError(t, a.Change("x", func(tx *Tx) error { tx.Push("l", 1); return nil }))

	require.NoError(t, b.Merge(out))
	require.NoError(t, b.Merge(out))
	require.NoError(t, b.Merge(out))
	assert.Len(t, b.State()["l"], 1)
}

func TestConvergenceBothOrders(t *testing.T) {
	a := New("a")
	b := New("b")
	var aChanges, bChanges [][]byte
	a.OnSyncNeeded(func(d []byte) { aChanges = append(aChanges, d) })
	b.OnSyncNeeded(func(d []byte) { bChanges = append(bChanges, d) })

	require.NoError(t, a.Change("a1", func(tx *Tx) error { tx.Push("l", "a1"); tx.Set("m.x", 1); return nil }))
	require.NoError(t, a.Change("a2", func(tx *Tx) error { tx.Push("l", "a2"); return nil }))
	require.NoError(t, b.Change("b1", func(tx *Tx) error { tx.Push("l", "b1"); tx.Set("m.x", 2); return nil }))

	// a gets b's changes first, b gets a's in order; c sees everything reversed
	for _, d := range bChanges {
		require.NoError(t, a.Merge(d))
	}
	for _, d := range aChanges {
		require.NoError(t, b.Merge(d))
	}
	c := New("c")
	for i := len(aChanges) - 1; i >= 0; i-- {
		require.NoError(t, c.Merge(aChanges[i]))
	}
	for _, d := range bChanges {
		require.NoError(t, c.Merge(d))
	}

	assert.Equal(t, a.State(), b.State(), "replicas a and b diverged")
	assert.Equal(t, a.State(), c.State(), "out-of-order delivery diverged")
}

func TestConvergenceStateEqual(t *testing.T) {
	a := New("a")
	b := New("b")
	p := newPipe(a, b)

	require.NoError(t, a.Change("seed", func(tx *Tx) error {
		for _, v := range []string{"c1", "c2", "c3"} {
			tx.Push("stack", v)
		}
		return nil
	}))
	p.flush(t)

	require.NoError(t, a.Change("tag", func(tx *Tx) error { tx.AddToSet("tags", "hot"); return nil }))
	require.NoError(t, b.Change("count", func(tx *Tx) error { tx.AddCounter("round", 1); return nil }))
	p.flush(t)

	assert.Equal(t, a.State(), b.State())
	assert.Equal(t, []any{"c1", "c2", "c3"}, a.State()["stack"])
	assert.Equal(t, int64(1), b.State()["round"])
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	a := New("a")
	b := New("b")
	p := newPipe(a, b)

	require.NoError(t, a.Change("seed", func(tx *Tx) error {
		tx.Push("stack", "top")
		return nil
	}))
	p.flush(t)

	// both replicas draw the same top card concurrently
	drawTop := func(tx *Tx) error {
		elems := tx.Elems("stack")
		require.Len(t, elems, 1)
		tx.Transfer("stack", elems[0].ID, "drawn")
		return nil
	}
	require.NoError(t, a.Change("draw", drawTop))
	require.NoError(t, b.Change("draw", drawTop))
	p.flush(t)

	sa := a.State()
	sb := b.State()
	assert.Equal(t, sa, sb)
	assert.Empty(t, sa["stack"], "card must leave the stack")
	assert.Equal(t, []any{"top"}, sa["drawn"], "exactly one claim wins")
}

func TestConcurrentLWWDeterministic(t *testing.T) {
	a := New("a")
	b := New("b")
	p := newPipe(a, b)

	require.NoError(t, a.Change("w", func(tx *Tx) error { tx.Set("phase", "alpha"); return nil }))
	require.NoError(t, b.Change("w", func(tx *Tx) error { tx.Set("phase", "beta"); return nil }))
	p.flush(t)

	assert.Equal(t, a.State()["phase"], b.State()["phase"])
	// same lamport timestamp: higher origin wins
	assert.Equal(t, "beta", a.State()["phase"])
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := New("a")
	require.NoError(t, a.Change("setup", func(tx *Tx) error {
		tx.Push("stack", "x")
		tx.Push("stack", "y")
		tx.Set("turn", 3)
		tx.AddCounter("round", 2)
		tx.AddToSet("tags", "live")
		return nil
	}))
	require.NoError(t, a.Change("draw", func(tx *Tx) error {
		elems := tx.Elems("stack")
		tx.Transfer("stack", elems[len(elems)-1].ID, "drawn")
		return nil
	}))

	data, err := a.Save()
	require.NoError(t, err)

	b := New("b")
	var loads []ChangeSource
	b.OnStateChanged(func(s ChangeSource) { loads = append(loads, s) })
	require.NoError(t, b.Load(data))

	assert.Equal(t, a.State(), b.State())
	assert.Equal(t, []ChangeSource{SourceLoad}, loads)

	// load(save(load(save))) is a fixed point
	data2, err := b.Save()
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestLoadVersionDrift(t *testing.T) {
	c := New("a")
	err := c.Load([]byte(`{"version":99,"changes":[]}`))
	require.Error(t, err)
	assert.Equal(t, hterr.KindVersionDrift, hterr.KindOf(err))
}

func TestChangesSince(t *testing.T) {
	a := New("a")
	require.NoError(t, a.Change("one", func(tx *Tx) error { tx.Set("x", 1); return nil }))
	require.NoError(t, a.Change("two", func(tx *Tx) error { tx.Set("x", 2); return nil }))

	all := a.ChangesSince(nil)
	require.Len(t, all, 2)

	tail := a.ChangesSince(map[string]int64{"a": 1})
	require.Len(t, tail, 1)
	assert.Equal(t, "two", tail[0].Label)

	assert.Empty(t, a.ChangesSince(a.Clock()))
}

func TestCausalBuffering(t *testing.T) {
	a := New("a")
	var changes [][]byte
	a.OnSyncNeeded(func(d []byte) { changes = append(changes, d) })
	require.NoError(t, a.Change("one", func(tx *Tx) error { tx.Push("l", 1); return nil }))
	require.NoError(t, a.Change("two", func(tx *Tx) error { tx.Push("l", 2); return nil }))

	b := New("b")
	// deliver out of order: change two must wait for change one
	require.NoError(t, b.Merge(changes[1]))
	assert.Empty(t, b.State()["l"])
	require.NoError(t, b.Merge(changes[0]))
	assert.Equal(t, []any{float64(1), float64(2)}, b.State()["l"])
}

func TestMoveReordersWithoutDuplicates(t *testing.T) {
	a := New("a")
	b := New("b")
	p := newPipe(a, b)

	require.NoError(t, a.Change("seed", func(tx *Tx) error {
		tx.Push("l", "x")
		tx.Push("l", "y")
		tx.Push("l", "z")
		return nil
	}))
	p.flush(t)

	// both replicas move the same element concurrently
	require.NoError(t, a.Change("mv", func(tx *Tx) error {
		elems := tx.Elems("l")
		tx.Move("l", elems[0].ID, elems[2].ID)
		return nil
	}))
	require.NoError(t, b.Change("mv", func(tx *Tx) error {
		elems := tx.Elems("l")
		tx.Move("l", elems[0].ID, elems[1].ID)
		return nil
	}))
	p.flush(t)

	assert.Equal(t, a.State(), b.State())
	l := a.State()["l"].([]any)
	assert.Len(t, l, 3, "concurrent moves must not duplicate the element")
}

func TestClosedChronicleRejectsChanges(t *testing.T) {
	c := New("a")
	c.Close()
	err := c.Change("x", func(tx *Tx) error { tx.Set("k", 1); return nil })
	require.Error(t, err)
}
