// Package deck layers the game collections — stacks, spaces, sources and
// agents — over the chronicle document. Every mutation routes through one
// Change transaction, so replicas converge under concurrent play.
package deck

import (
	"strconv"
	"strings"

	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/clock"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/rng"
	"github.com/flammafex/hypertoken/internal/token"
)

// Stack is an ordered pile with draw, burn and discard roles.
type Stack struct {
	c    *chronicle.Chronicle
	name string
}

// NewStack binds a stack by name. Names must not contain dots; they become
// document path segments.
func NewStack(c *chronicle.Chronicle, name string) (*Stack, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &Stack{c: c, name: name}, nil
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, ".") {
		return hterr.Newf(hterr.KindInvalidMutation, "invalid collection name %q", name)
	}
	return nil
}

func (s *Stack) key(role string) string { return "stack." + s.name + "." + role }

// Init seeds the stack with its insertion order, captured once for Reset.
func (s *Stack) Init(tokens []token.Token) error {
	return s.c.Change("stack:init", func(tx *chronicle.Tx) error {
		for _, t := range tokens {
			tx.Push(s.key("stack"), t.Clone())
		}
		tx.Set(s.key("initial"), token.CloneAll(tokens))
		return nil
	})
}

// Shuffle permutes the draw pile deterministically. A zero seed pulls the
// shared seed from the document so replicas agree.
func (s *Stack) Shuffle(seed uint64) error {
	return s.c.Change("stack:shuffle", func(tx *chronicle.Tx) error {
		return shuffleList(tx, s.key("stack"), resolveSeed(tx, seed))
	})
}

// shuffleList rebuilds a list in permuted order via chained moves, claiming
// each source element so concurrent shuffles stay duplicate-free.
func shuffleList(tx *chronicle.Tx, key string, seed uint64) error {
	elems := tx.Elems(key)
	if len(elems) < 2 {
		return nil
	}
	perm := rng.Permutation(seed, len(elems))
	after := tx.Move(key, elems[perm[0]].ID, clock.Zero)
	for _, idx := range perm[1:] {
		after = tx.Move(key, elems[idx].ID, after)
	}
	return nil
}

// resolveSeed returns the explicit seed, or derives one from the shared
// seed register and the round counter.
func resolveSeed(tx *chronicle.Tx, seed uint64) uint64 {
	if seed != 0 {
		return seed
	}
	base := uint64(0)
	if v, ok := tx.Get("seed").(string); ok {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			base = parsed
		}
	}
	return rng.DeriveSeed(base, tx.Counter("round"))
}

// SetSharedSeed writes the document-wide seed channel.
func SetSharedSeed(c *chronicle.Chronicle, seed uint64) error {
	return c.Change("seed:set", func(tx *chronicle.Tx) error {
		tx.Set("seed", strconv.FormatUint(seed, 10))
		return nil
	})
}

// Draw removes the last count tokens from the pile into drawn and returns
// them in draw order. Fails with Exhausted when the pile is short.
func (s *Stack) Draw(count int) ([]token.Token, error) {
	var out []token.Token
	err := s.c.Change("stack:draw", func(tx *chronicle.Tx) error {
		tokens, err := claimTop(tx, s.key("stack"), s.key("drawn"), count)
		out = tokens
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Burn removes count tokens like Draw but routes them to discards and does
// not return them.
func (s *Stack) Burn(count int) error {
	return s.c.Change("stack:burn", func(tx *chronicle.Tx) error {
		_, err := claimTop(tx, s.key("stack"), s.key("discards"), count)
		return err
	})
}

func claimTop(tx *chronicle.Tx, fromKey, toKey string, count int) ([]token.Token, error) {
	if count < 0 {
		return nil, hterr.Newf(hterr.KindInvalidMutation, "negative count %d", count)
	}
	if count == 0 {
		return []token.Token{}, nil
	}
	elems := tx.Elems(fromKey)
	if len(elems) < count {
		return nil, hterr.Newf(hterr.KindExhausted, "%s holds %d, need %d", fromKey, len(elems), count)
	}
	out := make([]token.Token, 0, count)
	for i := 0; i < count; i++ {
		elem := elems[len(elems)-1-i]
		var t token.Token
		if err := chronicle.Decode(elem.Value, &t); err != nil {
			return nil, hterr.Wrap(hterr.KindInvalidMutation, "decoding stacked token", err)
		}
		tx.Transfer(fromKey, elem.ID, toKey)
		out = append(out, t)
	}
	return out, nil
}

// Discard appends a token to the discard pile. The token must not currently
// live in this stack's piles.
func (s *Stack) Discard(t token.Token) error {
	return s.c.Change("stack:discard", func(tx *chronicle.Tx) error {
		for _, role := range []string{"stack", "drawn", "discards"} {
			for _, e := range tx.Elems(s.key(role)) {
				if tokenID(e.Value) == t.ID {
					return hterr.Newf(hterr.KindTokenAlreadyPlaced, "token %s already in %s", t.ID, role)
				}
			}
		}
		tx.Push(s.key("discards"), t.Clone())
		return nil
	})
}

// Reset restores the original insertion order and clears drawn and
// discards.
func (s *Stack) Reset() error {
	return s.c.Change("stack:reset", func(tx *chronicle.Tx) error {
		var initial []token.Token
		if v := tx.Get(s.key("initial")); v != nil {
			if err := chronicle.Decode(v, &initial); err != nil {
				return hterr.Wrap(hterr.KindInvalidMutation, "decoding initial order", err)
			}
		}
		for _, role := range []string{"stack", "drawn", "discards"} {
			for _, e := range tx.Elems(s.key(role)) {
				tx.Remove(s.key(role), e.ID)
			}
		}
		for _, t := range initial {
			tx.Push(s.key("stack"), t)
		}
		return nil
	})
}

// Peek returns up to n tokens from the top without mutating.
func (s *Stack) Peek(n int) ([]token.Token, error) {
	var out []token.Token
	s.c.Read(func(tx *chronicle.Tx) {
		elems := tx.Elems(s.key("stack"))
		if n > len(elems) {
			n = len(elems)
		}
		for i := 0; i < n; i++ {
			var t token.Token
			if chronicle.Decode(elems[len(elems)-1-i].Value, &t) == nil {
				out = append(out, t)
			}
		}
	})
	return out, nil
}

// Size returns the number of tokens remaining in the draw pile.
func (s *Stack) Size() int {
	n := 0
	s.c.Read(func(tx *chronicle.Tx) { n = len(tx.Elems(s.key("stack"))) })
	return n
}

// Drawn returns the tokens drawn so far, oldest first.
func (s *Stack) Drawn() []token.Token { return s.roleTokens("drawn") }

// Discards returns the discard pile, oldest first.
func (s *Stack) Discards() []token.Token { return s.roleTokens("discards") }

func (s *Stack) roleTokens(role string) []token.Token {
	var out []token.Token
	s.c.Read(func(tx *chronicle.Tx) {
		for _, e := range tx.Elems(s.key(role)) {
			var t token.Token
			if chronicle.Decode(e.Value, &t) == nil {
				out = append(out, t)
			}
		}
	})
	return out
}

// Name returns the stack's document name.
func (s *Stack) Name() string { return s.name }

func tokenID(value any) string {
	m, ok := value.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}
