package deck

import (
	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/rng"
	"github.com/flammafex/hypertoken/internal/token"
)

// ReshuffleMode selects how a source reacts when it runs low.
type ReshuffleMode string

const (
	ReshuffleManual ReshuffleMode = "manual"
	ReshuffleAuto   ReshuffleMode = "auto"
)

// ReshufflePolicy triggers when the aggregate remaining count drops below
// Threshold.
type ReshufflePolicy struct {
	Threshold       int           `json:"threshold"`
	Mode            ReshuffleMode `json:"mode"`
	IncludeDiscards bool          `json:"includeDiscards"`
}

// ReshuffleHandler observes manual-mode reshuffle demands.
type ReshuffleHandler func(source string)

// Source wraps one or more stacks behind a single draw surface.
type Source struct {
	c      *chronicle.Chronicle
	name   string
	stacks []*Stack
	policy ReshufflePolicy

	onReshuffleRequired []ReshuffleHandler
	next                int
}

// NewSource binds stacks under a reshuffle policy. Draw order across stacks
// is round-robin.
func NewSource(c *chronicle.Chronicle, name string, stacks []*Stack, policy ReshufflePolicy) (*Source, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if len(stacks) == 0 {
		return nil, hterr.New(hterr.KindInvalidMutation, "source needs at least one stack")
	}
	if policy.Mode == "" {
		policy.Mode = ReshuffleManual
	}
	return &Source{c: c, name: name, stacks: stacks, policy: policy}, nil
}

// OnReshuffleRequired subscribes to manual-mode low-water events.
func (s *Source) OnReshuffleRequired(h ReshuffleHandler) {
	s.onReshuffleRequired = append(s.onReshuffleRequired, h)
}

// Remaining sums the wrapped stacks' draw piles.
func (s *Source) Remaining() int {
	total := 0
	for _, st := range s.stacks {
		total += st.Size()
	}
	return total
}

// Draw pulls count tokens, rotating across the wrapped stacks. Under an
// auto policy an empty pull refills from discards and retries once before
// failing with Exhausted.
func (s *Source) Draw(count int) ([]token.Token, error) {
	out := make([]token.Token, 0, count)
	for i := 0; i < count; i++ {
		t, err := s.drawOne(true)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	s.checkThreshold()
	return out, nil
}

func (s *Source) drawOne(mayRefill bool) (token.Token, error) {
	for range s.stacks {
		st := s.stacks[s.next%len(s.stacks)]
		s.next++
		if st.Size() == 0 {
			continue
		}
		drawn, err := st.Draw(1)
		if err != nil {
			return token.Token{}, err
		}
		return drawn[0], nil
	}
	if mayRefill && s.policy.Mode == ReshuffleAuto {
		if err := s.Reshuffle(); err != nil {
			return token.Token{}, err
		}
		return s.drawOne(false)
	}
	return token.Token{}, hterr.Newf(hterr.KindExhausted, "source %s is empty", s.name)
}

// Burn discards count tokens from the top of the rotation.
func (s *Source) Burn(count int) error {
	for i := 0; i < count; i++ {
		burned := false
		for range s.stacks {
			st := s.stacks[s.next%len(s.stacks)]
			s.next++
			if st.Size() == 0 {
				continue
			}
			if err := st.Burn(1); err != nil {
				return err
			}
			burned = true
			break
		}
		if !burned {
			return hterr.Newf(hterr.KindExhausted, "source %s is empty", s.name)
		}
	}
	s.checkThreshold()
	return nil
}

// Shuffle shuffles every wrapped stack with seeds derived from the given
// one, so the whole source permutes deterministically.
func (s *Source) Shuffle(seed uint64) error {
	for i, st := range s.stacks {
		if err := st.Shuffle(rng.DeriveSeed(seed, int64(i+1))); err != nil {
			return err
		}
	}
	return nil
}

// Reshuffle shuffles the wrapped stacks with a seed derived from the
// document round, keeping replicas aligned. Discards are pulled back into
// the stacks first only when IncludeDiscards is set or the mode is auto.
func (s *Source) Reshuffle() error {
	err := s.c.Change("source:reshuffle", func(tx *chronicle.Tx) error {
		for _, st := range s.stacks {
			to := st.key("stack")
			if s.policy.IncludeDiscards || s.policy.Mode == ReshuffleAuto {
				from := st.key("discards")
				for _, e := range tx.Elems(from) {
					tx.Transfer(from, e.ID, to)
				}
			}
			if err := shuffleList(tx, to, resolveSeed(tx, 0)); err != nil {
				return err
			}
		}
		tx.AddCounter("round", 1)
		return nil
	})
	return err
}

func (s *Source) checkThreshold() {
	if s.Remaining() >= s.policy.Threshold {
		return
	}
	switch s.policy.Mode {
	case ReshuffleAuto:
		_ = s.Reshuffle()
	default:
		for _, h := range s.onReshuffleRequired {
			h(s.name)
		}
	}
}
