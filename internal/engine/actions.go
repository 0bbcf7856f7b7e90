package engine

import (
	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/deck"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/token"
)

// registerBuiltins installs the core action set. Implementers extend the
// registry beyond these; the built-ins cover the collections every game
// shares.
func registerBuiltins(e *Engine) {
	r := e.registry

	r.Register("stack:draw", func(e *Engine, p map[string]any) (any, error) {
		s, err := e.Stack(payloadString(p, "stack", "main"))
		if err != nil {
			return nil, err
		}
		return s.Draw(payloadInt(p, "count", 1))
	})
	r.Register("stack:burn", func(e *Engine, p map[string]any) (any, error) {
		s, err := e.Stack(payloadString(p, "stack", "main"))
		if err != nil {
			return nil, err
		}
		return nil, s.Burn(payloadInt(p, "count", 1))
	})
	r.Register("stack:shuffle", func(e *Engine, p map[string]any) (any, error) {
		s, err := e.Stack(payloadString(p, "stack", "main"))
		if err != nil {
			return nil, err
		}
		return nil, s.Shuffle(uint64(payloadInt(p, "seed", 0)))
	})
	r.Register("stack:reset", func(e *Engine, p map[string]any) (any, error) {
		s, err := e.Stack(payloadString(p, "stack", "main"))
		if err != nil {
			return nil, err
		}
		return nil, s.Reset()
	})
	r.Register("stack:discard", func(e *Engine, p map[string]any) (any, error) {
		s, err := e.Stack(payloadString(p, "stack", "main"))
		if err != nil {
			return nil, err
		}
		var t token.Token
		if err := chronicle.Decode(p["token"], &t); err != nil || t.ID == "" {
			return nil, hterr.New(hterr.KindInvalidMutation, "stack:discard needs a token")
		}
		return nil, s.Discard(t)
	})

	r.Register("space:create_zone", func(e *Engine, p map[string]any) (any, error) {
		meta, _ := p["meta"].(map[string]any)
		return nil, e.space.CreateZone(payloadString(p, "zone", ""), meta)
	})
	r.Register("space:place", func(e *Engine, p map[string]any) (any, error) {
		var t token.Token
		if err := chronicle.Decode(p["token"], &t); err != nil || t.ID == "" {
			return nil, hterr.New(hterr.KindInvalidMutation, "space:place needs a token")
		}
		opts := deck.PlaceOptions{
			X:      payloadFloat(p, "x", 0),
			Y:      payloadFloat(p, "y", 0),
			FaceUp: payloadBool(p, "faceUp", false),
		}
		return e.space.Place(payloadString(p, "zone", ""), t, opts)
	})
	r.Register("space:move", func(e *Engine, p map[string]any) (any, error) {
		var pos *deck.PlaceOptions
		if _, ok := p["x"]; ok {
			pos = &deck.PlaceOptions{X: payloadFloat(p, "x", 0), Y: payloadFloat(p, "y", 0)}
		}
		return nil, e.space.Move(
			payloadString(p, "from", ""),
			payloadString(p, "to", ""),
			payloadString(p, "placementId", ""),
			pos,
		)
	})
	r.Register("space:flip", func(e *Engine, p map[string]any) (any, error) {
		return nil, e.space.Flip(payloadString(p, "zone", ""), payloadString(p, "placementId", ""))
	})

	r.Register("agent:create", func(e *Engine, p map[string]any) (any, error) {
		return nil, e.agents.Create(payloadString(p, "id", ""), payloadString(p, "name", ""))
	})
	r.Register("agent:grant", func(e *Engine, p map[string]any) (any, error) {
		return nil, e.agents.Grant(
			payloadString(p, "id", ""),
			payloadString(p, "resource", ""),
			int64(payloadInt(p, "amount", 0)),
		)
	})
	r.Register("agent:spend", func(e *Engine, p map[string]any) (any, error) {
		return nil, e.agents.Spend(
			payloadString(p, "id", ""),
			payloadString(p, "resource", ""),
			int64(payloadInt(p, "amount", 0)),
		)
	})
	r.Register("agent:transfer", func(e *Engine, p map[string]any) (any, error) {
		return nil, e.agents.Transfer(
			payloadString(p, "from", ""),
			payloadString(p, "to", ""),
			payloadString(p, "resource", ""),
			int64(payloadInt(p, "amount", 0)),
		)
	})

	r.Register("turn:next", func(e *Engine, p map[string]any) (any, error) {
		var turn int64
		err := e.chron.Change("turn:next", func(tx *chronicle.Tx) error {
			tx.AddCounter("turn", 1)
			turn = tx.Counter("turn")
			return nil
		})
		return turn, err
	})
	r.Register("phase:set", func(e *Engine, p map[string]any) (any, error) {
		phase := payloadString(p, "phase", "")
		if phase == "" {
			return nil, hterr.New(hterr.KindInvalidMutation, "phase:set needs a phase")
		}
		return phase, e.chron.Change("phase:set", func(tx *chronicle.Tx) error {
			tx.Set("phase", phase)
			return nil
		})
	})
	r.Register("source:draw", func(e *Engine, p map[string]any) (any, error) {
		src, err := e.Source(payloadString(p, "source", "main"))
		if err != nil {
			return nil, err
		}
		return src.Draw(payloadInt(p, "count", 1))
	})
}

func payloadString(p map[string]any, key, fallback string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func payloadInt(p map[string]any, key string, fallback int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

func payloadFloat(p map[string]any, key string, fallback float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func payloadBool(p map[string]any, key string, fallback bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return fallback
}
