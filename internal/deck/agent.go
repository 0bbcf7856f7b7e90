package deck

import (
	"github.com/flammafex/hypertoken/internal/chronicle"
	"github.com/flammafex/hypertoken/internal/hterr"
	"github.com/flammafex/hypertoken/internal/token"
)

// Agent is a participant's replicated record: resources, hand and liveness.
// Resources are replicated counters so concurrent grants commute; public
// operations keep balances non-negative.
type Agent struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Resources map[string]int64 `json:"resources"`
	Hand      []token.Token    `json:"hand"`
	Meta      map[string]any   `json:"meta,omitempty"`
	Active    bool             `json:"active"`
}

// Agents manages the agent roster over the chronicle.
type Agents struct {
	c *chronicle.Chronicle
}

// NewAgents binds the roster.
func NewAgents(c *chronicle.Chronicle) *Agents { return &Agents{c: c} }

func agentKey(id, field string) string { return "agents." + id + "." + field }

// Create registers an agent. Creating an existing id refreshes the name.
func (a *Agents) Create(id, name string) error {
	if err := validateName(id); err != nil {
		return err
	}
	return a.c.Change("agent:create", func(tx *chronicle.Tx) error {
		tx.Set(agentKey(id, "name"), name)
		tx.Set(agentKey(id, "active"), true)
		tx.AddToSet("agentsIndex", id)
		return nil
	})
}

// Eliminate marks an agent inactive. The record survives for history.
func (a *Agents) Eliminate(id string) error {
	return a.c.Change("agent:eliminate", func(tx *chronicle.Tx) error {
		if err := requireAgent(tx, id); err != nil {
			return err
		}
		tx.Set(agentKey(id, "active"), false)
		return nil
	})
}

func requireAgent(tx *chronicle.Tx, id string) error {
	for _, known := range tx.SetMembers("agentsIndex") {
		if known == id {
			return nil
		}
	}
	return hterr.Newf(hterr.KindInvalidMutation, "unknown agent %q", id)
}

// Grant adds amount to an agent's resource.
func (a *Agents) Grant(id, resource string, amount int64) error {
	if amount < 0 {
		return hterr.New(hterr.KindInvalidMutation, "grant amount must be non-negative")
	}
	return a.c.Change("agent:grant", func(tx *chronicle.Tx) error {
		if err := requireAgent(tx, id); err != nil {
			return err
		}
		tx.AddCounter(agentKey(id, "resources")+"."+resource, amount)
		return nil
	})
}

// Spend subtracts amount, failing if the balance would go negative.
func (a *Agents) Spend(id, resource string, amount int64) error {
	if amount < 0 {
		return hterr.New(hterr.KindInvalidMutation, "spend amount must be non-negative")
	}
	return a.c.Change("agent:spend", func(tx *chronicle.Tx) error {
		if err := requireAgent(tx, id); err != nil {
			return err
		}
		key := agentKey(id, "resources") + "." + resource
		if tx.Counter(key) < amount {
			return hterr.Newf(hterr.KindInvalidMutation, "agent %s has insufficient %s", id, resource)
		}
		tx.AddCounter(key, -amount)
		return nil
	})
}

// Transfer moves amount between two agents atomically: both sides commit in
// one change or neither does.
func (a *Agents) Transfer(fromID, toID, resource string, amount int64) error {
	if amount < 0 {
		return hterr.New(hterr.KindInvalidMutation, "transfer amount must be non-negative")
	}
	return a.c.Change("agent:transfer", func(tx *chronicle.Tx) error {
		if err := requireAgent(tx, fromID); err != nil {
			return err
		}
		if err := requireAgent(tx, toID); err != nil {
			return err
		}
		fromKey := agentKey(fromID, "resources") + "." + resource
		if tx.Counter(fromKey) < amount {
			return hterr.Newf(hterr.KindInvalidMutation, "agent %s has insufficient %s", fromID, resource)
		}
		tx.AddCounter(fromKey, -amount)
		tx.AddCounter(agentKey(toID, "resources")+"."+resource, amount)
		return nil
	})
}

// Balance reads a resource counter.
func (a *Agents) Balance(id, resource string) int64 {
	var out int64
	a.c.Read(func(tx *chronicle.Tx) {
		out = tx.Counter(agentKey(id, "resources") + "." + resource)
	})
	return out
}

// AddToHand appends a token to the agent's hand. The token must not live in
// any zone.
func (a *Agents) AddToHand(id string, t token.Token) error {
	return a.c.Change("agent:hand_add", func(tx *chronicle.Tx) error {
		if err := requireAgent(tx, id); err != nil {
			return err
		}
		if holder := findToken(tx, t.ID); holder != "" {
			return hterr.Newf(hterr.KindTokenAlreadyPlaced, "token %s already in zone %s", t.ID, holder)
		}
		for _, other := range tx.SetMembers("agentsIndex") {
			for _, e := range tx.Elems(agentKey(other, "hand")) {
				if tokenID(e.Value) == t.ID {
					return hterr.Newf(hterr.KindTokenAlreadyPlaced, "token %s already in a hand", t.ID)
				}
			}
		}
		tx.Push(agentKey(id, "hand"), t.Clone())
		return nil
	})
}

// RemoveFromHand deletes a token from the agent's hand and returns it.
func (a *Agents) RemoveFromHand(id, tokenID string) (token.Token, error) {
	var out token.Token
	err := a.c.Change("agent:hand_remove", func(tx *chronicle.Tx) error {
		if err := requireAgent(tx, id); err != nil {
			return err
		}
		for _, e := range tx.Elems(agentKey(id, "hand")) {
			var t token.Token
			if chronicle.Decode(e.Value, &t) == nil && t.ID == tokenID {
				tx.Remove(agentKey(id, "hand"), e.ID)
				out = t
				return nil
			}
		}
		return hterr.Newf(hterr.KindUnknownPlacement, "token %s not in hand of %s", tokenID, id)
	})
	return out, err
}

// Get assembles an agent's full record.
func (a *Agents) Get(id string) (Agent, error) {
	var out Agent
	var err error
	a.c.Read(func(tx *chronicle.Tx) {
		if rerr := requireAgent(tx, id); rerr != nil {
			err = rerr
			return
		}
		out.ID = id
		out.Name, _ = tx.Get(agentKey(id, "name")).(string)
		out.Active, _ = tx.Get(agentKey(id, "active")).(bool)
		out.Resources = tx.Counters(agentKey(id, "resources") + ".")
		if meta, ok := tx.Get(agentKey(id, "meta")).(map[string]any); ok {
			out.Meta = meta
		}
		for _, e := range tx.Elems(agentKey(id, "hand")) {
			var t token.Token
			if chronicle.Decode(e.Value, &t) == nil {
				out.Hand = append(out.Hand, t)
			}
		}
	})
	return out, err
}

// List returns the ids of all registered agents.
func (a *Agents) List() []string {
	var out []string
	a.c.Read(func(tx *chronicle.Tx) { out = tx.SetMembers("agentsIndex") })
	return out
}
