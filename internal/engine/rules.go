package engine

import (
	"sort"
	"sync"
)

// Rule is a conditional post-action effect. Rules are local code: `once`
// consumption is per-replica, and replicas converge because they evaluate
// identical dispatch streams.
type Rule struct {
	Name      string
	Priority  int
	Once      bool
	Condition func(e *Engine, last ActionRecord) bool
	Effect    func(e *Engine, last ActionRecord) error
}

// RuleEngine re-evaluates rules after each committed action: priority
// descending, registration order breaking ties, first satisfied rule fires.
type RuleEngine struct {
	mu    sync.Mutex
	rules []ruleEntry
	next  int
}

type ruleEntry struct {
	rule     Rule
	order    int
	consumed bool
}

// NewRuleEngine creates an empty rule engine.
func NewRuleEngine() *RuleEngine { return &RuleEngine{} }

// Add registers a rule.
func (re *RuleEngine) Add(rule Rule) {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.rules = append(re.rules, ruleEntry{rule: rule, order: re.next})
	re.next++
	sort.SliceStable(re.rules, func(i, j int) bool {
		if re.rules[i].rule.Priority != re.rules[j].rule.Priority {
			return re.rules[i].rule.Priority > re.rules[j].rule.Priority
		}
		return re.rules[i].order < re.rules[j].order
	})
}

// Remove drops a rule by name.
func (re *RuleEngine) Remove(name string) {
	re.mu.Lock()
	defer re.mu.Unlock()
	for i, entry := range re.rules {
		if entry.rule.Name == name {
			re.rules = append(re.rules[:i], re.rules[i+1:]...)
			return
		}
	}
}

// Run fires the first satisfied rule. The fired rule's name is returned for
// the caller's event; effect errors surface without uncommitting the
// action.
func (re *RuleEngine) Run(e *Engine, last ActionRecord) (string, error) {
	re.mu.Lock()
	candidates := make([]*ruleEntry, 0, len(re.rules))
	for i := range re.rules {
		if !re.rules[i].consumed {
			candidates = append(candidates, &re.rules[i])
		}
	}
	re.mu.Unlock()

	for _, entry := range candidates {
		if entry.rule.Condition == nil || !entry.rule.Condition(e, last) {
			continue
		}
		if entry.rule.Once {
			re.mu.Lock()
			entry.consumed = true
			re.mu.Unlock()
		}
		var err error
		if entry.rule.Effect != nil {
			err = entry.rule.Effect(e, last)
		}
		return entry.rule.Name, err
	}
	return "", nil
}
