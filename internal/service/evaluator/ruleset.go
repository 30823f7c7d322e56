package evaluator

import (
	"sort"
	"sync/atomic"

	"github.com/securecheckio/rules-engine/internal/domain/rule"
)

// RuleSet holds the currently loaded, enabled rules sorted by priority key.
// Reads are lock-free: the hot evaluation path loads an immutable snapshot
// via atomic.Value, never a mutex. A load replaces the snapshot wholesale --
// rules are never mutated in place; editing a rule means reloading the
// whole set.
type RuleSet struct {
	snapshot atomic.Value // stores []*rule.Rule
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() *RuleSet {
	rs := &RuleSet{}
	rs.snapshot.Store([]*rule.Rule{})
	return rs
}

// Load replaces the entire rule list: disabled rules are filtered out, the
// remainder sorted by priority key (lower first) using a stable sort so
// equal-priority rules retain author/load order -- the spec's required
// secondary tie-break falls out of sort.SliceStable rather than an explicit
// counter.
//
// Load is not safe to call concurrently with itself; concurrent evaluation
// reads are safe (they observe either the old or the new snapshot, never a
// partial one).
func (rs *RuleSet) Load(rules []*rule.Rule) error {
	enabled := make([]*rule.Rule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := r.Validate(); err != nil {
			return err
		}
		enabled = append(enabled, r)
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].PriorityKey() < enabled[j].PriorityKey()
	})

	rs.snapshot.Store(enabled)
	return nil
}

// Rules returns the current immutable, priority-sorted snapshot.
func (rs *RuleSet) Rules() []*rule.Rule {
	return rs.snapshot.Load().([]*rule.Rule)
}

// Count returns the number of currently loaded (enabled) rules.
func (rs *RuleSet) Count() int {
	return len(rs.Rules())
}
