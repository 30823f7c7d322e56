// Package threshold implements the per-(conversation, rule) sliding-window
// counters used by rate-gated rules.
package threshold

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
	"github.com/securecheckio/rules-engine/internal/domain/rule"
)

// shardCount is the number of independently-locked buckets the tracker is
// split into. Tuples hash to a shard via xxhash, so unrelated conversations
// rarely contend for the same mutex -- the isolation the concurrency model
// requires (spec §5) falls out of the sharding, not just the key scheme.
const shardCount = 64

// entry is one rolling-window counter for a single (tuple, rule) pair.
type entry struct {
	count      int
	firstMatch time.Time
	windowEnd  time.Time
}

type shard struct {
	mu sync.Mutex
	// byTuple maps tuple ID -> rule ID -> entry.
	byTuple map[string]map[string]*entry
}

// Tracker implements the threshold/window firing policy: a rule with
// Threshold/Window set only fires once it has matched Threshold times
// within a rolling Window. Firing drains the counter and restarts the
// window (the spec's "drain and restart" semantics, deliberately not a
// sliding count).
type Tracker struct {
	shards [shardCount]*shard
	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// New creates an empty threshold tracker.
func New() *Tracker {
	t := &Tracker{Now: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{byTuple: make(map[string]map[string]*entry)}
	}
	return t
}

func (t *Tracker) shardFor(tupleID string) *shard {
	h := xxhash.Sum64String(tupleID)
	return t.shards[h%shardCount]
}

// Check returns true exactly when r should fire this invocation under its
// threshold policy, and the match count within the current window (useful
// for diagnostic reporting on a non-fire). Rules without a threshold/window
// always fire with a reported count of 0.
func (t *Tracker) Check(r *rule.Rule, tuple matchstate.Tuple) (fired bool, count int) {
	if !r.HasThresholdGate() {
		return true, 0
	}

	tupleID := tuple.ID()
	sh := t.shardFor(tupleID)
	now := t.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	byRule, ok := sh.byTuple[tupleID]
	if !ok {
		byRule = make(map[string]*entry)
		sh.byTuple[tupleID] = byRule
	}

	e, ok := byRule[r.ID]
	if !ok || now.After(e.windowEnd) {
		byRule[r.ID] = &entry{
			count:      1,
			firstMatch: now,
			windowEnd:  now.Add(time.Duration(r.Window) * time.Second),
		}
		return r.Threshold == 1, 1
	}

	e.count++
	if e.count >= r.Threshold {
		count = e.count
		delete(byRule, r.ID)
		if len(byRule) == 0 {
			delete(sh.byTuple, tupleID)
		}
		return true, count
	}
	return false, e.count
}

// Clear drops all tracked counters across every tuple and rule.
func (t *Tracker) Clear() {
	for _, sh := range t.shards {
		sh.mu.Lock()
		sh.byTuple = make(map[string]map[string]*entry)
		sh.mu.Unlock()
	}
}

// Size returns the total number of tracked (tuple, rule) counters, mainly
// for tests and diagnostics.
func (t *Tracker) Size() int {
	total := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, byRule := range sh.byTuple {
			total += len(byRule)
		}
		sh.mu.Unlock()
	}
	return total
}
