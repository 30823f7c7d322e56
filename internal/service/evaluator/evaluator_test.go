package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/securecheckio/rules-engine/internal/domain/engine"
	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
	"github.com/securecheckio/rules-engine/internal/domain/rule"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	return New(WithMetrics(NewMetrics(prometheus.NewRegistry())))
}

func mustLoad(t *testing.T, e *Evaluator, rules []*rule.Rule) {
	t.Helper()
	if err := e.LoadRules(rules); err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
}

func tuple(tokenID, convID string) matchstate.Tuple {
	return matchstate.Tuple{TokenID: tokenID, ConversationID: convID}
}

func evalCtx(tok, conv, message string) engine.EvaluationContext {
	return engine.EvaluationContext{Tuple: tuple(tok, conv), Message: message}
}

func matchedOnly(results []engine.EvaluationResult) []engine.EvaluationResult {
	var out []engine.EvaluationResult
	for _, r := range results {
		if r.Matched {
			out = append(out, r)
		}
	}
	return out
}

// Scenario 1: SQL injection (content+pcre).
func TestScenarioSQLInjection(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{{
		ID:       "sqli",
		Content:  []string{"DROP", "TABLE"},
		PCRE:     []string{`DROP\s+TABLE`},
		Action:   rule.ActionBlock,
		Severity: rule.SeverityCritical,
		Enabled:  true,
	}})

	results, err := e.Evaluate(context.Background(), evalCtx("t1", "c1", "'; DROP TABLE users; --"))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	matched := matchedOnly(results)
	if len(matched) != 1 || matched[0].Action != rule.ActionBlock {
		t.Fatalf("expected one block match, got %+v", results)
	}

	results, err = e.Evaluate(context.Background(), evalCtx("t1", "c2", "DROP database"))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(matchedOnly(results)) != 0 {
		t.Fatalf("expected no match for partial keyword overlap, got %+v", results)
	}
}

// Scenario 2: case sensitivity.
func TestScenarioCaseSensitivity(t *testing.T) {
	e := newTestEvaluator(t)
	noCase := false
	mustLoad(t, e, []*rule.Rule{{
		ID:       "sqli",
		Content:  []string{"DROP", "TABLE"},
		PCRE:     []string{`DROP\s+TABLE`},
		NoCase:   &noCase,
		Action:   rule.ActionBlock,
		Severity: rule.SeverityCritical,
		Enabled:  true,
	}})

	results, _ := e.Evaluate(context.Background(), evalCtx("t1", "c1", "drop table users"))
	if len(matchedOnly(results)) != 0 {
		t.Fatalf("expected no match under case-sensitive rule, got %+v", results)
	}

	results, _ = e.Evaluate(context.Background(), evalCtx("t1", "c2", "DROP TABLE users"))
	if len(matchedOnly(results)) != 1 {
		t.Fatalf("expected a match for exact-case input, got %+v", results)
	}
}

// Scenario 3: multi-stage phishing via flag correlation.
func TestScenarioMultiStagePhishing(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "r1", Content: []string{"verify"}, Flags: &rule.FlagSpec{Set: []string{"s1"}}, Action: rule.ActionPass, Enabled: true},
		{ID: "r2", Content: []string{"urgent"}, Flags: &rule.FlagSpec{Check: []string{"s1"}, Set: []string{"s2"}}, Action: rule.ActionPass, Enabled: true},
		{ID: "r3", Content: []string{"password"}, Flags: &rule.FlagSpec{Check: []string{"s2"}}, Action: rule.ActionBlock, Severity: rule.SeverityCritical, Enabled: true},
	})

	tup := tuple("t1", "c1")

	r1, _ := e.Evaluate(context.Background(), engine.EvaluationContext{Tuple: tup, Message: "Please verify your account"})
	if len(matchedOnly(r1)) != 1 || matchedOnly(r1)[0].Rule.ID != "r1" {
		t.Fatalf("expected r1 to fire, got %+v", r1)
	}

	r2, _ := e.Evaluate(context.Background(), engine.EvaluationContext{Tuple: tup, Message: "Urgent action required"})
	if len(matchedOnly(r2)) != 1 || matchedOnly(r2)[0].Rule.ID != "r2" {
		t.Fatalf("expected r2 to fire, got %+v", r2)
	}

	r3, _ := e.Evaluate(context.Background(), engine.EvaluationContext{Tuple: tup, Message: "Enter your password now"})
	if len(matchedOnly(r3)) != 1 || matchedOnly(r3)[0].Rule.ID != "r3" {
		t.Fatalf("expected r3 to fire, got %+v", r3)
	}

	r4, _ := e.Evaluate(context.Background(), engine.EvaluationContext{Tuple: tup, Message: "hello"})
	if len(matchedOnly(r4)) != 0 {
		t.Fatalf("expected no results for unrelated message, got %+v", r4)
	}
}

// Scenario 4: threshold gating and window restart.
func TestScenarioThreshold(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newTestEvaluator(t)
	e.Now = func() time.Time { return now }
	mustLoad(t, e, []*rule.Rule{{
		ID: "buy", Content: []string{"buy"}, Threshold: 3, Window: 10, Action: rule.ActionBlock, Enabled: true,
	}})

	tup := tuple("t1", "c1")

	r1, _ := e.Evaluate(context.Background(), engine.EvaluationContext{Tuple: tup, Message: "buy now"})
	if len(matchedOnly(r1)) != 0 || len(r1) != 1 || r1[0].Reason == "" {
		t.Fatalf("match 1: expected non-match diagnostic, got %+v", r1)
	}

	r2, _ := e.Evaluate(context.Background(), engine.EvaluationContext{Tuple: tup, Message: "buy now"})
	if len(matchedOnly(r2)) != 0 {
		t.Fatalf("match 2: expected non-match, got %+v", r2)
	}

	r3, _ := e.Evaluate(context.Background(), engine.EvaluationContext{Tuple: tup, Message: "buy now"})
	if len(matchedOnly(r3)) != 1 {
		t.Fatalf("match 3: expected fire at threshold, got %+v", r3)
	}

	now = now.Add(11 * time.Second)
	r4, _ := e.Evaluate(context.Background(), engine.EvaluationContext{Tuple: tup, Message: "buy now"})
	if len(matchedOnly(r4)) != 0 {
		t.Fatalf("match 4 (new window): expected non-match, got %+v", r4)
	}
}

// Scenario 5: disabled rules are excluded from both rule_count and results.
func TestScenarioDisabledRules(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "active", Content: []string{"x"}, Action: rule.ActionFlag, Enabled: true},
		{ID: "inactive", Content: []string{"x"}, Action: rule.ActionFlag, Enabled: false},
	})

	if e.RuleCount() != 1 {
		t.Fatalf("RuleCount() = %d, want 1", e.RuleCount())
	}

	results, _ := e.Evaluate(context.Background(), evalCtx("t1", "c1", "x"))
	for _, r := range results {
		if r.Rule.ID == "inactive" {
			t.Fatalf("disabled rule must never appear in results")
		}
	}
}

// Scenario 6: flag isolation across conversations.
func TestScenarioFlagIsolationAcrossConversations(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "setter", Content: []string{"prime"}, Flags: &rule.FlagSpec{Set: []string{"f"}}, Action: rule.ActionPass, Enabled: true},
		{ID: "gated", Flags: &rule.FlagSpec{Check: []string{"f"}}, Action: rule.ActionFlag, Enabled: true},
	})

	e.Evaluate(context.Background(), evalCtx("tok", "convA", "prime"))

	resultsB, _ := e.Evaluate(context.Background(), evalCtx("tok", "convB", "anything"))
	for _, r := range matchedOnly(resultsB) {
		if r.Rule.ID == "gated" {
			t.Fatalf("flag set under convA leaked into convB")
		}
	}
}

func TestEarlyExitOnCriticalBlock(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "critical", Content: []string{"x"}, Action: rule.ActionBlock, Severity: rule.SeverityCritical, Enabled: true},
		// allow has action weight 5 (key 51), so it sorts after the critical block (key 41).
		{ID: "after", Content: []string{"x"}, Action: rule.ActionAllow, Enabled: true},
	})

	results, _ := e.Evaluate(context.Background(), evalCtx("t1", "c1", "x"))
	if len(results) != 1 || results[0].Rule.ID != "critical" {
		t.Fatalf("expected early exit after critical block, got %+v", results)
	}
}

func TestCopyOnWriteDoesNotMutateEarlierResultState(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "r1", Content: []string{"a"}, Flags: &rule.FlagSpec{Set: []string{"f1"}}, Action: rule.ActionPass, Enabled: true},
		{ID: "r2", Content: []string{"a"}, Flags: &rule.FlagSpec{Set: []string{"f2"}}, Action: rule.ActionPass, Enabled: true},
	})

	results, _ := e.Evaluate(context.Background(), evalCtx("t1", "c1", "a"))
	matched := matchedOnly(results)
	if len(matched) != 2 {
		t.Fatalf("expected both rules to fire, got %+v", results)
	}
	if matched[0].State.Flags["f2"] {
		t.Fatalf("r1's snapshotted state must not reflect r2's later mutation")
	}
	if !matched[1].State.Flags["f1"] || !matched[1].State.Flags["f2"] {
		t.Fatalf("r2's state should carry both mutations")
	}
}

func TestPurelyStatefulRuleMatchesOnFlagsAlone(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "setter", Content: []string{"go"}, Flags: &rule.FlagSpec{Set: []string{"primed"}}, Action: rule.ActionPass, Enabled: true},
		{ID: "stateful", Flags: &rule.FlagSpec{Check: []string{"primed"}}, Action: rule.ActionAlert, Enabled: true},
	})

	results, _ := e.Evaluate(context.Background(), evalCtx("t1", "c1", "go"))
	matched := matchedOnly(results)
	if len(matched) != 2 {
		t.Fatalf("expected setter and stateful rule to both fire, got %+v", results)
	}
}

func TestInertRuleNeverMatches(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "inert", Action: rule.ActionFlag, Enabled: true},
	})
	results, _ := e.Evaluate(context.Background(), evalCtx("t1", "c1", "anything"))
	if len(matchedOnly(results)) != 0 {
		t.Fatalf("expected inert rule to never match, got %+v", results)
	}
}

func TestStatsReflectsLoadedRulesAndCaches(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "r1", PCRE: []string{`a+`}, Action: rule.ActionFlag, Enabled: true},
	})
	e.Evaluate(context.Background(), evalCtx("t1", "c1", "aaa"))

	stats := e.Stats()
	if stats.RulesLoaded != 1 {
		t.Fatalf("RulesLoaded = %d, want 1", stats.RulesLoaded)
	}
	if stats.CacheSize != 1 {
		t.Fatalf("CacheSize = %d, want 1", stats.CacheSize)
	}
	if stats.RegexCacheSize != 1 {
		t.Fatalf("RegexCacheSize = %d, want 1", stats.RegexCacheSize)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{{ID: "r1", Content: []string{"x"}, Action: rule.ActionFlag, Enabled: true}})
	e.Evaluate(context.Background(), evalCtx("t1", "c1", "x"))

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
	if e.Stats().CacheSize != 0 {
		t.Fatalf("expected state cache cleared after shutdown")
	}
}

func TestExplicitStateOverridesCacheAndProvider(t *testing.T) {
	e := newTestEvaluator(t)
	mustLoad(t, e, []*rule.Rule{
		{ID: "gated", Flags: &rule.FlagSpec{Check: []string{"f"}}, Action: rule.ActionFlag, Enabled: true},
	})

	override := matchstate.New(tuple("t1", "c1"), 0)
	override.Flags["f"] = true

	results, _ := e.Evaluate(context.Background(), engine.EvaluationContext{
		Tuple: tuple("t1", "c1"), Message: "anything", State: override,
	})
	if len(matchedOnly(results)) != 1 {
		t.Fatalf("expected explicit state to satisfy flags.check, got %+v", results)
	}
}
