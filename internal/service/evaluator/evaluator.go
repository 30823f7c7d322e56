// Package evaluator implements the end-to-end evaluation pipeline: state
// hydration, pre-filtering, staged per-rule matching, threshold gating,
// copy-on-write state mutation, and result assembly. It is the component
// that depends on every other component in this module (see the package
// dependency order in the top-level design notes: Regex Cache, Threshold
// Tracker, and State Cache are leaves; this package is the root).
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/securecheckio/rules-engine/internal/adapter/outbound/regexcache"
	"github.com/securecheckio/rules-engine/internal/adapter/outbound/statecache"
	"github.com/securecheckio/rules-engine/internal/adapter/outbound/threshold"
	"github.com/securecheckio/rules-engine/internal/domain/engine"
	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
	"github.com/securecheckio/rules-engine/internal/domain/rule"
)

// Evaluator orchestrates the five components into the evaluate(ctx)
// contract. It owns the rule set, regex cache, threshold tracker, and state
// cache outright; the state provider, semantic matcher, and condition gate
// are each independently optional collaborators.
type Evaluator struct {
	rules      *RuleSet
	regexCache *regexcache.Cache
	threshold  *threshold.Tracker
	stateCache *statecache.Cache

	stateProvider   engine.StateProvider
	semanticMatcher engine.SemanticMatcher
	conditionGate   engine.ConditionGate

	conditionsMu sync.RWMutex
	conditions   map[string]engine.CompiledCondition // rule ID -> compiled condition
	conditionErr map[string]error                    // rule ID -> compile error, reported once

	logger *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time

	shutdownOnce sync.Once
}

// New constructs an Evaluator. Rules must still be loaded via LoadRules
// before Evaluate produces any matches.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		rules:        NewRuleSet(),
		regexCache:   regexcache.New(),
		threshold:    threshold.New(),
		conditions:   make(map[string]engine.CompiledCondition),
		conditionErr: make(map[string]error),
		logger:       slog.Default(),
		Now:          time.Now,
		tracer:       noop.NewTracerProvider().Tracer("rules-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.stateCache = statecache.New(e.stateProvider, e.logger)
	return e
}

// LoadRules replaces the entire rule list (see RuleSet.Load) and
// precompiles every rule's optional CEL condition. A rule whose condition
// fails to compile is recorded and reported once, via a diagnostic result,
// the first time the rule is evaluated; it is otherwise treated as
// permanently ineligible (fail-closed), matching the configuration-error
// taxonomy in the error handling design.
func (e *Evaluator) LoadRules(rules []*rule.Rule) error {
	if err := e.rules.Load(rules); err != nil {
		return err
	}

	conditions := make(map[string]engine.CompiledCondition)
	conditionErrs := make(map[string]error)
	for _, r := range e.rules.Rules() {
		if r.Condition == "" {
			continue
		}
		if e.conditionGate == nil {
			conditionErrs[r.ID] = fmt.Errorf("rule %s declares a condition but no condition gate is configured", r.ID)
			continue
		}
		compiled, err := e.conditionGate.Compile(r.Condition)
		if err != nil {
			conditionErrs[r.ID] = fmt.Errorf("rule %s: compile condition: %w", r.ID, err)
			continue
		}
		conditions[r.ID] = compiled
	}

	e.conditionsMu.Lock()
	e.conditions = conditions
	e.conditionErr = conditionErrs
	e.conditionsMu.Unlock()

	e.metrics.RulesLoaded.Set(float64(e.rules.Count()))
	return nil
}

// RuleCount returns the number of currently loaded (enabled) rules.
func (e *Evaluator) RuleCount() int {
	return e.rules.Count()
}

// Stats reports point-in-time sizing of the engine's internal caches.
type Stats struct {
	RulesLoaded    int
	CacheSize      int
	RegexCacheSize int
}

// Stats returns the current rules_loaded/cache_size/regex_cache_size triple.
func (e *Evaluator) Stats() Stats {
	return Stats{
		RulesLoaded:    e.rules.Count(),
		CacheSize:      e.stateCache.Size(),
		RegexCacheSize: e.regexCache.Size(),
	}
}

// Shutdown flushes pending state writes, clears every cache, and releases
// resources. Idempotent.
func (e *Evaluator) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		err = e.stateCache.FlushWrites(ctx)
		e.stateCache.Clear()
		e.regexCache.Clear()
		e.threshold.Clear()
	})
	return err
}

// Evaluate runs a single evaluation pass over ctx.Message for ctx.Tuple,
// returning an ordered list of per-rule results. No panic escapes this
// call: a per-rule recover boundary converts an unhandled rule failure into
// a skipped rule rather than an aborted pass.
func (e *Evaluator) Evaluate(ctx context.Context, evalCtx engine.EvaluationContext) ([]engine.EvaluationResult, error) {
	spanCtx, span := e.tracer.Start(ctx, "rules_engine.evaluate", trace.WithAttributes(
		attribute.String("tuple.id", evalCtx.Tuple.ID()),
	))
	defer span.End()
	ctx = spanCtx

	start := e.Now()
	state, err := e.hydrateState(ctx, evalCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	results := make([]engine.EvaluationResult, 0, 4)
	for _, r := range e.rules.Rules() {
		res, matched, broke := e.evalRule(ctx, r, evalCtx, state)
		if res != nil {
			results = append(results, *res)
			if res.DiagnosticID != "" {
				e.logger.Warn("evaluator: rule produced a diagnostic result", "rule", r.ID, "diagnostic_id", res.DiagnosticID, "reason", res.Reason)
			}
		}
		if matched && res != nil && res.State != nil {
			state = res.State
		}
		if broke {
			break
		}
	}

	e.metrics.EvalDuration.Observe(e.Now().Sub(start).Seconds())
	outcome := "unmatched"
	for _, r := range results {
		if r.Matched {
			outcome = "matched"
			e.metrics.RuleMatchesTotal.WithLabelValues(string(r.Action)).Inc()
		}
	}
	e.metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
	e.metrics.StateCacheSize.Set(float64(e.stateCache.Size()))
	e.metrics.RegexCacheSize.Set(float64(e.regexCache.Size()))

	if e.stateProvider != nil {
		for _, r := range results {
			if r.State == nil {
				continue
			}
			if err := e.stateProvider.Save(ctx, r.State); err != nil {
				e.logger.Error("evaluator: post-evaluation state save failed", "tuple", evalCtx.Tuple.ID(), "error", err)
			}
		}
	}

	return results, nil
}

// hydrateState implements the state-hydration contract: an explicit
// ctx.State wins outright; otherwise the state cache, then the state
// provider, then a freshly synthesized record -- stored in the cache
// immediately so concurrent evaluations for the same tuple share it.
func (e *Evaluator) hydrateState(ctx context.Context, evalCtx engine.EvaluationContext) (*matchstate.ConversationState, error) {
	if evalCtx.State != nil {
		return evalCtx.State, nil
	}

	if cached, ok := e.stateCache.Get(evalCtx.Tuple); ok {
		return cached, nil
	}

	if e.stateProvider != nil {
		provided, err := e.stateProvider.Get(ctx, evalCtx.Tuple)
		if err != nil {
			e.logger.Warn("evaluator: state provider read failed, synthesizing fresh state", "tuple", evalCtx.Tuple.ID(), "error", err)
		} else if provided != nil {
			e.stateCache.Set(provided)
			return provided, nil
		}
	}

	fresh := matchstate.New(evalCtx.Tuple, e.Now().UnixMilli())
	e.stateCache.Set(fresh)
	return fresh, nil
}

// evalRule runs one rule's pre-filter, staged matching, and threshold gate
// against state, returning the result to emit (nil if the rule is skipped
// silently), whether it matched (and therefore mutated state), and whether
// the pass should break immediately after this result.
func (e *Evaluator) evalRule(ctx context.Context, r *rule.Rule, evalCtx engine.EvaluationContext, state *matchstate.ConversationState) (res *engine.EvaluationResult, matched bool, brk bool) {
	start := e.Now()
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("evaluator: rule panicked, skipping", "rule", r.ID, "panic", rec)
			res, matched, brk = nil, false, false
		}
	}()

	if r.Condition != "" {
		e.conditionsMu.Lock()
		condErr, failed := e.conditionErr[r.ID]
		delete(e.conditionErr, r.ID)
		e.conditionsMu.Unlock()
		if failed {
			return &engine.EvaluationResult{
				Matched:      false,
				Rule:         r,
				Reason:       fmt.Sprintf("condition: %v", condErr),
				DiagnosticID: uuid.NewString(),
			}, false, false
		}
	}

	if !e.isEligible(ctx, r, evalCtx, state) {
		return nil, false, false
	}

	if !r.HasStage() && !r.IsPurelyStateful() {
		return nil, false, false // inert: no stage inputs and nothing to gate on
	}

	matchedPattern, similarity, staged, diag := e.runStages(ctx, r, evalCtx.Message)
	if diag != nil {
		return diag, false, false
	}
	if !staged {
		return nil, false, false
	}

	fired, count := e.threshold.Check(r, evalCtx.Tuple)
	evalTimeMS := e.Now().Sub(start).Milliseconds()
	if !fired {
		return &engine.EvaluationResult{
			Matched:    false,
			Rule:       r,
			Reason:     fmt.Sprintf("Threshold not met (%d in %ds)", count, r.Window),
			EvalTimeMS: evalTimeMS,
		}, false, false
	}

	nowMS := e.Now().UnixMilli()
	var setFlags, unsetFlags []string
	if r.Flags != nil {
		setFlags, unsetFlags = r.Flags.Set, r.Flags.Unset
	}
	newState := state.ApplyMutation(r.ID, setFlags, unsetFlags, r.Flags.EffectiveTTL(), nowMS)
	e.stateCache.Set(newState)
	e.stateCache.MarkDirty(evalCtx.Tuple)

	result := &engine.EvaluationResult{
		Matched:        true,
		Rule:           r,
		Action:         r.Action,
		State:          newState,
		MatchedPattern: matchedPattern,
		EvalTimeMS:     evalTimeMS,
	}
	if similarity != nil {
		result.Similarity = similarity
	}

	brk = r.Action == rule.ActionBlock && r.Severity == rule.SeverityCritical
	return result, true, brk
}

// isEligible implements the pre-filter: flags.check preconditions and the
// optional CEL condition gate. Ineligible rules are skipped silently. A
// rule whose condition failed to compile has no compiled condition, so it
// is ineligible here; evalRule emits its one diagnostic result before
// calling this.
func (e *Evaluator) isEligible(ctx context.Context, r *rule.Rule, evalCtx engine.EvaluationContext, state *matchstate.ConversationState) bool {
	if r.Flags != nil && len(r.Flags.Check) > 0 && !state.CheckAll(r.Flags.Check) {
		return false
	}

	if r.Condition == "" {
		return true
	}

	e.conditionsMu.RLock()
	compiled, ok := e.conditions[r.ID]
	e.conditionsMu.RUnlock()
	if !ok {
		return false
	}

	activation := map[string]any{
		"message":         evalCtx.Message,
		"token_id":        evalCtx.Tuple.TokenID,
		"conversation_id": evalCtx.Tuple.ConversationID,
		"account_id":      evalCtx.Tuple.AccountID,
		"flags":           state.Flags,
	}
	ok, err := compiled.Evaluate(ctx, activation)
	if err != nil {
		e.logger.Warn("evaluator: condition evaluation failed, treating rule as ineligible", "rule", r.ID, "error", err)
		return false
	}
	return ok
}

// runStages implements the content/pcre/semantic staged-matching contract.
// It returns (matchedPattern, similarity, staged, diagnostic): staged is
// true iff every stage the rule declares passed; diagnostic is non-nil only
// for a regex compile failure, which short-circuits the rule with a
// diagnostic result per the configuration-error taxonomy.
func (e *Evaluator) runStages(ctx context.Context, r *rule.Rule, message string) (matchedPattern string, similarity *float64, staged bool, diagnostic *engine.EvaluationResult) {
	nocase := r.EffectiveNoCase()

	if len(r.Content) > 0 {
		haystack := message
		if nocase {
			haystack = strings.ToLower(haystack)
		}
		for _, kw := range r.Content {
			needle := kw
			if nocase {
				needle = strings.ToLower(needle)
			}
			if !strings.Contains(haystack, needle) {
				return "", nil, false, nil
			}
		}
		matchedPattern = strings.Join(r.Content, ", ")
	}

	if len(r.PCRE) > 0 {
		var firstPCREMatch string
		for _, pattern := range r.PCRE {
			re, err := e.regexCache.Get(pattern, nocase)
			if err != nil {
				return "", nil, false, &engine.EvaluationResult{
					Matched:      false,
					Rule:         r,
					Reason:       fmt.Sprintf("pcre stage: %v", err),
					DiagnosticID: uuid.NewString(),
				}
			}
			loc := re.FindStringIndex(message)
			if loc == nil {
				return "", nil, false, nil
			}
			if firstPCREMatch == "" {
				firstPCREMatch = message[loc[0]:loc[1]]
			}
		}
		if matchedPattern == "" {
			matchedPattern = firstPCREMatch
		}
	}

	if len(r.Semantic) > 0 {
		if e.semanticMatcher == nil {
			return "", nil, false, nil
		}
		simThreshold := r.EffectiveSemanticThreshold()
		matches, err := e.semanticMatcher.QueryRules(ctx, message, simThreshold)
		if err != nil {
			e.logger.Warn("evaluator: semantic matcher query failed, treating as no match", "rule", r.ID, "error", err)
			return "", nil, false, nil
		}
		found := false
		var sim float64
		for _, m := range matches {
			if m.RuleID == r.ID {
				found = true
				sim = m.Similarity
				break
			}
		}
		if !found {
			return "", nil, false, nil
		}
		similarity = &sim
		if matchedPattern == "" {
			matchedPattern = fmt.Sprintf("semantic match (%.1f%%)", sim*100)
		}
	}

	return matchedPattern, similarity, true, nil
}
