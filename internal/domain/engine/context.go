// Package engine contains the domain ports and data types for the rules
// engine's evaluation contract. Concrete matching, caching, and tracking
// logic lives in internal/adapter and internal/service/evaluator; this
// package only defines the shapes those collaborate through.
package engine

import (
	"context"

	"github.com/securecheckio/rules-engine/internal/domain/matchstate"
	"github.com/securecheckio/rules-engine/internal/domain/rule"
)

// EvaluationContext is the input to a single evaluation pass.
type EvaluationContext struct {
	Tuple   matchstate.Tuple
	Message string
	// State, when non-nil, overrides cache/provider lookup for this call.
	// Used by test surfaces that want to evaluate against a fixed state.
	State *matchstate.ConversationState
}

// EvaluationResult is one rule's outcome within an evaluation pass.
type EvaluationResult struct {
	Matched        bool
	Rule           *rule.Rule
	Action         rule.Action
	State          *matchstate.ConversationState
	Reason         string
	EvalTimeMS     int64
	Similarity     *float64
	MatchedPattern string
	// DiagnosticID uniquely identifies a configuration-error diagnostic
	// result (e.g. a pcre stage compile failure), so operators can
	// correlate a logged warning with the result that surfaced it.
	// Empty on ordinary matched/unmatched results.
	DiagnosticID string
}

// SemanticMatch is one exemplar match returned by a Semantic Matcher query.
type SemanticMatch struct {
	RuleID     string  `json:"rule_id"`
	Similarity float64 `json:"similarity"`
}

// SemanticMatcher is the external similarity backend consumed by the
// evaluator's semantic stage. The engine does not implement embedding or
// vector storage -- this is an interface over a collaborator (see spec §6).
type SemanticMatcher interface {
	// GenerateEmbedding returns the embedding vector for text. Optional: the
	// core evaluator never calls this directly, it exists for callers that
	// need raw embeddings outside the rule-matching path.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	// QueryRules returns every semantic exemplar whose similarity to message
	// is >= threshold.
	QueryRules(ctx context.Context, message string, threshold float64) ([]SemanticMatch, error)
}

// StateProvider is the external persistence collaborator for conversation
// state across processes. The engine treats all failures as non-fatal: a
// Get error falls through to synthesis, a Save error is logged.
type StateProvider interface {
	Get(ctx context.Context, tuple matchstate.Tuple) (*matchstate.ConversationState, error)
	Save(ctx context.Context, state *matchstate.ConversationState) error
}

// ConditionGate evaluates a rule's optional CEL condition against an
// evaluation. When no ConditionGate is configured, condition-bearing rules
// are never eligible (conservative default: fail closed on eligibility,
// matching the "unknown variable/operational error -> return empty/false,
// never throw" policy in spec §7).
type ConditionGate interface {
	// Compile validates and compiles expr once, at load time.
	Compile(expr string) (CompiledCondition, error)
}

// CompiledCondition is a pre-compiled CEL condition ready for repeated
// evaluation against per-call activations.
type CompiledCondition interface {
	Evaluate(ctx context.Context, activation map[string]any) (bool, error)
}
