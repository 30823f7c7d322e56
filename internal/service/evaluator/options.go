package evaluator

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/securecheckio/rules-engine/internal/domain/engine"
)

// Option configures an Evaluator at construction.
type Option func(*Evaluator)

// WithStateProvider supplies the external persistence collaborator used on
// state-cache miss and after every state mutation. Optional: the evaluator
// degrades to cache-only state when unset.
func WithStateProvider(p engine.StateProvider) Option {
	return func(e *Evaluator) { e.stateProvider = p }
}

// WithSemanticMatcher supplies the external similarity collaborator used by
// the semantic stage. Optional: rules declaring a semantic stage simply
// never match it when unset.
func WithSemanticMatcher(m engine.SemanticMatcher) Option {
	return func(e *Evaluator) { e.semanticMatcher = m }
}

// WithConditionGate supplies the CEL condition compiler used for rules that
// declare a condition expression. Optional: condition-bearing rules are
// never eligible when unset (fail-closed).
func WithConditionGate(g engine.ConditionGate) Option {
	return func(e *Evaluator) { e.conditionGate = g }
}

// WithLogger overrides the evaluator's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithMetrics overrides the evaluator's Prometheus instrumentation.
// Defaults to an unregistered *Metrics (instrumentation calls still run,
// just against a registry nobody scrapes).
func WithMetrics(m *Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithTracer overrides the evaluator's OpenTelemetry tracer. Defaults to a
// no-op tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Evaluator) { e.tracer = t }
}
