// Package rulesengine is the public facade for the message-inspection
// rules engine. It wires the internal adapters together according to a
// config.Config and exposes the narrow Engine surface callers embed:
// load a rule set, evaluate a message, inspect stats, shut down cleanly.
package rulesengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/securecheckio/rules-engine/internal/adapter/outbound/celgate"
	"github.com/securecheckio/rules-engine/internal/adapter/outbound/semantic"
	"github.com/securecheckio/rules-engine/internal/adapter/outbound/stateprovider/filestate"
	"github.com/securecheckio/rules-engine/internal/adapter/outbound/stateprovider/sqlitestate"
	"github.com/securecheckio/rules-engine/internal/config"
	"github.com/securecheckio/rules-engine/internal/domain/engine"
	"github.com/securecheckio/rules-engine/internal/domain/rule"
	"github.com/securecheckio/rules-engine/internal/service/evaluator"
)

// Engine is the public entry point: load rules, evaluate messages, inspect
// runtime stats, shut down. It is safe for concurrent use.
type Engine struct {
	eval   *evaluator.Evaluator
	tracer *tracerProvider
}

// New constructs an Engine from cfg, wiring whichever optional
// collaborators cfg selects (durable state provider, semantic matcher,
// CEL condition gate). reg may be nil, in which case metrics are
// registered against a private, unscraped registry.
func New(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	tp, err := newTracerProvider(cfg.DevMode)
	if err != nil {
		return nil, fmt.Errorf("rulesengine: building tracer provider: %w", err)
	}

	opts := []evaluator.Option{
		evaluator.WithLogger(logger),
		evaluator.WithTracer(tp.tracer),
	}

	if cfg.Metrics.EffectiveEnabled() {
		opts = append(opts, evaluator.WithMetrics(evaluator.NewMetrics(reg)))
	}

	gate, err := celgate.New()
	if err != nil {
		return nil, fmt.Errorf("rulesengine: building condition gate: %w", err)
	}
	opts = append(opts, evaluator.WithConditionGate(gate))

	if cfg.Semantic.Enabled {
		opts = append(opts, evaluator.WithSemanticMatcher(semantic.New(
			semantic.WithServerAddr(cfg.Semantic.ServerAddr),
			semantic.WithAPIKey(cfg.Semantic.APIKey),
			semantic.WithTimeout(durationMS(cfg.Semantic.TimeoutMS)),
			semantic.WithCacheTTL(durationMS(cfg.Semantic.CacheTTLMS)),
			semantic.WithCacheMaxSize(cfg.Semantic.CacheMaxSize),
			semantic.WithLogger(logger),
		)))
	}

	provider, err := newStateProvider(cfg.StateProvider, logger)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		opts = append(opts, evaluator.WithStateProvider(provider))
	}

	return &Engine{eval: evaluator.New(opts...), tracer: tp}, nil
}

// durationMS converts a millisecond config value to a time.Duration.
func durationMS(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// newStateProvider builds the durable persistence collaborator selected by
// cfg.Kind, or returns (nil, nil) for cache-only operation.
func newStateProvider(cfg config.StateProviderConfig, logger *slog.Logger) (engine.StateProvider, error) {
	switch cfg.Kind {
	case "":
		return nil, nil
	case "file":
		p, err := filestate.New(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("rulesengine: opening file state provider: %w", err)
		}
		return p, nil
	case "sqlite":
		p, err := sqlitestate.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("rulesengine: opening sqlite state provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("rulesengine: unknown state_provider.kind %q", cfg.Kind)
	}
}

// LoadRules (re)loads the active rule set. Each enabled rule is validated
// before the whole set is atomically swapped in; a single invalid enabled
// rule aborts the entire load, leaving the previous set in effect.
func (e *Engine) LoadRules(rules []*rule.Rule) error {
	return e.eval.LoadRules(rules)
}

// Evaluate runs the enabled rules against evalCtx in priority order,
// stopping after a critical block fires, and returns one EvaluationResult
// per rule that matched, was held back by its threshold gate, or produced a
// diagnostic (other unmatched rules are omitted).
func (e *Engine) Evaluate(ctx context.Context, evalCtx engine.EvaluationContext) ([]engine.EvaluationResult, error) {
	return e.eval.Evaluate(ctx, evalCtx)
}

// RuleCount returns the number of rules in the currently active set.
func (e *Engine) RuleCount() int {
	return e.eval.RuleCount()
}

// Stats returns a snapshot of runtime sizes (loaded rules, cache
// occupancy) for diagnostics and the stats CLI subcommand.
func (e *Engine) Stats() evaluator.Stats {
	return e.eval.Stats()
}

// Shutdown flushes any pending state-cache writes and releases resources,
// including flushing the dev-mode trace exporter if one was built.
// Idempotent: safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	evalErr := e.eval.Shutdown(ctx)
	traceErr := e.tracer.Shutdown(ctx)
	if evalErr != nil {
		return evalErr
	}
	return traceErr
}
