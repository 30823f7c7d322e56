// Package celgate implements the optional CEL condition gate: a rule may
// declare a "condition" expression that must evaluate true, alongside its
// flags.check preconditions, for the rule to be eligible.
//
// The environment here is deliberately narrower than a general-purpose
// policy environment: a rule condition only ever needs the message text,
// the tuple identity, and the conversation's current flags, so only those
// variables are declared.
package celgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/securecheckio/rules-engine/internal/domain/engine"
)

// maxExpressionLength bounds the size of a condition expression accepted at
// compile time.
const maxExpressionLength = 1024

// maxCostBudget bounds the CEL runtime cost of a single evaluation, guarding
// against pathological expressions consuming unbounded work per message.
const maxCostBudget = 100_000

// maxNestingDepth bounds parenthesis/bracket/brace nesting in a condition.
const maxNestingDepth = 50

// evalTimeout bounds the wall-clock time of a single evaluation.
const evalTimeout = 50 * time.Millisecond

// interruptCheckFreq is how often, in comprehension iterations, context
// cancellation is checked during evaluation.
const interruptCheckFreq = 100

// Variable names available to a rule condition expression.
const (
	VarMessage        = "message"
	VarTokenID        = "token_id"
	VarConversationID = "conversation_id"
	VarAccountID      = "account_id"
	VarFlags          = "flags"
)

// Gate implements engine.ConditionGate using a single shared CEL
// environment for every rule's condition.
type Gate struct {
	env *cel.Env
}

// New builds the condition-gate CEL environment.
func New() (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarMessage, cel.StringType),
		cel.Variable(VarTokenID, cel.StringType),
		cel.Variable(VarConversationID, cel.StringType),
		cel.Variable(VarAccountID, cel.StringType),
		cel.Variable(VarFlags, cel.MapType(cel.StringType, cel.BoolType)),
	)
	if err != nil {
		return nil, fmt.Errorf("celgate: build environment: %w", err)
	}
	return &Gate{env: env}, nil
}

// Compile validates and compiles expr, enforcing length and nesting limits
// before invoking the CEL compiler (mirrors the hardening applied to the
// policy-engine's own condition compiler).
func (g *Gate) Compile(expr string) (engine.CompiledCondition, error) {
	if expr == "" {
		return nil, errors.New("celgate: expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("celgate: expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celgate: compile %q: %w", expr, issues.Err())
	}

	prg, err := g.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("celgate: build program for %q: %w", expr, err)
	}

	return &compiled{prg: prg, src: expr}, nil
}

func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("celgate: expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

type compiled struct {
	prg cel.Program
	src string
}

// Evaluate runs the compiled condition against activation, bounding
// execution with evalTimeout regardless of the caller's context deadline.
// Per the ports-and-adapters contract, any evaluation error is returned to
// the caller rather than silently treated as false -- the evaluator service
// decides how to fail closed.
func (c *compiled) Evaluate(ctx context.Context, activation map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := c.prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("celgate: evaluate %q: %w", c.src, err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("celgate: condition %q did not return a boolean, got %T", c.src, result.Value())
	}
	return b, nil
}
