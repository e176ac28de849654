// Package cel provides the sandboxed evaluator for custom rule conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// Sandbox limits applied to every condition.
const (
	maxExpressionLength = 1024
	maxNestingDepth     = 50
	maxCostBudget       = 100_000
	evalTimeout         = 5 * time.Second
	interruptCheckFreq  = 100 // comprehension iterations between cancellation checks
)

// Evaluator compiles condition expressions once and evaluates them against
// check contexts. It is safe for concurrent use.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

var _ policy.ExpressionEvaluator = (*Evaluator)(nil)

// NewEvaluator creates an evaluator with the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile parses and type-checks an expression, returning a program with
// cost and interrupt limits applied.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	switch out := ast.OutputType().String(); out {
	case "bool", "dyn":
	default:
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
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
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks length and nesting limits, then compiles expr
// and caches the program.
func (e *Evaluator) ValidateExpression(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}
	prg, err := e.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid condition expression: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// EvaluateExpression evaluates expr against cc with a timeout.
func (e *Evaluator) EvaluateExpression(ctx context.Context, expr string, cc policy.CheckContext) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, BuildActivation(cc))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
