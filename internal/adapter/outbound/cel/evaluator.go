// Package cel evaluates CustomRule conditions. A rule's Condition is a CEL
// expression over the tool call being decided (tool_name, tool_args,
// server_name, request_time/request_hour); this package compiles each
// distinct condition once, caches the compiled program for the life of the
// process, and runs it under guardrails sized for operator-authored rules:
// a condition is a one-liner, so anything long, deeply bracketed, or
// expensive to run is rejected up front rather than evaluated.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// Guardrails for operator-authored conditions. Rules come from the
// deployment config, so these bound a misconfiguration, not an attack: a
// condition longer than a couple of lines, nested deeper than any sane
// boolean expression, or costing more than a few ten-thousand CEL steps is
// almost certainly a mistake.
const (
	maxConditionLength  = 2048
	maxConditionNesting = 24
	conditionCostLimit  = 50_000
	conditionTimeout    = 2 * time.Second
)

// Evaluator compiles and runs CustomRule conditions. It implements
// policy.ConditionEvaluator, keeping cel-go out of the policy package.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program // keyed by condition text
}

// NewEvaluator builds an Evaluator over the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("building condition environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// EvaluateCondition compiles expression (reusing the cached program when the
// same condition text was seen before) and evaluates it against evalCtx,
// returning whether the condition matched. A condition that does not produce
// a boolean is an error, never a match.
func (e *Evaluator) EvaluateCondition(expression string, evalCtx policy.EvaluationContext) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), conditionTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, conditionActivation(evalCtx))
	if err != nil {
		return false, fmt.Errorf("evaluating condition: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition produced %T, want bool", result.Value())
	}
	return matched, nil
}

// ValidateCondition reports whether expression is acceptable as a
// CustomRule condition: non-empty, within the length and nesting
// guardrails, and compilable against the condition environment. Used at
// config load so a bad rule is reported once, not on every call.
func (e *Evaluator) ValidateCondition(expression string) error {
	if err := checkShape(expression); err != nil {
		return err
	}
	_, err := e.compile(expression)
	return err
}

// checkShape runs the pre-compile guardrails.
func checkShape(expression string) error {
	if expression == "" {
		return errors.New("condition is empty")
	}
	if len(expression) > maxConditionLength {
		return fmt.Errorf("condition is %d characters, limit is %d", len(expression), maxConditionLength)
	}
	if depth := bracketDepth(expression); depth > maxConditionNesting {
		return fmt.Errorf("condition nests %d levels of brackets, limit is %d", depth, maxConditionNesting)
	}
	return nil
}

// program returns the cached compiled form of expression, compiling and
// caching it on first sight. Compilation failures are not cached; a rule
// with a broken condition keeps failing visibly instead of poisoning the
// cache.
func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	if err := checkShape(expression); err != nil {
		return nil, err
	}
	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling condition: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(conditionCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("building condition program: %w", err)
	}
	return prg, nil
}

// bracketDepth returns the deepest level of (, [ and { nesting in expr.
func bracketDepth(expr string) int {
	depth, deepest := 0, 0
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	return deepest
}

var _ policy.ConditionEvaluator = (*Evaluator)(nil)
