package registry

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator provides safe expression evaluation with caching. Expressions
// are compiled once and reused across items and runs.
type Evaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size (default: 4096)
	MaxExpressionLength int
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// Evaluate evaluates an expression against an environment. The environment
// exposes the current item as "item" plus the item's fields at top level.
func (e *Evaluator) Evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	if len(expression) > e.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.Env(env))
		if err != nil {
			return nil, fmt.Errorf("compile expression %q: %w", expression, err)
		}
		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
func (e *Evaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
}

// EvaluateString evaluates an expression and returns a string result.
// Non-string results are converted using fmt.Sprint.
func (e *Evaluator) EvaluateString(expression string, env map[string]interface{}) (string, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return "", err
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

// ItemEnv builds the evaluation environment for one item.
func ItemEnv(item map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(item)+1)
	for k, v := range item {
		if k != "item" {
			env[k] = v
		}
	}
	env["item"] = item
	return env
}
