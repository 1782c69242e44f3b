package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Condition engine names accepted by EvaluateCondition.
const (
	EngineExpr = "expr"
	EngineCEL  = "cel"
)

// Evaluator resolves templates and evaluates conditions and jq programs
// against a Scope. It is safe for concurrent use.
type Evaluator struct {
	expr *ExprEngine
	jq   *GoJQEngine

	celOnce sync.Once
	cel     *CELEngine
	celErr  error
}

// NewEvaluator creates an Evaluator with fresh engine caches.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}
}

// ResolveTemplate is the Scope-bound form of the package function.
func (ev *Evaluator) ResolveTemplate(text string, scope *Scope) string {
	return ResolveTemplate(text, scope)
}

// EvaluateCondition evaluates a boolean expression against the scope. A nil
// result is false; any other non-boolean result is an error.
func (ev *Evaluator) EvaluateCondition(ctx context.Context, expression, engine string, scope *Scope) (bool, error) {
	eng, err := ev.conditionEngine(engine)
	if err != nil {
		return false, err
	}

	data := scopeData(scope)
	if engine == EngineCEL {
		data = map[string]any{"input": data["input"], "nodes": data["nodes"], "record": data["record"]}
	}

	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"condition %q produced %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
}

// CheckCondition reports whether expression compiles under the grammar of
// the given engine.
func (ev *Evaluator) CheckCondition(expression, engine string) error {
	if engine == EngineCEL {
		cel, err := ev.celEngine()
		if err != nil {
			return err
		}
		_, err = cel.getOrCompile(expression)
		return err
	}
	if expression == "" {
		return schema.NewError(schema.ErrCodeConditionEvaluation, "empty condition")
	}
	return ev.expr.Compile(expression)
}

// RunJQ runs a jq program against input.
func (ev *Evaluator) RunJQ(ctx context.Context, program string, input any) (any, error) {
	return ev.jq.Run(ctx, program, input)
}

func (ev *Evaluator) conditionEngine(name string) (Engine, error) {
	switch name {
	case "", EngineExpr:
		return ev.expr, nil
	case EngineCEL:
		return ev.celEngine()
	default:
		return nil, schema.NewError(schema.ErrCodeConditionEvaluation,
			fmt.Sprintf("unknown condition engine %q", name))
	}
}

func (ev *Evaluator) celEngine() (*CELEngine, error) {
	ev.celOnce.Do(func() {
		ev.cel, ev.celErr = NewCELEngine()
	})
	return ev.cel, ev.celErr
}
