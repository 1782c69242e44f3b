package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/flowpilot/pkg/schema"
)

// ExprEngine evaluates conditions with expr-lang/expr restricted to a small
// boolean grammar of comparisons and logical operators over literals and
// dotted paths. Anything else is rejected at compile time. Compiled programs
// are cached and safe for concurrent use.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it
// with data as the environment. Undefined variables and paths through
// missing keys evaluate to nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeConditionEvaluation, "empty condition")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// Compile checks that expression parses under the restricted grammar
// without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	guard := &grammarGuard{}
	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.Patch(guard),
	)
	if err == nil && guard.err != nil {
		err = guard.err
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"invalid condition %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// conditionOperators are the binary operators a condition may use.
var conditionOperators = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"&&": true, "||": true, "and": true, "or": true,
}

// grammarGuard rejects AST nodes outside the condition grammar. It also
// rewrites member access to be nil-safe, so a path through a missing key
// reads as nil instead of failing.
type grammarGuard struct {
	err error
}

func (g *grammarGuard) Visit(node *ast.Node) {
	if g.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.IdentifierNode, *ast.IntegerNode, *ast.FloatNode,
		*ast.BoolNode, *ast.StringNode, *ast.ConstantNode, *ast.ChainNode:
	case *ast.MemberNode:
		switch n.Property.(type) {
		case *ast.StringNode, *ast.IntegerNode:
		default:
			g.err = fmt.Errorf("computed member access is not allowed")
			return
		}
		n.Optional = true
		ast.Patch(node, &ast.ChainNode{Node: n})
	case *ast.UnaryNode:
		switch n.Operator {
		case "!", "not":
		case "-", "+":
			switch n.Node.(type) {
			case *ast.IntegerNode, *ast.FloatNode:
			default:
				g.err = fmt.Errorf("arithmetic is not allowed")
			}
		default:
			g.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		if !conditionOperators[n.Operator] {
			g.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.CallNode:
		g.err = fmt.Errorf("function calls are not allowed")
	case *ast.BuiltinNode:
		g.err = fmt.Errorf("builtin %s is not allowed", n.Name)
	case *ast.PredicateNode, *ast.PointerNode:
		g.err = fmt.Errorf("closures are not allowed")
	case *ast.VariableDeclaratorNode:
		g.err = fmt.Errorf("let bindings are not allowed")
	case *ast.ConditionalNode:
		g.err = fmt.Errorf("ternary expressions are not allowed")
	case *ast.ArrayNode, *ast.MapNode, *ast.PairNode:
		g.err = fmt.Errorf("collection literals are not allowed")
	default:
		g.err = fmt.Errorf("unsupported expression")
	}
}

var _ Engine = (*ExprEngine)(nil)
