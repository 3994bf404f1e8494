package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/hupe1980/agentflow/core"
)

// ExprEvaluator evaluates expr-lang expressions. Compiled programs are
// cached by source.
type ExprEvaluator struct {
	programs sync.Map // source -> *vm.Program
}

// NewExprEvaluator creates an expression evaluator.
func NewExprEvaluator() *ExprEvaluator { return &ExprEvaluator{} }

// Compile checks that source is a valid expression.
func (e *ExprEvaluator) Compile(source string) error {
	_, err := e.program(source)
	return err
}

func (e *ExprEvaluator) program(source string) (*vm.Program, error) {
	if p, ok := e.programs.Load(source); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(source)
	if err != nil {
		return nil, &core.Error{Kind: core.ErrValidation, Op: "sandbox.compile", Msg: "invalid expression", Err: err}
	}
	e.programs.Store(source, p)
	return p, nil
}

// Evaluate runs source against env.
func (e *ExprEvaluator) Evaluate(ctx context.Context, source string, env map[string]any, timeout time.Duration) (any, error) {
	p, err := e.program(source)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = map[string]any{}
	}
	return bounded(ctx, "sandbox.expr", timeout, func() (any, error) {
		v, err := expr.Run(p, env)
		if err != nil {
			return nil, core.NewExecutionError("sandbox.expr", err)
		}
		return v, nil
	})
}

var _ Evaluator = (*ExprEvaluator)(nil)
