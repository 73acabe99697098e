package policy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// RuntimeContext is the evaluation input for rule conditions. Now must be
// UTC; the engine reads it once per request from its injected clock.
type RuntimeContext struct {
	Env      string
	Action   string
	Resource string
	Now      time.Time
	Context  map[string]any
}

var dayNames = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// EvaluateConditions reports whether every present predicate passes.
// Empty or absent conditions always pass. Predicates are AND-ed; each is
// deterministic given the runtime context.
func EvaluateConditions(c *Conditions, rctx RuntimeContext) (bool, error) {
	if c == nil {
		return true, nil
	}

	now := rctx.Now.UTC()

	if len(c.Env) > 0 {
		if !containsFold(c.Env, rctx.Env) {
			return false, nil
		}
	}

	if c.TimeRange != nil {
		ok, err := inTimeRange(c.TimeRange, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if len(c.DayOfWeek) > 0 {
		day := now.Weekday().String()[:3]
		if !containsFold(c.DayOfWeek, day) {
			return false, nil
		}
	}

	if c.Expr != "" {
		ok, err := evalExpr(c.Expr, rctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// inTimeRange checks the current UTC wall clock against [start, end].
// When end < start the window wraps midnight.
func inTimeRange(tr *TimeRange, now time.Time) (bool, error) {
	start, err := parseHHMM(tr.Start)
	if err != nil {
		return false, fmt.Errorf("time_range start: %w", err)
	}
	end, err := parseHHMM(tr.End)
	if err != nil {
		return false, fmt.Errorf("time_range end: %w", err)
	}

	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return start <= cur && cur <= end, nil
	}
	return cur >= start || cur <= end, nil
}

func parseHHMM(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%q is not HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q is not HH:MM", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q is not HH:MM", v)
	}
	return h*60 + m, nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// --- CEL expression conditions ------------------------------------------

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error

	progMu    sync.Mutex
	progCache = map[string]cel.Program{}
)

func exprEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("env", cel.StringType),
			cel.Variable("action", cel.StringType),
			cel.Variable("resource", cel.StringType),
			cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

// CompileExpr compiles a CEL condition expression. Policy validation calls
// this so broken expressions are rejected at write time, not decide time.
func CompileExpr(expr string) (cel.Program, error) {
	progMu.Lock()
	if prog, ok := progCache[expr]; ok {
		progMu.Unlock()
		return prog, nil
	}
	progMu.Unlock()

	env, err := exprEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expr: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expr must evaluate to bool, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program expr: %w", err)
	}

	progMu.Lock()
	progCache[expr] = prog
	progMu.Unlock()
	return prog, nil
}

func evalExpr(expr string, rctx RuntimeContext) (bool, error) {
	prog, err := CompileExpr(expr)
	if err != nil {
		return false, err
	}
	context := rctx.Context
	if context == nil {
		context = map[string]any{}
	}
	out, _, err := prog.Eval(map[string]any{
		"env":      rctx.Env,
		"action":   rctx.Action,
		"resource": rctx.Resource,
		"context":  context,
	})
	if err != nil {
		return false, fmt.Errorf("eval expr: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("expr returned %T, want bool", out.Value())
	}
	return ok, nil
}
