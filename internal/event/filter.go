package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL expression evaluated against retained events.
// The zero value matches everything.
//
// Variables: topic, event_id, source (string); ts_ms, now_ms (int);
// payload (dyn, the decoded payload map).
type Filter struct {
	prog    cel.Program
	enabled bool
	expr    string
}

// CompileFilter compiles expr. An empty expression yields a match-all filter.
func CompileFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("event_id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("event: filter: %w", iss.Err())
	}
	if out := ast.OutputType(); !out.IsAssignableType(cel.BoolType) {
		return Filter{}, fmt.Errorf("event: filter must evaluate to bool, got %s", out)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return Filter{}, fmt.Errorf("event: filter: %w", err)
	}
	return Filter{prog: prog, enabled: true, expr: expr}, nil
}

// Enabled reports whether the filter restricts anything.
func (f Filter) Enabled() bool { return f.enabled }

func (f Filter) String() string { return f.expr }

// Match evaluates the filter against ev. Evaluation errors count as no match.
func (f Filter) Match(ev Event) bool {
	if !f.enabled {
		return true
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"topic":    ev.Topic,
		"event_id": ev.EventID,
		"source":   ev.Source,
		"ts_ms":    ev.Timestamp.UnixMilli(),
		"payload":  payload,
		"now_ms":   time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
