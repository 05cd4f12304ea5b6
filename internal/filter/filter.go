// Package filter selects message events with CEL expressions such as
//
//	topic == "/imu" && json.accel.z > 9.0
//
// Available variables are topic, schema, receive_ns, publish_ns, size, text
// (the payload as a string) and json (the payload parsed as JSON, or null).
package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/withobsrvr/flowscope/internal/model"
	"github.com/withobsrvr/flowscope/internal/utils/logger"
)

// Filter is a compiled expression. The zero value and a nil *Filter match
// every event.
type Filter struct {
	expr    string
	prog    cel.Program
	useJSON bool
	log     *zap.Logger
}

// Compile parses and type-checks expr. An empty expression matches everything.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("schema", cel.StringType),
		cel.Variable("receive_ns", cel.IntType),
		cel.Variable("publish_ns", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, iss.Err())
	}
	switch out := checked.OutputType().String(); out {
	case "bool", "dyn":
	default:
		return nil, fmt.Errorf("filter %q yields %s, want bool", expr, out)
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{
		expr:    expr,
		prog:    prog,
		useJSON: strings.Contains(expr, "json"),
		log:     logger.Named("filter"),
	}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against ev. Evaluation errors, such as a missing
// JSON field, count as no match. A payload that is not JSON leaves json null.
func (f *Filter) Match(ev model.MessageEvent) bool {
	if f == nil || f.prog == nil {
		return true
	}
	var doc any
	if f.useJSON {
		if err := json.Unmarshal(ev.Message, &doc); err != nil {
			doc = nil
			f.log.Debug("Payload is not JSON",
				zap.String("topic", ev.Topic),
				zap.Error(err))
		}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"topic":      ev.Topic,
		"schema":     ev.SchemaName,
		"receive_ns": ev.ReceiveTime.ToNanos(),
		"publish_ns": ev.PublishTime.ToNanos(),
		"size":       int64(len(ev.Message)),
		"text":       string(ev.Message),
		"json":       doc,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
