package patch

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultFilter accepts power-reading markers and switching device ids.
const DefaultFilter = `(kind == "measurement" && (id endsWith "_ARROW_ACTIVE" || id endsWith "_ARROW_REACTIVE")) ||
(kind == "state" && id matches "(?i)^(brk|breaker|dis|disconnector|lbs)")`

// filterEnv is the evaluation environment of filter expressions.
type filterEnv struct {
	Kind  string  `expr:"kind"`
	ID    string  `expr:"id"`
	Value float64 `expr:"value"`
	State string  `expr:"state"`
}

// Filter decides which telemetry events are acted on.
type Filter struct {
	expression string
	program    *vm.Program
}

// NewFilter compiles a boolean filter expression. An empty expression selects
// DefaultFilter.
func NewFilter(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		expression = DefaultFilter
	}
	program, err := expr.Compile(expression, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("telemetry filter: compile: %w", err)
	}
	return &Filter{expression: expression, program: program}, nil
}

// MustFilter is NewFilter for expressions known to be valid.
func MustFilter(expression string) *Filter {
	f, err := NewFilter(expression)
	if err != nil {
		panic(err)
	}
	return f
}

// Match evaluates the filter for ev. Evaluation errors reject the event.
func (f *Filter) Match(ev Event) bool {
	if f == nil || f.program == nil {
		return true
	}
	out, err := expr.Run(f.program, filterEnv{
		Kind:  string(ev.Kind),
		ID:    ev.ID,
		Value: ev.Value,
		State: ev.State.String(),
	})
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expression
}
