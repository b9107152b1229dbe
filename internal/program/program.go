// Package program builds the SignalFlow program watched by the probe.
package program

import (
	"errors"
	"fmt"
	"strings"
)

// InvocationMetric is the metric the probe aggregates.
const InvocationMetric = "lambda.function.invocation"

// FunctionDimension is the dimension used to select a single function.
const FunctionDimension = "aws_function_name"

const invocationTemplate = "data('%s', filter=filter('%s', '%s'), rollup='sum', extrapolation='zero').sum().sum(over='5m').publish()"

// ErrEmptyFunction is returned when no function name is supplied.
var ErrEmptyFunction = errors.New("function name cannot be empty")

// Program is an immutable SignalFlow program.
type Program struct {
	text     string
	function string
}

// ForFunction returns the invocation-count program filtered to one function:
// filter -> rollup(sum) -> sum -> sum(over 5m) -> publish.
func ForFunction(function string) (Program, error) {
	function = strings.TrimSpace(function)
	if function == "" {
		return Program{}, ErrEmptyFunction
	}

	return Program{
		text:     fmt.Sprintf(invocationTemplate, InvocationMetric, FunctionDimension, quote(function)),
		function: function,
	}, nil
}

// String returns the program text.
func (p Program) String() string {
	return p.text
}

// Function returns the function name the program filters on.
func (p Program) Function() string {
	return p.function
}

// quote escapes a value for use inside a single-quoted SignalFlow string.
func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}
