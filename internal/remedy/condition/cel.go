// SPDX-License-Identifier: Apache-2.0

// Package condition evaluates CEL expressions used by strategy conditions and
// step success conditions.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Variables available to expressions.
const (
	VarError    = "error"
	VarAnalysis = "analysis"
	VarOutputs  = "outputs"
)

// Evaluator compiles and evaluates boolean CEL expressions. Compiled
// programs are cached by expression text. It is safe for concurrent use.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates an evaluator with the error, analysis and outputs
// variables declared as string-keyed maps.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarError, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarAnalysis, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarOutputs, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile parses and type-checks an expression without evaluating it.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling expression %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("expression %q must evaluate to a boolean, got %s", expression, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error building program for %q: %w", expression, err)
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate evaluates expression against vars. Missing variables are bound
// to empty maps so expressions over optional data fail only when they
// dereference a missing key.
func (e *Evaluator) Evaluate(expression string, vars map[string]interface{}) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	activation := map[string]interface{}{
		VarError:    map[string]interface{}{},
		VarAnalysis: map[string]interface{}{},
		VarOutputs:  map[string]interface{}{},
	}
	for k, v := range vars {
		if v != nil {
			activation[k] = v
		}
	}

	result, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("error evaluating expression %q: %w", expression, err)
	}
	if result.Type() != types.BoolType {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean", expression)
	}
	return result.Value().(bool), nil
}
