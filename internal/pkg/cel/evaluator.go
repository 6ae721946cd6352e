/*
 * Copyright (c) 2025, EQTY Lab Inc. (https://eqtylab.com).
 *
 * EQTY Lab Inc. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package cel evaluates the optional condition expressions that
// rulebook signal and action entries may carry. Conditions see the
// current event and, for actions, the final decision.
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and caches condition programs. Safe for concurrent
// use.
type Evaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEvaluator builds the condition environment: `event` is the event
// object, `decision` the harness-neutral final decision (empty map when
// evaluating signal conditions).
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("decision", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: map[string]cel.Program{},
	}, nil
}

// EvaluateCondition runs one expression. An empty expression is
// vacuously true. Non-boolean results are an error: a condition that
// cannot gate is a configuration bug.
func (e *Evaluator) EvaluateCondition(expression string, event, decision map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	if event == nil {
		event = map[string]any{}
	}
	if decision == nil {
		decision = map[string]any{}
	}

	out, _, err := program.Eval(map[string]any{
		"event":    event,
		"decision": decision,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", expression)
	}
	return result, nil
}

func (e *Evaluator) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", expression, issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build condition program: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = program
	e.mu.Unlock()
	return program, nil
}
