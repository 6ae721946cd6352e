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

// Package sandbox evaluates a compiled policy artifact against one
// input document. The runtime is pure: no network, no filesystem, no
// clock - every piece of external state reaches policies through the
// input JSON, which is the whole point of signals.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/eqtylab/cupcake/internal/decision"
)

// MaxInputBytes bounds the serialized input document. Oversized inputs
// are rejected before evaluation rather than risking memory exhaustion
// inside the runtime.
const MaxInputBytes = 1 << 20

// EvalTimeout bounds a single evaluation.
const EvalTimeout = 5 * time.Second

// State tracks the module lifecycle:
// Uninitialized -> Compiled -> Ready -> [Evaluating]* -> Dropped.
type State int

const (
	StateUninitialized State = iota
	StateCompiled
	StateReady
	StateEvaluating
	StateDropped
)

// Module is one scope's compiled evaluation artifact. The mutex guards
// only the lifecycle state; it is not held while the query runs, so the
// module does not serialize evaluations itself. The orchestrator owns one
// module per scope and evaluates them in order, one at a time.
type Module struct {
	scope string
	query rego.PreparedEvalQuery

	mu    sync.Mutex
	state State
}

// NewModule wraps a prepared query. Called by the compiler driver once
// preparation succeeds.
func NewModule(scope string, query rego.PreparedEvalQuery) *Module {
	return &Module{scope: scope, query: query, state: StateReady}
}

// Scope identifies which policy tree this module was compiled from.
func (m *Module) Scope() string {
	return m.scope
}

// State returns the current lifecycle state.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Drop retires the module.
func (m *Module) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDropped
}

// Evaluate runs the scope's aggregation entrypoint against the input
// document and decodes the resulting decision set.
func (m *Module) Evaluate(ctx context.Context, input map[string]any) (*decision.Set, error) {
	m.mu.Lock()
	if m.state == StateDropped {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox module for scope %s has been dropped", m.scope)
	}
	m.state = StateEvaluating
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.state == StateEvaluating {
			m.state = StateReady
		}
		m.mu.Unlock()
	}()

	serialized, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize sandbox input: %w", err)
	}
	if len(serialized) > MaxInputBytes {
		return nil, fmt.Errorf("sandbox input exceeds maximum size of %d bytes", MaxInputBytes)
	}

	ctx, cancel := context.WithTimeout(ctx, EvalTimeout)
	defer cancel()

	start := time.Now()
	results, err := m.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("sandbox evaluation failed for scope %s: %w", m.scope, err)
	}

	slog.DebugContext(ctx, "Sandbox evaluation complete",
		"scope", m.scope,
		"duration_ms", time.Since(start).Milliseconds(),
		"result_count", len(results))

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The entrypoint produced nothing - treat as an empty set.
		return &decision.Set{}, nil
	}

	return decodeDecisionSet(results[0].Expressions[0].Value)
}

// decodeDecisionSet converts the raw entrypoint value into the typed
// decision set via a JSON round trip, which also validates the shape.
func decodeDecisionSet(value any) (*decision.Set, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize decision set: %w", err)
	}
	var set decision.Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("entrypoint returned a malformed decision set: %w", err)
	}
	return &set, nil
}
