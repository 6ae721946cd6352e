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

package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/open-policy-agent/opa/rego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const evaluateModule = `package cupcake.system

import rego.v1

evaluate := {
	"halts": [],
	"denials": denials,
	"blocks": [],
	"asks": [],
	"allow_overrides": [],
	"add_context": [],
}

denials := [d |
	input.tool_name == "Bash"
	d := {"rule_id": "T-1", "reason": "test deny", "package_name": "cupcake.policies.test"}
]
`

func newModule(t *testing.T) *Module {
	t.Helper()
	prepared, err := rego.New(
		rego.Query("data.cupcake.system.evaluate"),
		rego.Module("system.rego", evaluateModule),
	).PrepareForEval(context.Background())
	require.NoError(t, err)
	return NewModule("project", prepared)
}

func TestModule_EvaluateDecodesSet(t *testing.T) {
	m := newModule(t)
	assert.Equal(t, StateReady, m.State())

	set, err := m.Evaluate(context.Background(), map[string]any{"tool_name": "Bash"})
	require.NoError(t, err)
	require.Len(t, set.Denials, 1)
	assert.Equal(t, "test deny", set.Denials[0].Reason)
	assert.Equal(t, "cupcake.policies.test", set.Denials[0].PackageName)

	assert.Equal(t, StateReady, m.State(), "module returns to ready after evaluating")
}

func TestModule_EmptyResultIsEmptySet(t *testing.T) {
	m := newModule(t)
	set, err := m.Evaluate(context.Background(), map[string]any{"tool_name": "Write"})
	require.NoError(t, err)
	assert.True(t, set.Empty())
}

func TestModule_InputSizeGuard(t *testing.T) {
	m := newModule(t)
	huge := map[string]any{
		"payload": strings.Repeat("x", MaxInputBytes+1),
	}
	_, err := m.Evaluate(context.Background(), huge)
	assert.ErrorContains(t, err, "exceeds maximum size")
}

func TestModule_DroppedRefusesEvaluation(t *testing.T) {
	m := newModule(t)
	m.Drop()
	assert.Equal(t, StateDropped, m.State())

	_, err := m.Evaluate(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "dropped")
}

func TestModule_SerialEvaluationsAreIndependent(t *testing.T) {
	m := newModule(t)
	for i := 0; i < 5; i++ {
		set, err := m.Evaluate(context.Background(), map[string]any{"tool_name": "Bash"})
		require.NoError(t, err)
		require.Len(t, set.Denials, 1)
	}
}
