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

package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eqtylab/cupcake/internal/decision"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  Type
		expectErr bool
	}{
		{"claude code", "claude-code", ClaudeCode, false},
		{"cursor", "cursor", Cursor, false},
		{"factory", "factory", Factory, false},
		{"opencode", "opencode", OpenCode, false},
		{"empty defaults to claude code", "", ClaudeCode, false},
		{"unknown", "copilot", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestClaudeCode_ParseToolEvent(t *testing.T) {
	adapter, err := New(ClaudeCode)
	require.NoError(t, err)

	event, err := adapter.Parse([]byte(`{
		"hook_event_name": "PreToolUse",
		"session_id": "sess-1",
		"transcript_path": "/tmp/transcript.jsonl",
		"cwd": "/home/user/project",
		"tool_name": "Bash",
		"tool_input": {"command": "ls -la"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, EventPreToolUse, event.Name)
	assert.Equal(t, "Bash", event.ToolName)
	assert.Equal(t, "sess-1", event.SessionID)
	assert.Equal(t, "/home/user/project", event.Cwd)
	assert.True(t, event.IsToolEvent())
	assert.True(t, event.IsPreActionEvent())
	assert.Equal(t, "PreToolUse:Bash", event.RoutingKey())
	assert.Equal(t, "ls -la", event.ToolInput()["command"])
}

func TestClaudeCode_ParsePromptEvent(t *testing.T) {
	adapter, _ := New(ClaudeCode)
	event, err := adapter.Parse([]byte(`{
		"hook_event_name": "UserPromptSubmit",
		"session_id": "sess-1",
		"cwd": "/tmp",
		"prompt": "write a factorial function"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "write a factorial function", event.Prompt)
	assert.Equal(t, "UserPromptSubmit", event.RoutingKey())
	assert.False(t, event.IsToolEvent())
}

func TestClaudeCode_ParseErrors(t *testing.T) {
	adapter, _ := New(ClaudeCode)

	_, err := adapter.Parse([]byte(`not json`))
	assert.Error(t, err)

	_, err = adapter.Parse([]byte(`{"session_id": "s"}`))
	assert.ErrorContains(t, err, "hook_event_name")
}

func TestClaudeCode_FormatDenyPreToolUse(t *testing.T) {
	adapter, _ := New(ClaudeCode)
	event := &Event{Name: EventPreToolUse, ToolName: "Bash"}

	data, err := adapter.Format(event, decision.Final{Kind: decision.KindDeny, Reason: "dangerous command"})
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	hso := resp["hookSpecificOutput"].(map[string]any)
	assert.Equal(t, "deny", hso["permissionDecision"])
	assert.Equal(t, "dangerous command", hso["permissionDecisionReason"])
}

func TestClaudeCode_FormatDenyPostToolUse(t *testing.T) {
	adapter, _ := New(ClaudeCode)
	event := &Event{Name: EventPostToolUse, ToolName: "Edit"}

	data, err := adapter.Format(event, decision.Final{Kind: decision.KindDeny, Reason: "check failed"})
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "block", resp["decision"])
	assert.Equal(t, "check failed", resp["reason"])
}

func TestClaudeCode_FormatHalt(t *testing.T) {
	adapter, _ := New(ClaudeCode)
	event := &Event{Name: EventPreToolUse}

	data, err := adapter.Format(event, decision.Final{Kind: decision.KindHalt, Reason: "protected file"})
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, false, resp["continue"])
	assert.Equal(t, "protected file", resp["stopReason"])
}

func TestClaudeCode_FormatAsk(t *testing.T) {
	adapter, _ := New(ClaudeCode)
	event := &Event{Name: EventPreToolUse}

	data, err := adapter.Format(event, decision.Final{Kind: decision.KindAsk, Question: "really push to main?"})
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	hso := resp["hookSpecificOutput"].(map[string]any)
	assert.Equal(t, "ask", hso["permissionDecision"])
	assert.Equal(t, "really push to main?", hso["permissionDecisionReason"])
}

func TestClaudeCode_FormatAllowWithContext(t *testing.T) {
	adapter, _ := New(ClaudeCode)
	event := &Event{Name: EventUserPromptSubmit}

	data, err := adapter.Format(event, decision.Final{
		Kind:    decision.KindAllow,
		Context: []string{"use the staging database", "branch is frozen"},
	})
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	hso := resp["hookSpecificOutput"].(map[string]any)
	assert.Equal(t, "use the staging database\nbranch is frozen", hso["additionalContext"])
}

func TestClaudeCode_FormatPlainAllowIsEmpty(t *testing.T) {
	adapter, _ := New(ClaudeCode)
	event := &Event{Name: EventPreToolUse}

	data, err := adapter.Format(event, decision.Allow())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestCursor_ParseShellEvent(t *testing.T) {
	adapter, _ := New(Cursor)
	event, err := adapter.Parse([]byte(`{
		"hook_event_name": "beforeShellExecution",
		"conversation_id": "conv-9",
		"cwd": "/workspace",
		"command": "rm -rf build"
	}`))
	require.NoError(t, err)

	// Root-level command is lifted into tool_input and the event is
	// normalized onto the canonical names.
	assert.Equal(t, EventPreToolUse, event.Name)
	assert.Equal(t, "Bash", event.ToolName)
	assert.Equal(t, "conv-9", event.SessionID)
	assert.Equal(t, "rm -rf build", event.ToolInput()["command"])
	assert.Equal(t, "beforeShellExecution", event.Raw["cursor_event_name"])
	assert.Equal(t, "PreToolUse:Bash", event.RoutingKey())
}

func TestCursor_ParseFileEdit(t *testing.T) {
	adapter, _ := New(Cursor)
	event, err := adapter.Parse([]byte(`{
		"hook_event_name": "beforeFileEdit",
		"file_path": "/workspace/.env",
		"cwd": "/workspace"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "Edit", event.ToolName)
	assert.Equal(t, "/workspace/.env", event.ToolInput()["file_path"])
}

func TestCursor_ParseUnknownEvent(t *testing.T) {
	adapter, _ := New(Cursor)
	_, err := adapter.Parse([]byte(`{"hook_event_name": "beforeTeleport"}`))
	assert.ErrorContains(t, err, "unknown Cursor event")
}

func TestCursor_FormatDecisions(t *testing.T) {
	adapter, _ := New(Cursor)
	event := &Event{Name: EventPreToolUse, ToolName: "Bash"}

	tests := []struct {
		name     string
		final    decision.Final
		expected map[string]any
	}{
		{
			"deny",
			decision.Final{Kind: decision.KindDeny, Reason: "not allowed"},
			map[string]any{"permission": "deny", "userMessage": "not allowed", "agentMessage": "not allowed"},
		},
		{
			"ask",
			decision.Final{Kind: decision.KindAsk, Question: "proceed?"},
			map[string]any{"permission": "ask", "userMessage": "proceed?"},
		},
		{
			"allow",
			decision.Final{Kind: decision.KindAllow},
			map[string]any{"permission": "allow"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := adapter.Format(event, tt.final)
			require.NoError(t, err)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(data, &resp))
			for k, v := range tt.expected {
				assert.Equal(t, v, resp[k])
			}
		})
	}
}

func TestCursor_FormatHaltStopsAgent(t *testing.T) {
	adapter, _ := New(Cursor)
	data, err := adapter.Format(&Event{Name: EventPreToolUse}, decision.Final{Kind: decision.KindHalt, Reason: "stop"})
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, false, resp["continue"])
	assert.Equal(t, "deny", resp["permission"])
}

func TestFactory_ParsePreservesPermissionMode(t *testing.T) {
	adapter, _ := New(Factory)
	event, err := adapter.Parse([]byte(`{
		"hook_event_name": "PreToolUse",
		"session_id": "s",
		"cwd": "/tmp",
		"tool_name": "Bash",
		"tool_input": {"command": "ls"},
		"permission_mode": "default"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "default", event.PermissionMode)
}

func TestFactory_FormatEchoesPermissionMode(t *testing.T) {
	adapter, _ := New(Factory)
	event := &Event{Name: EventPreToolUse, PermissionMode: "default"}

	data, err := adapter.Format(event, decision.Final{Kind: decision.KindDeny, Reason: "no"})
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "default", resp["permission_mode"])
	assert.NotNil(t, resp["hookSpecificOutput"])
}

func TestOpenCode_RoundTrip(t *testing.T) {
	adapter, _ := New(OpenCode)
	event, err := adapter.Parse([]byte(`{
		"hook_event_name": "PreToolUse",
		"session_id": "s",
		"cwd": "/tmp",
		"tool_name": "Write",
		"tool_input": {"file_path": "main.go", "content": "x"}
	}`))
	require.NoError(t, err)

	data, err := adapter.Format(event, decision.Final{Kind: decision.KindHalt, Reason: "locked"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision":"halt","reason":"locked"}`, string(data))
}
