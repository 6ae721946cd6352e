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
	"fmt"
	"strings"

	"github.com/eqtylab/cupcake/internal/decision"
)

// cursorAdapter normalizes Cursor hook events. Cursor names its events
// after the action (beforeShellExecution, beforeFileEdit, ...) and places
// the shell command at the event root rather than under tool_input; both
// differences are erased here so policies and the preprocessor see one
// shape.
type cursorAdapter struct{}

func (a *cursorAdapter) Type() Type { return Cursor }

// cursorEventMap translates Cursor event names to the canonical event
// plus the pseudo-tool they act through.
var cursorEventMap = map[string]struct {
	event string
	tool  string
}{
	"beforeShellExecution": {EventPreToolUse, "Bash"},
	"afterShellExecution":  {EventPostToolUse, "Bash"},
	"beforeReadFile":       {EventPreToolUse, "Read"},
	"beforeFileEdit":       {EventPreToolUse, "Edit"},
	"afterFileEdit":        {EventPostToolUse, "Edit"},
	"beforeFileWrite":      {EventPreToolUse, "Write"},
	"afterFileWrite":       {EventPostToolUse, "Write"},
	"beforeMCPExecution":   {EventPreToolUse, "MCP"},
	"beforeSubmitPrompt":   {EventUserPromptSubmit, ""},
	"sessionStart":         {EventSessionStart, ""},
	"sessionEnd":           {EventSessionEnd, ""},
	"stop":                 {EventStop, ""},
}

func (a *cursorAdapter) Parse(data []byte) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse Cursor event: %w", err)
	}

	wireName := stringField(raw, "hook_event_name")
	if wireName == "" {
		return nil, fmt.Errorf("event missing hook_event_name")
	}

	mapped, ok := cursorEventMap[wireName]
	if !ok {
		return nil, fmt.Errorf("unknown Cursor event %q", wireName)
	}

	// Lift root-level fields into tool_input so downstream code sees the
	// canonical nesting. Originals stay in place - normalization is
	// additive.
	toolInput, _ := raw["tool_input"].(map[string]any)
	if toolInput == nil {
		toolInput = map[string]any{}
	}
	for _, field := range []string{"command", "file_path", "path", "content"} {
		if v, present := raw[field]; present {
			if _, exists := toolInput[field]; !exists {
				toolInput[field] = v
			}
		}
	}

	raw["hook_event_name"] = mapped.event
	raw["cursor_event_name"] = wireName
	if mapped.tool != "" {
		raw["tool_name"] = mapped.tool
		raw["tool_input"] = toolInput
	}

	return &Event{
		Name:      mapped.event,
		ToolName:  mapped.tool,
		SessionID: stringField(raw, "conversation_id"),
		Cwd:       stringField(raw, "cwd"),
		Prompt:    stringField(raw, "prompt"),
		Raw:       raw,
	}, nil
}

type cursorResponse struct {
	Permission   string `json:"permission,omitempty"`
	UserMessage  string `json:"userMessage,omitempty"`
	AgentMessage string `json:"agentMessage,omitempty"`
	Continue     *bool  `json:"continue,omitempty"`
}

func (a *cursorAdapter) Format(event *Event, final decision.Final) ([]byte, error) {
	resp := cursorResponse{}

	switch final.Kind {
	case decision.KindHalt:
		cont := false
		resp.Continue = &cont
		resp.Permission = "deny"
		resp.UserMessage = final.Reason
		resp.AgentMessage = final.Reason

	case decision.KindDeny:
		resp.Permission = "deny"
		resp.UserMessage = final.Reason
		resp.AgentMessage = final.Reason

	case decision.KindAsk:
		resp.Permission = "ask"
		resp.UserMessage = final.Question

	case decision.KindAllow:
		resp.Permission = "allow"
		if len(final.Context) > 0 {
			resp.AgentMessage = strings.Join(final.Context, "\n")
		}
	}

	return json.Marshal(resp)
}
