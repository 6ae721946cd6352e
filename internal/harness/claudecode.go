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

// claudeCodeAdapter speaks the Claude Code hooks protocol: events arrive
// with hook_event_name / tool_name / tool_input, PreToolUse responses use
// hookSpecificOutput.permissionDecision, and the other events use the
// top-level decision/reason pair.
type claudeCodeAdapter struct{}

func (a *claudeCodeAdapter) Type() Type { return ClaudeCode }

func (a *claudeCodeAdapter) Parse(data []byte) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse Claude Code event: %w", err)
	}

	name := stringField(raw, "hook_event_name")
	if name == "" {
		return nil, fmt.Errorf("event missing hook_event_name")
	}

	return &Event{
		Name:      name,
		ToolName:  stringField(raw, "tool_name"),
		SessionID: stringField(raw, "session_id"),
		Cwd:       stringField(raw, "cwd"),
		Prompt:    stringField(raw, "prompt"),
		Raw:       raw,
	}, nil
}

// hookSpecificOutput is the PreToolUse/PostToolUse response envelope.
type hookSpecificOutput struct {
	HookEventName            string `json:"hookEventName,omitempty"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string `json:"additionalContext,omitempty"`
}

type claudeCodeResponse struct {
	Continue           *bool               `json:"continue,omitempty"`
	StopReason         string              `json:"stopReason,omitempty"`
	Decision           string              `json:"decision,omitempty"`
	Reason             string              `json:"reason,omitempty"`
	HookSpecificOutput *hookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

func (a *claudeCodeAdapter) Format(event *Event, final decision.Final) ([]byte, error) {
	resp := claudeCodeResponse{}

	switch final.Kind {
	case decision.KindHalt:
		cont := false
		resp.Continue = &cont
		resp.StopReason = final.Reason

	case decision.KindDeny:
		if event.Name == EventPreToolUse {
			resp.HookSpecificOutput = &hookSpecificOutput{
				HookEventName:            EventPreToolUse,
				PermissionDecision:       "deny",
				PermissionDecisionReason: final.Reason,
			}
		} else {
			resp.Decision = "block"
			resp.Reason = final.Reason
		}

	case decision.KindAsk:
		if event.Name == EventPreToolUse {
			resp.HookSpecificOutput = &hookSpecificOutput{
				HookEventName:            EventPreToolUse,
				PermissionDecision:       "ask",
				PermissionDecisionReason: final.Question,
			}
		} else {
			// Only PreToolUse supports a confirmation prompt; elsewhere
			// an unanswerable question degrades to a block.
			resp.Decision = "block"
			resp.Reason = final.Question
		}

	case decision.KindAllow:
		if len(final.Context) > 0 {
			out := &hookSpecificOutput{
				HookEventName:     event.Name,
				AdditionalContext: strings.Join(final.Context, "\n"),
			}
			if event.Name == EventPreToolUse {
				out.PermissionDecision = "allow"
			}
			resp.HookSpecificOutput = out
		}
	}

	return json.Marshal(resp)
}
