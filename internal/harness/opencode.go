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

	"github.com/eqtylab/cupcake/internal/decision"
)

// openCodeAdapter speaks the OpenCode plugin protocol: Claude Code
// shaped events, flat {decision, reason, context} responses.
type openCodeAdapter struct {
	claude claudeCodeAdapter
}

func (a *openCodeAdapter) Type() Type { return OpenCode }

func (a *openCodeAdapter) Parse(data []byte) (*Event, error) {
	event, err := a.claude.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenCode event: %w", err)
	}
	return event, nil
}

type openCodeResponse struct {
	Decision string   `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	Question string   `json:"question,omitempty"`
	Context  []string `json:"context,omitempty"`
}

func (a *openCodeAdapter) Format(_ *Event, final decision.Final) ([]byte, error) {
	return json.Marshal(openCodeResponse{
		Decision: final.Kind.String(),
		Reason:   final.Reason,
		Question: final.Question,
		Context:  final.Context,
	})
}
