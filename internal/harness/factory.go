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

// factoryAdapter speaks the Factory AI Droid hook protocol. Factory
// events are Claude Code shaped plus a permission_mode field that
// policies may consult; responses reuse the Claude Code envelope.
type factoryAdapter struct {
	claude claudeCodeAdapter
}

func (a *factoryAdapter) Type() Type { return Factory }

func (a *factoryAdapter) Parse(data []byte) (*Event, error) {
	event, err := a.claude.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Factory event: %w", err)
	}
	event.PermissionMode = stringField(event.Raw, "permission_mode")
	return event, nil
}

func (a *factoryAdapter) Format(event *Event, final decision.Final) ([]byte, error) {
	data, err := a.claude.Format(event, final)
	if err != nil {
		return nil, err
	}

	// Factory echoes permission_mode back so the droid can correlate the
	// decision with the mode it was issued under.
	if event.PermissionMode == "" {
		return data, nil
	}
	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	resp["permission_mode"] = event.PermissionMode
	return json.Marshal(resp)
}
