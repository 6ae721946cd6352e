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

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextSummary(t *testing.T) {
	EvaluationsTotal.WithLabelValues("PreToolUse", "deny").Inc()
	SignalDurationSeconds.WithLabelValues("git_branch").Observe(0.05)
	TrustFailuresTotal.Inc()

	text, err := TextSummary()
	require.NoError(t, err)

	assert.Contains(t, text, "cupcake_evaluations_total")
	assert.Contains(t, text, `event="PreToolUse"`)
	assert.Contains(t, text, `decision="deny"`)
	assert.Contains(t, text, "cupcake_signal_duration_seconds")
	assert.Contains(t, text, "cupcake_trust_failures_total")
}
