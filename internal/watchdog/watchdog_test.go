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

package watchdog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfig_ShorthandTrue(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(`true`), &cfg))
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "anthropic", cfg.Backend)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, "allow", cfg.OnError)
}

func TestConfig_ShorthandFalse(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(`false`), &cfg))
	assert.False(t, cfg.Enabled)
}

func TestConfig_FullMapping(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(`
enabled: true
model: claude-sonnet-4-5
timeout_seconds: 10
on_error: deny
`), &cfg))
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.Equal(t, 10, cfg.TimeoutSeconds)
	assert.False(t, cfg.AllowsOnError())
	// Unset fields keep defaults.
	assert.Equal(t, "anthropic", cfg.Backend)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.APIKeyEnv)
}

func TestConfig_InvalidOnError(t *testing.T) {
	var cfg Config
	err := yaml.Unmarshal([]byte("enabled: true\non_error: explode\n"), &cfg)
	assert.ErrorContains(t, err, "on_error")
}

type stubBackend struct {
	reply string
	err   error
}

func (s *stubBackend) judge(_ context.Context, _ string) (string, error) {
	return s.reply, s.err
}

func stubWatchdog(t *testing.T, b backend, onError string) *Watchdog {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.OnError = onError
	return &Watchdog{cfg: cfg, backend: b}
}

func TestEvaluate_ParsesVerdict(t *testing.T) {
	w := stubWatchdog(t, &stubBackend{reply: `{"allow": false, "confidence": 0.9, "reason": "deletes files"}`}, "allow")
	verdict := w.Evaluate(context.Background(), map[string]any{"tool_name": "Bash"})
	assert.False(t, verdict.Allow)
	assert.Equal(t, 0.9, verdict.Confidence)
	assert.Equal(t, "deletes files", verdict.Reason)
	assert.False(t, verdict.Errored)
}

func TestEvaluate_ToleratesFencedReply(t *testing.T) {
	w := stubWatchdog(t, &stubBackend{reply: "```json\n{\"allow\": true, \"confidence\": 0.6, \"reason\": \"benign\"}\n```"}, "allow")
	verdict := w.Evaluate(context.Background(), map[string]any{})
	assert.True(t, verdict.Allow)
}

func TestEvaluate_BackendErrorAllows(t *testing.T) {
	w := stubWatchdog(t, &stubBackend{err: errors.New("api down")}, "allow")
	verdict := w.Evaluate(context.Background(), map[string]any{})
	assert.True(t, verdict.Allow)
	assert.True(t, verdict.Errored)
}

func TestEvaluate_BackendErrorDenies(t *testing.T) {
	w := stubWatchdog(t, &stubBackend{err: errors.New("api down")}, "deny")
	verdict := w.Evaluate(context.Background(), map[string]any{})
	assert.False(t, verdict.Allow)
	assert.True(t, verdict.Errored)
}

func TestEvaluate_GarbageReply(t *testing.T) {
	w := stubWatchdog(t, &stubBackend{reply: "I think it's fine"}, "allow")
	verdict := w.Evaluate(context.Background(), map[string]any{})
	assert.True(t, verdict.Errored)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Setenv("CUPCAKE_TEST_WATCHDOG_KEY", "")
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.APIKeyEnv = "CUPCAKE_TEST_WATCHDOG_KEY"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "API key")
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Backend = "crystal-ball"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "unknown watchdog backend")
}
