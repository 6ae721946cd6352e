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

package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporter_DisabledIsNil(t *testing.T) {
	exporter := NewExporter(false, "json", "", "/tmp/unused")
	assert.Nil(t, exporter)
	// A nil exporter is safe to use.
	exporter.Export(EvaluationRecord{})
}

func TestExporter_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	exporter := NewExporter(true, "json", "", dir)
	require.NotNil(t, exporter)

	record := EvaluationRecord{
		TraceID:    "trace-1",
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Harness:    "claude-code",
		EventName:  "PreToolUse",
		RoutingKey: "PreToolUse:Bash",
		Decision:   "deny",
		Reason:     "blocked",
		DurationMS: 12,
	}
	exporter.Export(record)
	exporter.Export(record)

	data, err := os.ReadFile(filepath.Join(dir, "events-2025-06-01.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var decoded EvaluationRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "deny", decoded.Decision)
	assert.Equal(t, "PreToolUse:Bash", decoded.RoutingKey)
}

func TestExporter_TextFormat(t *testing.T) {
	dir := t.TempDir()
	exporter := NewExporter(true, "text", "", dir)

	exporter.Export(EvaluationRecord{
		TraceID:   "t",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		EventName: "Stop",
		Decision:  "allow",
	})

	data, err := os.ReadFile(filepath.Join(dir, "events-2025-06-01.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "event=Stop")
	assert.Contains(t, string(data), "decision=allow")
}

func TestExporter_ExplicitDestinationWins(t *testing.T) {
	fallback := t.TempDir()
	destination := filepath.Join(t.TempDir(), "exports")
	exporter := NewExporter(true, "json", destination, fallback)

	exporter.Export(EvaluationRecord{Timestamp: time.Now()})

	entries, err := os.ReadDir(destination)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	empty, err := os.ReadDir(fallback)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestInitTracer_DisabledIsNoop(t *testing.T) {
	tracer, shutdown, err := InitTracer(false, "", "dev")
	require.NoError(t, err)
	require.NotNil(t, tracer)
	shutdown()
}
