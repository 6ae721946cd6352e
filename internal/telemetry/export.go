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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SignalExecution records one signal run for the evaluation record.
type SignalExecution struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	DurationMS int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
}

// EvaluationRecord is one exported telemetry event per evaluation,
// shaped for SOC/SIEM ingestion.
type EvaluationRecord struct {
	TraceID         string            `json:"trace_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Harness         string            `json:"harness"`
	EventName       string            `json:"event_name"`
	RoutingKey      string            `json:"routing_key"`
	SessionID       string            `json:"session_id,omitempty"`
	MatchedPolicies int               `json:"matched_policies"`
	Signals         []SignalExecution `json:"signals,omitempty"`
	Decision        string            `json:"decision"`
	Reason          string            `json:"reason,omitempty"`
	RuleID          string            `json:"rule_id,omitempty"`
	DurationMS      int64             `json:"duration_ms"`
}

// Exporter appends evaluation records under the destination directory,
// one file per day, newline-delimited.
type Exporter struct {
	dir    string
	format string
}

// NewExporter returns nil when disabled; a nil exporter's Export is a
// no-op, so callers don't branch.
func NewExporter(enabled bool, format, destination, defaultDir string) *Exporter {
	if !enabled {
		return nil
	}
	dir := destination
	if dir == "" {
		dir = defaultDir
	}
	if format != "text" {
		format = "json"
	}
	return &Exporter{dir: dir, format: format}
}

// Export appends one record. Failures are logged, never fatal:
// telemetry must not block decisions.
func (e *Exporter) Export(record EvaluationRecord) {
	if e == nil {
		return
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		slog.Warn("Could not create telemetry directory", "dir", e.dir, "error", err)
		return
	}

	name := fmt.Sprintf("events-%s.%s", record.Timestamp.UTC().Format("2006-01-02"), e.extension())
	path := filepath.Join(e.dir, name)

	line, err := e.render(record)
	if err != nil {
		slog.Warn("Could not render telemetry record", "error", err)
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("Could not open telemetry file", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		slog.Warn("Could not write telemetry record", "path", path, "error", err)
	}
}

func (e *Exporter) extension() string {
	if e.format == "text" {
		return "log"
	}
	return "jsonl"
}

func (e *Exporter) render(record EvaluationRecord) (string, error) {
	if e.format == "text" {
		return fmt.Sprintf("%s trace=%s harness=%s event=%s key=%s matched=%d decision=%s reason=%q duration_ms=%d",
			record.Timestamp.UTC().Format(time.RFC3339),
			record.TraceID, record.Harness, record.EventName, record.RoutingKey,
			record.MatchedPolicies, record.Decision, record.Reason, record.DurationMS), nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
