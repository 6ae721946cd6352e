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

// Package telemetry wires logging, tracing, and per-evaluation event
// export. All diagnostics go to stderr; stdout belongs to the harness
// response.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// TraceEnvVar selects subsystems for debug-level structured logging:
// eval, signals, wasm, synthesis, routing, or all.
const TraceEnvVar = "CUPCAKE_TRACE"

// SubsystemKey is the attribute the trace filter matches against.
const SubsystemKey = "subsystem"

// knownSubsystems guards against typos in CUPCAKE_TRACE.
var knownSubsystems = map[string]bool{
	"eval": true, "signals": true, "wasm": true,
	"synthesis": true, "routing": true, "all": true,
}

// SetupLogging installs the default slog handler according to config
// plus any CUPCAKE_TRACE override.
func SetupLogging(level, format string) {
	base := parseLevel(level)
	traced := tracedSubsystems()

	effective := base
	if len(traced) > 0 && base > slog.LevelDebug {
		effective = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: effective}
	var inner slog.Handler
	if format == "json" || len(traced) > 0 {
		// Trace output is structured JSON for machine consumption.
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(&subsystemFilter{
		inner:     inner,
		baseLevel: base,
		traced:    traced,
	}))
}

// Logger returns a logger tagged with a subsystem so CUPCAKE_TRACE can
// select its debug output.
func Logger(subsystem string) *slog.Logger {
	return slog.Default().With(SubsystemKey, subsystem)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func tracedSubsystems() map[string]bool {
	value := os.Getenv(TraceEnvVar)
	if value == "" {
		return nil
	}
	traced := map[string]bool{}
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if knownSubsystems[name] {
			traced[name] = true
		}
	}
	return traced
}

// subsystemFilter passes records at or above the base level through,
// and additionally passes debug records tagged with a traced subsystem.
type subsystemFilter struct {
	inner     slog.Handler
	baseLevel slog.Level
	traced    map[string]bool
	// attrs accumulated via WithAttrs, checked for the subsystem tag
	attrs []slog.Attr
}

func (f *subsystemFilter) Enabled(_ context.Context, level slog.Level) bool {
	if level >= f.baseLevel {
		return true
	}
	return len(f.traced) > 0
}

func (f *subsystemFilter) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= f.baseLevel {
		return f.inner.Handle(ctx, record)
	}
	if f.subsystemTraced(record) {
		return f.inner.Handle(ctx, record)
	}
	return nil
}

func (f *subsystemFilter) subsystemTraced(record slog.Record) bool {
	if f.traced["all"] {
		return true
	}
	for _, attr := range f.attrs {
		if attr.Key == SubsystemKey && f.traced[attr.Value.String()] {
			return true
		}
	}
	matched := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == SubsystemKey && f.traced[attr.Value.String()] {
			matched = true
			return false
		}
		return true
	})
	return matched
}

func (f *subsystemFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &subsystemFilter{
		inner:     f.inner.WithAttrs(attrs),
		baseLevel: f.baseLevel,
		traced:    f.traced,
		attrs:     append(append([]slog.Attr{}, f.attrs...), attrs...),
	}
}

func (f *subsystemFilter) WithGroup(name string) slog.Handler {
	return &subsystemFilter{
		inner:     f.inner.WithGroup(name),
		baseLevel: f.baseLevel,
		traced:    f.traced,
		attrs:     f.attrs,
	}
}
