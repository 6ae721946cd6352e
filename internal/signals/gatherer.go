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

// Package signals collects the external state policies asked for:
// required signals run concurrently, each verified by the trust gate
// before it spawns, and the results are merged into the input document
// under "signals". The builtin configuration is always injected, with
// global config overriding project config on conflict.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eqtylab/cupcake/internal/exec"
	"github.com/eqtylab/cupcake/internal/metrics"
	"github.com/eqtylab/cupcake/internal/pkg/cel"
	"github.com/eqtylab/cupcake/internal/policy"
	"github.com/eqtylab/cupcake/internal/rulebook"
	"github.com/eqtylab/cupcake/internal/telemetry"
	"github.com/eqtylab/cupcake/internal/trust"
	"github.com/eqtylab/cupcake/internal/watchdog"
)

// Gatherer executes signals for one evaluation. It is cheap to build
// and lives for a single engine instance.
type Gatherer struct {
	Executor   *exec.Executor
	Trust      *trust.Store
	Conditions *cel.Evaluator
	Watchdog   *watchdog.Watchdog
}

// Options parameterize one gather call.
type Options struct {
	// Rulebook supplies signal definitions for this scope
	Rulebook *rulebook.Rulebook

	// ProjectBuiltins is the baseline builtin configuration
	ProjectBuiltins *rulebook.BuiltinsConfig

	// GlobalBuiltins, when present, overrides the baseline per builtin
	GlobalBuiltins *rulebook.BuiltinsConfig

	// WorkDir is where signal subprocesses run
	WorkDir string
}

// Gather enriches the input document with builtin configuration and the
// results of every required signal, returning the enriched copy plus
// per-signal telemetry. The original input is never mutated.
func (g *Gatherer) Gather(ctx context.Context, input map[string]any, matched []policy.Unit, opts Options) (map[string]any, []telemetry.SignalExecution, error) {
	log := telemetry.Logger("signals")

	enriched, err := cloneInput(input)
	if err != nil {
		return nil, nil, err
	}
	injectBuiltinConfig(enriched, opts.ProjectBuiltins, opts.GlobalBuiltins)

	required := requiredSignals(input, matched, opts.Rulebook)

	runWatchdog := g.Watchdog != nil && isPreActionEvent(input)
	if len(required) == 0 && !runWatchdog {
		log.DebugContext(ctx, "No signals required, returning input with builtin config")
		return enriched, nil, nil
	}

	log.DebugContext(ctx, "Gathering signals", "count", len(required), "signals", required)

	values := map[string]any{}
	var executions []telemetry.SignalExecution
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range required {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			value, execution, ok := g.runSignal(ctx, name, input, opts)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				values[name] = value
			}
			if execution != nil {
				executions = append(executions, *execution)
			}
		}(name)
	}
	wg.Wait()

	if runWatchdog {
		start := time.Now()
		verdict := g.Watchdog.Evaluate(ctx, input)
		verdictValue, err := toJSONValue(verdict)
		if err == nil {
			values["watchdog"] = verdictValue
		}
		executions = append(executions, telemetry.SignalExecution{
			Name:       "watchdog",
			Command:    "LLM evaluation via " + g.Watchdog.BackendName(),
			DurationMS: time.Since(start).Milliseconds(),
			Success:    !verdict.Errored,
		})
	}

	if len(values) > 0 {
		enriched["signals"] = values
	}

	sort.Slice(executions, func(i, j int) bool { return executions[i].Name < executions[j].Name })
	return enriched, executions, nil
}

// runSignal executes one signal: condition gate, trust gate, spawn,
// parse. Failures are recorded as structured values, never as errors -
// a broken signal must not abort gathering.
func (g *Gatherer) runSignal(ctx context.Context, name string, input map[string]any, opts Options) (any, *telemetry.SignalExecution, bool) {
	log := telemetry.Logger("signals")

	signal, ok := opts.Rulebook.GetSignal(name)
	if !ok {
		log.WarnContext(ctx, "Signal not found in rulebook", "signal", name)
		return failureValue(-1, "", fmt.Sprintf("signal %q not defined", name)), nil, true
	}

	if g.Conditions != nil && signal.Condition != "" {
		met, err := g.Conditions.EvaluateCondition(signal.Condition, input, nil)
		if err != nil {
			log.WarnContext(ctx, "Signal condition failed to evaluate",
				"signal", name, "error", err)
			return nil, nil, false
		}
		if !met {
			log.DebugContext(ctx, "Signal condition not met, skipping", "signal", name)
			return nil, nil, false
		}
	}

	if g.Trust != nil {
		if err := g.Trust.Verify("signals", name, signal.Command, opts.WorkDir); err != nil {
			metrics.TrustFailuresTotal.Inc()
			metrics.SignalFailuresTotal.WithLabelValues(name, "trust").Inc()
			log.ErrorContext(ctx, "Trust verification failed, refusing to execute signal",
				"signal", name, "error", err)
			return failureValue(-1, "", err.Error()), &telemetry.SignalExecution{
				Name:    name,
				Command: signal.Command,
				Success: false,
			}, true
		}
	}

	stdin, err := json.Marshal(input)
	if err != nil {
		return failureValue(-1, "", err.Error()), nil, true
	}

	timeout := time.Duration(signal.TimeoutSeconds) * time.Second
	result, err := g.Executor.Execute(ctx, signal.Command, stdin, timeout)
	if err != nil {
		metrics.SignalFailuresTotal.WithLabelValues(name, "spawn").Inc()
		log.ErrorContext(ctx, "Signal failed to spawn", "signal", name, "error", err)
		return failureValue(-1, "", err.Error()), &telemetry.SignalExecution{
			Name:    name,
			Command: signal.Command,
			Success: false,
		}, true
	}

	metrics.SignalDurationSeconds.WithLabelValues(name).Observe(result.Duration.Seconds())
	execution := &telemetry.SignalExecution{
		Name:       name,
		Command:    signal.Command,
		DurationMS: result.Duration.Milliseconds(),
		Success:    result.Success(),
	}

	stdout := strings.TrimSpace(string(result.Stdout))
	if !result.Success() {
		cause := "exit"
		if result.TimedOut {
			cause = "timeout"
		}
		metrics.SignalFailuresTotal.WithLabelValues(name, cause).Inc()
		log.DebugContext(ctx, "Signal failed",
			"signal", name, "exit_code", result.ExitCode, "timed_out", result.TimedOut)
		return failureValue(result.ExitCode, stdout, strings.TrimSpace(string(result.Stderr))), execution, true
	}

	// JSON output is kept structured; anything else stays a string.
	var parsed any
	if err := json.Unmarshal([]byte(stdout), &parsed); err == nil && stdout != "" {
		return parsed, execution, true
	}
	return stdout, execution, true
}

// requiredSignals unions the matched policies' declared signals with
// the auto-added signals of matched builtin policies, sorted for
// deterministic execution sets.
func requiredSignals(input map[string]any, matched []policy.Unit, rb *rulebook.Rulebook) []string {
	set := map[string]bool{}

	for _, unit := range matched {
		for _, name := range unit.Routing.RequiredSignals {
			set[name] = true
		}
	}

	for _, unit := range matched {
		builtinName := unit.BuiltinName()
		if builtinName == "" {
			continue
		}
		if builtinName == rulebook.BuiltinPostEditCheck {
			if name := rb.Builtins.PostEditSignalName(input); name != "" {
				if _, ok := rb.GetSignal(name); ok {
					set[name] = true
				}
			}
			continue
		}
		prefix := "__builtin_" + builtinName + "_"
		for name := range rb.Signals {
			if strings.HasPrefix(name, prefix) {
				set[name] = true
			}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// injectBuiltinConfig lays project config down first, then global on
// top: global policy wins on conflict.
func injectBuiltinConfig(enriched map[string]any, project, global *rulebook.BuiltinsConfig) {
	merged := map[string]any{}
	if project != nil {
		for name, cfg := range project.ToJSONConfigs() {
			merged[name] = cfg
		}
	}
	if global != nil {
		for name, cfg := range global.ToJSONConfigs() {
			merged[name] = cfg
		}
	}
	if len(merged) > 0 {
		enriched["builtin_config"] = merged
	}
}

func isPreActionEvent(input map[string]any) bool {
	name, _ := input["hook_event_name"].(string)
	switch name {
	case "PreToolUse", "beforeShellExecution", "beforeMCPExecution":
		return true
	}
	return false
}

func failureValue(exitCode int, output, errText string) map[string]any {
	return map[string]any{
		"success":   false,
		"exit_code": exitCode,
		"output":    output,
		"error":     errText,
	}
}

func cloneInput(input map[string]any) (map[string]any, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to clone input: %w", err)
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to clone input: %w", err)
	}
	return clone, nil
}

func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
