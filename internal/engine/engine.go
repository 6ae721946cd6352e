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

// Package engine composes the evaluation pipeline: adapter parse,
// preprocessing, routing, signal gathering, sandbox evaluation,
// synthesis, and response formatting. An Engine is constructed once per
// CLI invocation, owns immutable snapshots of every scope, and lives
// for one evaluation.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eqtylab/cupcake/internal/compiler"
	"github.com/eqtylab/cupcake/internal/config"
	"github.com/eqtylab/cupcake/internal/decision"
	cupexec "github.com/eqtylab/cupcake/internal/exec"
	"github.com/eqtylab/cupcake/internal/harness"
	"github.com/eqtylab/cupcake/internal/metrics"
	"github.com/eqtylab/cupcake/internal/pkg/cel"
	"github.com/eqtylab/cupcake/internal/policy"
	"github.com/eqtylab/cupcake/internal/preprocess"
	"github.com/eqtylab/cupcake/internal/routing"
	"github.com/eqtylab/cupcake/internal/rulebook"
	"github.com/eqtylab/cupcake/internal/sandbox"
	"github.com/eqtylab/cupcake/internal/signals"
	"github.com/eqtylab/cupcake/internal/telemetry"
	"github.com/eqtylab/cupcake/internal/trust"
	"github.com/eqtylab/cupcake/internal/watchdog"
)

// actionTimeout bounds denial-action subprocesses.
const actionTimeout = 10 * time.Second

// scopeRuntime is one compiled scope: its rulebook, routing index, and
// sandbox module. All fields are immutable after construction.
type scopeRuntime struct {
	scope    compiler.Scope
	paths    Paths
	rulebook *rulebook.Rulebook
	units    []policy.Unit
	index    *routing.Index
	module   *sandbox.Module
}

// Engine is the orchestrator.
type Engine struct {
	projectRoot string
	cfg         *config.Config
	harnessType harness.Type
	adapter     harness.Adapter

	project  *scopeRuntime
	global   *scopeRuntime
	catalogs []*scopeRuntime

	trust      *trust.Store
	gatherer   *signals.Gatherer
	exporter   *telemetry.Exporter
	tracer     trace.Tracer
	shutdownFn func()
}

// New constructs the engine: rulebooks loaded, builtins expanded,
// policy trees scanned and compiled, routing indices built, trust
// manifest loaded. Any failure here is fatal - a partial policy set
// must not serve decisions.
func New(ctx context.Context, projectRoot string, cfg *config.Config) (*Engine, error) {
	harnessType, err := harness.ParseType(cfg.Harness)
	if err != nil {
		return nil, err
	}
	adapter, err := harness.New(harnessType)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		projectRoot: projectRoot,
		cfg:         cfg,
		harnessType: harnessType,
		adapter:     adapter,
	}

	projectPaths := ProjectPaths(projectRoot, cfg.PolicyDir, harnessType)
	e.project, err = loadScope(ctx, compiler.ProjectScope, projectPaths)
	if err != nil {
		return nil, fmt.Errorf("project scope: %w", err)
	}

	globalPaths, err := GlobalPaths(cfg.GlobalConfig, harnessType)
	if err != nil {
		return nil, err
	}
	if globalPaths != nil {
		e.global, err = loadScope(ctx, compiler.GlobalScope, *globalPaths)
		if err != nil {
			return nil, fmt.Errorf("global scope: %w", err)
		}
	}

	e.catalogs, err = loadCatalogOverlays(ctx, projectPaths, harnessType)
	if err != nil {
		return nil, err
	}

	e.trust, err = trust.Open(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("trust store: %w", err)
	}

	conditions, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}

	var wd *watchdog.Watchdog
	if e.project != nil && e.project.rulebook.Watchdog.Enabled {
		wd, err = watchdog.New(e.project.rulebook.Watchdog)
		if err != nil {
			// A misconfigured judge must not block the agent; it is
			// reported loudly and left out of the pipeline.
			telemetry.Logger("eval").Error("Watchdog unavailable", "error", err)
			wd = nil
		}
	}

	e.gatherer = &signals.Gatherer{
		Executor:   &cupexec.Executor{WorkDir: projectRoot},
		Trust:      e.trust,
		Conditions: conditions,
		Watchdog:   wd,
	}

	var tcfg rulebook.TelemetryConfig
	if e.project != nil {
		tcfg = e.project.rulebook.Telemetry
	}
	e.exporter = telemetry.NewExporter(tcfg.Enabled, tcfg.Format, tcfg.Destination, projectPaths.Telemetry)
	e.tracer, e.shutdownFn, err = telemetry.InitTracer(tcfg.Tracing, tcfg.TracingEndpoint, Version)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if routing.DebugEnabled() {
		debugDir := filepath.Join(projectPaths.Debug, "routing")
		for _, rt := range e.scopes() {
			routing.Dump(rt.index, rt.scope.Name, debugDir)
		}
	}

	return e, nil
}

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// Close releases telemetry resources.
func (e *Engine) Close() {
	if e.shutdownFn != nil {
		e.shutdownFn()
	}
	for _, rt := range e.scopes() {
		rt.module.Drop()
	}
}

func (e *Engine) scopes() []*scopeRuntime {
	var out []*scopeRuntime
	if e.project != nil {
		out = append(out, e.project)
	}
	out = append(out, e.catalogs...)
	if e.global != nil {
		out = append(out, e.global)
	}
	return out
}

// Adapter exposes the harness adapter for the CLI boundary.
func (e *Engine) Adapter() harness.Adapter {
	return e.adapter
}

// loadScope builds one scope runtime, or nil when the tree has no
// policies.
func loadScope(ctx context.Context, scope compiler.Scope, paths Paths) (*scopeRuntime, error) {
	rb, err := rulebook.LoadWithConventions(paths.Rulebook, paths.Signals, paths.Actions)
	if err != nil {
		return nil, err
	}

	enabledBuiltins := rb.Builtins.EnabledBuiltins()
	if !paths.HasPolicies() && len(enabledBuiltins) == 0 {
		log := telemetry.Logger("eval")
		log.DebugContext(ctx, "No policy tree for scope", "scope", scope.Name, "path", paths.Policies)
		return nil, nil
	}

	var units []policy.Unit
	if paths.HasPolicies() {
		units, err = policy.Scan(paths.Policies, policy.ScanOptions{
			ExpectedPrefix:  scope.Root,
			EnabledBuiltins: enabledBuiltins,
		})
		if err != nil {
			return nil, err
		}

		helperUnits, err := policy.Scan(paths.Helpers, policy.ScanOptions{})
		if err != nil {
			return nil, err
		}
		units = append(units, helperUnits...)
	}

	// Enabled builtins enforce even when the tree ships no copy of
	// their policy: the embedded assets fill the gaps.
	builtinUnits, err := embeddedBuiltinUnits(scope, enabledBuiltins, units)
	if err != nil {
		return nil, err
	}
	units = append(units, builtinUnits...)

	if len(units) == 0 {
		return nil, nil
	}

	module, err := compiler.Compile(ctx, scope, units)
	if err != nil {
		return nil, err
	}

	return &scopeRuntime{
		scope:    scope,
		paths:    paths,
		rulebook: rb,
		units:    units,
		index:    routing.Build(units),
		module:   module,
	}, nil
}

// Evaluate runs the full pipeline for one event. Unexpected internal
// errors degrade to Allow: a broken engine must not deadlock the agent.
func (e *Engine) Evaluate(ctx context.Context, event *harness.Event) decision.Final {
	log := telemetry.Logger("eval")
	start := time.Now()
	traceID := uuid.NewString()

	ctx, span := e.tracer.Start(ctx, "cupcake.evaluate")
	defer span.End()

	preprocess.Apply(ctx, event, e.cfg.Preprocess)

	routingKey := event.RoutingKey()
	span.SetAttributes(
		attribute.String("cupcake.event", event.Name),
		attribute.String("cupcake.routing_key", routingKey),
	)

	var projectMatched, globalMatched []policy.Unit
	if e.project != nil {
		projectMatched = e.project.index.Lookup(event.Name, event.ToolName)
		metrics.PoliciesMatchedTotal.WithLabelValues("project").Add(float64(len(projectMatched)))
	}
	catalogMatched := map[*scopeRuntime][]policy.Unit{}
	for _, cat := range e.catalogs {
		matched := cat.index.Lookup(event.Name, event.ToolName)
		if len(matched) > 0 {
			catalogMatched[cat] = matched
			metrics.PoliciesMatchedTotal.WithLabelValues(cat.scope.Name).Add(float64(len(matched)))
		}
	}
	if e.global != nil {
		globalMatched = e.global.index.Lookup(event.Name, event.ToolName)
		metrics.PoliciesMatchedTotal.WithLabelValues("global").Add(float64(len(globalMatched)))
	}

	totalMatched := len(projectMatched) + len(globalMatched)
	for _, matched := range catalogMatched {
		totalMatched += len(matched)
	}

	if totalMatched == 0 {
		log.DebugContext(ctx, "No policies matched, allowing",
			"routing_key", routingKey, "trace_id", traceID)
		final := decision.Allow()
		e.record(event, routingKey, traceID, 0, nil, final, time.Since(start))
		return final
	}

	log.DebugContext(ctx, "Policies matched",
		"routing_key", routingKey,
		"project", len(projectMatched),
		"global", len(globalMatched),
		"trace_id", traceID)

	var allExecutions []telemetry.SignalExecution

	projectSet := &decision.Set{}
	if e.project != nil && len(projectMatched) > 0 {
		set, executions := e.evaluateScope(ctx, e.project, event, projectMatched, false)
		allExecutions = append(allExecutions, executions...)
		projectSet = set
	}

	// Catalog overlays contribute on the project side of synthesis:
	// they refine a repository's policy surface, they do not outrank
	// the machine.
	for _, cat := range e.catalogs {
		matched, ok := catalogMatched[cat]
		if !ok {
			continue
		}
		set, executions := e.evaluateScope(ctx, cat, event, matched, false)
		allExecutions = append(allExecutions, executions...)
		mergeSets(projectSet, set)
	}

	globalSet := &decision.Set{}
	if e.global != nil && len(globalMatched) > 0 {
		set, executions := e.evaluateScope(ctx, e.global, event, globalMatched, true)
		allExecutions = append(allExecutions, executions...)
		globalSet = set
	}

	final := decision.Synthesize(ctx, projectSet, globalSet)

	if final.Blocking() {
		e.dispatchActions(ctx, event, final)
	}

	duration := time.Since(start)
	log.InfoContext(ctx, "Evaluation complete",
		"decision", final.Kind.String(),
		"routing_key", routingKey,
		"duration_ms", duration.Milliseconds(),
		"trace_id", traceID)

	e.record(event, routingKey, traceID, totalMatched, allExecutions, final, duration)
	return final
}

// evaluateScope gathers the scope's signals and runs its sandbox.
// Sandbox errors yield an empty set: fail open on ourselves, never on
// the agent.
func (e *Engine) evaluateScope(ctx context.Context, rt *scopeRuntime, event *harness.Event, matched []policy.Unit, isGlobal bool) (*decision.Set, []telemetry.SignalExecution) {
	log := telemetry.Logger("eval")

	opts := signals.Options{
		Rulebook: rt.rulebook,
		WorkDir:  e.projectRoot,
	}
	if isGlobal {
		opts.GlobalBuiltins = &rt.rulebook.Builtins
	} else {
		opts.ProjectBuiltins = &rt.rulebook.Builtins
		if e.global != nil {
			opts.GlobalBuiltins = &e.global.rulebook.Builtins
		}
	}

	enriched, executions, err := e.gatherer.Gather(ctx, event.Raw, matched, opts)
	if err != nil {
		log.ErrorContext(ctx, "Signal gathering failed",
			"scope", rt.scope.Name, "error", err)
		return &decision.Set{}, executions
	}

	set, err := rt.module.Evaluate(ctx, enriched)
	if err != nil {
		log.ErrorContext(ctx, "Sandbox evaluation failed",
			"scope", rt.scope.Name, "error", err)
		return &decision.Set{}, executions
	}
	return set, executions
}

// dispatchActions runs the denial actions for the final decision:
// every on_any_denial action plus the by_rule_id actions of the
// winning rule. Actions receive the event and decision on stdin.
func (e *Engine) dispatchActions(ctx context.Context, event *harness.Event, final decision.Final) {
	if e.project == nil {
		return
	}
	log := telemetry.Logger("eval")

	actions := e.project.rulebook.ActionsForRule(final.RuleID)
	if len(actions) == 0 {
		return
	}

	decisionJSON, _ := json.Marshal(final)
	var decisionMap map[string]any
	_ = json.Unmarshal(decisionJSON, &decisionMap)

	stdin, err := json.Marshal(map[string]any{
		"event":    event.Raw,
		"decision": decisionMap,
	})
	if err != nil {
		return
	}

	onAnyDenialCount := len(e.project.rulebook.Actions.OnAnyDenial)
	for i, action := range actions {
		if action.Condition != "" && e.gatherer.Conditions != nil {
			met, err := e.gatherer.Conditions.EvaluateCondition(action.Condition, event.Raw, decisionMap)
			if err != nil || !met {
				continue
			}
		}

		// Trust registers on_any_denial actions by index and rule
		// actions by rule id; mirror that here.
		name := final.RuleID
		if i < onAnyDenialCount {
			name = fmt.Sprintf("on_any_denial_%d", i)
		}
		if e.trust != nil {
			if err := e.trust.Verify("actions", name, action.Command, e.projectRoot); err != nil {
				metrics.TrustFailuresTotal.Inc()
				log.ErrorContext(ctx, "Trust verification failed, refusing to run action",
					"action", name, "error", err)
				continue
			}
		}

		metrics.ActionsDispatchedTotal.Inc()
		if result, err := e.gatherer.Executor.Execute(ctx, action.Command, stdin, actionTimeout); err != nil {
			log.WarnContext(ctx, "Action failed to spawn", "action", name, "error", err)
		} else if !result.Success() {
			log.WarnContext(ctx, "Action exited non-zero",
				"action", name, "exit_code", result.ExitCode)
		}
	}
}

func (e *Engine) record(event *harness.Event, routingKey, traceID string, matched int, executions []telemetry.SignalExecution, final decision.Final, duration time.Duration) {
	metrics.EvaluationsTotal.WithLabelValues(event.Name, final.Kind.String()).Inc()
	metrics.EvaluationDurationSeconds.Observe(duration.Seconds())

	e.exporter.Export(telemetry.EvaluationRecord{
		TraceID:         traceID,
		Timestamp:       time.Now().UTC(),
		Harness:         string(e.harnessType),
		EventName:       event.Name,
		RoutingKey:      routingKey,
		SessionID:       event.SessionID,
		MatchedPolicies: matched,
		Signals:         executions,
		Decision:        final.Kind.String(),
		Reason:          final.Reason,
		RuleID:          final.RuleID,
		DurationMS:      duration.Milliseconds(),
	})
}

func mergeSets(dst, src *decision.Set) {
	dst.Halts = append(dst.Halts, src.Halts...)
	dst.Denials = append(dst.Denials, src.Denials...)
	dst.Blocks = append(dst.Blocks, src.Blocks...)
	dst.Asks = append(dst.Asks, src.Asks...)
	dst.AllowOverrides = append(dst.AllowOverrides, src.AllowOverrides...)
	dst.AddContext = append(dst.AddContext, src.AddContext...)
}

// Summary describes the constructed engine for `cupcake verify`.
type Summary struct {
	Harness        string         `json:"harness"`
	Scopes         []ScopeSummary `json:"scopes"`
	TrustMode      string         `json:"trust_mode"`
	TrustPresent   bool           `json:"trust_present"`
	WatchdogActive bool           `json:"watchdog_active"`
}

// ScopeSummary describes one compiled scope.
type ScopeSummary struct {
	Name        string   `json:"name"`
	Policies    int      `json:"policies"`
	RoutingKeys []string `json:"routing_keys"`
	Signals     int      `json:"signals"`
}

// Summarize reports routing and compilation status.
func (e *Engine) Summarize() Summary {
	summary := Summary{
		Harness:        string(e.harnessType),
		TrustPresent:   e.trust.Initialized(),
		TrustMode:      string(e.trust.Mode()),
		WatchdogActive: e.gatherer.Watchdog != nil,
	}
	for _, rt := range e.scopes() {
		summary.Scopes = append(summary.Scopes, ScopeSummary{
			Name:        rt.scope.Name,
			Policies:    len(rt.units),
			RoutingKeys: rt.index.Keys(),
			Signals:     len(rt.rulebook.Signals),
		})
	}
	return summary
}
