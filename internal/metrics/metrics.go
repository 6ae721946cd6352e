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

// Package metrics collects evaluation counters on a process-local
// Prometheus registry. The engine is a one-shot process, so there is no
// scrape endpoint; `cupcake verify` renders the gathered families as
// text.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry is the process-local registry all cupcake collectors live on.
var Registry = prometheus.NewRegistry()

var (
	// EvaluationsTotal counts evaluations by event and final decision.
	EvaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cupcake_evaluations_total",
		Help: "Total policy evaluations by event name and final decision",
	}, []string{"event", "decision"})

	// EvaluationDurationSeconds observes end-to-end evaluation latency.
	EvaluationDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cupcake_evaluation_duration_seconds",
		Help:    "End-to-end evaluation duration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// SignalDurationSeconds observes per-signal execution time.
	SignalDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cupcake_signal_duration_seconds",
		Help:    "Signal subprocess duration by signal name",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"signal"})

	// SignalFailuresTotal counts failed signal executions by cause.
	SignalFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cupcake_signal_failures_total",
		Help: "Signal executions recorded as failed, by cause",
	}, []string{"signal", "cause"})

	// PoliciesMatchedTotal counts routed policies per evaluation scope.
	PoliciesMatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cupcake_policies_matched_total",
		Help: "Policies selected by routing, by scope",
	}, []string{"scope"})

	// TrustFailuresTotal counts scripts refused by the trust gate.
	TrustFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cupcake_trust_failures_total",
		Help: "Scripts that failed trust verification",
	})

	// ActionsDispatchedTotal counts denial actions launched.
	ActionsDispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cupcake_actions_dispatched_total",
		Help: "Denial actions dispatched",
	})
)

func init() {
	Registry.MustRegister(
		EvaluationsTotal,
		EvaluationDurationSeconds,
		SignalDurationSeconds,
		SignalFailuresTotal,
		PoliciesMatchedTotal,
		TrustFailuresTotal,
		ActionsDispatchedTotal,
	)
}

// TextSummary gathers the registry and renders a compact counter
// summary for CLI output. Histograms report their sample counts.
func TextSummary() (string, error) {
	families, err := Registry.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}

	var b strings.Builder
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			fmt.Fprintf(&b, "%s%s %s\n", family.GetName(), formatLabels(metric), formatValue(metric))
		}
	}
	return b.String(), nil
}

func formatLabels(metric *dto.Metric) string {
	if len(metric.GetLabel()) == 0 {
		return ""
	}
	parts := make([]string, 0, len(metric.GetLabel()))
	for _, label := range metric.GetLabel() {
		parts = append(parts, fmt.Sprintf("%s=%q", label.GetName(), label.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatValue(metric *dto.Metric) string {
	switch {
	case metric.GetCounter() != nil:
		return fmt.Sprintf("%g", metric.GetCounter().GetValue())
	case metric.GetHistogram() != nil:
		return fmt.Sprintf("count=%d", metric.GetHistogram().GetSampleCount())
	case metric.GetGauge() != nil:
		return fmt.Sprintf("%g", metric.GetGauge().GetValue())
	default:
		return "?"
	}
}
