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

package routing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DebugEnvVar turns on routing-map dumps when set to 1.
const DebugEnvVar = "CUPCAKE_DEBUG_ROUTING"

// DebugEnabled reports whether dumps were requested.
func DebugEnabled() bool {
	return os.Getenv(DebugEnvVar) == "1"
}

// policyInfo is the dump-friendly projection of a routed policy.
type policyInfo struct {
	Package         string   `json:"package"`
	Path            string   `json:"path"`
	RequiredEvents  []string `json:"required_events"`
	RequiredTools   []string `json:"required_tools,omitempty"`
	RequiredSignals []string `json:"required_signals,omitempty"`
}

// mapDump is the JSON shape written to disk.
type mapDump struct {
	Scope      string                  `json:"scope"`
	Timestamp  string                  `json:"timestamp"`
	Statistics stats                   `json:"statistics"`
	Routes     map[string][]policyInfo `json:"routes"`
}

type stats struct {
	TotalRoutes    int `json:"total_routes"`
	TotalPolicies  int `json:"total_policies"`
	WildcardRoutes int `json:"wildcard_routes"`
}

// Dump writes JSON, text, and DOT renderings of the index under
// dir/routing_<scope>_<timestamp>.*. Failures are logged, never fatal -
// diagnostics must not break evaluation.
func Dump(idx *Index, scope, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Could not create routing debug directory", "dir", dir, "error", err)
		return
	}

	timestamp := time.Now().UTC().Format("20060102T150405")
	fileScope := strings.ReplaceAll(scope, "/", "_")
	base := filepath.Join(dir, fmt.Sprintf("routing_%s_%s", fileScope, timestamp))

	dump := buildDump(idx, scope, timestamp)

	if data, err := json.MarshalIndent(dump, "", "  "); err == nil {
		writeDump(base+".json", data)
	}
	writeDump(base+".txt", []byte(renderText(dump)))
	writeDump(base+".dot", []byte(renderDOT(dump)))

	slog.Debug("Routing diagnostics written", "scope", scope, "dir", dir)
}

func writeDump(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("Could not write routing dump", "path", path, "error", err)
	}
}

func buildDump(idx *Index, scope, timestamp string) mapDump {
	routes := map[string][]policyInfo{}
	policies := map[string]bool{}
	wildcards := 0

	for _, key := range idx.Keys() {
		if strings.HasSuffix(key, ":"+WildcardTool) {
			wildcards++
		}
		for _, unit := range idx.Entries(key) {
			policies[unit.PackageName] = true
			routes[key] = append(routes[key], policyInfo{
				Package:         unit.PackageName,
				Path:            unit.Path,
				RequiredEvents:  unit.Routing.RequiredEvents,
				RequiredTools:   unit.Routing.RequiredTools,
				RequiredSignals: unit.Routing.RequiredSignals,
			})
		}
	}

	return mapDump{
		Scope:     scope,
		Timestamp: timestamp,
		Statistics: stats{
			TotalRoutes:    idx.Size(),
			TotalPolicies:  len(policies),
			WildcardRoutes: wildcards,
		},
		Routes: routes,
	}
}

func renderText(dump mapDump) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Routing map (%s scope)\n", dump.Scope)
	fmt.Fprintf(&b, "Routes: %d  Policies: %d  Wildcard routes: %d\n\n",
		dump.Statistics.TotalRoutes, dump.Statistics.TotalPolicies, dump.Statistics.WildcardRoutes)

	keys := make([]string, 0, len(dump.Routes))
	for key := range dump.Routes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fmt.Fprintf(&b, "%s\n", key)
		for _, info := range dump.Routes[key] {
			fmt.Fprintf(&b, "  - %s", info.Package)
			if len(info.RequiredSignals) > 0 {
				fmt.Fprintf(&b, " (signals: %v)", info.RequiredSignals)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderDOT(dump mapDump) string {
	var b strings.Builder
	b.WriteString("digraph routing {\n  rankdir=LR;\n")
	for key, infos := range dump.Routes {
		for _, info := range infos {
			fmt.Fprintf(&b, "  %q -> %q;\n", key, info.Package)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
