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

// Package compiler turns one scope's policy sources into a sandbox
// module. Compilation failure is fatal to engine construction: refusing
// to start beats silently serving a partial policy set.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/eqtylab/cupcake/internal/policy"
	"github.com/eqtylab/cupcake/internal/sandbox"
)

// Scope describes one compilation unit: a namespace root and the policy
// subtree the aggregation entrypoint walks.
type Scope struct {
	// Name labels the scope in logs and telemetry: "project", "global",
	// or "catalog/<name>"
	Name string

	// Root is the namespace root, e.g. "cupcake" or "cupcake.global"
	Root string
}

// PolicyRoot is the package subtree holding routed policies.
func (s Scope) PolicyRoot() string {
	return s.Root + ".policies"
}

// SystemPackage is where the aggregation entrypoint lives.
func (s Scope) SystemPackage() string {
	return s.Root + ".system"
}

// Query is the prepared query path for the scope's entrypoint.
func (s Scope) Query() string {
	return "data." + s.SystemPackage() + ".evaluate"
}

// ProjectScope is the per-repository scope.
var ProjectScope = Scope{Name: "project", Root: "cupcake"}

// GlobalScope is the machine-wide scope.
var GlobalScope = Scope{Name: "global", Root: "cupcake.global"}

// CatalogScope names an installed catalog overlay.
func CatalogScope(name string) Scope {
	return Scope{
		Name: "catalog/" + name,
		Root: "cupcake.catalog." + NormalizeCatalogName(name),
	}
}

// NormalizeCatalogName maps a catalog directory name onto a legal
// package segment.
func NormalizeCatalogName(name string) string {
	normalized := strings.ToLower(name)
	normalized = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, normalized)
	return normalized
}

// Compile prepares a scope's evaluation artifact from its policy units.
// When the tree ships no system aggregation package, a default
// entrypoint is generated so every scope exposes the same contract.
func Compile(ctx context.Context, scope Scope, units []policy.Unit) (*sandbox.Module, error) {
	if len(units) == 0 {
		return nil, fmt.Errorf("scope %s has no policies to compile", scope.Name)
	}

	options := []func(*rego.Rego){
		rego.Query(scope.Query()),
	}

	hasSystem := false
	for _, unit := range units {
		if unit.PackageName == scope.SystemPackage() {
			hasSystem = true
		}
		options = append(options, rego.Module(unit.Path, string(unit.Source)))
	}

	if !hasSystem {
		options = append(options, rego.Module(
			scope.Name+"/system/evaluate.rego",
			aggregationEntrypoint(scope),
		))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s scope: %w", scope.Name, err)
	}

	slog.DebugContext(ctx, "Compiled policy scope",
		"scope", scope.Name, "policies", len(units), "generated_entrypoint", !hasSystem)

	return sandbox.NewModule(scope.Name, prepared), nil
}

// aggregationEntrypoint generates the system rule that walks the
// scope's policy subtree and assembles the decision set. Each verb set
// a policy emits is collected and tagged with its package name so
// synthesis can order verbs deterministically.
func aggregationEntrypoint(scope Scope) string {
	rootSegments := strings.Split(scope.PolicyRoot(), ".")
	quoted := make([]string, 0, len(rootSegments))
	for _, seg := range rootSegments {
		quoted = append(quoted, fmt.Sprintf("%q", seg))
	}

	return fmt.Sprintf(`package %s

import rego.v1

evaluate := {
	"halts": collect_verbs("halt"),
	"denials": collect_verbs("deny"),
	"blocks": collect_verbs("block"),
	"asks": collect_verbs("ask"),
	"allow_overrides": collect_verbs("allow_override"),
	"add_context": collect_verbs("add_context"),
}

collect_verbs(verb_name) := [verb |
	walk(data.%s, [path, value])
	count(path) > 0
	path[count(path) - 1] == verb_name
	is_set(value)
	some raw in value
	pkg := concat(".", array.concat([%s], array.slice(path, 0, count(path) - 1)))
	verb := object.union(raw, {"package_name": pkg})
]
`, scope.SystemPackage(), scope.PolicyRoot(), strings.Join(quoted, ", "))
}
