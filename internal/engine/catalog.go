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

package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/eqtylab/cupcake/internal/compiler"
	"github.com/eqtylab/cupcake/internal/harness"
	"github.com/eqtylab/cupcake/internal/policy"
	"github.com/eqtylab/cupcake/internal/routing"
	"github.com/eqtylab/cupcake/internal/rulebook"
	"github.com/eqtylab/cupcake/internal/telemetry"
)

// loadCatalogOverlays discovers installed rulebooks under
// .cupcake/catalog/<name>/ and compiles one module per overlay that
// ships policies for the active harness. Each overlay has its own
// namespace, rulebook, and helper tree.
func loadCatalogOverlays(ctx context.Context, projectPaths Paths, h harness.Type) ([]*scopeRuntime, error) {
	log := telemetry.Logger("eval")

	entries, err := os.ReadDir(projectPaths.Catalog)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var overlays []*scopeRuntime
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		root := filepath.Join(projectPaths.Catalog, name)
		paths := Paths{
			Root:     root,
			Policies: filepath.Join(root, "policies", h.PolicySubdir()),
			Helpers:  filepath.Join(root, "policies", "helpers"),
			Rulebook: filepath.Join(root, "rulebook.yml"),
			Signals:  filepath.Join(root, "signals"),
			Actions:  filepath.Join(root, "actions"),
		}
		if !paths.HasPolicies() {
			log.DebugContext(ctx, "Catalog overlay has no policies for harness",
				"catalog", name, "harness", string(h))
			continue
		}

		scope := compiler.CatalogScope(name)

		rb, err := rulebook.LoadWithConventions(paths.Rulebook, paths.Signals, paths.Actions)
		if err != nil {
			return nil, err
		}

		enabledBuiltins := rb.Builtins.EnabledBuiltins()
		units, err := policy.Scan(paths.Policies, policy.ScanOptions{
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
		builtinUnits, err := embeddedBuiltinUnits(scope, enabledBuiltins, units)
		if err != nil {
			return nil, err
		}
		units = append(units, builtinUnits...)
		if len(units) == 0 {
			continue
		}

		module, err := compiler.Compile(ctx, scope, units)
		if err != nil {
			return nil, err
		}

		log.DebugContext(ctx, "Loaded catalog overlay",
			"catalog", name, "policies", len(units))

		overlays = append(overlays, &scopeRuntime{
			scope:    scope,
			paths:    paths,
			rulebook: rb,
			units:    units,
			index:    routing.Build(units),
			module:   module,
		})
	}
	return overlays, nil
}
