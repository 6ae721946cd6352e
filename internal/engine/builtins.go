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
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/eqtylab/cupcake/internal/compiler"
	"github.com/eqtylab/cupcake/internal/policy"
)

// builtinPolicies ships the policy side of every builtin. Enabling a
// builtin in rulebook.yml must enforce out of the box: the rulebook
// expands signals and config, these policies consume them.
//
//go:embed builtins/*.rego
var builtinPolicies embed.FS

// embeddedBuiltinUnits parses the shipped policies for the enabled
// builtins that the scope's tree does not already provide. A policy
// file on disk under builtins/ overrides the shipped copy.
func embeddedBuiltinUnits(scope compiler.Scope, enabled []string, existing []policy.Unit) ([]policy.Unit, error) {
	present := map[string]bool{}
	for _, unit := range existing {
		if name := unit.BuiltinName(); name != "" {
			present[name] = true
		}
	}

	var units []policy.Unit
	for _, name := range enabled {
		if present[name] {
			continue
		}
		source, err := builtinPolicies.ReadFile("builtins/" + name + ".rego")
		if err != nil {
			return nil, fmt.Errorf("no shipped policy for builtin %q: %w", name, err)
		}

		// Shipped sources are written in the project namespace; other
		// scopes get the package line rewritten into their own.
		if scope.Root != compiler.ProjectScope.Root {
			source = []byte(strings.Replace(string(source),
				"package "+compiler.ProjectScope.PolicyRoot()+".builtins.",
				"package "+scope.PolicyRoot()+".builtins.", 1))
		}

		unit, err := policy.ParseSource("builtin://"+name+".rego", source, scope.Root)
		if err != nil {
			return nil, fmt.Errorf("embedded builtin %s: %w", name, err)
		}
		units = append(units, *unit)
	}
	return units, nil
}

// materializeBuiltinPolicies writes the shipped builtin policies into a
// builtins/ directory so `cupcake init` leaves an editable copy on
// disk. Existing files are left alone.
func materializeBuiltinPolicies(writeFile func(name string, data []byte) error) error {
	return fs.WalkDir(builtinPolicies, "builtins", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := builtinPolicies.ReadFile(path)
		if err != nil {
			return err
		}
		return writeFile(strings.TrimPrefix(path, "builtins/"), data)
	})
}
