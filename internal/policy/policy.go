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

// Package policy walks a policy tree and turns each Rego file into an
// immutable unit carrying its package name and routing directive,
// extracted from the embedded METADATA block.
package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/ast"
)

// Directive is a policy's declaration of which events, tools, and
// signals it cares about. Empty RequiredTools means wildcard across
// tools; empty RequiredEvents marks system infrastructure that is not
// routed.
type Directive struct {
	RequiredEvents  []string `json:"required_events"`
	RequiredTools   []string `json:"required_tools"`
	RequiredSignals []string `json:"required_signals"`
}

// Unit is one loaded policy: source, package, and routing directive.
type Unit struct {
	Path        string
	PackageName string
	Routing     Directive
	// Title and Description come from the metadata block
	Title       string
	Description string
	// Source is the raw Rego, retained for compilation
	Source []byte
}

// IsSystem reports whether the unit is aggregation infrastructure
// rather than a routed policy.
func (u *Unit) IsSystem() bool {
	return strings.HasSuffix(u.PackageName, ".system") ||
		strings.Contains(u.PackageName, ".system.")
}

// IsHelper reports whether the unit is a shared helper library.
func (u *Unit) IsHelper() bool {
	return strings.Contains(u.PackageName, ".helpers")
}

// BuiltinName returns the builtin this policy implements, or "" when it
// is not a builtin policy.
func (u *Unit) BuiltinName() string {
	idx := strings.Index(u.PackageName, ".builtins.")
	if idx < 0 {
		return ""
	}
	return u.PackageName[idx+len(".builtins."):]
}

// ScanOptions parameterize a tree walk.
type ScanOptions struct {
	// ExpectedPrefix is the namespace the tree's packages must live in,
	// e.g. "cupcake.policies" or "cupcake.global.policies"
	ExpectedPrefix string

	// EnabledBuiltins filters the builtins/ subdirectory: a builtin
	// policy loads only when its file stem appears here
	EnabledBuiltins []string
}

// Scan walks dir recursively and parses every .rego file. Units are
// returned sorted by package name so downstream evaluation order is
// platform-independent.
func Scan(dir string, opts ScanOptions) ([]Unit, error) {
	var units []Unit

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".rego" {
			return nil
		}

		if name := builtinStem(path); name != "" && !contains(opts.EnabledBuiltins, name) {
			return nil
		}

		unit, err := ParseFile(path, opts.ExpectedPrefix)
		if err != nil {
			return err
		}
		units = append(units, *unit)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(units, func(i, j int) bool {
		return units[i].PackageName < units[j].PackageName
	})
	return units, nil
}

// ParseFile loads one policy file, extracts its metadata, and validates
// the namespace and routing invariants.
func ParseFile(path, expectedPrefix string) (*Unit, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return ParseSource(path, source, expectedPrefix)
}

// ParseSource parses policy source that did not come from disk (embedded
// builtin policies); path only labels diagnostics.
func ParseSource(path string, source []byte, expectedPrefix string) (*Unit, error) {
	module, err := ast.ParseModuleWithOpts(path, string(source), ast.ParserOptions{
		ProcessAnnotation: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
	}

	packageName := strings.TrimPrefix(module.Package.Path.String(), "data.")

	unit := &Unit{
		Path:        path,
		PackageName: packageName,
		Source:      source,
	}

	for _, annotations := range module.Annotations {
		if annotations.Scope != "package" && annotations.Scope != "subpackages" {
			continue
		}
		unit.Title = annotations.Title
		unit.Description = annotations.Description
		if routing, ok := annotations.Custom["routing"]; ok {
			directive, err := parseDirective(routing)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", path, err)
			}
			unit.Routing = directive
		}
		if unit.Description == "" {
			if desc, ok := annotations.Custom["description"].(string); ok {
				unit.Description = desc
			}
		}
	}

	if expectedPrefix != "" && !strings.HasPrefix(packageName, expectedPrefix) {
		return nil, fmt.Errorf("policy %s: package %q is outside the expected namespace %q",
			path, packageName, expectedPrefix)
	}

	// System packages are aggregation infrastructure; helper packages
	// export functions and emit no verbs. Both have nothing to route.
	// Every other policy must declare at least required_events.
	if len(unit.Routing.RequiredEvents) == 0 && !unit.IsSystem() && !unit.IsHelper() {
		return nil, fmt.Errorf("policy %s: missing routing metadata (custom.routing.required_events); only system and helper policies may omit routing", path)
	}

	return unit, nil
}

// parseDirective converts the metadata routing block into a Directive.
func parseDirective(raw any) (Directive, error) {
	block, ok := raw.(map[string]any)
	if !ok {
		return Directive{}, fmt.Errorf("custom.routing must be a mapping")
	}

	events, err := stringList(block, "required_events")
	if err != nil {
		return Directive{}, err
	}
	tools, err := stringList(block, "required_tools")
	if err != nil {
		return Directive{}, err
	}
	signals, err := stringList(block, "required_signals")
	if err != nil {
		return Directive{}, err
	}

	return Directive{
		RequiredEvents:  events,
		RequiredTools:   tools,
		RequiredSignals: signals,
	}, nil
}

func stringList(block map[string]any, key string) ([]string, error) {
	raw, ok := block[key]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("custom.routing.%s must be a list of strings", key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("custom.routing.%s must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// builtinStem returns the file stem when path sits directly in a
// builtins/ directory, else "".
func builtinStem(path string) string {
	if filepath.Base(filepath.Dir(path)) != "builtins" {
		return ""
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
