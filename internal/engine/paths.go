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
	"fmt"
	"os"
	"path/filepath"

	"github.com/eqtylab/cupcake/internal/harness"
)

// Paths locates one configuration tree (project or global).
type Paths struct {
	// Root is the .cupcake directory (or the global equivalent)
	Root string
	// Policies is the harness-scoped policy tree
	Policies string
	// Helpers is the shared helper library tree
	Helpers string
	// Rulebook is the rulebook.yml location
	Rulebook string
	// Signals and Actions are the convention-discovery directories
	Signals string
	Actions string
	// Catalog is where overlay rulebooks install
	Catalog string
	// Debug is the diagnostics output directory
	Debug string
	// Telemetry is the default telemetry export directory
	Telemetry string
}

// ProjectPaths resolves the project tree. dirOverride replaces the
// conventional <projectRoot>/.cupcake when non-empty.
func ProjectPaths(projectRoot, dirOverride string, h harness.Type) Paths {
	root := dirOverride
	if root == "" {
		root = filepath.Join(projectRoot, ".cupcake")
	}
	return pathsFromRoot(root, h)
}

// GlobalPaths discovers the machine-wide tree. Resolution order: CLI
// override (must exist), then the platform config directory. A missing
// conventional directory is a graceful absence, not an error.
func GlobalPaths(override string, h harness.Type) (*Paths, error) {
	if override != "" {
		if !filepath.IsAbs(override) {
			return nil, fmt.Errorf("global config path must be absolute (got %q)", override)
		}
		resolved, err := filepath.EvalSymlinks(override)
		if err != nil {
			return nil, fmt.Errorf("global config path does not exist: %w", err)
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("global config path must be a directory: %s", resolved)
		}
		paths := pathsFromRoot(resolved, h)
		return &paths, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate user config dir: %w", err)
	}
	root := filepath.Join(configDir, "cupcake")
	if _, err := os.Stat(root); err != nil {
		return nil, nil
	}
	paths := pathsFromRoot(root, h)
	return &paths, nil
}

func pathsFromRoot(root string, h harness.Type) Paths {
	return Paths{
		Root:      root,
		Policies:  filepath.Join(root, "policies", h.PolicySubdir()),
		Helpers:   filepath.Join(root, "policies", "helpers"),
		Rulebook:  filepath.Join(root, "rulebook.yml"),
		Signals:   filepath.Join(root, "signals"),
		Actions:   filepath.Join(root, "actions"),
		Catalog:   filepath.Join(root, "catalog"),
		Debug:     filepath.Join(root, "debug"),
		Telemetry: filepath.Join(root, "telemetry"),
	}
}

// HasPolicies reports whether the harness policy tree exists.
func (p Paths) HasPolicies() bool {
	info, err := os.Stat(p.Policies)
	return err == nil && info.IsDir()
}

// Initialize scaffolds the directory tree and materializes the shipped
// builtin policies under builtins/. Existing files are left alone.
func (p Paths) Initialize() error {
	builtinsDir := filepath.Join(p.Policies, "builtins")
	for _, dir := range []string{p.Policies, filepath.Join(p.Policies, "system"), builtinsDir, p.Helpers, p.Signals, p.Actions} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if _, err := os.Stat(p.Rulebook); os.IsNotExist(err) {
		starter := "# Cupcake rulebook: signals, actions, builtins, watchdog, telemetry.\n"
		if err := os.WriteFile(p.Rulebook, []byte(starter), 0o644); err != nil {
			return fmt.Errorf("failed to write starter rulebook: %w", err)
		}
	}
	return materializeBuiltinPolicies(func(name string, data []byte) error {
		target := filepath.Join(builtinsDir, name)
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("failed to write builtin policy %s: %w", name, err)
		}
		return nil
	})
}
