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

// Package rulebook parses rulebook.yml and merges it with
// convention-based discovery. The rulebook is a phonebook: signal names
// map to commands, rule ids map to actions, builtins expand into both.
package rulebook

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eqtylab/cupcake/internal/watchdog"
)

// DefaultSignalTimeoutSeconds applies when a signal omits its timeout.
const DefaultSignalTimeoutSeconds = 5

// SignalConfig names a command whose output becomes policy input.
type SignalConfig struct {
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Condition is an optional CEL expression over the event; the signal
	// only runs when it evaluates true
	Condition string `yaml:"condition"`
}

// ActionConfig names a command run after a denial.
type ActionConfig struct {
	Command string `yaml:"command"`
	// Condition is an optional CEL expression over the event and the
	// final decision; the action only runs when it evaluates true
	Condition string `yaml:"condition"`
}

// ActionSection groups denial actions.
type ActionSection struct {
	OnAnyDenial []ActionConfig            `yaml:"on_any_denial"`
	ByRuleID    map[string][]ActionConfig `yaml:"by_rule_id"`
}

// TelemetryConfig controls per-evaluation event export.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Format is "json" or "text"
	Format string `yaml:"format"`
	// Destination directory, default .cupcake/telemetry
	Destination string `yaml:"destination"`
	// Tracing enables the OTLP span exporter
	Tracing bool `yaml:"tracing"`
	// TracingEndpoint is the OTLP gRPC endpoint (host:port)
	TracingEndpoint string `yaml:"tracing_endpoint"`
}

// Rulebook is the parsed rulebook.yml plus discovered conventions.
type Rulebook struct {
	Signals   map[string]SignalConfig `yaml:"signals"`
	Actions   ActionSection           `yaml:"actions"`
	Builtins  BuiltinsConfig          `yaml:"builtins"`
	Watchdog  watchdog.Config         `yaml:"watchdog"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
}

// Load parses a rulebook file without discovery.
func Load(path string) (*Rulebook, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rulebook: %w", err)
	}

	rb := &Rulebook{}
	if err := yaml.Unmarshal(content, rb); err != nil {
		return nil, fmt.Errorf("failed to parse rulebook YAML: %w", err)
	}
	rb.normalize()
	return rb, nil
}

// LoadWithConventions loads the rulebook (an absent file yields the
// empty rulebook), discovers executables in the signals and actions
// directories, expands enabled builtins, and validates the result.
//
// Precedence: explicit rulebook entries win over discovered scripts win
// over builtin-generated signals.
func LoadWithConventions(rulebookPath, signalsDir, actionsDir string) (*Rulebook, error) {
	var rb *Rulebook
	if _, err := os.Stat(rulebookPath); err == nil {
		loaded, err := Load(rulebookPath)
		if err != nil {
			return nil, err
		}
		rb = loaded
	} else {
		slog.Info("No rulebook.yml found, using pure convention-based discovery")
		rb = &Rulebook{}
		rb.normalize()
	}

	if err := rb.discoverSignals(signalsDir); err != nil {
		return nil, err
	}
	if err := rb.discoverActions(actionsDir); err != nil {
		return nil, err
	}

	if rb.Builtins.AnyEnabled() {
		slog.Debug("Generating signals for enabled builtins",
			"builtins", rb.Builtins.EnabledBuiltins())
		for name, signal := range rb.Builtins.GenerateSignals() {
			if _, exists := rb.Signals[name]; exists {
				slog.Debug("Keeping user-defined signal over builtin", "signal", name)
				continue
			}
			rb.Signals[name] = signal
		}
	}

	if errs := rb.Builtins.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("builtin configuration errors:\n%s", strings.Join(errs, "\n"))
	}

	slog.Debug("Rulebook loaded",
		"signals", len(rb.Signals),
		"action_rules", len(rb.Actions.ByRuleID),
		"builtins", len(rb.Builtins.EnabledBuiltins()),
		"watchdog", rb.Watchdog.Enabled)

	return rb, nil
}

func (rb *Rulebook) normalize() {
	if rb.Signals == nil {
		rb.Signals = map[string]SignalConfig{}
	}
	if rb.Actions.ByRuleID == nil {
		rb.Actions.ByRuleID = map[string][]ActionConfig{}
	}
	for name, signal := range rb.Signals {
		if signal.TimeoutSeconds <= 0 {
			signal.TimeoutSeconds = DefaultSignalTimeoutSeconds
			rb.Signals[name] = signal
		}
	}
	if rb.Telemetry.Format == "" {
		rb.Telemetry.Format = "json"
	}
}

// discoverSignals registers every non-hidden file in dir as a signal
// named by its filename stem, unless an explicit entry already claims
// the name.
func (rb *Rulebook) discoverSignals(dir string) error {
	entries, err := readDirIfExists(dir)
	if err != nil || entries == nil {
		return err
	}
	for _, entry := range entries {
		name, path, ok := discoveredScript(dir, entry)
		if !ok {
			continue
		}
		if _, exists := rb.Signals[name]; exists {
			continue
		}
		rb.Signals[name] = SignalConfig{
			Command:        path,
			TimeoutSeconds: DefaultSignalTimeoutSeconds,
		}
		slog.Debug("Discovered signal", "name", name, "path", path)
	}
	return nil
}

// discoverActions registers every non-hidden file in dir as an action
// keyed by rule id (the filename stem).
func (rb *Rulebook) discoverActions(dir string) error {
	entries, err := readDirIfExists(dir)
	if err != nil || entries == nil {
		return err
	}
	for _, entry := range entries {
		name, path, ok := discoveredScript(dir, entry)
		if !ok {
			continue
		}
		rb.Actions.ByRuleID[name] = append(rb.Actions.ByRuleID[name], ActionConfig{Command: path})
		slog.Debug("Discovered action", "rule_id", name, "path", path)
	}
	return nil
}

func readDirIfExists(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	return entries, nil
}

func discoveredScript(dir string, entry os.DirEntry) (name, path string, ok bool) {
	fileName := entry.Name()
	if strings.HasPrefix(fileName, ".") || entry.IsDir() {
		return "", "", false
	}
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	if stem == "" {
		stem = fileName
	}
	return stem, filepath.Join(dir, fileName), true
}

// GetSignal looks up a signal by name.
func (rb *Rulebook) GetSignal(name string) (SignalConfig, bool) {
	signal, ok := rb.Signals[name]
	return signal, ok
}

// ActionsForRule returns the on_any_denial actions followed by the
// actions registered for the given rule id.
func (rb *Rulebook) ActionsForRule(ruleID string) []ActionConfig {
	actions := append([]ActionConfig{}, rb.Actions.OnAnyDenial...)
	if specific, ok := rb.Actions.ByRuleID[ruleID]; ok {
		actions = append(actions, specific...)
	}
	return actions
}
