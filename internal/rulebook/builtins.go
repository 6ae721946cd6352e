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

package rulebook

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuiltinsConfig is the declarative configuration for the shipped
// higher-level policy patterns. Each enabled builtin expands into
// auto-generated signals plus a JSON config block injected under
// input.builtin_config.<name> for the corresponding shipped policy.
type BuiltinsConfig struct {
	AlwaysInjectOnPrompt       *AlwaysInjectConfig   `yaml:"always_inject_on_prompt"`
	NeverEditFiles             *NeverEditConfig      `yaml:"never_edit_files"`
	GitPreCheck                *GitPreCheckConfig    `yaml:"git_pre_check"`
	PostEditCheck              *PostEditCheckConfig  `yaml:"post_edit_check"`
	ProtectedPaths             *ProtectedPathsConfig `yaml:"protected_paths"`
	RulebookSecurityGuardrails *GuardrailConfig      `yaml:"rulebook_security_guardrails"`
	SystemProtection           *GuardrailConfig      `yaml:"system_protection"`
	SensitiveDataProtection    *SensitiveDataConfig  `yaml:"sensitive_data_protection"`
	CupcakeExecProtection      *GuardrailConfig      `yaml:"cupcake_exec_protection"`
}

// Enabled is a tri-state flag: an omitted field means a configured
// builtin defaults to enabled.
type Enabled struct {
	value *bool
}

func (e *Enabled) UnmarshalYAML(node *yaml.Node) error {
	var v bool
	if err := node.Decode(&v); err != nil {
		return err
	}
	e.value = &v
	return nil
}

func (e Enabled) MarshalYAML() (any, error) {
	return e.Bool(), nil
}

// Bool resolves the tri-state: unset means true.
func (e Enabled) Bool() bool {
	return e.value == nil || *e.value
}

// AlwaysInjectConfig injects context on every user prompt.
type AlwaysInjectConfig struct {
	Enabled Enabled         `yaml:"enabled"`
	Context []ContextSource `yaml:"context"`
}

// NeverEditConfig blocks all file edits.
type NeverEditConfig struct {
	Enabled Enabled `yaml:"enabled"`
	Message string  `yaml:"message"`
}

// GitPreCheckConfig runs checks before git operations.
type GitPreCheckConfig struct {
	Enabled Enabled       `yaml:"enabled"`
	Checks  []CheckConfig `yaml:"checks"`
}

// PostEditCheckConfig runs a per-extension check after edits.
type PostEditCheckConfig struct {
	Enabled     Enabled                `yaml:"enabled"`
	ByExtension map[string]CheckConfig `yaml:"by_extension"`
}

// ProtectedPathsConfig halts writes into the listed paths.
type ProtectedPathsConfig struct {
	Enabled Enabled  `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
	Message string   `yaml:"message"`
}

// GuardrailConfig is the shared shape of the message-only guardrails
// (rulebook security, system protection, cupcake exec protection).
type GuardrailConfig struct {
	Enabled Enabled `yaml:"enabled"`
	Message string  `yaml:"message"`
}

// SensitiveDataConfig blocks access to files matching sensitive
// patterns.
type SensitiveDataConfig struct {
	Enabled  Enabled  `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
	Message  string   `yaml:"message"`
}

// CheckConfig is one command plus the message shown when it fails.
type CheckConfig struct {
	Command string `yaml:"command"`
	Message string `yaml:"message"`
}

// ContextSource is either a static string or a dynamic {file|command}
// mapping.
type ContextSource struct {
	Static  string
	File    string
	Command string
}

func (c *ContextSource) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&c.Static)
	}
	var dynamic struct {
		File    string `yaml:"file"`
		Command string `yaml:"command"`
	}
	if err := node.Decode(&dynamic); err != nil {
		return err
	}
	c.File = dynamic.File
	c.Command = dynamic.Command
	return nil
}

// builtinName constants double as policy file stems under builtins/.
const (
	BuiltinAlwaysInject     = "always_inject_on_prompt"
	BuiltinNeverEditFiles   = "never_edit_files"
	BuiltinGitPreCheck      = "git_pre_check"
	BuiltinPostEditCheck    = "post_edit_check"
	BuiltinProtectedPaths   = "protected_paths"
	BuiltinRulebookSecurity = "rulebook_security_guardrails"
	BuiltinSystemProtection = "system_protection"
	BuiltinSensitiveData    = "sensitive_data_protection"
	BuiltinExecProtection   = "cupcake_exec_protection"
)

// enabledEntry pairs a builtin name with its resolved enabled state.
type enabledEntry struct {
	name    string
	enabled bool
}

func (b *BuiltinsConfig) entries() []enabledEntry {
	var out []enabledEntry
	if c := b.AlwaysInjectOnPrompt; c != nil {
		out = append(out, enabledEntry{BuiltinAlwaysInject, c.Enabled.Bool()})
	}
	if c := b.NeverEditFiles; c != nil {
		out = append(out, enabledEntry{BuiltinNeverEditFiles, c.Enabled.Bool()})
	}
	if c := b.GitPreCheck; c != nil {
		out = append(out, enabledEntry{BuiltinGitPreCheck, c.Enabled.Bool()})
	}
	if c := b.PostEditCheck; c != nil {
		out = append(out, enabledEntry{BuiltinPostEditCheck, c.Enabled.Bool()})
	}
	if c := b.ProtectedPaths; c != nil {
		out = append(out, enabledEntry{BuiltinProtectedPaths, c.Enabled.Bool()})
	}
	if c := b.RulebookSecurityGuardrails; c != nil {
		out = append(out, enabledEntry{BuiltinRulebookSecurity, c.Enabled.Bool()})
	}
	if c := b.SystemProtection; c != nil {
		out = append(out, enabledEntry{BuiltinSystemProtection, c.Enabled.Bool()})
	}
	if c := b.SensitiveDataProtection; c != nil {
		out = append(out, enabledEntry{BuiltinSensitiveData, c.Enabled.Bool()})
	}
	if c := b.CupcakeExecProtection; c != nil {
		out = append(out, enabledEntry{BuiltinExecProtection, c.Enabled.Bool()})
	}
	return out
}

// AnyEnabled reports whether at least one builtin is active.
func (b *BuiltinsConfig) AnyEnabled() bool {
	for _, e := range b.entries() {
		if e.enabled {
			return true
		}
	}
	return false
}

// EnabledBuiltins returns the active builtin names in declaration order.
func (b *BuiltinsConfig) EnabledBuiltins() []string {
	var names []string
	for _, e := range b.entries() {
		if e.enabled {
			names = append(names, e.name)
		}
	}
	return names
}

// Validate rejects configurations that would silently do nothing or
// misfire: enabled-but-empty blocks and dotted extension keys.
func (b *BuiltinsConfig) Validate() []string {
	var errs []string

	if c := b.AlwaysInjectOnPrompt; c != nil && c.Enabled.Bool() {
		if len(c.Context) == 0 {
			errs = append(errs, "always_inject_on_prompt: enabled but no context configured")
		}
		for i, src := range c.Context {
			if src.Static == "" && src.File == "" && src.Command == "" {
				errs = append(errs, fmt.Sprintf("always_inject_on_prompt.context[%d]: dynamic source must have either 'file' or 'command'", i))
			}
		}
	}

	if c := b.GitPreCheck; c != nil && c.Enabled.Bool() {
		if len(c.Checks) == 0 {
			errs = append(errs, "git_pre_check: enabled but no checks configured")
		}
		for i, check := range c.Checks {
			if strings.TrimSpace(check.Command) == "" {
				errs = append(errs, fmt.Sprintf("git_pre_check.checks[%d]: command cannot be empty", i))
			}
		}
	}

	if c := b.PostEditCheck; c != nil && c.Enabled.Bool() {
		if len(c.ByExtension) == 0 {
			errs = append(errs, "post_edit_check: enabled but no extensions configured")
		}
		for _, ext := range sortedKeys(c.ByExtension) {
			check := c.ByExtension[ext]
			if strings.TrimSpace(check.Command) == "" {
				errs = append(errs, fmt.Sprintf("post_edit_check.by_extension.%s: command cannot be empty", ext))
			}
			if strings.Contains(ext, ".") {
				errs = append(errs, fmt.Sprintf("post_edit_check.by_extension.%s: extension should not include dot (use 'go' not '.go')", ext))
			}
		}
	}

	if c := b.ProtectedPaths; c != nil && c.Enabled.Bool() && len(c.Paths) == 0 {
		errs = append(errs, "protected_paths: enabled but no paths configured")
	}

	if c := b.SensitiveDataProtection; c != nil && c.Enabled.Bool() && len(c.Patterns) == 0 {
		errs = append(errs, "sensitive_data_protection: enabled but no patterns configured")
	}

	return errs
}

// GenerateSignals expands enabled builtins into auto-generated signals
// with deterministic names. Static strings become echo commands, file
// sources become cat commands; policies then read the results like any
// other signal.
func (b *BuiltinsConfig) GenerateSignals() map[string]SignalConfig {
	signals := map[string]SignalConfig{}

	// Names follow the __builtin_<name>_* prefix so the gatherer's
	// auto-add matches them without a per-builtin lookup table.
	if c := b.AlwaysInjectOnPrompt; c != nil && c.Enabled.Bool() {
		for i, src := range c.Context {
			name := fmt.Sprintf("__builtin_%s_%d", BuiltinAlwaysInject, i)
			if signal, ok := contextSourceSignal(src); ok {
				signals[name] = signal
			}
		}
	}

	if c := b.GitPreCheck; c != nil && c.Enabled.Bool() {
		for i, check := range c.Checks {
			signals[fmt.Sprintf("__builtin_%s_%d", BuiltinGitPreCheck, i)] = SignalConfig{
				Command:        check.Command,
				TimeoutSeconds: 30,
			}
		}
	}

	if c := b.PostEditCheck; c != nil && c.Enabled.Bool() {
		for ext, check := range c.ByExtension {
			signals["__builtin_post_edit_"+ext] = SignalConfig{
				Command:        check.Command,
				TimeoutSeconds: 10,
			}
		}
	}

	return signals
}

func contextSourceSignal(src ContextSource) (SignalConfig, bool) {
	switch {
	case src.Static != "":
		escaped := strings.ReplaceAll(src.Static, `'`, `\'`)
		return SignalConfig{Command: fmt.Sprintf(`echo '"%s"'`, escaped), TimeoutSeconds: 1}, true
	case src.Command != "":
		return SignalConfig{Command: src.Command, TimeoutSeconds: 5}, true
	case src.File != "":
		escaped := strings.ReplaceAll(src.File, `'`, `\'`)
		return SignalConfig{Command: fmt.Sprintf(`cat '%s'`, escaped), TimeoutSeconds: 2}, true
	default:
		return SignalConfig{}, false
	}
}

// ToJSONConfigs renders each enabled builtin's configuration for
// injection under input.builtin_config.<name>.
func (b *BuiltinsConfig) ToJSONConfigs() map[string]any {
	configs := map[string]any{}

	if c := b.AlwaysInjectOnPrompt; c != nil && c.Enabled.Bool() {
		configs[BuiltinAlwaysInject] = map[string]any{
			"context_count": len(c.Context),
		}
	}
	if c := b.NeverEditFiles; c != nil && c.Enabled.Bool() {
		configs[BuiltinNeverEditFiles] = map[string]any{
			"message": defaultString(c.Message, "File editing is disabled by policy"),
		}
	}
	if c := b.GitPreCheck; c != nil && c.Enabled.Bool() {
		messages := make([]any, 0, len(c.Checks))
		for _, check := range c.Checks {
			messages = append(messages, check.Message)
		}
		configs[BuiltinGitPreCheck] = map[string]any{"messages": messages}
	}
	if c := b.PostEditCheck; c != nil && c.Enabled.Bool() {
		byExt := map[string]any{}
		for ext, check := range c.ByExtension {
			byExt[ext] = map[string]any{"message": check.Message}
		}
		configs[BuiltinPostEditCheck] = map[string]any{"by_extension": byExt}
	}
	if c := b.ProtectedPaths; c != nil && c.Enabled.Bool() {
		paths := make([]any, 0, len(c.Paths))
		for _, p := range c.Paths {
			paths = append(paths, p)
		}
		configs[BuiltinProtectedPaths] = map[string]any{
			"paths":   paths,
			"message": defaultString(c.Message, "Path is protected by policy"),
		}
	}
	if c := b.RulebookSecurityGuardrails; c != nil && c.Enabled.Bool() {
		configs[BuiltinRulebookSecurity] = map[string]any{
			"message": defaultString(c.Message, "The Cupcake configuration is locked down"),
		}
	}
	if c := b.SystemProtection; c != nil && c.Enabled.Bool() {
		configs[BuiltinSystemProtection] = map[string]any{
			"message": defaultString(c.Message, "System paths are protected"),
		}
	}
	if c := b.SensitiveDataProtection; c != nil && c.Enabled.Bool() {
		patterns := make([]any, 0, len(c.Patterns))
		for _, p := range c.Patterns {
			patterns = append(patterns, p)
		}
		configs[BuiltinSensitiveData] = map[string]any{
			"patterns": patterns,
			"message":  defaultString(c.Message, "Sensitive data access is blocked"),
		}
	}
	if c := b.CupcakeExecProtection; c != nil && c.Enabled.Bool() {
		configs[BuiltinExecProtection] = map[string]any{
			"message": defaultString(c.Message, "Invoking cupcake from the agent is blocked"),
		}
	}

	return configs
}

// PostEditSignalName selects the post_edit_check signal matching the
// edited file's extension, or "" when no check applies.
func (b *BuiltinsConfig) PostEditSignalName(input map[string]any) string {
	c := b.PostEditCheck
	if c == nil || !c.Enabled.Bool() {
		return ""
	}
	toolInput, _ := input["tool_input"].(map[string]any)
	if toolInput == nil {
		return ""
	}
	pathStr, _ := toolInput["file_path"].(string)
	if pathStr == "" {
		return ""
	}
	ext := strings.TrimPrefix(filepath.Ext(pathStr), ".")
	if ext == "" {
		return ""
	}
	if _, ok := c.ByExtension[ext]; !ok {
		return ""
	}
	return "__builtin_post_edit_" + ext
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
