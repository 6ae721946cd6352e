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

// Package watchdog runs an LLM-as-judge evaluation over pre-action
// events. Its verdict is one signal among many: policies read it from
// input.signals.watchdog and decide what weight it carries.
package watchdog

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config controls the watchdog. In rulebook.yml it accepts both the
// shorthand `watchdog: true` and the full mapping form.
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	Backend        string `yaml:"backend"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// OnError is "allow" or "deny": the verdict reported when the
	// backend itself fails
	OnError string `yaml:"on_error"`
	// APIKeyEnv names the environment variable holding the backend key
	APIKeyEnv string `yaml:"api_key_env"`
	// RulesContext is extra guidance prepended to the judge prompt
	RulesContext string `yaml:"rules_context"`
}

// DefaultConfig returns the disabled baseline with backend defaults
// filled in.
func DefaultConfig() Config {
	return Config{
		Backend:        "anthropic",
		Model:          "claude-3-5-haiku-latest",
		TimeoutSeconds: 30,
		OnError:        "allow",
		APIKeyEnv:      "ANTHROPIC_API_KEY",
	}
}

// UnmarshalYAML accepts `true`/`false` shorthand as well as the full
// mapping form.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	*c = DefaultConfig()

	if node.Kind == yaml.ScalarNode {
		var enabled bool
		if err := node.Decode(&enabled); err != nil {
			return fmt.Errorf("watchdog must be a boolean or a mapping: %w", err)
		}
		c.Enabled = enabled
		return nil
	}

	type plain Config
	full := plain(*c)
	if err := node.Decode(&full); err != nil {
		return err
	}
	*c = Config(full)
	return c.applyDefaults()
}

func (c *Config) applyDefaults() error {
	defaults := DefaultConfig()
	if c.Backend == "" {
		c.Backend = defaults.Backend
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if c.OnError == "" {
		c.OnError = defaults.OnError
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = defaults.APIKeyEnv
	}
	if c.OnError != "allow" && c.OnError != "deny" {
		return fmt.Errorf("watchdog on_error must be \"allow\" or \"deny\", got %q", c.OnError)
	}
	return nil
}

// AllowsOnError reports whether backend failures default to allowing
// the action.
func (c *Config) AllowsOnError() bool {
	return c.OnError != "deny"
}
