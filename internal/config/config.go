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

// Package config loads engine configuration from file, environment
// variables, and defaults. Priority: environment > config file >
// defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/eqtylab/cupcake/internal/preprocess"
)

// EnvPrefix is the prefix for environment variables configuring the
// engine.
const EnvPrefix = "CUPCAKE_"

// Config is the complete engine configuration.
type Config struct {
	// Harness selects the adapter: claude-code, cursor, factory,
	// opencode
	Harness string `koanf:"harness"`

	// PolicyDir overrides the .cupcake directory location
	PolicyDir string `koanf:"policy_dir"`

	// GlobalConfig overrides global configuration discovery
	GlobalConfig string `koanf:"global_config"`

	// Strict makes deny/halt decisions exit non-zero
	Strict bool `koanf:"strict"`

	Preprocess preprocess.Config `koanf:"preprocess"`
	Logging    LoggingConfig     `koanf:"logging"`
}

// LoggingConfig mirrors the engine's slog setup.
type LoggingConfig struct {
	// Level is debug, info, warn, or error
	Level string `koanf:"level"`

	// Format is json or text
	Format string `koanf:"format"`
}

// Load reads configuration. configPath may be empty; a missing file at
// an explicitly provided path is an error, while defaults + env alone
// are always valid.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Double underscores preserve literal underscores in key names:
	// CUPCAKE_PREPROCESS_NORMALIZE__WHITESPACE -> preprocess.normalize_whitespace
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Harness:    "claude-code",
		Preprocess: preprocess.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects unusable configuration before the engine starts.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got %q)", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text (got %q)", c.Logging.Format)
	}

	switch c.Harness {
	case "", "claude-code", "cursor", "factory", "opencode":
	default:
		return fmt.Errorf("harness must be claude-code, cursor, factory, or opencode (got %q)", c.Harness)
	}

	if c.Preprocess.MaxScriptBytes < 0 {
		return fmt.Errorf("preprocess.max_script_bytes must not be negative")
	}
	return nil
}
