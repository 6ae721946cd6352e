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

package preprocess

// Config controls which normalizations run before routing. Every
// operation is individually toggleable; defaults favor the cheap,
// always-safe ones.
type Config struct {
	// NormalizeWhitespace collapses whitespace runs in shell commands
	NormalizeWhitespace bool `koanf:"normalize_whitespace"`

	// ResolveSymlinks canonicalizes file paths and attaches symlink
	// metadata alongside the originals
	ResolveSymlinks bool `koanf:"resolve_symlinks"`

	// InspectScripts loads the body of locally-invoked scripts so
	// policies can reason about script content, not just the path
	InspectScripts bool `koanf:"inspect_scripts"`

	// AuditTransformations logs every transformation at debug level
	AuditTransformations bool `koanf:"audit_transformations"`

	// MaxScriptBytes bounds how much of an inspected script is attached
	MaxScriptBytes int `koanf:"max_script_bytes"`
}

// DefaultConfig enables whitespace normalization and symlink resolution;
// script inspection is opt-in because it reads files on the hot path.
func DefaultConfig() Config {
	return Config{
		NormalizeWhitespace:  true,
		ResolveSymlinks:      true,
		InspectScripts:       false,
		AuditTransformations: true,
		MaxScriptBytes:       defaultMaxScriptBytes,
	}
}

// Disabled turns every operation off.
func Disabled() Config {
	return Config{}
}

const defaultMaxScriptBytes = 64 * 1024
