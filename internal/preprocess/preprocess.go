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

// Package preprocess normalizes adversarial input before routing.
// Centralizing normalization here closes whole bypass classes (extra
// whitespace, symlinked paths, opaque script invocations) once, instead
// of asking every policy author to defend against them.
package preprocess

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/eqtylab/cupcake/internal/harness"
)

// Apply runs the configured normalizations against the event in place.
// All operations are additive with respect to the raw object: originals
// are never removed, resolved forms are attached alongside. The one
// in-place rewrite is whitespace normalization of shell commands, which
// preserves the original under original_command.
func Apply(ctx context.Context, event *harness.Event, cfg Config) {
	if event == nil || event.Raw == nil {
		return
	}

	if cfg.NormalizeWhitespace && event.ToolName == "Bash" {
		normalizeShellCommand(ctx, event, cfg)
	}

	if cfg.ResolveSymlinks {
		resolvePaths(ctx, event, cfg)
	}
}

// NormalizeCommand collapses runs of spaces and tabs into single spaces
// and trims the ends. "rm  -rf   /x" and "rm -rf /x" match the same
// policy patterns afterwards.
func NormalizeCommand(command string) string {
	return strings.Join(strings.Fields(command), " ")
}

func normalizeShellCommand(ctx context.Context, event *harness.Event, cfg Config) {
	toolInput := event.ToolInput()
	if toolInput == nil {
		return
	}
	command, ok := toolInput["command"].(string)
	if !ok {
		return
	}

	normalized := NormalizeCommand(command)
	if normalized != command {
		toolInput["command"] = normalized
		toolInput["original_command"] = command
		if cfg.AuditTransformations {
			slog.DebugContext(ctx, "Normalized shell command whitespace",
				"original", command, "normalized", normalized)
		}
	}

	if cfg.InspectScripts {
		inspectScript(ctx, event, normalized, cfg)
	}
}

// pathFields are the tool_input keys that carry a single file path.
// Glob patterns are deliberately excluded: "src/**/*.go" is not a path
// and must not be canonicalized.
var pathFields = []string{"file_path", "path", "notebook_path"}

func resolvePaths(ctx context.Context, event *harness.Event, cfg Config) {
	toolInput := event.ToolInput()
	if toolInput == nil {
		return
	}

	for _, field := range pathFields {
		if pathStr, ok := toolInput[field].(string); ok && pathStr != "" {
			attachResolvedPath(ctx, event.Raw, pathStr, event.Cwd, cfg)
			break
		}
	}

	// MultiEdit carries one path per edit entry; each gets its own
	// resolution metadata.
	if edits, ok := toolInput["edits"].([]any); ok {
		for _, entry := range edits {
			edit, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if pathStr, ok := edit["file_path"].(string); ok && pathStr != "" {
				attachResolvedPath(ctx, edit, pathStr, event.Cwd, cfg)
			}
		}
	}
}

// attachResolvedPath canonicalizes pathStr and records the result next to
// the original. When the target does not exist yet (Write creating a new
// file) the resolved path falls back to a cwd join so policies always
// have resolved_file_path available.
func attachResolvedPath(ctx context.Context, target map[string]any, pathStr, cwd string, cfg Config) {
	absolute := pathStr
	if !filepath.IsAbs(absolute) && cwd != "" {
		absolute = filepath.Join(cwd, pathStr)
	}

	isSymlink := false
	if info, err := os.Lstat(absolute); err == nil {
		isSymlink = info.Mode()&os.ModeSymlink != 0
	}

	resolved, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		// Non-existent target: the lexical clean is the best canonical
		// form available.
		resolved = filepath.Clean(absolute)
	}

	target["resolved_file_path"] = resolved
	target["original_file_path"] = pathStr
	target["is_symlink"] = isSymlink

	if cfg.AuditTransformations {
		slog.DebugContext(ctx, "Canonicalized file path",
			"original", pathStr, "resolved", resolved, "symlink", isSymlink)
	}
}

// scriptInterpreters are command prefixes whose second token may name a
// script to inspect.
var scriptInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "python": true,
	"python3": true, "node": true, "ruby": true, "perl": true,
}

// detectScriptPath returns the script a shell command executes, if any.
// Tokenization only - nothing is run.
func detectScriptPath(command string) (string, bool) {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return "", false
	}

	first := tokens[0]
	if strings.HasPrefix(first, "/") || strings.HasPrefix(first, "./") || strings.HasPrefix(first, "../") {
		if looksLikeScript(first) {
			return first, true
		}
	}

	if scriptInterpreters[first] && len(tokens) >= 2 {
		candidate := tokens[1]
		if !strings.HasPrefix(candidate, "-") && looksLikeScript(candidate) {
			return candidate, true
		}
	}

	return "", false
}

func looksLikeScript(token string) bool {
	ext := filepath.Ext(token)
	switch ext {
	case ".sh", ".bash", ".zsh", ".py", ".js", ".rb", ".pl":
		return true
	}
	return strings.Contains(token, "/")
}

func inspectScript(ctx context.Context, event *harness.Event, command string, cfg Config) {
	scriptPath, ok := detectScriptPath(command)
	if !ok {
		return
	}

	resolved := scriptPath
	if !filepath.IsAbs(resolved) && event.Cwd != "" {
		resolved = filepath.Join(event.Cwd, scriptPath)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		slog.DebugContext(ctx, "Could not load script for inspection",
			"path", resolved, "error", err)
		return
	}

	maxBytes := cfg.MaxScriptBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxScriptBytes
	}
	if len(data) > maxBytes {
		data = data[:maxBytes]
	}

	event.Raw["executed_script_path"] = resolved
	event.Raw["executed_script_content"] = string(data)

	if cfg.AuditTransformations {
		slog.DebugContext(ctx, "Attached script content",
			"path", resolved, "bytes", len(data))
	}
}
