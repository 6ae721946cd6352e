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

package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind classifies how a command references executable content.
type Kind string

const (
	// KindInline is a pure shell command with no recognizable script path
	KindInline Kind = "inline"
	// KindFile is direct execution of a script file
	KindFile Kind = "file"
	// KindInterpreted is an interpreter followed by a script argument
	KindInterpreted Kind = "interpreted"
)

// interpreters is the fixed allowlist whose second argument may name a
// script file.
var interpreters = map[string]bool{
	"python": true, "python3": true, "node": true, "nodejs": true,
	"ruby": true, "perl": true, "bash": true, "sh": true, "zsh": true,
	"php": true, "lua": true, "julia": true,
}

// Ref is a classified script reference. For file and interpreted kinds,
// Path is the resolved script location; for inline the Command itself is
// the trusted content.
type Ref struct {
	Kind    Kind
	Command string
	// Path is set for file and interpreted references
	Path string
	// Interpreter is set for interpreted references
	Interpreter string
	// Args are the trailing arguments of an interpreted reference; they
	// never participate in hashing
	Args []string
}

// Classify tokenizes a command string into a script reference. Nothing
// is executed: the classifier only inspects tokens and, for interpreted
// candidates, whether the argument exists as a file.
func Classify(command, workdir string) Ref {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Ref{Kind: KindInline, Command: ""}
	}

	tokens := strings.Fields(trimmed)
	first := tokens[0]

	if strings.HasPrefix(first, "/") || strings.HasPrefix(first, "./") || strings.HasPrefix(first, "../") {
		return Ref{
			Kind:    KindFile,
			Command: trimmed,
			Path:    resolveAgainst(first, workdir),
		}
	}

	if interpreters[first] && len(tokens) >= 2 {
		candidate := tokens[1]
		if !strings.HasPrefix(candidate, "-") {
			resolved := resolveAgainst(candidate, workdir)
			if fileExists(resolved) || strings.Contains(candidate, "/") || strings.Contains(candidate, ".") {
				return Ref{
					Kind:        KindInterpreted,
					Command:     trimmed,
					Path:        resolved,
					Interpreter: first,
					Args:        tokens[2:],
				}
			}
		}
	}

	return Ref{Kind: KindInline, Command: trimmed}
}

// Hash computes the trust hash for this reference. Inline commands hash
// the command string verbatim; file and interpreted references hash the
// script file bytes, so replacing the interpreter does not change the
// hash but replacing the file does.
func (r Ref) Hash() (string, error) {
	switch r.Kind {
	case KindInline:
		return hashString(r.Command), nil
	case KindFile, KindInterpreted:
		return hashFile(r.Path)
	default:
		return "", fmt.Errorf("unknown script kind %q", r.Kind)
	}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read script %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func resolveAgainst(path, workdir string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workdir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
