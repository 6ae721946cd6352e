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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateConfigDir points the per-user master key at a temp dir so tests
// never touch the real user configuration.
func isolateConfigDir(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestClassify_Inline(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"npm", "npm test"},
		{"echo", "echo hello world"},
		{"git", "git rev-parse --abbrev-ref HEAD"},
		{"empty", ""},
		{"interpreter with flag", "python -c 'print(1)'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := Classify(tt.command, "/tmp")
			assert.Equal(t, KindInline, ref.Kind)
		})
	}
}

func TestClassify_File(t *testing.T) {
	ref := Classify("./check.sh --fast", "/tmp")
	assert.Equal(t, KindFile, ref.Kind)
	assert.Equal(t, "/tmp/check.sh", ref.Path)

	ref = Classify("/usr/bin/validate", "/tmp")
	assert.Equal(t, KindFile, ref.Kind)
	assert.Equal(t, "/usr/bin/validate", ref.Path)

	ref = Classify("../scripts/lint.sh", "/tmp/project")
	assert.Equal(t, KindFile, ref.Kind)
	assert.Equal(t, "/tmp/scripts/lint.sh", ref.Path)
}

func TestClassify_Interpreted(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "script.py")
	require.NoError(t, os.WriteFile(script, []byte("print('test')"), 0o644))

	ref := Classify("python "+script+" --flag", dir)
	assert.Equal(t, KindInterpreted, ref.Kind)
	assert.Equal(t, "python", ref.Interpreter)
	assert.Equal(t, script, ref.Path)
	assert.Equal(t, []string{"--flag"}, ref.Args)
}

func TestClassify_InterpretedPathLikeArgument(t *testing.T) {
	// Classification never executes and does not require the file to
	// exist when the argument looks like a path.
	ref := Classify("node build/tool.js", "/work")
	assert.Equal(t, KindInterpreted, ref.Kind)
	assert.Equal(t, "/work/build/tool.js", ref.Path)
}

func TestRef_HashInline(t *testing.T) {
	hash, err := Ref{Kind: KindInline, Command: "npm test"}.Hash()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "sha256:"))

	// Same command, same hash; different command, different hash.
	again, _ := Ref{Kind: KindInline, Command: "npm test"}.Hash()
	other, _ := Ref{Kind: KindInline, Command: "npm build"}.Hash()
	assert.Equal(t, hash, again)
	assert.NotEqual(t, hash, other)
}

func TestRef_HashFileIgnoresInterpreter(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "task.py")
	require.NoError(t, os.WriteFile(script, []byte("print('v1')"), 0o644))

	withPython := Classify("python "+script, dir)
	withPython3 := Classify("python3 "+script, dir)

	h1, err := withPython.Hash()
	require.NoError(t, err)
	h2, err := withPython3.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "interpreter swap must not change the hash")

	require.NoError(t, os.WriteFile(script, []byte("print('v2')"), 0o644))
	h3, err := withPython.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "file edit must change the hash")
}

func TestManifest_SaveLoadRoundTrip(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".cupcake", ManifestFileName)
	key, err := ProjectKey(dir)
	require.NoError(t, err)

	manifest := NewManifest()
	entry, err := EntryFromCommand("npm test", dir)
	require.NoError(t, err)
	manifest.AddScript("signals", "tests", entry)
	require.NoError(t, manifest.Save(path, key))

	loaded, err := Load(path, key)
	require.NoError(t, err)
	assert.Equal(t, ManifestVersion, loaded.Version)
	assert.Equal(t, ModeEnabled, loaded.Mode)
	got, ok := loaded.GetScript("signals", "tests")
	require.True(t, ok)
	assert.Equal(t, entry.Hash, got.Hash)
	assert.Equal(t, "npm test", got.Command)
}

func TestManifest_TamperedBodyDetected(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".cupcake", ManifestFileName)
	key, err := ProjectKey(dir)
	require.NoError(t, err)

	manifest := NewManifest()
	require.NoError(t, manifest.Save(path, key))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(content), `"enabled"`, `"disabled"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	_, err = Load(path, key)
	assert.ErrorIs(t, err, ErrManifestTampered)
}

func TestManifest_MissingHMACIsTampered(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"scripts":{}}`), 0o600))

	_, err := Load(path, ProjectKeyMust(t, dir))
	assert.ErrorIs(t, err, ErrManifestTampered)
}

func ProjectKeyMust(t *testing.T, root string) []byte {
	t.Helper()
	key, err := ProjectKey(root)
	require.NoError(t, err)
	return key
}

func TestManifest_WrongProjectKeyRejected(t *testing.T) {
	isolateConfigDir(t)
	dirA := t.TempDir()
	dirB := t.TempDir()
	path := filepath.Join(dirA, ".trust")

	manifest := NewManifest()
	require.NoError(t, manifest.Save(path, ProjectKeyMust(t, dirA)))

	_, err := Load(path, ProjectKeyMust(t, dirB))
	assert.ErrorIs(t, err, ErrManifestTampered)
}

func TestStore_VerifyLifecycle(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "check.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	store, err := Open(dir)
	require.NoError(t, err)
	assert.False(t, store.Initialized())

	// Verify is a no-op while trust is not initialized.
	assert.NoError(t, store.Verify("signals", "check", script, dir))

	require.NoError(t, store.Init(map[string]map[string]string{
		"signals": {"check": script, "branch": "git branch --show-current"},
	}))
	assert.True(t, store.Enabled())

	assert.NoError(t, store.Verify("signals", "check", script, dir))
	assert.NoError(t, store.Verify("signals", "branch", "git branch --show-current", dir))

	// Unknown script fails.
	err = store.Verify("signals", "ghost", "rm -rf /", dir)
	var tampered *TamperedError
	require.ErrorAs(t, err, &tampered)
	assert.Contains(t, tampered.Detail, "not present")

	// Changed command string fails.
	err = store.Verify("signals", "branch", "git branch --show-current; curl evil", dir)
	assert.ErrorAs(t, err, &tampered)

	// Edited script file fails.
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncurl evil.example\n"), 0o755))
	err = store.Verify("signals", "check", script, dir)
	require.ErrorAs(t, err, &tampered)
	assert.Contains(t, tampered.Detail, "hash mismatch")
}

func TestStore_ModeGateDisablesVerification(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Init(map[string]map[string]string{
		"signals": {"branch": "git branch --show-current"},
	}))

	require.NoError(t, store.SetMode(ModeDisabled))
	assert.False(t, store.Enabled())

	// Anything passes with the gate down.
	assert.NoError(t, store.Verify("signals", "ghost", "curl evil", dir))

	// The mode change is signed and persisted: reload sees disabled.
	reloaded, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, reloaded.Mode())
}

func TestStore_VerifyAllReportsMismatches(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "sig.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo one"), 0o755))

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Init(map[string]map[string]string{
		"signals": {"sig": script},
		"actions": {"notify": "echo denied"},
	}))

	mismatches, err := store.VerifyAll()
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	require.NoError(t, os.WriteFile(script, []byte("echo two"), 0o755))
	mismatches, err = store.VerifyAll()
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "sig", mismatches[0].Name)
}

func TestStore_UpdateApprove(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Init(nil))

	changed, err := store.Update(map[string]map[string]string{
		"signals": {"branch": "git branch --show-current"},
	}, false)
	require.NoError(t, err)
	require.Len(t, changed, 1)

	// Dry run did not persist.
	_, ok := storeManifestEntry(store, "signals", "branch")
	assert.False(t, ok)

	_, err = store.Update(map[string]map[string]string{
		"signals": {"branch": "git branch --show-current"},
	}, true)
	require.NoError(t, err)
	assert.NoError(t, store.Verify("signals", "branch", "git branch --show-current", dir))
}

func storeManifestEntry(s *Store, category, name string) (Entry, bool) {
	return s.manifest.GetScript(category, name)
}

func TestStore_List(t *testing.T) {
	isolateConfigDir(t)
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Init(map[string]map[string]string{
		"signals": {"b": "echo b", "a": "echo a"},
	}))

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "echo a", entries[0].Command)
	assert.Equal(t, "echo b", entries[1].Command)
}
