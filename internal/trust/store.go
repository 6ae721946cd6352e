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
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
)

// TamperedError reports a specific script failing verification.
type TamperedError struct {
	Category string
	Name     string
	Detail   string
}

func (e *TamperedError) Error() string {
	return fmt.Sprintf("trust verification failed for %s/%s: %s", e.Category, e.Name, e.Detail)
}

// Store is the verify-before-execute gate. It owns the manifest for one
// project plus the project-bound signing key.
type Store struct {
	projectRoot  string
	manifestPath string
	key          []byte
	manifest     *Manifest
}

// ManifestFileName is the manifest's conventional location inside the
// .cupcake directory.
const ManifestFileName = ".trust"

// Open loads the store for a project. A missing manifest yields a store
// with no manifest; Verify then passes every command, while VerifyAll,
// Update, List and SetMode report ErrNotInitialized.
func Open(projectRoot string) (*Store, error) {
	key, err := ProjectKey(projectRoot)
	if err != nil {
		return nil, err
	}

	s := &Store{
		projectRoot:  projectRoot,
		manifestPath: filepath.Join(projectRoot, ".cupcake", ManifestFileName),
		key:          key,
	}

	manifest, err := Load(s.manifestPath, key)
	switch {
	case err == nil:
		s.manifest = manifest
	case errors.Is(err, ErrNotInitialized):
		// Graceful absence - trust is simply not set up for this project.
	default:
		return nil, err
	}
	return s, nil
}

// Initialized reports whether a manifest is loaded.
func (s *Store) Initialized() bool {
	return s.manifest != nil
}

// Enabled reports whether verification is active. An uninitialized store
// is not enabled.
func (s *Store) Enabled() bool {
	return s.manifest != nil && s.manifest.Enabled()
}

// Init creates a fresh manifest, pre-approving the given commands per
// category, and writes it signed.
func (s *Store) Init(scripts map[string]map[string]string) error {
	manifest := NewManifest()
	for category, commands := range scripts {
		for name, command := range commands {
			entry, err := EntryFromCommand(command, s.projectRoot)
			if err != nil {
				return fmt.Errorf("failed to hash %s/%s: %w", category, name, err)
			}
			manifest.AddScript(category, name, entry)
		}
	}
	if err := manifest.Save(s.manifestPath, s.key); err != nil {
		return err
	}
	s.manifest = manifest
	return nil
}

// Verify checks a command against the manifest immediately before it is
// executed. Returns nil when the mode gate is disabled, the entry
// matches, or trust was never initialized for this project.
func (s *Store) Verify(category, name, command, workdir string) error {
	if s.manifest == nil {
		// No manifest means the operator opted out of trust entirely;
		// refusing every signal here would make init ordering fatal.
		return nil
	}
	if !s.manifest.Enabled() {
		return nil
	}

	entry, ok := s.manifest.GetScript(category, name)
	if !ok {
		return &TamperedError{Category: category, Name: name, Detail: "script not present in trust manifest"}
	}

	if subtle.ConstantTimeCompare([]byte(entry.Command), []byte(command)) != 1 {
		return &TamperedError{Category: category, Name: name, Detail: "command string differs from approved entry"}
	}

	ref := Classify(command, workdir)
	hash, err := ref.Hash()
	if err != nil {
		return &TamperedError{Category: category, Name: name, Detail: fmt.Sprintf("failed to hash script: %v", err)}
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(entry.Hash)) != 1 {
		return &TamperedError{Category: category, Name: name, Detail: "script hash mismatch"}
	}
	return nil
}

// Mismatch describes one script that no longer matches its entry.
type Mismatch struct {
	Category string
	Name     string
	Detail   string
}

// VerifyAll rechecks every entry in the manifest.
func (s *Store) VerifyAll() ([]Mismatch, error) {
	if s.manifest == nil {
		return nil, ErrNotInitialized
	}

	var mismatches []Mismatch
	for _, category := range sortedKeys(s.manifest.Scripts) {
		entries := s.manifest.Scripts[category]
		for _, name := range sortedKeys(entries) {
			entry := entries[name]
			if err := s.Verify(category, name, entry.Command, s.projectRoot); err != nil {
				var tampered *TamperedError
				if errors.As(err, &tampered) {
					mismatches = append(mismatches, Mismatch{Category: category, Name: name, Detail: tampered.Detail})
					continue
				}
				return nil, err
			}
		}
	}
	return mismatches, nil
}

// Update re-hashes the given commands and, when approve is set, writes
// the refreshed entries into the signed manifest. Without approve it
// only reports what would change.
func (s *Store) Update(scripts map[string]map[string]string, approve bool) ([]Mismatch, error) {
	if s.manifest == nil {
		return nil, ErrNotInitialized
	}

	var changed []Mismatch
	for category, commands := range scripts {
		for name, command := range commands {
			entry, err := EntryFromCommand(command, s.projectRoot)
			if err != nil {
				return nil, fmt.Errorf("failed to hash %s/%s: %w", category, name, err)
			}
			existing, ok := s.manifest.GetScript(category, name)
			if ok && existing.Hash == entry.Hash && existing.Command == entry.Command {
				continue
			}
			detail := "new script"
			if ok {
				detail = "hash changed"
			}
			changed = append(changed, Mismatch{Category: category, Name: name, Detail: detail})
			if approve {
				s.manifest.AddScript(category, name, entry)
			}
		}
	}

	if approve && len(changed) > 0 {
		if err := s.manifest.Save(s.manifestPath, s.key); err != nil {
			return nil, err
		}
		slog.Info("Trust manifest updated", "entries", len(changed))
	}
	return changed, nil
}

// List returns the manifest contents in stable order.
func (s *Store) List() ([]Entry, error) {
	if s.manifest == nil {
		return nil, ErrNotInitialized
	}
	var entries []Entry
	for _, category := range sortedKeys(s.manifest.Scripts) {
		scripts := s.manifest.Scripts[category]
		for _, name := range sortedKeys(scripts) {
			entries = append(entries, scripts[name])
		}
	}
	return entries, nil
}

// SetMode flips verification on or off. The change is itself signed.
func (s *Store) SetMode(mode Mode) error {
	if s.manifest == nil {
		return ErrNotInitialized
	}
	s.manifest.Mode = mode
	return s.manifest.Save(s.manifestPath, s.key)
}

// Mode returns the current trust mode.
func (s *Store) Mode() Mode {
	if s.manifest == nil {
		return ModeDisabled
	}
	return s.manifest.Mode
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
