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

// Package routing builds the (event, tool) -> policies map and answers
// lookups during evaluation. The index is immutable once built.
package routing

import (
	"sort"

	"github.com/eqtylab/cupcake/internal/harness"
	"github.com/eqtylab/cupcake/internal/policy"
)

// WildcardTool is the pseudo-tool under which tool-wildcard policies
// register. Omitting required_tools in a policy's metadata means
// wildcard - the policy matches every tool for its events.
const WildcardTool = "*"

// Index maps routing keys to the policies registered under them.
type Index struct {
	entries map[string][]policy.Unit
}

// toolEvents are the events that carry a tool dimension and therefore
// use compound "{event}:{tool}" keys.
var toolEvents = map[string]bool{
	harness.EventPreToolUse:  true,
	harness.EventPostToolUse: true,
}

// Build constructs the index from scanned units. System and helper
// units, and units with no required_events, are not routed.
func Build(units []policy.Unit) *Index {
	idx := &Index{entries: map[string][]policy.Unit{}}

	for _, unit := range units {
		if unit.IsSystem() || unit.IsHelper() || len(unit.Routing.RequiredEvents) == 0 {
			continue
		}
		for _, event := range unit.Routing.RequiredEvents {
			for _, key := range keysFor(event, unit.Routing.RequiredTools) {
				idx.entries[key] = append(idx.entries[key], unit)
			}
		}
	}

	// Entries stay sorted by package name so lookup results are stable
	// regardless of scan order.
	for key := range idx.entries {
		list := idx.entries[key]
		sort.Slice(list, func(i, j int) bool {
			return list[i].PackageName < list[j].PackageName
		})
	}
	return idx
}

func keysFor(event string, tools []string) []string {
	if !toolEvents[event] {
		return []string{event}
	}
	if len(tools) == 0 {
		return []string{event + ":" + WildcardTool}
	}
	keys := make([]string, 0, len(tools))
	for _, tool := range tools {
		keys = append(keys, event+":"+tool)
	}
	return keys
}

// Lookup returns the policies matching an event and tool: the union of
// the exact key, the event's wildcard key, and the bare event key,
// deduplicated by package name.
func (idx *Index) Lookup(event, tool string) []policy.Unit {
	var keys []string
	if toolEvents[event] && tool != "" {
		keys = []string{event + ":" + tool, event + ":" + WildcardTool, event}
	} else {
		keys = []string{event}
	}

	seen := map[string]bool{}
	var matched []policy.Unit
	for _, key := range keys {
		for _, unit := range idx.entries[key] {
			if seen[unit.PackageName] {
				continue
			}
			seen[unit.PackageName] = true
			matched = append(matched, unit)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].PackageName < matched[j].PackageName
	})
	return matched
}

// LookupKey resolves a precomputed "{event}:{tool}" or "{event}" key.
func (idx *Index) LookupKey(key string) []policy.Unit {
	event, tool := splitKey(key)
	return idx.Lookup(event, tool)
}

func splitKey(key string) (event, tool string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// Keys lists every registered routing key in sorted order.
func (idx *Index) Keys() []string {
	keys := make([]string, 0, len(idx.entries))
	for key := range idx.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns the policies registered directly under a key, without
// wildcard union. Used by diagnostics.
func (idx *Index) Entries(key string) []policy.Unit {
	return idx.entries[key]
}

// Size returns the number of distinct routing keys.
func (idx *Index) Size() int {
	return len(idx.entries)
}
