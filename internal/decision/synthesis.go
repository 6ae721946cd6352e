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

package decision

import (
	"context"
	"log/slog"
)

// Synthesize merges the project and global decision sets into one final
// decision under strict precedence:
//
//  1. halt — global halt dominates, a project halt cannot be overridden
//     by anything except the absence of all halts
//  2. allow_override — bypasses denials and asks, never halts
//  3. deny / block — first-emitted wins for the reason text
//  4. ask
//  5. allow, with add_context from all matched policies accumulated
//
// Global verbs are appended after project verbs within each class, except
// that a global verb of a class dominates a project verb of the same class
// when picking the reason text. Either set may be nil.
func Synthesize(ctx context.Context, project, global *Set) Final {
	if project == nil {
		project = &Set{}
	}
	if global == nil {
		global = &Set{}
	}
	project.Dedupe()
	global.Dedupe()
	project.Sort()
	global.Sort()

	// Context strings accumulate regardless of which branch wins the
	// allow path; order is project then global, each pre-sorted.
	contexts := collectContext(project, global)

	if v, ok := firstDominant(global.Halts, project.Halts); ok {
		slog.DebugContext(ctx, "Synthesis selected halt",
			"reason", v.Reason, "rule_id", v.RuleID, "policy", v.PackageName)
		return Final{Kind: KindHalt, Reason: v.Reason, RuleID: v.RuleID}
	}

	if v, ok := firstDominant(global.AllowOverrides, project.AllowOverrides); ok {
		slog.DebugContext(ctx, "Synthesis selected allow_override",
			"reason", v.Reason, "rule_id", v.RuleID, "policy", v.PackageName)
		return Final{Kind: KindAllow, Context: contexts}
	}

	// deny and block are synonyms; merge both classes before picking
	globalDenials := append(append([]Verb{}, global.Denials...), global.Blocks...)
	projectDenials := append(append([]Verb{}, project.Denials...), project.Blocks...)
	if v, ok := firstDominant(globalDenials, projectDenials); ok {
		slog.DebugContext(ctx, "Synthesis selected deny",
			"reason", v.Reason, "rule_id", v.RuleID, "policy", v.PackageName)
		return Final{Kind: KindDeny, Reason: v.Reason, RuleID: v.RuleID}
	}

	if v, ok := firstDominant(global.Asks, project.Asks); ok {
		question := v.Question
		if question == "" {
			question = v.Reason
		}
		slog.DebugContext(ctx, "Synthesis selected ask",
			"question", question, "rule_id", v.RuleID, "policy", v.PackageName)
		return Final{Kind: KindAsk, Question: question, Reason: v.Reason, RuleID: v.RuleID}
	}

	return Final{Kind: KindAllow, Context: contexts}
}

// firstDominant picks the first verb, preferring the dominant (global)
// list over the subordinate (project) one.
func firstDominant(dominant, subordinate []Verb) (Verb, bool) {
	if len(dominant) > 0 {
		return dominant[0], true
	}
	if len(subordinate) > 0 {
		return subordinate[0], true
	}
	return Verb{}, false
}

func collectContext(project, global *Set) []string {
	var out []string
	for _, v := range project.AddContext {
		if v.Context != "" {
			out = append(out, v.Context)
		}
	}
	for _, v := range global.AddContext {
		if v.Context != "" {
			out = append(out, v.Context)
		}
	}
	return out
}
