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

package routing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eqtylab/cupcake/internal/policy"
)

func unit(pkg string, events, tools, signals []string) policy.Unit {
	return policy.Unit{
		Path:        "/policies/" + pkg + ".rego",
		PackageName: pkg,
		Routing: policy.Directive{
			RequiredEvents:  events,
			RequiredTools:   tools,
			RequiredSignals: signals,
		},
	}
}

func TestBuild_ToolSpecificKeys(t *testing.T) {
	idx := Build([]policy.Unit{
		unit("cupcake.policies.bash_guard", []string{"PreToolUse"}, []string{"Bash"}, nil),
	})

	matched := idx.Lookup("PreToolUse", "Bash")
	require.Len(t, matched, 1)
	assert.Equal(t, "cupcake.policies.bash_guard", matched[0].PackageName)

	assert.Empty(t, idx.Lookup("PreToolUse", "Write"))
	assert.Empty(t, idx.Lookup("PostToolUse", "Bash"))
}

func TestBuild_WildcardMatchesEveryTool(t *testing.T) {
	idx := Build([]policy.Unit{
		unit("cupcake.policies.audit", []string{"PreToolUse"}, nil, nil),
	})

	for _, tool := range []string{"Bash", "Write", "Edit", "WebFetch", "AnythingElse"} {
		matched := idx.Lookup("PreToolUse", tool)
		require.Len(t, matched, 1, "wildcard policy must match tool %s", tool)
	}
}

func TestBuild_UnionDeduplicatesByPackage(t *testing.T) {
	idx := Build([]policy.Unit{
		unit("cupcake.policies.bash_guard", []string{"PreToolUse"}, []string{"Bash"}, nil),
		unit("cupcake.policies.audit", []string{"PreToolUse"}, nil, nil),
	})

	matched := idx.Lookup("PreToolUse", "Bash")
	require.Len(t, matched, 2)
	// Sorted by package name.
	assert.Equal(t, "cupcake.policies.audit", matched[0].PackageName)
	assert.Equal(t, "cupcake.policies.bash_guard", matched[1].PackageName)
}

func TestBuild_NonToolEvents(t *testing.T) {
	idx := Build([]policy.Unit{
		unit("cupcake.policies.prompt_guard", []string{"UserPromptSubmit"}, nil, nil),
		unit("cupcake.policies.session", []string{"SessionStart", "SessionEnd"}, nil, nil),
	})

	require.Len(t, idx.Lookup("UserPromptSubmit", ""), 1)
	require.Len(t, idx.Lookup("SessionStart", ""), 1)
	require.Len(t, idx.Lookup("SessionEnd", ""), 1)
	assert.Empty(t, idx.Lookup("Stop", ""))
}

func TestBuild_SystemAndHelperNotRouted(t *testing.T) {
	idx := Build([]policy.Unit{
		{PackageName: "cupcake.system", Routing: policy.Directive{RequiredEvents: []string{"PreToolUse"}}},
		{PackageName: "cupcake.helpers.paths"},
		unit("cupcake.policies.real", []string{"PreToolUse"}, nil, nil),
	})

	matched := idx.Lookup("PreToolUse", "Bash")
	require.Len(t, matched, 1)
	assert.Equal(t, "cupcake.policies.real", matched[0].PackageName)
}

func TestBuild_MultiEventMultiTool(t *testing.T) {
	idx := Build([]policy.Unit{
		unit("cupcake.policies.file_guard", []string{"PreToolUse", "PostToolUse"}, []string{"Write", "Edit"}, nil),
	})

	assert.Len(t, idx.Lookup("PreToolUse", "Write"), 1)
	assert.Len(t, idx.Lookup("PreToolUse", "Edit"), 1)
	assert.Len(t, idx.Lookup("PostToolUse", "Write"), 1)
	assert.Empty(t, idx.Lookup("PreToolUse", "Bash"))
	assert.Equal(t, 4, idx.Size())
}

func TestLookupKey(t *testing.T) {
	idx := Build([]policy.Unit{
		unit("cupcake.policies.bash_guard", []string{"PreToolUse"}, []string{"Bash"}, nil),
		unit("cupcake.policies.prompt", []string{"UserPromptSubmit"}, nil, nil),
	})

	assert.Len(t, idx.LookupKey("PreToolUse:Bash"), 1)
	assert.Len(t, idx.LookupKey("UserPromptSubmit"), 1)
	assert.Empty(t, idx.LookupKey("PreToolUse:Write"))
}

func TestDump_WritesAllFormats(t *testing.T) {
	dir := t.TempDir()
	idx := Build([]policy.Unit{
		unit("cupcake.policies.bash_guard", []string{"PreToolUse"}, []string{"Bash"}, []string{"git_branch"}),
		unit("cupcake.policies.audit", []string{"PreToolUse"}, nil, nil),
	})

	Dump(idx, "project", dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var jsonPath string
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".json" {
			jsonPath = filepath.Join(dir, entry.Name())
		}
	}
	require.NotEmpty(t, jsonPath)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var dump map[string]any
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Equal(t, "project", dump["scope"])
	statistics := dump["statistics"].(map[string]any)
	assert.Equal(t, float64(2), statistics["total_routes"])
	assert.Equal(t, float64(1), statistics["wildcard_routes"])
}
