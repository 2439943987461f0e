package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One object, one backup"
objects:
  - key: docs/a.txt
    content: "alpha"
    age: 2h
flow:
  - action: backup
    expect:
      result: { new: 1 }
assertions:
  - type: trace_contains
    action: backup
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	require.Len(t, scenario.Objects, 1)
	assert.Equal(t, "docs/a.txt", scenario.Objects[0].Key)
	assert.Equal(t, "2h", scenario.Objects[0].Age)
	require.Len(t, scenario.Flow, 1)
	assert.Equal(t, ActionBackup, scenario.Flow[0].Action)
	require.NotNil(t, scenario.Flow[0].Expect)
	assert.Equal(t, 1, scenario.Flow[0].Expect.Result["new"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "misspelt assertions key"
flow:
  - action: check
assertion:
  - type: trace_contains
    action: check
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nflow: [{action: check}]\nassertions: [{type: trace_count, action: check, count: 1}]",
			wantErr: "name is required",
		},
		{
			name:    "empty flow",
			yaml:    "name: n\ndescription: d\nflow: []\nassertions: [{type: trace_count, action: check}]",
			wantErr: "flow list is required",
		},
		{
			name:    "unknown action",
			yaml:    "name: n\ndescription: d\nflow: [{action: explode}]\nassertions: [{type: trace_count, action: check}]",
			wantErr: `unknown action "explode"`,
		},
		{
			name:    "duplicate object",
			yaml:    "name: n\ndescription: d\nobjects: [{key: a, content: x}, {key: a, content: y}]\nflow: [{action: check}]\nassertions: [{type: trace_count, action: check}]",
			wantErr: `duplicate key "a"`,
		},
		{
			name:    "bad object age",
			yaml:    "name: n\ndescription: d\nobjects: [{key: a, content: x, age: soon}]\nflow: [{action: check}]\nassertions: [{type: trace_count, action: check}]",
			wantErr: "invalid age",
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: n\ndescription: d\nflow: [{action: check}]\nassertions: [{type: eventually}]",
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "final_state without expect",
			yaml:    "name: n\ndescription: d\nflow: [{action: check}]\nassertions: [{type: final_state, table: sync_records}]",
			wantErr: "expect is required for final_state",
		},
		{
			name:    "log_count without operation",
			yaml:    "name: n\ndescription: d\nflow: [{action: check}]\nassertions: [{type: log_count, count: 1}]",
			wantErr: "operation is required for log_count",
		},
		{
			name:    "trace_order without actions",
			yaml:    "name: n\ndescription: d\nflow: [{action: check}]\nassertions: [{type: trace_order}]",
			wantErr: "actions list is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_RepositoryScenarios(t *testing.T) {
	paths, err := filepath.Glob("../../testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}
