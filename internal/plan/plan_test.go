package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateGraph(t *testing.T) {
	valid := []Step{
		{Tool: "a"},
		{Tool: "b", DependsOn: []int{0}},
		{Tool: "c", DependsOn: []int{0, 1}},
	}
	assert.NoError(t, ValidateGraph(valid))
	assert.NoError(t, ValidateGraph(nil))
}

func TestValidateGraphRejectsBadRefs(t *testing.T) {
	err := ValidateGraph([]Step{{Tool: "a", DependsOn: []int{5}}})
	require.Error(t, err)

	err = ValidateGraph([]Step{{Tool: "a", DependsOn: []int{-1}}})
	require.Error(t, err)
}

func TestValidateGraphRejectsCycles(t *testing.T) {
	// self-loop
	require.Error(t, ValidateGraph([]Step{{Tool: "a", DependsOn: []int{0}}}))

	// two-node cycle
	require.Error(t, ValidateGraph([]Step{
		{Tool: "a", DependsOn: []int{1}},
		{Tool: "b", DependsOn: []int{0}},
	}))

	// longer cycle behind a valid prefix
	require.Error(t, ValidateGraph([]Step{
		{Tool: "a"},
		{Tool: "b", DependsOn: []int{0, 3}},
		{Tool: "c", DependsOn: []int{1}},
		{Tool: "d", DependsOn: []int{2}},
	}))
}

func TestPlaybookPlannerMatching(t *testing.T) {
	p := NewPlaybookPlanner(
		Playbook{
			Name:  "deploy",
			Match: []string{"deploy", "staging"},
			Steps: []playbookStep{
				{Tool: "write_file", Resource: "release.txt", Reversible: true},
				{Tool: "exec", DependsOn: []int{0}, Sensitive: true},
			},
		},
		Playbook{
			Name:  "echo",
			Match: []string{"say"},
			Steps: []playbookStep{{Tool: "echo", Params: map[string]any{"msg": "hi"}}},
		},
	)

	steps, err := p.Plan(context.Background(), "Deploy the service to STAGING please")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "write_file", steps[0].Tool)
	assert.True(t, steps[0].Reversible)
	assert.Equal(t, []int{0}, steps[1].DependsOn)
	assert.True(t, steps[1].Sensitive)

	steps, err = p.Plan(context.Background(), "say hello")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.JSONEq(t, `{"msg":"hi"}`, string(steps[0].Params))
}

func TestPlaybookPlannerNoMatch(t *testing.T) {
	p := NewPlaybookPlanner(Playbook{Name: "x", Match: []string{"nothing"}})

	_, err := p.Plan(context.Background(), "completely unrelated request")
	var perr *PlanningError
	require.True(t, errors.As(err, &perr), "expected PlanningError, got %v", err)
}

func TestLoadPlaybooks(t *testing.T) {
	dir := t.TempDir()
	body := `
name: greet
match: [hello]
steps:
  - tool: echo
    params:
      msg: hello there
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("not yaml"), 0o644))

	p, err := LoadPlaybooks(dir)
	require.NoError(t, err)

	steps, err := p.Plan(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "echo", steps[0].Tool)
	assert.JSONEq(t, `{"msg":"hello there"}`, string(steps[0].Params))
}

func TestLoadPlaybooksMissingDir(t *testing.T) {
	p, err := LoadPlaybooks(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), "anything")
	var perr *PlanningError
	require.True(t, errors.As(err, &perr))
}

func TestLoadPlaybooksMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(":\nnot yaml at all ["), 0o644))

	_, err := LoadPlaybooks(dir)
	require.Error(t, err)
}
