package plan

import (
	"context"
	"encoding/json"
	"fmt"
)

// Step is one planned tool invocation. Dependencies reference the ordinals of
// other steps in the same plan.
type Step struct {
	Tool       string          `yaml:"tool" json:"tool"`
	Params     json.RawMessage `yaml:"-" json:"params,omitempty"`
	Resource   string          `yaml:"resource" json:"resource,omitempty"`
	DependsOn  []int           `yaml:"depends_on" json:"depends_on,omitempty"`
	Sensitive  bool            `yaml:"sensitive" json:"sensitive,omitempty"`
	Reversible bool            `yaml:"reversible" json:"reversible,omitempty"`
	Critical   bool            `yaml:"critical" json:"critical,omitempty"`
}

// Planner turns a task request into an ordered step list. Implementations are
// external collaborators (an LLM in production, playbooks in development).
type Planner interface {
	Plan(ctx context.Context, request string) ([]Step, error)
}

// PlanningError is an upstream failure. It is never retried by the core; the
// scheduler surfaces it as a failed task before any step runs.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string {
	return "planning failed: " + e.Reason
}

// ValidateGraph checks that every dependency references an existing step and
// that the dependency graph is acyclic.
func ValidateGraph(steps []Step) error {
	n := len(steps)
	for i, st := range steps {
		if st.Tool == "" {
			return fmt.Errorf("step %d: missing tool", i)
		}
		for _, d := range st.DependsOn {
			if d < 0 || d >= n {
				return fmt.Errorf("step %d: dependency %d out of range", i, d)
			}
			if d == i {
				return fmt.Errorf("step %d: depends on itself", i)
			}
		}
	}

	// cycle detection via iterative DFS coloring
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make([]int, n)
	var visit func(int) error
	visit = func(i int) error {
		color[i] = grey
		for _, d := range steps[i].DependsOn {
			switch color[d] {
			case grey:
				return fmt.Errorf("dependency cycle through step %d", d)
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := 0; i < n; i++ {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}
