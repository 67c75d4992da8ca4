package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Playbook is a canned plan matched against the request text. Playbooks are
// the default development-time planner; production wires an LLM collaborator
// behind the same Planner interface.
type Playbook struct {
	Name  string         `yaml:"name"`
	Match []string       `yaml:"match"`
	Steps []playbookStep `yaml:"steps"`
}

type playbookStep struct {
	Tool       string         `yaml:"tool"`
	Params     map[string]any `yaml:"params"`
	Resource   string         `yaml:"resource"`
	DependsOn  []int          `yaml:"depends_on"`
	Sensitive  bool           `yaml:"sensitive"`
	Reversible bool           `yaml:"reversible"`
	Critical   bool           `yaml:"critical"`
}

// PlaybookPlanner selects the first playbook whose match terms all appear in
// the request.
type PlaybookPlanner struct {
	playbooks []Playbook
}

// LoadPlaybooks reads every *.yaml playbook under dir, sorted by filename for
// deterministic matching order. A missing dir yields an empty planner.
func LoadPlaybooks(dir string) (*PlaybookPlanner, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return &PlaybookPlanner{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	p := &PlaybookPlanner{}
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var pb Playbook
		if err := yaml.Unmarshal(b, &pb); err != nil {
			return nil, fmt.Errorf("playbook %s: %w", name, err)
		}
		if pb.Name == "" {
			pb.Name = strings.TrimSuffix(name, ".yaml")
		}
		p.playbooks = append(p.playbooks, pb)
	}
	return p, nil
}

// NewPlaybookPlanner builds a planner from in-memory playbooks.
func NewPlaybookPlanner(playbooks ...Playbook) *PlaybookPlanner {
	return &PlaybookPlanner{playbooks: playbooks}
}

func (p *PlaybookPlanner) Plan(ctx context.Context, request string) ([]Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(request)
	for _, pb := range p.playbooks {
		if !matches(lower, pb.Match) {
			continue
		}
		steps := make([]Step, 0, len(pb.Steps))
		for i, ps := range pb.Steps {
			params, err := json.Marshal(ps.Params)
			if err != nil {
				return nil, &PlanningError{Reason: fmt.Sprintf("playbook %s step %d: %v", pb.Name, i, err)}
			}
			if ps.Params == nil {
				params = json.RawMessage(`{}`)
			}
			steps = append(steps, Step{
				Tool:       ps.Tool,
				Params:     params,
				Resource:   ps.Resource,
				DependsOn:  ps.DependsOn,
				Sensitive:  ps.Sensitive,
				Reversible: ps.Reversible,
				Critical:   ps.Critical,
			})
		}
		if err := ValidateGraph(steps); err != nil {
			return nil, &PlanningError{Reason: fmt.Sprintf("playbook %s: %v", pb.Name, err)}
		}
		return steps, nil
	}
	return nil, &PlanningError{Reason: "no playbook matches request"}
}

func matches(request string, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	for _, t := range terms {
		if !strings.Contains(request, strings.ToLower(t)) {
			return false
		}
	}
	return true
}
