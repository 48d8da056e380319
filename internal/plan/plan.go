// Package plan models decomposed execution plans and their dependency
// structure. A plan is immutable once handed to the coordinator; a replan
// produces a new plan covering the unexecuted remainder.
package plan

import (
	"errors"
	"fmt"
	"sort"
)

// Planning-time failures. All of them surface before any subtask executes.
var (
	ErrEmptyPlan         = errors.New("plan has no subtasks")
	ErrDuplicateID       = errors.New("duplicate subtask id")
	ErrUnknownDependency = errors.New("dependency references unknown subtask")
	ErrSelfDependency    = errors.New("subtask depends on itself")
	ErrCycle             = errors.New("dependency cycle")
)

// Subtask is one schedulable unit, bound to exactly one tool.
type Subtask struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Tool        string         `json:"tool" yaml:"tool"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Plan is an ordered set of interdependent subtasks sharing one intent.
type Plan struct {
	Intent   string    `json:"intent" yaml:"intent"`
	Subtasks []Subtask `json:"subtasks" yaml:"subtasks"`
}

// Validate checks the structural invariants: non-empty, unique ids, resolvable
// dependencies, and an acyclic dependency relation.
func (p *Plan) Validate() error {
	if len(p.Subtasks) == 0 {
		return ErrEmptyPlan
	}

	ids := make(map[string]bool, len(p.Subtasks))
	for _, st := range p.Subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask with tool %q has empty id", st.Tool)
		}
		if ids[st.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, st.ID)
		}
		ids[st.ID] = true
	}

	for _, st := range p.Subtasks {
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return fmt.Errorf("%w: %s", ErrSelfDependency, st.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, st.ID, dep)
			}
		}
	}

	if _, err := p.Layers(); err != nil {
		return err
	}
	return nil
}

// Layers topologically partitions the plan so that layer k contains exactly
// the subtasks whose dependencies are fully satisfied by layers 0..k-1.
// Within a layer the subtasks keep their plan order so scheduling stays
// deterministic. A cyclic plan returns ErrCycle.
func (p *Plan) Layers() ([][]Subtask, error) {
	byID := make(map[string]Subtask, len(p.Subtasks))
	indegree := make(map[string]int, len(p.Subtasks))
	dependents := make(map[string][]string, len(p.Subtasks))
	order := make(map[string]int, len(p.Subtasks))

	for i, st := range p.Subtasks {
		byID[st.ID] = st
		order[st.ID] = i
		indegree[st.ID] = len(st.DependsOn)
	}
	for _, st := range p.Subtasks {
		for _, dep := range st.DependsOn {
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	var layers [][]Subtask
	var ready []string
	for _, st := range p.Subtasks {
		if indegree[st.ID] == 0 {
			ready = append(ready, st.ID)
		}
	}

	placed := 0
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return order[ready[i]] < order[ready[j]] })

		layer := make([]Subtask, 0, len(ready))
		var next []string
		for _, id := range ready {
			layer = append(layer, byID[id])
			placed++
			for _, dependent := range dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		layers = append(layers, layer)
		ready = next
	}

	if placed != len(p.Subtasks) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w involving %v", ErrCycle, stuck)
	}
	return layers, nil
}

// Remainder returns a new plan containing only the subtasks whose ids are not
// in executed, with dependencies on executed subtasks dropped. It is the
// starting point handed to the replanner after a non-recoverable failure.
func (p *Plan) Remainder(executed map[string]bool) *Plan {
	rest := &Plan{Intent: p.Intent}
	for _, st := range p.Subtasks {
		if executed[st.ID] {
			continue
		}
		copied := st
		copied.DependsOn = nil
		for _, dep := range st.DependsOn {
			if !executed[dep] {
				copied.DependsOn = append(copied.DependsOn, dep)
			}
		}
		rest.Subtasks = append(rest.Subtasks, copied)
	}
	return rest
}

// Subtask returns the subtask with the given id, if present.
func (p *Plan) Subtask(id string) (Subtask, bool) {
	for _, st := range p.Subtasks {
		if st.ID == id {
			return st, true
		}
	}
	return Subtask{}, false
}
