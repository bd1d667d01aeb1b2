package engine

import (
	"sort"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// DAG is the in-memory dependency graph of a workflow definition. The
// engine builds one per run to validate the definition and to pre-compute
// parallel execution levels.
type DAG struct {
	Steps   map[string]*schema.StepDefinition // step ID → definition
	Edges   map[string][]string               // step ID → dependencies
	Reverse map[string][]string               // step ID → dependents
	Sorted  []string                          // topological order
	Roots   []string                          // steps with no dependencies
	Levels  [][]string                        // parallel execution levels
}

// BuildDAG parses a WorkflowDefinition into an executable DAG. It validates
// step IDs and dependency references, performs a topological sort with
// Kahn's algorithm, rejects cycles, and groups steps into levels whose
// members only depend on earlier levels.
//
// knownTypes, when non-nil, is the set of registered step types; steps with
// a type outside the set fail validation up front rather than mid-run.
func BuildDAG(def *schema.WorkflowDefinition, knownTypes map[string]bool) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.StepDefinition, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
	}

	// First pass: register steps, reject duplicates and unknown types.
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.StepID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty step_id", i)
		}
		if _, exists := dag.Steps[step.StepID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step_id: %s", step.StepID)
		}
		if step.StepType == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has empty step_type", step.StepID)
		}
		if knownTypes != nil && !knownTypes[step.StepType] {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType,
				"step %s has unregistered step_type: %s", step.StepID, step.StepType).
				WithStep(step.StepID)
		}

		dag.Steps[step.StepID] = step
	}

	// Second pass: adjacency lists and dependency references.
	for id, step := range dag.Steps {
		seen := make(map[string]bool, len(step.Dependencies))
		deps := make([]string, 0, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id).WithStep(id)
			}
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s depends on unknown step: %s", id, dep).WithStep(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has duplicate dependency: %s", id, dep).WithStep(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for id := range dag.Steps {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), dag.Reverse[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		remaining := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a dependency cycle").
			WithDetails(map[string]any{"steps_in_cycle": remaining})
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// computeLevels groups steps by topological depth. Steps at the same level
// have all dependencies satisfied by earlier levels and may run together.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Steps))
	for _, id := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}
