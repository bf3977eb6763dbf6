package plan

import "sort"

// StepDef is a planner-proposed step before it is materialized into a Step.
// DependsOn holds indices into the flattened sequence; out-of-range or forward
// references are dropped.
type StepDef struct {
	Title           string `json:"title"`
	Tool            string `json:"tool"`
	Expected        string `json:"expected,omitempty"`
	SuccessCriteria string `json:"success_criteria,omitempty"`
	Phase           string `json:"phase,omitempty"`
	Priority        int    `json:"priority,omitempty"`
	DependsOn       []int  `json:"depends_on,omitempty"`
}

// Subgoal groups steps under a goal.
type Subgoal struct {
	Title string    `json:"title"`
	Phase string    `json:"phase,omitempty"`
	Steps []StepDef `json:"steps"`
}

// Goal is the top level of a hierarchical plan.
type Goal struct {
	Title    string    `json:"title"`
	Subgoals []Subgoal `json:"subgoals,omitempty"`
	Steps    []StepDef `json:"steps,omitempty"`
}

// Flatten converts a goals→subgoals→steps hierarchy into a linear,
// dependency-respecting step sequence. Tie-break rules: goal and subgoal order
// are preserved; within a subgoal, steps sharing a phase are reordered by
// descending priority (stable). Steps without explicit dependencies are
// chained onto the preceding step. The result is truncated to budget.
func Flatten(goals []Goal, budget int, newID func() string) []Step {
	var defs []StepDef
	var goalOf, subgoalOf []string

	for _, g := range goals {
		gid := newID()
		for _, d := range orderByPriority(g.Steps) {
			defs = append(defs, d)
			goalOf = append(goalOf, gid)
			subgoalOf = append(subgoalOf, "")
		}
		for _, sg := range g.Subgoals {
			sgid := newID()
			for _, d := range orderByPriority(sg.Steps) {
				if d.Phase == "" {
					d.Phase = sg.Phase
				}
				defs = append(defs, d)
				goalOf = append(goalOf, gid)
				subgoalOf = append(subgoalOf, sgid)
			}
		}
	}

	steps := Materialize(defs, budget, newID)
	for i := range steps {
		steps[i].GoalID = goalOf[i]
		steps[i].SubgoalID = subgoalOf[i]
	}
	return steps
}

// Materialize turns a flat def list into pending Steps with fresh IDs,
// resolving index dependencies and defaulting to a linear chain. Truncated to
// budget (budget <= 0 means no cap).
func Materialize(defs []StepDef, budget int, newID func() string) []Step {
	if budget > 0 && len(defs) > budget {
		defs = defs[:budget]
	}

	steps := make([]Step, len(defs))
	for i, d := range defs {
		tool := d.Tool
		if tool == "" {
			tool = ToolNone
		}
		steps[i] = Step{
			ID:              newID(),
			Title:           d.Title,
			Tool:            tool,
			Expected:        d.Expected,
			SuccessCriteria: d.SuccessCriteria,
			Phase:           d.Phase,
			Priority:        d.Priority,
			Status:          StepStatusPending,
		}
	}

	for i, d := range defs {
		if len(d.DependsOn) == 0 {
			if i > 0 {
				steps[i].DependsOn = []string{steps[i-1].ID}
			}
			continue
		}
		for _, dep := range d.DependsOn {
			if dep < 0 || dep >= i {
				continue
			}
			steps[i].DependsOn = append(steps[i].DependsOn, steps[dep].ID)
		}
	}
	return steps
}

// orderByPriority stable-sorts defs so that, within each phase, higher
// priority comes first. Phases themselves keep encounter order.
func orderByPriority(defs []StepDef) []StepDef {
	out := make([]StepDef, len(defs))
	copy(out, defs)

	phaseRank := make(map[string]int)
	for _, d := range defs {
		if _, ok := phaseRank[d.Phase]; !ok {
			phaseRank[d.Phase] = len(phaseRank)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if phaseRank[out[i].Phase] != phaseRank[out[j].Phase] {
			return phaseRank[out[i].Phase] < phaseRank[out[j].Phase]
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}
