package plan

import (
	"fmt"
	"testing"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
}

func titlesOf(steps []Step) []string {
	out := make([]string, len(steps))
	for i := range steps {
		out[i] = steps[i].Title
	}
	return out
}

func TestMaterializeDefaultsToLinearChain(t *testing.T) {
	steps := Materialize([]StepDef{
		{Title: "one", Tool: "browser"},
		{Title: "two", Tool: "browser"},
		{Title: "three", Tool: "browser"},
	}, 0, sequentialIDs())

	if len(steps[0].DependsOn) != 0 {
		t.Fatalf("first step must have no dependencies, got %v", steps[0].DependsOn)
	}
	for i := 1; i < len(steps); i++ {
		if len(steps[i].DependsOn) != 1 || steps[i].DependsOn[0] != steps[i-1].ID {
			t.Fatalf("step %d must chain onto its predecessor, got %v", i, steps[i].DependsOn)
		}
	}
}

func TestMaterializeResolvesIndexDependencies(t *testing.T) {
	steps := Materialize([]StepDef{
		{Title: "fetch", Tool: "browser"},
		{Title: "parse", Tool: "none", DependsOn: []int{0}},
		{Title: "report", Tool: "none", DependsOn: []int{0, 1}},
	}, 0, sequentialIDs())

	if len(steps[2].DependsOn) != 2 {
		t.Fatalf("expected 2 resolved deps, got %v", steps[2].DependsOn)
	}
	if steps[2].DependsOn[0] != steps[0].ID || steps[2].DependsOn[1] != steps[1].ID {
		t.Fatalf("deps resolved to wrong ids: %v", steps[2].DependsOn)
	}
}

func TestMaterializeDropsInvalidDependencies(t *testing.T) {
	steps := Materialize([]StepDef{
		{Title: "a", Tool: "browser", DependsOn: []int{5, -1}}, // out of range
		{Title: "b", Tool: "browser", DependsOn: []int{1}},     // self/forward
	}, 0, sequentialIDs())

	if len(steps[0].DependsOn) != 0 {
		t.Fatalf("invalid refs must be dropped, got %v", steps[0].DependsOn)
	}
	if len(steps[1].DependsOn) != 0 {
		t.Fatalf("forward refs must be dropped, got %v", steps[1].DependsOn)
	}
}

func TestMaterializeTruncatesToBudget(t *testing.T) {
	defs := make([]StepDef, 10)
	for i := range defs {
		defs[i] = StepDef{Title: fmt.Sprintf("step %d", i), Tool: "browser"}
	}
	steps := Materialize(defs, 4, sequentialIDs())
	if len(steps) != 4 {
		t.Fatalf("expected truncation to 4, got %d", len(steps))
	}
}

func TestMaterializeDefaultsEmptyToolToNone(t *testing.T) {
	steps := Materialize([]StepDef{{Title: "think"}}, 0, sequentialIDs())
	if steps[0].Tool != ToolNone {
		t.Fatalf("expected tool %q, got %q", ToolNone, steps[0].Tool)
	}
	if steps[0].Status != StepStatusPending {
		t.Fatalf("expected pending, got %q", steps[0].Status)
	}
}

func TestFlattenPreservesGoalAndSubgoalOrder(t *testing.T) {
	goals := []Goal{
		{
			Title: "first goal",
			Subgoals: []Subgoal{
				{Title: "sg1", Steps: []StepDef{{Title: "a"}, {Title: "b"}}},
				{Title: "sg2", Steps: []StepDef{{Title: "c"}}},
			},
		},
		{
			Title: "second goal",
			Steps: []StepDef{{Title: "d"}},
		},
	}

	steps := Flatten(goals, 0, sequentialIDs())
	want := []string{"a", "b", "c", "d"}
	got := titlesOf(steps)
	if len(got) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v, want %v", i, got, want)
		}
	}

	// Goal-mates share a goal id; d belongs to a different goal.
	if steps[0].GoalID != steps[2].GoalID {
		t.Fatal("steps of one goal must share a goal id")
	}
	if steps[0].GoalID == steps[3].GoalID {
		t.Fatal("steps of different goals must not share a goal id")
	}
	if steps[0].SubgoalID == steps[2].SubgoalID {
		t.Fatal("steps of different subgoals must not share a subgoal id")
	}
}

func TestFlattenPriorityBreaksTiesWithinPhase(t *testing.T) {
	goals := []Goal{{
		Title: "g",
		Subgoals: []Subgoal{{
			Title: "sg",
			Steps: []StepDef{
				{Title: "low", Phase: "setup", Priority: 1},
				{Title: "high", Phase: "setup", Priority: 9},
				{Title: "later phase", Phase: "act", Priority: 99},
			},
		}},
	}}

	steps := Flatten(goals, 0, sequentialIDs())
	want := []string{"high", "low", "later phase"}
	got := titlesOf(steps)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFlattenTruncatesToBudget(t *testing.T) {
	goals := []Goal{{
		Title: "g",
		Steps: []StepDef{{Title: "a"}, {Title: "b"}, {Title: "c"}},
	}}
	steps := Flatten(goals, 2, sequentialIDs())
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
}
