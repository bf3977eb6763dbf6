package plan

// NextReady returns the first pending step (in plan order) whose dependencies
// are all completed, or nil if none is eligible.
func NextReady(steps []Step) *Step {
	completed := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].Status == StepStatusCompleted {
			completed[steps[i].ID] = true
		}
	}

	for i := range steps {
		if steps[i].Status != StepStatusPending {
			continue
		}
		ready := true
		for _, dep := range steps[i].DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			return &steps[i]
		}
	}
	return nil
}

// HasPending returns true if any step is still pending.
func HasPending(steps []Step) bool {
	for i := range steps {
		if steps[i].Status == StepStatusPending {
			return true
		}
	}
	return false
}

// AllCompleted returns true if the plan is non-empty and every step completed.
func AllCompleted(steps []Step) bool {
	if len(steps) == 0 {
		return false
	}
	for i := range steps {
		if steps[i].Status != StepStatusCompleted {
			return false
		}
	}
	return true
}

// AnyFailed returns true if at least one step has failed.
func AnyFailed(steps []Step) bool {
	for i := range steps {
		if steps[i].Status == StepStatusFailed {
			return true
		}
	}
	return false
}

// Deadlocked reports a planning fault: steps remain pending but none can ever
// become ready because a dependency is failed or missing.
func Deadlocked(steps []Step) bool {
	return HasPending(steps) && NextReady(steps) == nil && runningCount(steps) == 0
}

func runningCount(steps []Step) int {
	n := 0
	for i := range steps {
		if steps[i].Status == StepStatusRunning {
			n++
		}
	}
	return n
}
