package run

import "time"

// Settings are the per-run tunables for the control loop. Zero values resolve
// to defaults; out-of-range values are clamped rather than rejected so a stale
// checkpoint never blocks a resume.
type Settings struct {
	MaxSteps        int           `json:"max_steps"`
	MaxStepAttempts int           `json:"max_step_attempts"`
	MaxReplanCalls  int           `json:"max_replan_calls"`
	MaxSelfChecks   int           `json:"max_self_checks"`
	LoopCheckEvery  int           `json:"loop_check_every"`
	LoopBackoffBase time.Duration `json:"loop_backoff_base"`
	LoopBackoffMax  time.Duration `json:"loop_backoff_max"`
}

// DefaultSettings returns the baseline settings for a fresh run.
func DefaultSettings() Settings {
	return Settings{
		MaxSteps:        30,
		MaxStepAttempts: 3,
		MaxReplanCalls:  3,
		MaxSelfChecks:   5,
		LoopCheckEvery:  3,
		LoopBackoffBase: time.Second,
		LoopBackoffMax:  30 * time.Second,
	}
}

// Clamped returns a copy with zero values defaulted and all fields clamped
// into their allowed ranges.
func (s Settings) Clamped() Settings {
	d := DefaultSettings()
	s.MaxSteps = clampInt(s.MaxSteps, 1, 100, d.MaxSteps)
	s.MaxStepAttempts = clampInt(s.MaxStepAttempts, 1, 10, d.MaxStepAttempts)
	s.MaxReplanCalls = clampInt(s.MaxReplanCalls, 1, 10, d.MaxReplanCalls)
	s.MaxSelfChecks = clampInt(s.MaxSelfChecks, 1, 20, d.MaxSelfChecks)
	s.LoopCheckEvery = clampInt(s.LoopCheckEvery, 1, 10, d.LoopCheckEvery)
	s.LoopBackoffBase = clampDuration(s.LoopBackoffBase, 250*time.Millisecond, 5*time.Second, d.LoopBackoffBase)
	s.LoopBackoffMax = clampDuration(s.LoopBackoffMax, 5*time.Second, 120*time.Second, d.LoopBackoffMax)
	return s
}

// Backoff returns the exponential delay for the nth replan (0-based),
// capped at LoopBackoffMax.
func (s Settings) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := s.LoopBackoffBase
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= s.LoopBackoffMax {
			return s.LoopBackoffMax
		}
	}
	if delay > s.LoopBackoffMax {
		return s.LoopBackoffMax
	}
	return delay
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
