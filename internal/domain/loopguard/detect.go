// Package loopguard detects repetitive, non-progressing behavior over recent
// step outcomes. Detection is a pure function; reacting to a signal is the
// service layer's job.
package loopguard

import (
	"fmt"
	"strings"
)

// Pattern tags the kind of repetition detected.
type Pattern string

const (
	PatternRepeatSameStep    Pattern = "repeat-same-step"
	PatternAlternateTwoSteps Pattern = "alternate-two-steps"
	PatternSameURLFailures   Pattern = "same-url-failures"
)

// Record is one step outcome as seen by the detector.
type Record struct {
	Title  string
	Tool   string
	URL    string
	Failed bool
}

// Signal describes a detected repetition pattern. It is computed transiently
// each loop iteration and never persisted standalone.
type Signal struct {
	Pattern Pattern
	Reason  string
	Titles  []string
	URL     string
}

// Detect inspects the most recent outcomes and returns a signal, or nil.
// It needs at least 3 records; the alternating check needs 4.
func Detect(history []Record) *Signal {
	if len(history) < 3 {
		return nil
	}
	last3 := history[len(history)-3:]

	if titlesEqual(last3[0].Title, last3[1].Title) && titlesEqual(last3[1].Title, last3[2].Title) {
		return &Signal{
			Pattern: PatternRepeatSameStep,
			Reason:  fmt.Sprintf("last 3 steps repeat %q", last3[0].Title),
			Titles:  titles(last3),
		}
	}

	if len(history) >= 4 {
		last4 := history[len(history)-4:]
		a, b := last4[0].Title, last4[1].Title
		if !titlesEqual(a, b) &&
			titlesEqual(last4[2].Title, a) && titlesEqual(last4[3].Title, b) {
			return &Signal{
				Pattern: PatternAlternateTwoSteps,
				Reason:  fmt.Sprintf("last 4 steps alternate between %q and %q", a, b),
				Titles:  titles(last4),
			}
		}
	}

	if url := last3[0].URL; url != "" &&
		last3[1].URL == url && last3[2].URL == url {
		failures := 0
		for _, r := range last3 {
			if r.Failed {
				failures++
			}
		}
		if failures >= 2 {
			return &Signal{
				Pattern: PatternSameURLFailures,
				Reason:  fmt.Sprintf("%d of last 3 steps failed on %s", failures, url),
				Titles:  titles(last3),
				URL:     url,
			}
		}
	}

	return nil
}

func titlesEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func titles(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Title
	}
	return out
}
