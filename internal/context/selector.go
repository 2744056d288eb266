// Package context selects document sections for inclusion in a prompt
// under a token budget, recording a human-readable justification for
// each inclusion or skip.
package context

import (
	"strings"

	"github.com/docpipeline/core/internal/tokens"
)

// TaskType mirrors router.TaskType; duplicated here (not imported) to keep
// the Context Selector free of a dependency on the routing package --
// both packages depend on the same closed string enumeration.
type TaskType string

const (
	TaskClassification TaskType = "classification"
	TaskExtraction     TaskType = "extraction"
	TaskSummarization  TaskType = "summarization"
	TaskRAG            TaskType = "rag"
)

// NormalizedSection is the external preprocessing stage's output: a
// titled group of paragraphs ready for prompt assembly.
type NormalizedSection struct {
	Title      string
	Paragraphs []string
}

// SelectionResult records a section's inclusion decision.
type SelectionResult struct {
	Section       NormalizedSection
	Reason        string
	TokenEstimate int
}

// Select chooses a prefix of sections whose cumulative estimated tokens fit
// within budget's effective input capacity. Sections are considered in
// input order; the first section that would exceed the remaining budget
// terminates selection and is recorded as a skipped result with
// TokenEstimate=0. Empty-paragraph sections are silently skipped (no
// result emitted).
func Select(sections []NormalizedSection, task TaskType, budget tokens.Budget) []SelectionResult {
	remaining := budget.RemainingInput(0)
	var results []SelectionResult

	for _, section := range sections {
		text := strings.Join(section.Paragraphs, "\n")
		est := tokens.Estimate(text)
		if est == 0 {
			continue
		}

		if est > remaining {
			results = append(results, SelectionResult{
				Section:       section,
				Reason:        skippedReason(section),
				TokenEstimate: 0,
			})
			break
		}

		results = append(results, SelectionResult{
			Section:       section,
			Reason:        justify(section, task),
			TokenEstimate: est,
		})
		remaining -= est
	}

	return results
}

func skippedReason(s NormalizedSection) string {
	title := s.Title
	if title == "" {
		title = "untitled"
	}
	return "Skipped " + title + " due to token limit"
}

// justify implements the deterministic justification rule from the spec:
// it affects only the reason string, never which sections are selected.
func justify(s NormalizedSection, task TaskType) string {
	title := s.Title
	if title == "" {
		title = "untitled"
	}
	switch {
	case task == TaskExtraction && strings.Contains(strings.ToLower(s.Title), "financial"):
		return "required financial signals"
	case task == TaskSummarization:
		return "preserve narrative continuity"
	default:
		return "sequential allocation"
	}
}
