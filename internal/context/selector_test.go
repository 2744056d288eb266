package context

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docpipeline/core/internal/tokens"
)

func TestSelectSkipsEmptyParagraphs(t *testing.T) {
	sections := []NormalizedSection{
		{Title: "Intro", Paragraphs: []string{""}},
		{Title: "Body", Paragraphs: []string{"this has actual content here"}},
	}
	results := Select(sections, TaskClassification, tokens.Budget{MaxInput: 1000, MaxOutput: 100})

	require.Len(t, results, 1)
	require.Equal(t, "Body", results[0].Section.Title)
}

func TestSelectFinancialExtractionJustification(t *testing.T) {
	sections := []NormalizedSection{
		{Title: "Financial Summary", Paragraphs: []string{"revenue grew by twelve percent"}},
	}
	results := Select(sections, TaskExtraction, tokens.Budget{MaxInput: 1000, MaxOutput: 100})

	require.Len(t, results, 1)
	require.Equal(t, "required financial signals", results[0].Reason)
}

func TestSelectSummarizationJustification(t *testing.T) {
	sections := []NormalizedSection{
		{Title: "Chapter One", Paragraphs: []string{"once upon a time"}},
	}
	results := Select(sections, TaskSummarization, tokens.Budget{MaxInput: 1000, MaxOutput: 100})

	require.Len(t, results, 1)
	require.Equal(t, "preserve narrative continuity", results[0].Reason)
}

func TestSelectSequentialAllocationDefault(t *testing.T) {
	sections := []NormalizedSection{
		{Title: "Notes", Paragraphs: []string{"some unrelated text"}},
	}
	results := Select(sections, TaskRAG, tokens.Budget{MaxInput: 1000, MaxOutput: 100})

	require.Len(t, results, 1)
	require.Equal(t, "sequential allocation", results[0].Reason)
}

func TestSelectStopsAtBudgetOverflow(t *testing.T) {
	longText := ""
	for i := 0; i < 100; i++ {
		longText += "abcdefgh "
	}
	sections := []NormalizedSection{
		{Title: "First", Paragraphs: []string{"short"}},
		{Title: "Second", Paragraphs: []string{longText}},
		{Title: "Third", Paragraphs: []string{"never reached"}},
	}
	// Budget large enough for "First" but not "Second".
	results := Select(sections, TaskClassification, tokens.Budget{MaxInput: 3, MaxOutput: 10})

	require.Len(t, results, 2)
	require.Equal(t, "First", results[0].Section.Title)
	require.Equal(t, "Second", results[1].Section.Title)
	require.Equal(t, 0, results[1].TokenEstimate)
	require.Contains(t, results[1].Reason, "token limit")
}

func TestSelectFinancialCaseInsensitive(t *testing.T) {
	sections := []NormalizedSection{
		{Title: "FINANCIAL disclosures", Paragraphs: []string{"balance sheet details"}},
	}
	results := Select(sections, TaskExtraction, tokens.Budget{MaxInput: 1000, MaxOutput: 100})

	require.Equal(t, "required financial signals", results[0].Reason)
}
