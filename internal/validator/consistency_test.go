package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckEntitiesPassesWhenAllPresent(t *testing.T) {
	sig := CheckEntities("Acme Corp reported strong  Revenue   growth", []string{"acme corp", "revenue"})
	require.True(t, sig.Passed)
	require.Equal(t, 1.0, sig.Confidence)
}

func TestCheckEntitiesConfidenceDropsWithMissing(t *testing.T) {
	sig := CheckEntities("Acme Corp reported growth", []string{"acme corp", "nonexistent entity", "another missing one"})
	require.False(t, sig.Passed)
	require.InDelta(t, 1-2.0/3.0, sig.Confidence, 0.001)
}

func TestCheckEntitiesConfidenceFloorsAtPointOne(t *testing.T) {
	sig := CheckEntities("xyz", []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"})
	require.False(t, sig.Passed)
	require.Equal(t, 0.1, sig.Confidence)
}

func TestCheckEntitiesNormalizesWhitespaceAndCase(t *testing.T) {
	sig := CheckEntities("THE   quick Brown Fox", []string{"the quick brown fox"})
	require.True(t, sig.Passed)
}

func TestCheckKeywordOverlapPassesAtMinimum(t *testing.T) {
	sig := CheckKeywordOverlap("revenue grew substantially", []string{"revenue", "profit"}, 1)
	require.True(t, sig.Passed)
}

func TestCheckKeywordOverlapFailsBelowMinimum(t *testing.T) {
	sig := CheckKeywordOverlap("nothing relevant here", []string{"revenue", "profit"}, 1)
	require.False(t, sig.Passed)
	require.Equal(t, 0.0, sig.Confidence)
}

func TestCheckKeywordOverlapDefaultsMinOverlapToOne(t *testing.T) {
	sig := CheckKeywordOverlap("revenue grew", []string{"revenue"}, 0)
	require.True(t, sig.Passed)
}

func TestCheckKeywordOverlapConfidenceCapsAtOne(t *testing.T) {
	sig := CheckKeywordOverlap("revenue and profit both grew", []string{"revenue", "profit"}, 1)
	require.Equal(t, 1.0, sig.Confidence)
}

func TestEvaluateIsLogicalAnd(t *testing.T) {
	passed, signals := Evaluate("revenue grew at acme corp", []string{"acme corp"}, []string{"revenue"}, 1)
	require.True(t, passed)
	require.Len(t, signals, 2)

	passed, _ = Evaluate("nothing relevant", []string{"acme corp"}, []string{"revenue"}, 1)
	require.False(t, passed)
}
