package validator

import (
	"regexp"
	"strings"
)

// ConsistencySignal is one consistency check's verdict.
type ConsistencySignal struct {
	Name       string
	Passed     bool
	Confidence float64
	Reason     string
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalize collapses whitespace runs and lowercases text, the canonical
// form both consistency checks compare against.
func normalize(text string) string {
	return strings.ToLower(whitespaceRun.ReplaceAllString(strings.TrimSpace(text), " "))
}

// CheckEntities verifies that every entity in requiredEntities appears in
// context after normalization. Confidence is 1 on a full pass, else
// max(0.1, 1 - missing/total).
func CheckEntities(context string, requiredEntities []string) ConsistencySignal {
	if len(requiredEntities) == 0 {
		return ConsistencySignal{Name: "required_entities", Passed: true, Confidence: 1, Reason: "no required entities"}
	}

	normalizedContext := normalize(context)
	missing := 0
	for _, entity := range requiredEntities {
		if !strings.Contains(normalizedContext, normalize(entity)) {
			missing++
		}
	}

	total := len(requiredEntities)
	if missing == 0 {
		return ConsistencySignal{Name: "required_entities", Passed: true, Confidence: 1, Reason: "all required entities present"}
	}

	confidence := 1 - float64(missing)/float64(total)
	if confidence < 0.1 {
		confidence = 0.1
	}
	return ConsistencySignal{
		Name:       "required_entities",
		Passed:     false,
		Confidence: confidence,
		Reason:     "missing required entities",
	}
}

// CheckKeywordOverlap counts keywords present in the normalized context and
// passes iff overlap >= minOverlap (default 1 when minOverlap <= 0).
// Confidence is min(1, overlap/max(1, minOverlap)).
func CheckKeywordOverlap(context string, keywords []string, minOverlap int) ConsistencySignal {
	if minOverlap <= 0 {
		minOverlap = 1
	}

	normalizedContext := normalize(context)
	overlap := 0
	for _, kw := range keywords {
		if strings.Contains(normalizedContext, normalize(kw)) {
			overlap++
		}
	}

	denominator := minOverlap
	confidence := float64(overlap) / float64(denominator)
	if confidence > 1 {
		confidence = 1
	}

	passed := overlap >= minOverlap
	reason := "sufficient keyword overlap"
	if !passed {
		reason = "insufficient keyword overlap"
	}
	return ConsistencySignal{
		Name:       "keyword_overlap",
		Passed:     passed,
		Confidence: confidence,
		Reason:     reason,
	}
}

// Evaluate combines the two consistency signals by logical AND. A failure
// of either signal surfaces error_kind "consistency_failed" upstream.
func Evaluate(context string, requiredEntities, keywords []string, minOverlap int) (bool, []ConsistencySignal) {
	entitySignal := CheckEntities(context, requiredEntities)
	keywordSignal := CheckKeywordOverlap(context, keywords, minOverlap)
	return entitySignal.Passed && keywordSignal.Passed, []ConsistencySignal{entitySignal, keywordSignal}
}
