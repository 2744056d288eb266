// Package validator implements the output validator: JSON extraction from
// noisy model output, schema validation, and consistency checking against
// the source context.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?(.*?)```")
	braceSubstring      = regexp.MustCompile(`(?s)\{.*\}`)
)

// ExtractResult is the outcome of a JSON extraction attempt.
type ExtractResult struct {
	Value     any
	ErrorKind string // empty on success
}

// Extract searches text for JSON candidates in priority order: fenced
// code blocks first (if any fenced block exists, only fenced candidates
// are considered), then a whole-body brace match, then every greedy
// `{...}` substring. The first candidate that parses as JSON wins.
func Extract(text string) ExtractResult {
	candidates := candidateStrings(text)
	if len(candidates) == 0 {
		return ExtractResult{ErrorKind: "no_json_candidate"}
	}

	var firstErr error
	for _, candidate := range candidates {
		var value any
		if err := json.Unmarshal([]byte(candidate), &value); err == nil {
			return ExtractResult{Value: value}
		} else if firstErr == nil {
			firstErr = err
		}
	}

	return ExtractResult{ErrorKind: fmt.Sprintf("decode_error:%s", firstErr)}
}

func candidateStrings(text string) []string {
	if fenced := fencedBlockPattern.FindAllStringSubmatch(text, -1); len(fenced) > 0 {
		candidates := make([]string, 0, len(fenced))
		for _, m := range fenced {
			candidates = append(candidates, strings.TrimSpace(m[1]))
		}
		return candidates
	}

	var candidates []string
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		candidates = append(candidates, trimmed)
	}
	candidates = append(candidates, braceSubstring.FindAllString(text, -1)...)
	return candidates
}
