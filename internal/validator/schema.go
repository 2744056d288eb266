package validator

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// IssueType classifies a schema validation failure by its failing keyword.
type IssueType string

const (
	IssueMissingField   IssueType = "missing_field"
	IssueTypeMismatch   IssueType = "type_mismatch"
	IssueEnumMismatch   IssueType = "enum_mismatch"
	IssueValidationError IssueType = "validation_error"
)

// Issue is one schema validation failure.
type Issue struct {
	Message   string
	Path      string
	IssueType IssueType
}

// ValidateAgainstSchema validates value against a draft-07 JSON Schema
// document, returning one Issue per failing keyword. A nil slice means the
// document is valid.
func ValidateAgainstSchema(schemaDoc []byte, value any) ([]Issue, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	if err := compiler.AddResource("schema.json", strings.NewReader(string(schemaDoc))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	// jsonschema validates against decoded JSON values (map[string]any,
	// []any, etc); re-round-trip through encoding/json to normalize
	// whatever the caller passed in (a Go struct, a json.RawMessage, ...).
	normalized, err := normalizeValue(value)
	if err != nil {
		return nil, err
	}

	err = schema.Validate(normalized)
	if err == nil {
		return nil, nil
	}

	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Message: err.Error(), IssueType: IssueValidationError}}, nil
	}

	var issues []Issue
	collectIssues(verr, &issues)
	return issues, nil
}

func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// collectIssues flattens a jsonschema.ValidationError tree into Issues,
// classifying each leaf by its failing keyword.
func collectIssues(verr *jsonschema.ValidationError, out *[]Issue) {
	if len(verr.Causes) == 0 {
		*out = append(*out, Issue{
			Message:   verr.Message,
			Path:      schemaPath(verr.InstanceLocation),
			IssueType: issueTypeForKeyword(verr.KeywordLocation),
		})
		return
	}
	for _, cause := range verr.Causes {
		collectIssues(cause, out)
	}
}

// schemaPath renders a JSON-pointer instance location ("/a/b") as a
// dot-joined path ("a.b"); an empty location renders as the empty string.
func schemaPath(instanceLocation string) string {
	trimmed := strings.Trim(instanceLocation, "/")
	if trimmed == "" {
		return ""
	}
	return strings.ReplaceAll(trimmed, "/", ".")
}

func issueTypeForKeyword(keywordLocation string) IssueType {
	switch {
	case strings.Contains(keywordLocation, "/required"):
		return IssueMissingField
	case strings.Contains(keywordLocation, "/type"):
		return IssueTypeMismatch
	case strings.Contains(keywordLocation, "/enum"):
		return IssueEnumMismatch
	default:
		return IssueValidationError
	}
}
