package fallback

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideRetriesDecodeAndSchemaErrorsUnderLimit(t *testing.T) {
	p := NewPolicy(2)

	d := p.Decide(ErrDecodeError, "t1", "m1", 0, "")
	require.Equal(t, ActionRetry, d.Action)
	require.Equal(t, 1, d.RetryCount)

	d = p.Decide(ErrSchemaFailure, "t1", "m1", 1, "")
	require.Equal(t, ActionRetry, d.Action)
	require.Equal(t, 2, d.RetryCount)
}

func TestDecideAbortsAtRetryLimit(t *testing.T) {
	p := NewPolicy(2)
	d := p.Decide(ErrDecodeError, "t1", "m1", 2, "")
	require.Equal(t, ActionAbort, d.Action)
}

func TestDecideNoJSONCandidateReprompts(t *testing.T) {
	p := NewPolicy(2)
	d := p.Decide(ErrNoJSONCandidate, "t1", "m1", 0, "")
	require.Equal(t, ActionRepromptStrict, d.Action)
}

func TestDecideSchemaIssuesReprompt(t *testing.T) {
	p := NewPolicy(2)
	for _, kind := range []ErrorKind{ErrMissingField, ErrTypeMismatch, ErrEnumMismatch} {
		d := p.Decide(kind, "t1", "m1", 0, "")
		require.Equal(t, ActionRepromptStrict, d.Action, "kind=%s", kind)
	}
}

func TestDecideConsistencyFailedSwitchesModelWhenAltAvailable(t *testing.T) {
	p := NewPolicy(2)
	d := p.Decide(ErrConsistencyFailed, "t1", "m1", 0, "m2")
	require.Equal(t, ActionSwitchModel, d.Action)
	require.Equal(t, "m2", d.NextModel)
}

func TestDecideConsistencyFailedShrinksContextWithoutAlt(t *testing.T) {
	p := NewPolicy(2)
	d := p.Decide(ErrConsistencyFailed, "t1", "m1", 0, "")
	require.Equal(t, ActionShrinkContext, d.Action)
}

func TestDecideUnknownKindAborts(t *testing.T) {
	p := NewPolicy(2)
	d := p.Decide(ErrorKind("something_else"), "t1", "m1", 0, "")
	require.Equal(t, ActionAbort, d.Action)
}

func TestNewPolicyDefaultsInvalidLimit(t *testing.T) {
	p := NewPolicy(0)
	require.Equal(t, DefaultRetryLimit, p.RetryLimit)
}

func TestDecideIsStateless(t *testing.T) {
	p := NewPolicy(2)
	// Calling Decide repeatedly with the same previousRetries must yield the
	// same result: the policy itself never mutates any counter.
	first := p.Decide(ErrDecodeError, "t1", "m1", 0, "")
	second := p.Decide(ErrDecodeError, "t1", "m1", 0, "")
	require.Equal(t, first, second)
}
