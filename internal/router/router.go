// Package router implements the heuristic model routing pipeline: a
// deterministic, auditable sequence of filters over candidate models that
// is tolerant of missing benchmark evidence.
package router

import (
	"fmt"
	"math"
	"sort"

	"github.com/docpipeline/core/internal/profiles"
)

// TaskType is the closed task enumeration shared across the pipeline.
type TaskType = profiles.TaskType

const (
	TaskClassification = profiles.TaskClassification
	TaskExtraction     = profiles.TaskExtraction
	TaskSummarization  = profiles.TaskSummarization
	TaskRAG            = profiles.TaskRAG
)

// DocumentFeatures summarizes the document under routing.
type DocumentFeatures struct {
	Language       string
	CharacterCount int
	TokenEstimate  int
	Sections       int
	FinancialTerms bool
}

// Constraints bound acceptable candidates.
type Constraints struct {
	MaxLatencyMs *int
	MaxTokens    *int
	HardwareSlot string
}

// CandidateModel is one routable model, optionally annotated with a
// benchmark profile. Annotations describing the router's reasoning for a
// candidate are never mutated in place on this struct: they are recorded
// in a separate, immutable CandidateAnnotation slice returned alongside
// the RoutingDecision.
type CandidateModel struct {
	ModelID           string
	Profile           *profiles.ModelProfile
	ExpectedLatencyMs *int
	ExpectedTokens    *int
	FailureRate       *float64
}

// CandidateAnnotation records the router's verdict on one candidate at one
// stage, forming the audit trail of a routing decision.
type CandidateAnnotation struct {
	ModelID string
	Reason  string
}

// RouterInputs bundles everything the router needs for one decision.
type RouterInputs struct {
	DocumentFeatures DocumentFeatures
	TaskType         TaskType
	CandidateModels  []CandidateModel
	Constraints      Constraints
	MinContextTokens int
}

// RoutingDecision is the router's output. ModelID is empty when routing
// failed; Reason explains why no candidate survived in that case.
type RoutingDecision struct {
	ModelID string
	Reason  string
}

// survivor tracks one candidate's running annotation across every filter
// stage. eligible says whether the candidate is still in contention for the
// next stage; a candidate that falls out of contention keeps its entry (and
// the reason explaining the drop) so it is never missing from the returned
// annotation log.
type survivor struct {
	candidate CandidateModel
	reason    string
	eligible  bool
}

// Route runs the three-stage filter pipeline and returns a decision plus
// the full per-candidate annotation log -- every candidate passed in gets
// exactly one entry, whether it was kept or dropped.
func Route(in RouterInputs) (RoutingDecision, []CandidateAnnotation) {
	survivors := contextFilter(in.CandidateModels, in.TaskType, in.MinContextTokens, in.DocumentFeatures.TokenEstimate)
	if !anyEligible(survivors) {
		return RoutingDecision{Reason: "no candidate survived the context filter"}, annotationsOf(survivors)
	}

	survivors = latencyFilter(survivors, in.Constraints.MaxLatencyMs)
	if !anyEligible(survivors) {
		return RoutingDecision{Reason: "no candidate survived the latency filter"}, annotationsOf(survivors)
	}

	winner := selectWinner(survivors)
	decision := RoutingDecision{
		ModelID: winner.candidate.ModelID,
		Reason:  "Selected based on " + winner.reason,
	}
	return decision, annotationsOf(survivors)
}

func annotationsOf(survivors []survivor) []CandidateAnnotation {
	out := make([]CandidateAnnotation, 0, len(survivors))
	for _, s := range survivors {
		out = append(out, CandidateAnnotation{ModelID: s.candidate.ModelID, Reason: s.reason})
	}
	return out
}

func anyEligible(survivors []survivor) bool {
	for _, s := range survivors {
		if s.eligible {
			return true
		}
	}
	return false
}

func contextFilter(candidates []CandidateModel, task TaskType, minContextTokens, docTokenEstimate int) []survivor {
	required := minContextTokens
	if docTokenEstimate > required {
		required = docTokenEstimate
	}

	out := make([]survivor, 0, len(candidates))
	for _, c := range candidates {
		if c.Profile == nil {
			out = append(out, survivor{candidate: c, reason: "no profile data; keeping candidate", eligible: true})
			continue
		}
		tp, ok := c.Profile.Tasks[task]
		if !ok {
			out = append(out, survivor{candidate: c, reason: "no profile data; keeping candidate", eligible: true})
			continue
		}
		if int(tp.Tokens) >= required {
			out = append(out, survivor{candidate: c, reason: fmt.Sprintf("context capacity %d ok", int(tp.Tokens)), eligible: true})
		} else {
			out = append(out, survivor{candidate: c, reason: fmt.Sprintf("context capacity %d insufficient", int(tp.Tokens)), eligible: false})
		}
	}
	return out
}

// latencyFilter only re-evaluates candidates still eligible after the
// context stage; a candidate already dropped keeps its context-stage
// annotation untouched.
func latencyFilter(survivors []survivor, maxLatencyMs *int) []survivor {
	if maxLatencyMs == nil {
		return survivors
	}
	out := make([]survivor, len(survivors))
	for i, s := range survivors {
		if !s.eligible {
			out[i] = s
			continue
		}
		if s.candidate.ExpectedLatencyMs == nil || *s.candidate.ExpectedLatencyMs <= *maxLatencyMs {
			out[i] = s
			continue
		}
		out[i] = survivor{
			candidate: s.candidate,
			reason:    fmt.Sprintf("latency %dms exceeds limit of %dms", *s.candidate.ExpectedLatencyMs, *maxLatencyMs),
			eligible:  false,
		}
	}
	return out
}

func selectWinner(survivors []survivor) survivor {
	eligible := make([]survivor, 0, len(survivors))
	for _, s := range survivors {
		if s.eligible {
			eligible = append(eligible, s)
		}
	}

	if len(eligible) == 1 {
		return eligible[0]
	}

	sorted := make([]survivor, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		fi, li := failureRateOrDefault(sorted[i].candidate), latencyOrDefault(sorted[i].candidate)
		fj, lj := failureRateOrDefault(sorted[j].candidate), latencyOrDefault(sorted[j].candidate)
		if fi != fj {
			return fi < fj
		}
		return li < lj
	})
	return sorted[0]
}

func failureRateOrDefault(c CandidateModel) float64 {
	if c.FailureRate == nil {
		return 1.0
	}
	return *c.FailureRate
}

func latencyOrDefault(c CandidateModel) float64 {
	if c.ExpectedLatencyMs == nil {
		return math.Inf(1)
	}
	return float64(*c.ExpectedLatencyMs)
}
