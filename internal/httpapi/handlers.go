package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docpipeline/core/internal/context"
	"github.com/docpipeline/core/internal/health"
	"github.com/docpipeline/core/internal/pipeline"
	"github.com/docpipeline/core/internal/queue"
	"github.com/docpipeline/core/internal/router"
)

type sectionRequest struct {
	Title      string   `json:"title"`
	Paragraphs []string `json:"paragraphs"`
}

type constraintsRequest struct {
	MaxLatencyMs *int   `json:"max_latency_ms,omitempty"`
	MaxTokens    *int   `json:"max_tokens,omitempty"`
	HardwareSlot string `json:"hardware_slot,omitempty"`
}

type taskConstraintsRequest struct {
	PreferredModel string `json:"preferred_model,omitempty"`
	MaxTokens      *int   `json:"max_tokens,omitempty"`
	GPURequired    bool   `json:"gpu_required,omitempty"`
}

// submitDocumentRequest is the wire shape for POST /v1/documents. Sections
// arrive already normalized: splitting raw documents into titled
// paragraph groups is external preprocessing, out of this API's scope.
type submitDocumentRequest struct {
	DocumentID        string                 `json:"document_id"`
	TaskType          string                 `json:"task_type"`
	Sections          []sectionRequest       `json:"sections"`
	Priority          int                    `json:"priority"`
	Deadline          *time.Time             `json:"deadline,omitempty"`
	Constraints       constraintsRequest     `json:"constraints"`
	TaskConstraints   taskConstraintsRequest `json:"task_constraints"`
	RequiredEntities  []string               `json:"required_entities,omitempty"`
	Keywords          []string               `json:"keywords,omitempty"`
	MinKeywordOverlap int                    `json:"min_keyword_overlap,omitempty"`
	ValidationSchema  json.RawMessage        `json:"validation_schema,omitempty"`
}

type submitDocumentResponse struct {
	TaskID string `json:"task_id"`
}

func handleSubmitDocument(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, bodySizeLimit)
		defer func() { _ = r.Body.Close() }()

		var req submitDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.DocumentID == "" {
			writeError(w, http.StatusBadRequest, "document_id is required")
			return
		}

		sections := make([]context.NormalizedSection, len(req.Sections))
		for i, s := range req.Sections {
			sections[i] = context.NormalizedSection{Title: s.Title, Paragraphs: s.Paragraphs}
		}

		doc := pipeline.Document{
			DocumentID: req.DocumentID,
			TaskType:   queue.TaskType(req.TaskType),
			Sections:   sections,
			Priority:   req.Priority,
			Deadline:   req.Deadline,
			Constraints: router.Constraints{
				MaxLatencyMs: req.Constraints.MaxLatencyMs,
				MaxTokens:    req.Constraints.MaxTokens,
				HardwareSlot: req.Constraints.HardwareSlot,
			},
			TaskConstraints: queue.TaskConstraints{
				PreferredModel: req.TaskConstraints.PreferredModel,
				MaxTokens:      req.TaskConstraints.MaxTokens,
				GPURequired:    req.TaskConstraints.GPURequired,
			},
			RequiredEntities:  req.RequiredEntities,
			Keywords:          req.Keywords,
			MinKeywordOverlap: req.MinKeywordOverlap,
			ValidationSchema:  []byte(req.ValidationSchema),
		}

		taskID, err := deps.Orchestrator.Submit(r.Context(), doc)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, submitDocumentResponse{TaskID: taskID})
	}
}

type documentStatusResponse struct {
	DocumentID     string `json:"document_id"`
	ModelID        string `json:"model_id,omitempty"`
	RouterReason   string `json:"router_reason,omitempty"`
	BatchEvents    int    `json:"batch_events"`
	FallbackEvents int    `json:"fallback_events"`
}

func handleDocumentStatus(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "documentID")
		status, ok := deps.Orchestrator.Status(documentID)
		if !ok {
			writeError(w, http.StatusNotFound, "no in-flight run for document "+documentID)
			return
		}
		writeJSON(w, http.StatusOK, documentStatusResponse{
			DocumentID:     status.DocumentID,
			ModelID:        status.ModelID,
			RouterReason:   status.RouterReason,
			BatchEvents:    status.BatchEvents,
			FallbackEvents: status.FallbackEvents,
		})
	}
}

func handleHealthz(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health.IsAvailable("openrouter") {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
}

func handleAdminHealth(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Health.AllStats())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
