package observability

// BenchmarkResult is a single inference observation, the raw evidence the
// Model Profile Store aggregates into TaskProfiles.
type BenchmarkResult struct {
	ModelID     string  `json:"model_id"`
	TaskType    string  `json:"task_type"`
	DocumentID  string  `json:"document_id"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  string  `json:"finished_at"`
	InputTokens int     `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Error       string  `json:"error,omitempty"`
	DurationMs  float64 `json:"duration_ms"`
}

// CandidateLog is the per-candidate slice of a DecisionLog.
type CandidateLog struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
}

// DecisionLog records one routing decision, winner and rejected candidates
// alike, for audit and offline analysis.
type DecisionLog struct {
	DocumentFeatures map[string]any `json:"document_features"`
	TaskType         string         `json:"task_type"`
	Constraints      map[string]any `json:"constraints"`
	ChosenModel      string         `json:"chosen_model,omitempty"`
	Candidates       []CandidateLog `json:"candidates"`
}

// BatchLog records the outcome of one executed batch.
type BatchLog struct {
	ModelID          string `json:"model_id"`
	BatchSize        int    `json:"batch_size"`
	EstimatedTokens  int    `json:"estimated_tokens"`
	ActualTokens     int    `json:"actual_tokens"`
	GPUFreeMemoryMB  *int   `json:"gpu_free_memory_mb,omitempty"`
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	Reason           string `json:"reason"`
}

// RunSummaryEntry is the terminal record for one document's trip through the
// pipeline: which model handled it, what happened along the way, and how it
// ended up.
type RunSummaryEntry struct {
	DocumentID       string   `json:"document_id"`
	ModelID          string   `json:"model_id,omitempty"`
	RouterReason     string   `json:"router_reason,omitempty"`
	BatchEvents      int      `json:"batch_events"`
	FallbackEvents   int      `json:"fallback_events"`
	ValidationStatus string   `json:"validation_status"`
}

// PreprocessRecord captures one document-preprocessing pass (section
// extraction, normalization) for offline replay/debugging.
type PreprocessRecord struct {
	DocumentID   string `json:"document_id"`
	SectionCount int    `json:"section_count"`
	TotalTokens  int    `json:"total_tokens"`
	Error        string `json:"error,omitempty"`
}
