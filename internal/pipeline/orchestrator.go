// Package pipeline drives a document through the linear stage machine
// that ties the routing, queueing, batching, execution and validation
// components together: collect -> preprocess -> route -> batch -> infer
// -> validate.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docpipeline/core/internal/batch"
	pipelinecontext "github.com/docpipeline/core/internal/context"
	"github.com/docpipeline/core/internal/executor"
	"github.com/docpipeline/core/internal/fallback"
	"github.com/docpipeline/core/internal/gpuprobe"
	"github.com/docpipeline/core/internal/metrics"
	"github.com/docpipeline/core/internal/observability"
	"github.com/docpipeline/core/internal/profiles"
	"github.com/docpipeline/core/internal/providers/openrouter"
	"github.com/docpipeline/core/internal/queue"
	"github.com/docpipeline/core/internal/router"
	"github.com/docpipeline/core/internal/tokens"
	"github.com/docpipeline/core/internal/validator"
)

// Dispatcher executes one assembled batch plan, either durably (Temporal)
// or in-process, and reports per-(sub)plan outcomes. *workflow.Dispatcher
// satisfies this.
type Dispatcher interface {
	Dispatch(ctx context.Context, plan batch.BatchPlan) ([]executor.BatchResult, error)
}

// Document is one unit of work entering the orchestrator. Preprocessing
// (ingestion, chunking into NormalizedSections) happens upstream; this is
// the external interface's only concern with it.
type Document struct {
	DocumentID        string
	TaskType          queue.TaskType
	Sections          []pipelinecontext.NormalizedSection
	Priority          int
	Deadline          *time.Time
	Constraints       router.Constraints
	TaskConstraints   queue.TaskConstraints
	RequiredEntities  []string
	Keywords          []string
	MinKeywordOverlap int
	ValidationSchema  []byte
}

// taskContext is the per-task bookkeeping the orchestrator needs between
// Submit (where the prompt is assembled) and the batch execution loop
// (where the prompt is actually sent for inference).
type taskContext struct {
	documentID        string
	taskType          queue.TaskType
	prompt            string
	requiredEntities  []string
	keywords          []string
	minKeywordOverlap int
	schema            []byte
	retries           int
}

// runSummary accumulates the terminal observability record for one
// document's trip through the pipeline.
type runSummary struct {
	modelID          string
	routerReason     string
	batchEvents      int
	fallbackEvents   int
	validationStatus string
	taskType         queue.TaskType
	started          time.Time
}

// Config bundles everything the orchestrator needs beyond its component
// dependencies.
type Config struct {
	Candidates       []router.CandidateModel
	MinContextTokens int
	DefaultBudget    tokens.Budget
	PlannerCaps      batch.PlannerCaps
	RetryLimit       int

	// Concurrency bounds how many assembled batch plans RunOnce dispatches
	// in parallel. Plans target independent models/GPUs and share no
	// mutable state but sinks/profileStore/queue (all already guarded by
	// their own locks), so dispatching them concurrently is safe. Values
	// less than 1 are treated as 1 (sequential).
	Concurrency int
}

// Sinks bundles the per-kind observability sinks the orchestrator writes
// to. Each record kind gets its own output file/index (decisions,
// batches, benchmarks, run summaries) rather than one mixed stream, so
// each can be reindexed/retained independently downstream.
type Sinks struct {
	Decisions  *observability.Sink
	Batches    *observability.Sink
	Benchmarks *observability.Sink
	Runs       *observability.Sink
}

// Orchestrator wires C1-C8 into one linear pipeline.
type Orchestrator struct {
	cfg Config

	profileStore   *profiles.Store
	queue          *queue.Queue
	gpuSampler     gpuprobe.Sampler
	dispatcher     Dispatcher
	adapter        *openrouter.Adapter
	fallbackPolicy fallback.Policy
	sinks          Sinks
	logger         *slog.Logger
	metrics        *metrics.Registry // nil disables metrics recording

	mu    sync.Mutex
	tasks map[string]*taskContext
	runs  map[string]*runSummary

	stop chan struct{}
	done chan struct{}
}

// New creates an Orchestrator. profileStore, q, every Sinks field, and
// adapter must be non-nil; gpuSampler may be gpuprobe.NoopSampler{} when
// GPU-aware downsizing is not available. dispatcher may be nil if the
// caller needs to build it from this Orchestrator's Infer/Fallback methods
// first (the usual case, since *workflow.Dispatcher wraps an *executor.Executor
// built from those two methods); set it afterwards with SetDispatcher.
func New(cfg Config, profileStore *profiles.Store, q *queue.Queue, gpuSampler gpuprobe.Sampler, dispatcher Dispatcher, adapter *openrouter.Adapter, sinks Sinks, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:            cfg,
		profileStore:   profileStore,
		queue:          q,
		gpuSampler:     gpuSampler,
		dispatcher:     dispatcher,
		adapter:        adapter,
		fallbackPolicy: fallback.NewPolicy(cfg.RetryLimit),
		sinks:          sinks,
		logger:         logger,
		tasks:          make(map[string]*taskContext),
		runs:           make(map[string]*runSummary),
	}
}

// SetDispatcher assigns the batch dispatcher after construction, for the
// common case where the dispatcher itself wraps this Orchestrator's
// Infer/Fallback methods and so cannot be built before New returns.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

// SetMetrics attaches a Prometheus registry the orchestrator records
// document/routing/batch/fallback/validation/GPU observations to. Metrics
// recording is entirely skipped when none is set, so tests and callers
// that don't care about /metrics can omit this.
func (o *Orchestrator) SetMetrics(m *metrics.Registry) {
	o.metrics = m
}

// Submit runs a document through context selection and routing, and
// enqueues the resulting task for batch execution. It returns the
// generated task ID, or an error if no candidate model survived routing
// (in which case a terminal run summary has already been recorded).
func (o *Orchestrator) Submit(ctx context.Context, doc Document) (string, error) {
	selected := pipelinecontext.Select(doc.Sections, pipelinecontext.TaskType(doc.TaskType), o.cfg.DefaultBudget)

	var promptParts []string
	tokenEstimate := 0
	for _, s := range selected {
		if s.TokenEstimate == 0 {
			continue
		}
		promptParts = append(promptParts, s.Section.Title+"\n"+strings.Join(s.Section.Paragraphs, "\n"))
		tokenEstimate += s.TokenEstimate
	}
	prompt := strings.Join(promptParts, "\n\n")

	candidates := o.annotatedCandidates()
	decision, annotations := router.Route(router.RouterInputs{
		DocumentFeatures: router.DocumentFeatures{
			TokenEstimate: tokenEstimate,
			Sections:      len(selected),
		},
		TaskType:         router.TaskType(doc.TaskType),
		CandidateModels:  candidates,
		Constraints:      doc.Constraints,
		MinContextTokens: o.cfg.MinContextTokens,
	})

	o.recordDecision(ctx, doc, tokenEstimate, decision, annotations)

	o.mu.Lock()
	o.runs[doc.DocumentID] = &runSummary{
		modelID:      decision.ModelID,
		routerReason: decision.Reason,
		taskType:     doc.TaskType,
		started:      time.Now(),
	}
	o.mu.Unlock()

	if decision.ModelID == "" {
		o.finishRun(ctx, doc.DocumentID, "routing_failed")
		return "", fmt.Errorf("routing failed for document %s: %s", doc.DocumentID, decision.Reason)
	}

	taskID := uuid.NewString()
	task := queue.LlmTask{
		Priority:      doc.Priority,
		Deadline:      doc.Deadline,
		TaskID:        taskID,
		DocID:         doc.DocumentID,
		TaskType:      doc.TaskType,
		TargetModel:   decision.ModelID,
		TokenEstimate: tokenEstimate,
		Constraints:   doc.TaskConstraints,
	}
	o.queue.Add(task)

	o.mu.Lock()
	o.tasks[taskID] = &taskContext{
		documentID:        doc.DocumentID,
		taskType:          doc.TaskType,
		prompt:            prompt,
		requiredEntities:  doc.RequiredEntities,
		keywords:          doc.Keywords,
		minKeywordOverlap: doc.MinKeywordOverlap,
		schema:            doc.ValidationSchema,
	}
	o.mu.Unlock()

	return taskID, nil
}

// RunStatus is a snapshot of a document's in-flight progress through the
// pipeline. It only exists while the run is open; once the terminal
// RunSummaryEntry is emitted the bookkeeping is dropped; the run's outcome
// lives in the runs observability sink/index from then on, not in memory.
type RunStatus struct {
	DocumentID     string
	ModelID        string
	RouterReason   string
	BatchEvents    int
	FallbackEvents int
}

// Status reports the in-flight state of a document's run, if one is still
// open. The bool is false once the document has reached a terminal state
// or was never submitted.
func (o *Orchestrator) Status(documentID string) (RunStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[documentID]
	if !ok {
		return RunStatus{}, false
	}
	return RunStatus{
		DocumentID:     documentID,
		ModelID:        run.modelID,
		RouterReason:   run.routerReason,
		BatchEvents:    run.batchEvents,
		FallbackEvents: run.fallbackEvents,
	}, true
}

func (o *Orchestrator) annotatedCandidates() []router.CandidateModel {
	snapshot := o.profileStore.Snapshot()
	out := make([]router.CandidateModel, len(o.cfg.Candidates))
	for i, c := range o.cfg.Candidates {
		if profile, ok := snapshot[c.ModelID]; ok {
			p := profile
			c.Profile = &p
		}
		out[i] = c
	}
	return out
}

func (o *Orchestrator) recordDecision(ctx context.Context, doc Document, tokenEstimate int, decision router.RoutingDecision, annotations []router.CandidateAnnotation) {
	candidateLogs := make([]observability.CandidateLog, 0, len(annotations))
	for _, a := range annotations {
		candidateLogs = append(candidateLogs, observability.CandidateLog{ModelID: a.ModelID, Reason: a.Reason})
	}
	o.sinks.Decisions.Record(ctx, observability.DecisionLog{
		DocumentFeatures: map[string]any{"token_estimate": tokenEstimate},
		TaskType:         string(doc.TaskType),
		Constraints:      map[string]any{"max_latency_ms": doc.Constraints.MaxLatencyMs},
		ChosenModel:      decision.ModelID,
		Candidates:       candidateLogs,
	})

	if o.metrics != nil {
		outcome := "routed"
		if decision.ModelID == "" {
			outcome = "no_candidate"
		}
		o.metrics.RoutingTotal.WithLabelValues(string(doc.TaskType), outcome).Inc()
	}
}

// Start begins the periodic drain-plan-execute loop in a goroutine.
func (o *Orchestrator) Start(interval time.Duration, batchSize int) {
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.run(interval, batchSize)
}

// Stop signals the loop to stop and waits for it to finish.
func (o *Orchestrator) Stop() {
	if o.stop == nil {
		return
	}
	close(o.stop)
	<-o.done
}

func (o *Orchestrator) run(interval time.Duration, batchSize int) {
	defer close(o.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.RunOnce(context.Background(), batchSize)
		case <-o.stop:
			return
		}
	}
}

// RunOnce drains up to batchSize pending tasks, assembles batch plans,
// dispatches each, and records the resulting observability artifacts. It
// returns the number of plans dispatched.
func (o *Orchestrator) RunOnce(ctx context.Context, batchSize int) int {
	pending := o.queue.PopNextBatch(batchSize, nil)
	if len(pending) == 0 {
		return 0
	}

	plans := batch.Plan(ctx, pending, o.cfg.PlannerCaps, o.gpuSampler)
	o.executePlans(ctx, plans)
	return len(plans)
}

// executePlans dispatches every plan concurrently, bounded by a fixed-size
// worker pool (cfg.Concurrency workers, minimum 1) so one RunOnce pass
// doesn't serialize independent models/GPUs behind each other. The fan-out
// shape mirrors health.Prober.probeAll's bounded goroutine sweep: a
// semaphore channel caps how many plans are in flight while a WaitGroup
// blocks until every plan (successful or not) has been recorded.
func (o *Orchestrator) executePlans(ctx context.Context, plans []batch.BatchPlan) {
	workers := o.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, plan := range plans {
		wg.Add(1)
		sem <- struct{}{}
		go func(plan batch.BatchPlan) {
			defer wg.Done()
			defer func() { <-sem }()
			o.executePlan(ctx, plan)
		}(plan)
	}
	wg.Wait()
}

func (o *Orchestrator) executePlan(ctx context.Context, plan batch.BatchPlan) {
	results, err := o.dispatcher.Dispatch(ctx, plan)
	if err != nil {
		o.logger.Error("pipeline: dispatch failed", slog.String("model", plan.ModelID), slog.String("error", err.Error()))
		return
	}

	for _, r := range results {
		var gpuFree *int
		if statuses := o.gpuSampler.Sample(ctx); len(statuses) > 0 {
			free := statuses[0].FreeMB
			gpuFree = &free
			if o.metrics != nil {
				for _, st := range statuses {
					o.metrics.GPUFreeMemoryMB.WithLabelValues(fmt.Sprintf("%d", st.Index)).Set(float64(st.FreeMB))
				}
			}
		}

		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		o.sinks.Batches.Record(ctx, observability.BatchLog{
			ModelID:         r.Plan.ModelID,
			BatchSize:       len(r.Plan.Tasks),
			EstimatedTokens: r.Plan.TotalTokens,
			ActualTokens:    r.Plan.TotalTokens,
			GPUFreeMemoryMB: gpuFree,
			Success:         r.Success,
			Error:           errMsg,
			Reason:          r.Plan.Reason,
		})

		if o.metrics != nil {
			outcome := "success"
			if !r.Success {
				outcome = "failure"
			}
			o.metrics.BatchesTotal.WithLabelValues(r.Plan.ModelID, outcome).Inc()
			o.metrics.BatchSize.Observe(float64(len(r.Plan.Tasks)))
		}

		for _, t := range r.Plan.Tasks {
			o.mu.Lock()
			run, ok := o.runs[t.DocID]
			if ok {
				run.batchEvents++
			}
			o.mu.Unlock()

			if r.Success {
				continue
			}
			o.finishRun(ctx, t.DocID, "execution_failed")
		}
	}
}

// Infer is the InferenceFunc the Executor is constructed with. It is
// exported so cmd/pipelined can wire
// executor.NewExecutor(orchestrator.Infer, orchestrator.Fallback).
func (o *Orchestrator) Infer(ctx context.Context, plan batch.BatchPlan) error {
	var failures []error

	for _, task := range plan.Tasks {
		o.mu.Lock()
		tc, ok := o.tasks[task.TaskID]
		o.mu.Unlock()
		if !ok {
			continue
		}

		err := o.inferOneTask(ctx, task, tc)
		if err == nil {
			continue
		}
		if strings.Contains(strings.ToUpper(err.Error()), "OOM") {
			// An OOM classification means the plan itself must split; return
			// immediately so the executor can split it. The executor re-runs
			// both halves in full, so tasks already completed in this call
			// are inferred again.
			return err
		}
		failures = append(failures, err)
	}

	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("pipeline: %d task(s) failed in batch: %s", len(failures), failures[0])
}

// inferOneTask runs one task's model call, extraction, schema and
// consistency validation, applying the fallback policy's retry/reprompt
// guidance inline until the task passes or is aborted.
func (o *Orchestrator) inferOneTask(ctx context.Context, task queue.LlmTask, tc *taskContext) error {
	started := time.Now()
	modelID := task.EffectiveModel()
	prompt := tc.prompt
	kind := fallback.ErrorKind("")

	for {
		resp, err := o.adapter.Complete(ctx, openrouter.Request{
			Model:    modelID,
			Messages: []openrouter.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			classified := openrouter.ClassifyError(err)
			if classified.Class == openrouter.ErrOOM {
				return fmt.Errorf("OOM: %w", err)
			}
			o.recordBenchmark(ctx, modelID, tc, started, 0, 0, err.Error())
			return err
		}

		extracted := validator.Extract(resp.Content())
		if extracted.ErrorKind != "" {
			kind = classifyExtractError(extracted.ErrorKind)
		} else if len(tc.schema) > 0 {
			issues, schemaErr := validator.ValidateAgainstSchema(tc.schema, extracted.Value)
			if schemaErr != nil {
				o.recordBenchmark(ctx, modelID, tc, started, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, schemaErr.Error())
				return schemaErr
			}
			if len(issues) > 0 {
				kind = classifyIssueType(issues[0].IssueType)
			}
		}

		if kind == "" && (len(tc.requiredEntities) > 0 || len(tc.keywords) > 0) {
			passed, _ := validator.Evaluate(prompt, tc.requiredEntities, tc.keywords, tc.minKeywordOverlap)
			if !passed {
				kind = fallback.ErrConsistencyFailed
			}
		}

		if kind == "" {
			if o.metrics != nil {
				o.metrics.ValidationTotal.WithLabelValues("").Inc()
			}
			o.recordBenchmark(ctx, modelID, tc, started, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, "")
			o.finishRun(ctx, tc.documentID, "validated")
			return nil
		}
		if o.metrics != nil {
			o.metrics.ValidationTotal.WithLabelValues(string(kind)).Inc()
		}

		o.mu.Lock()
		retries := tc.retries
		o.mu.Unlock()

		action := o.fallbackPolicy.Decide(kind, task.TaskID, modelID, retries, "")
		o.recordFallback(ctx, tc.documentID)
		if o.metrics != nil {
			o.metrics.FallbackTotal.WithLabelValues(string(action.Action)).Inc()
		}

		// The policy is stateless and reports the same previousRetries
		// back for every non-retry action; the orchestrator is the sole
		// authority over the counter; bumping it here on every
		// non-terminal action (not just ActionRetry) is what guarantees
		// reprompt/shrink/switch loops terminate once retryLimit is hit.
		switch action.Action {
		case fallback.ActionRetry:
			o.mu.Lock()
			tc.retries = action.RetryCount
			o.mu.Unlock()
			kind = ""
			continue
		case fallback.ActionRepromptStrict:
			prompt = prompt + "\n\nRespond with ONLY a single valid JSON object."
			o.bumpRetries(tc)
			kind = ""
			continue
		case fallback.ActionShrinkContext:
			prompt = shrinkPrompt(prompt)
			o.bumpRetries(tc)
			kind = ""
			continue
		case fallback.ActionSwitchModel:
			modelID = action.NextModel
			o.bumpRetries(tc)
			kind = ""
			continue
		default: // ActionAbort
			o.recordBenchmark(ctx, modelID, tc, started, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, string(kind))
			o.finishRun(ctx, tc.documentID, string(kind))
			return fmt.Errorf("task %s aborted: %s", task.TaskID, kind)
		}
	}
}

// Fallback is the FallbackSink the Executor is constructed with. By the
// time the executor invokes it, Infer has already classified and acted on
// every per-task failure it could recover from inline (retry, reprompt,
// shrink, switch model); a plan only reaches here when Infer returned a
// non-OOM error it couldn't resolve, or an inference transport error
// (rate-limited, transient, fatal) struck before any task-level recovery
// was possible. Any tasks in plan still tracked as in-flight are closed
// out as aborted so no document is left without a terminal run summary.
func (o *Orchestrator) Fallback(ctx context.Context, plan batch.BatchPlan, err error) {
	o.logger.Warn("pipeline: batch fallback", slog.String("model", plan.ModelID), slog.String("error", err.Error()))
	for _, task := range plan.Tasks {
		o.mu.Lock()
		_, stillTracked := o.runs[task.DocID]
		o.mu.Unlock()
		if stillTracked {
			o.finishRun(ctx, task.DocID, "execution_failed")
		}
	}
}

func (o *Orchestrator) recordBenchmark(ctx context.Context, modelID string, tc *taskContext, started time.Time, inputTokens, outputTokens int, errMsg string) {
	finished := time.Now()
	o.sinks.Benchmarks.Record(ctx, observability.BenchmarkResult{
		ModelID:      modelID,
		TaskType:     string(tc.taskType),
		DocumentID:   tc.documentID,
		StartedAt:    started.UTC().Format(time.RFC3339),
		FinishedAt:   finished.UTC().Format(time.RFC3339),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Error:        errMsg,
		DurationMs:   float64(finished.Sub(started).Milliseconds()),
	})
	o.profileStore.Ingest([]profiles.BenchmarkResult{{
		ModelID:      modelID,
		TaskType:     profiles.TaskType(tc.taskType),
		Started:      started,
		Finished:     finished,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Error:        errMsg,
	}})
}

func (o *Orchestrator) bumpRetries(tc *taskContext) {
	o.mu.Lock()
	tc.retries++
	o.mu.Unlock()
}

func (o *Orchestrator) recordFallback(ctx context.Context, documentID string) {
	o.mu.Lock()
	if run, ok := o.runs[documentID]; ok {
		run.fallbackEvents++
	}
	o.mu.Unlock()
}

// finishRun emits the terminal RunSummaryEntry for a document and drops
// its bookkeeping.
func (o *Orchestrator) finishRun(ctx context.Context, documentID, status string) {
	o.mu.Lock()
	run, ok := o.runs[documentID]
	if ok {
		run.validationStatus = status
		delete(o.runs, documentID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	o.sinks.Runs.Record(ctx, observability.RunSummaryEntry{
		DocumentID:       documentID,
		ModelID:          run.modelID,
		RouterReason:     run.routerReason,
		BatchEvents:      run.batchEvents,
		FallbackEvents:   run.fallbackEvents,
		ValidationStatus: status,
	})

	if o.metrics != nil {
		o.metrics.DocumentsTotal.WithLabelValues(status).Inc()
		if !run.started.IsZero() {
			o.metrics.PipelineLatency.WithLabelValues(string(run.taskType)).Observe(float64(time.Since(run.started).Milliseconds()))
		}
	}
}

func classifyExtractError(errorKind string) fallback.ErrorKind {
	if errorKind == "no_json_candidate" {
		return fallback.ErrNoJSONCandidate
	}
	return fallback.ErrDecodeError
}

func classifyIssueType(t validator.IssueType) fallback.ErrorKind {
	switch t {
	case validator.IssueMissingField:
		return fallback.ErrMissingField
	case validator.IssueTypeMismatch:
		return fallback.ErrTypeMismatch
	case validator.IssueEnumMismatch:
		return fallback.ErrEnumMismatch
	default:
		return fallback.ErrSchemaFailure
	}
}

// shrinkPrompt halves the prompt's length, cutting from the front: later
// context (often the most recently relevant section) is kept. Prompts
// shorter than 200 bytes are returned unchanged.
func shrinkPrompt(prompt string) string {
	if len(prompt) < 200 {
		return prompt
	}
	return prompt[len(prompt)/2:]
}
