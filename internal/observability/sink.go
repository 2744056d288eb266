package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Sink collects records of one kind, mirrors each one to Elasticsearch (when
// configured) as it arrives, and flushes the full accumulated set to a local
// JSON array file. Elasticsearch failures are logged and swallowed — the
// local file is the durable record; the index is best-effort.
type Sink struct {
	mu         sync.Mutex
	outputPath string
	index      string
	es         *ElasticsearchClient
	logger     *slog.Logger
	records    []any
}

// NewSink builds a Sink writing to outputPath and, if es is non-nil,
// mirroring each record into the named index.
func NewSink(outputPath, index string, es *ElasticsearchClient, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{outputPath: outputPath, index: index, es: es, logger: logger}
}

// Record appends a record to the in-memory buffer and mirrors it to
// Elasticsearch if configured.
func (s *Sink) Record(ctx context.Context, record any) {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()

	if s.es == nil {
		return
	}
	if err := s.es.IndexDocument(ctx, s.index, record); err != nil {
		s.logger.Warn("failed to index record", slog.String("index", s.index), slog.String("error", err.Error()))
	}
}

// Flush writes the accumulated records to outputPath as a JSON array,
// creating the parent directory if necessary. The write is atomic: it
// writes to a temp file in the same directory and renames over the target.
func (s *Sink) Flush() error {
	s.mu.Lock()
	records := make([]any, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()

	if s.outputPath == "" {
		return nil
	}
	dir := filepath.Dir(s.outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".observability-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.outputPath)
}

// Len returns the number of buffered records.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
