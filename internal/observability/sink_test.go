package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSinkFlushWritesJSONArray(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "nested", "benchmarks.json")
	s := NewSink(out, "benchmark-results", nil, nil)

	s.Record(context.Background(), BenchmarkResult{ModelID: "m1", TaskType: "extraction", DurationMs: 12.5})
	s.Record(context.Background(), BenchmarkResult{ModelID: "m2", TaskType: "summarization", DurationMs: 30})

	require.Equal(t, 2, s.Len())
	require.NoError(t, s.Flush())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got []BenchmarkResult
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	require.Equal(t, "m1", got[0].ModelID)
}

func TestSinkFlushWithNoRecordsStillWritesEmptyArray(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "runs.json")
	s := NewSink(out, "pipeline-run-summary", nil, nil)

	require.NoError(t, s.Flush())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))
}

func TestSinkMirrorsToElasticsearch(t *testing.T) {
	var received int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
		require.Equal(t, "/batch-events/_doc", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	es := NewElasticsearchClient(ElasticsearchConfig{BaseURL: srv.URL})
	require.NotNil(t, es)

	s := NewSink(filepath.Join(t.TempDir(), "batch.json"), "batch-events", es, nil)
	s.Record(context.Background(), BatchLog{ModelID: "m1", BatchSize: 2, Success: true, Reason: "sealed: size cap"})

	require.Equal(t, 1, received)
}

func TestSinkSwallowsElasticsearchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	es := NewElasticsearchClient(ElasticsearchConfig{BaseURL: srv.URL})
	s := NewSink(filepath.Join(t.TempDir(), "batch.json"), "batch-events", es, nil)

	require.NotPanics(t, func() {
		s.Record(context.Background(), BatchLog{ModelID: "m1", Success: false, Error: "OOM"})
	})
	require.Equal(t, 1, s.Len())
}

func TestNewElasticsearchClientNilWhenUnconfigured(t *testing.T) {
	require.Nil(t, NewElasticsearchClient(ElasticsearchConfig{}))
}

func TestElasticsearchClientAPIKeyAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	es := NewElasticsearchClient(ElasticsearchConfig{BaseURL: srv.URL, APIKey: "secret"})
	require.NoError(t, es.IndexDocument(context.Background(), "router-decisions", DecisionLog{TaskType: "rag"}))
	require.Equal(t, "ApiKey secret", gotAuth)
}
