// Package observability persists the pipeline's append-only evidence records
// (benchmark results, routing decisions, batch events, run summaries) to a
// local JSON file and, optionally, to an Elasticsearch-shaped HTTP index.
package observability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ElasticsearchConfig configures the HTTP index client.
type ElasticsearchConfig struct {
	BaseURL   string
	APIKey    string
	Username  string
	Password  string
	TimeoutS  int
}

// ElasticsearchClient is a minimal client for the Elasticsearch document
// index API. No example repository in the corpus imports a dedicated
// Elasticsearch client library, so this talks to the `_doc` endpoint
// directly over net/http — the same surface the pipeline's Python
// predecessor used via urllib.
type ElasticsearchClient struct {
	baseURL string
	headers map[string]string
	client  *http.Client
}

// NewElasticsearchClient builds a client from config. Returns nil if BaseURL
// is empty — callers treat a nil client as "Elasticsearch not configured".
func NewElasticsearchClient(cfg ElasticsearchConfig) *ElasticsearchClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil
	}
	timeout := cfg.TimeoutS
	if timeout <= 0 {
		timeout = 10
	}
	headers := map[string]string{"Content-Type": "application/json"}
	switch {
	case cfg.APIKey != "":
		headers["Authorization"] = "ApiKey " + cfg.APIKey
	case cfg.Username != "" && cfg.Password != "":
		token := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers["Authorization"] = "Basic " + token
	}
	return &ElasticsearchClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: headers,
		client:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

// IndexDocument POSTs document to <base_url>/<index>/_doc.
func (c *ElasticsearchClient) IndexDocument(ctx context.Context, index string, document any) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	url := fmt.Sprintf("%s/%s/_doc", c.baseURL, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("elasticsearch unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("elasticsearch rejected document (status %d): %s", resp.StatusCode, respBody)
	}
	return nil
}
