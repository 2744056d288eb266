// Package openrouter implements the inference transport adapter used by the
// Batch Executor (C7) to invoke models through OpenRouter's chat completions
// API.
package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docpipeline/core/internal/providers"
	"github.com/docpipeline/core/internal/tracing"
)

// ErrorClass categorizes a failed inference call for the Fallback Policy.
type ErrorClass string

const (
	ErrRateLimited     ErrorClass = "rate_limited"
	ErrTransient       ErrorClass = "transient"
	ErrContextOverflow ErrorClass = "context_overflow"
	ErrOOM             ErrorClass = "oom"
	ErrFatal           ErrorClass = "fatal"
)

// ClassifiedError wraps an inference error with its classification.
type ClassifiedError struct {
	Err   error
	Class ErrorClass
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion call.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage mirrors OpenRouter's usage accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type choice struct {
	Message Message `json:"message"`
}

// Response is the decoded chat completion response.
type Response struct {
	Choices []choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Content returns the first choice's message content, or "" if there are no
// choices.
func (r Response) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Adapter talks to the OpenRouter chat completions endpoint.
type Adapter struct {
	apiKey  string
	baseURL string
	appURL  string
	appName string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAppIdentity sets the optional HTTP-Referer/X-Title headers OpenRouter
// uses to attribute traffic to a registered app.
func WithAppIdentity(appURL, appName string) Option {
	return func(a *Adapter) {
		a.appURL = appURL
		a.appName = appName
	}
}

// WithTimeout bounds how long a single Complete call may take.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// New creates an OpenRouter adapter. The client's transport is wrapped with
// OTel instrumentation so outbound inference calls propagate trace context
// and appear as child spans when tracing.Setup has been called; with no
// TracerProvider installed the wrapper is a no-op.
func New(apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Transport: tracing.HTTPTransport(nil)}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID identifies this adapter for health tracking. OpenRouter is wired as a
// single upstream, so the ID is fixed rather than per-instance.
func (a *Adapter) ID() string { return "openrouter" }

// HealthEndpoint returns the URL probed by health.Prober. A GET to /models
// requires no request body and succeeds whenever the API key is valid and
// OpenRouter is reachable.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/models" }

// Complete invokes the chat completions endpoint and returns the decoded
// response.
func (a *Adapter) Complete(ctx context.Context, req Request) (Response, error) {
	headers := map[string]string{"Authorization": "Bearer " + a.apiKey}
	if a.appURL != "" {
		headers["HTTP-Referer"] = a.appURL
	}
	if a.appName != "" {
		headers["X-Title"] = a.appName
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/chat/completions", req, headers)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, fmt.Errorf("decode openrouter response: %w", err)
	}
	return resp, nil
}

// ClassifyError inspects an error returned by Complete and assigns it an
// ErrorClass the Fallback Policy can key its decisions on.
func ClassifyError(err error) *ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return &ClassifiedError{Err: err, Class: ErrRateLimited}
		case se.StatusCode >= 500:
			return &ClassifiedError{Err: err, Class: ErrTransient}
		case strings.Contains(strings.ToLower(se.Body), "context_length_exceeded"):
			return &ClassifiedError{Err: err, Class: ErrContextOverflow}
		case strings.Contains(strings.ToUpper(se.Body), "OOM"):
			return &ClassifiedError{Err: err, Class: ErrOOM}
		}
	}
	return &ClassifiedError{Err: err, Class: ErrFatal}
}
