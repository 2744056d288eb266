package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config bundles every environment-sourced setting the pipeline needs.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	// OpenRouter inference adapter.
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterAppURL  string
	OpenRouterAppName string

	// Per-task default model identifiers.
	ModelClassification string
	ModelExtraction     string
	ModelRAG            string
	ModelSummarization  string
	ModelDefault        string

	// Elasticsearch-shaped observability sink.
	ElasticsearchURL      string
	ElasticsearchAPIKey   string
	ElasticsearchUsername string
	ElasticsearchPassword string
	ElasticsearchTimeoutS int

	IndexBenchmarks string
	IndexBatch      string
	IndexRouter     string
	IndexRuns       string
	IndexPreprocess string

	ProviderTimeoutSecs int

	// Security & hardening.
	AdminToken     string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// Temporal durable batch dispatch.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// Planner defaults.
	MaxBatchSize      int
	MaxTokensPerBatch int
	MinFreeMemoryMB   int
	RetryLimit        int

	// ExecutionConcurrency bounds how many assembled batch plans a single
	// RunOnce pass dispatches in parallel.
	ExecutionConcurrency int

	CredentialsFile string
}

// LoadConfig reads every recognized environment variable and returns a
// validated Config.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("PIPELINE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("PIPELINE_LOG_LEVEL", "info"),
		DBDSN:      getEnv("PIPELINE_DB_DSN", "file:/data/docpipeline.sqlite"),

		VaultEnabled:  getEnvBool("PIPELINE_VAULT_ENABLED", true),
		VaultPassword: getEnv("PIPELINE_VAULT_PASSWORD", ""),

		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAppURL:  getEnv("OPENROUTER_APP_URL", ""),
		OpenRouterAppName: getEnv("OPENROUTER_APP_NAME", ""),

		ModelClassification: getEnv("OPENROUTER_MODEL_CLASSIFICATION", ""),
		ModelExtraction:     getEnv("OPENROUTER_MODEL_EXTRACTION", ""),
		ModelRAG:            getEnv("OPENROUTER_MODEL_RAG", ""),
		ModelSummarization:  getEnv("OPENROUTER_MODEL_SUMMARIZATION", ""),
		ModelDefault:        getEnv("OPENROUTER_MODEL_DEFAULT", ""),

		ElasticsearchURL:      getEnv("ELASTICSEARCH_URL", ""),
		ElasticsearchAPIKey:   getEnv("ELASTICSEARCH_API_KEY", ""),
		ElasticsearchUsername: getEnv("ELASTICSEARCH_USERNAME", ""),
		ElasticsearchPassword: getEnv("ELASTICSEARCH_PASSWORD", ""),
		ElasticsearchTimeoutS: getEnvInt("ELASTICSEARCH_TIMEOUT_S", 10),

		IndexBenchmarks: getEnv("ELASTICSEARCH_INDEX_BENCHMARKS", "benchmark-results"),
		IndexBatch:      getEnv("ELASTICSEARCH_INDEX_BATCH", "batch-events"),
		IndexRouter:     getEnv("ELASTICSEARCH_INDEX_ROUTER", "router-decisions"),
		IndexRuns:       getEnv("ELASTICSEARCH_INDEX_RUNS", "pipeline-run-summary"),
		IndexPreprocess: getEnv("ELASTICSEARCH_INDEX_PREPROCESS", "preprocess-records"),

		ProviderTimeoutSecs: getEnvInt("PIPELINE_PROVIDER_TIMEOUT_SECS", 120),

		AdminToken:     getEnv("PIPELINE_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("PIPELINE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("PIPELINE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("PIPELINE_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("PIPELINE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("PIPELINE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("PIPELINE_OTEL_SERVICE_NAME", "docpipeline"),

		TemporalEnabled:   getEnvBool("PIPELINE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("PIPELINE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("PIPELINE_TEMPORAL_NAMESPACE", "docpipeline"),
		TemporalTaskQueue: getEnv("PIPELINE_TEMPORAL_TASK_QUEUE", "docpipeline-batches"),

		MaxBatchSize:         getEnvInt("PIPELINE_MAX_BATCH_SIZE", 16),
		MaxTokensPerBatch:    getEnvInt("PIPELINE_MAX_TOKENS_PER_BATCH", 8192),
		MinFreeMemoryMB:      getEnvInt("PIPELINE_MIN_FREE_MEMORY_MB", 2048),
		RetryLimit:           getEnvInt("PIPELINE_RETRY_LIMIT", 2),
		ExecutionConcurrency: getEnvInt("PIPELINE_EXECUTION_CONCURRENCY", 4),

		CredentialsFile: getEnv("PIPELINE_CREDENTIALS_FILE", defaultCredentialsPath()),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("PIPELINE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("PIPELINE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("PIPELINE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("PIPELINE_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.MaxTokensPerBatch <= 0 {
		return fmt.Errorf("PIPELINE_MAX_TOKENS_PER_BATCH must be > 0, got %d", c.MaxTokensPerBatch)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("PIPELINE_RETRY_LIMIT must be >= 0, got %d", c.RetryLimit)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".docpipeline", "credentials")
	}
	return ""
}
