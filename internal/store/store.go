package store

import "context"

// CredentialStore persists the vault's encrypted blob so credentials survive
// a restart. This is deliberately the only persistence surface the pipeline
// keeps a SQL-backed store for: benchmark results, decisions, batch events
// and run summaries are append-only observability artifacts (see
// internal/observability), not transactional business data.
type CredentialStore interface {
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	Migrate(ctx context.Context) error
	Close() error
}
