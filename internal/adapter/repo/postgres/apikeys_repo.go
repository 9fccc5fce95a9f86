package postgres

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/orbit-ai/orbit/internal/domain"
)

// Fingerprint derives the stored lookup value from a raw API key. Raw keys
// never touch the database or the logs.
func Fingerprint(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:16])
}

// APIKeyRepo resolves API keys to adapter bindings.
type APIKeyRepo struct{ Pool PgxPool }

// NewAPIKeyRepo constructs an APIKeyRepo with the given pool.
func NewAPIKeyRepo(p PgxPool) *APIKeyRepo { return &APIKeyRepo{Pool: p} }

// Resolve looks a raw key up by fingerprint.
func (r *APIKeyRepo) Resolve(ctx domain.Context, rawKey string) (domain.APIKeyRecord, error) {
	tracer := otel.Tracer("repo.apikeys")
	ctx, span := tracer.Start(ctx, "apikeys.Resolve")
	defer span.End()

	fp := Fingerprint(rawKey)
	q := `SELECT fingerprint, adapter_name, active, metadata, created_at FROM api_keys WHERE fingerprint=$1`
	row := r.Pool.QueryRow(ctx, q, fp)
	var rec domain.APIKeyRecord
	var meta []byte
	if err := row.Scan(&rec.Fingerprint, &rec.AdapterName, &rec.Active, &meta, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APIKeyRecord{}, fmt.Errorf("op=apikey.resolve: %w", domain.ErrUnauthorized)
		}
		return domain.APIKeyRecord{}, fmt.Errorf("op=apikey.resolve: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return domain.APIKeyRecord{}, fmt.Errorf("op=apikey.resolve: %w", err)
		}
	}
	return rec, nil
}
