package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-ai/orbit/internal/adapter/repo/postgres"
	"github.com/orbit-ai/orbit/internal/domain"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a := postgres.Fingerprint("orbit-test-key")
	b := postgres.Fingerprint("orbit-test-key")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, postgres.Fingerprint("orbit-other-key"))
	assert.NotContains(t, a, "orbit")
}

func TestAPIKeyRepo_Resolve(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	fp := postgres.Fingerprint("raw-key")
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = fp
		*(dest[1].(*string)) = "support"
		*(dest[2].(*bool)) = true
		*(dest[3].(*[]byte)) = []byte(`{"team":"cx"}`)
		*(dest[4].(*time.Time)) = now
		return nil
	}}}
	repo := postgres.NewAPIKeyRepo(pool)

	rec, err := repo.Resolve(context.Background(), "raw-key")
	require.NoError(t, err)
	assert.Equal(t, "support", rec.AdapterName)
	assert.True(t, rec.Active)
	assert.Equal(t, "cx", rec.Metadata["team"])
	// Only the fingerprint reaches the database, never the raw key.
	require.Len(t, pool.rowArgs, 1)
	assert.Equal(t, fp, pool.rowArgs[0])
}

func TestAPIKeyRepo_Resolve_Unknown(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	_, err := postgres.NewAPIKeyRepo(pool).Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAPIKeyRepo_Resolve_ScanError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return assert.AnError }}}
	_, err := postgres.NewAPIKeyRepo(pool).Resolve(context.Background(), "raw-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=apikey.resolve")
}
