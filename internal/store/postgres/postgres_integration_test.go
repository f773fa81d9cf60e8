package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/internal/store/storetest"
)

// setupDatabase starts a throwaway PostgreSQL, runs the migrations and returns its DSN.
func setupDatabase(t *testing.T, ctx context.Context) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("stageflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { pgContainer.Terminate(context.Background()) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, Migrate(s.DB()))
	require.NoError(t, Migrate(s.DB()), "migrations are idempotent")
	return dsn
}

func TestPostgresRepository(t *testing.T) {
	ctx := context.Background()
	dsn := setupDatabase(t, ctx)

	admin, err := New(ctx, dsn)
	require.NoError(t, err)
	defer admin.Close()

	suite.Run(t, &storetest.RepositorySuite{
		NewRepository: func() store.Repository {
			s, err := New(ctx, dsn)
			require.NoError(t, err)
			return s
		},
		Cleanup: func() {
			_, err := admin.DB().ExecContext(ctx, `TRUNCATE TABLE jobs, runs CASCADE`)
			require.NoError(t, err)
		},
	})
}
