// Package database provides shared database helpers for tests.
package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/probehound/probehound/pkg/database"
)

// NewTestClient creates a migrated SQLite store in a per-test temp
// directory. The connection is closed when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	path := filepath.Join(t.TempDir(), "probehound-test.db")
	client, err := database.NewClient(context.Background(), database.Config{
		URL: "sqlite://" + path,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("failed to close test database: %v", err)
		}
	})
	return client
}

// NewPostgresTestClient creates a migrated PostgreSQL store.
// In CI (when CI_DATABASE_URL is set): connects to the external service
// container. Otherwise: spins up a testcontainer, skipping the test when
// Docker is unavailable.
func NewPostgresTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("probehound_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			t.Skipf("skipping: could not start postgres container: %v", err)
		}

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	client, err := database.NewClient(ctx, database.Config{
		URL:          connStr,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("failed to close test database: %v", err)
		}
	})
	return client
}
