package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDB wraps the account store pool used by integration tests
type TestDB struct {
	Pool *pgxpool.Pool
}

// ConnString returns the test database URL.
// CPAPI_TEST_DATABASE_URL wins; otherwise it is assembled from TEST_DB_* variables.
func ConnString() string {
	if url := os.Getenv("CPAPI_TEST_DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		envOr("TEST_DB_USER", "cpapi"),
		envOr("TEST_DB_PASSWORD", "cpapi_test"),
		envOr("TEST_DB_HOST", "localhost"),
		envOr("TEST_DB_PORT", "5433"),
		envOr("TEST_DB_NAME", "cpapi_test"),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewTestDB connects to the test database or skips the test.
// The pool is closed when the test finishes.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, ConnString())
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to test database: %v", err)
		return nil
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Skipping integration test: cannot ping test database: %v", err)
		return nil
	}

	t.Cleanup(pool.Close)
	return &TestDB{Pool: pool}
}

// Truncate empties the given tables
func (db *TestDB) Truncate(t *testing.T, tables ...string) {
	t.Helper()
	for _, table := range tables {
		if _, err := db.Pool.Exec(context.Background(), fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}
