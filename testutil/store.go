package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/bilirelay/crypto"
	"github.com/onnwee/bilirelay/db"
)

// NewStore returns a migrated SQLite-backed store in a temp directory.
// sealer may be nil for plaintext tokens.
func NewStore(t *testing.T, sealer crypto.Sealer) *db.Store {
	t.Helper()
	database, err := db.Connect(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.RunMigrations(database, db.DriverSQLite); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db.NewStore(database, db.DriverSQLite, sealer)
}

// PostgresStore connects to TEST_PG_DSN and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func PostgresStore(t *testing.T) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(context.Background(), db.DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.RunMigrations(database, db.DriverPostgres); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db.NewStore(database, db.DriverPostgres, nil)
}
