package testutil

import (
	"testing"

	"drivesync/internal/database"
	"drivesync/internal/ds"
)

// NewTestDatabase creates a new in-memory SQLite database with migrations applied.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T, clock ds.Clock) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	if _, err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	return db
}
