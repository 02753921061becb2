package testutil

import (
	"testing"

	"keel-go/internal/database"
	"keel-go/internal/keel"
)

// NewTestDatabase creates an in-memory SQLite database with migrations
// applied. A nil clock uses FixedClock. The database is closed when the
// test completes.
func NewTestDatabase(t *testing.T, clock keel.Clock) *database.SQLiteDatabase {
	t.Helper()

	if clock == nil {
		clock = FixedClock()
	}
	db, err := database.NewSQLiteDatabase(":memory:", clock, NewPrefixedIDGenerator("rec"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}
