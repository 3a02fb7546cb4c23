package testutil

import (
	"testing"

	"cr-go/internal/cr"
	"cr-go/internal/database"
)

// NewTestDatabase creates an in-memory SQLite database with migrations applied.
// The database is closed when the test completes.
func NewTestDatabase(t *testing.T, clock cr.Clock) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
