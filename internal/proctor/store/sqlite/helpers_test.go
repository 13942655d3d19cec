package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	dbpkg "github.com/invigil-io/invigil/internal/db"
)

// openTestDB opens a private in-memory database, runs migrations, and
// starts a write worker.  The DSN is keyed on the test name so parallel
// tests never share state.
func openTestDB(t *testing.T) (*sql.DB, *dbpkg.Worker) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)

	if err := dbpkg.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	w := dbpkg.NewWorker(db)
	t.Cleanup(func() {
		w.Close()
		db.Close()
	})
	return db, w
}
