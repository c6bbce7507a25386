package testutil

import (
	"database/sql"
	"testing"

	"shopsync/lib/telemetry"

	_ "modernc.org/sqlite"
)

// OpenSqlite returns a private in-memory database that is closed with the
// test. schema may be empty.
func OpenSqlite(t testing.TB, schema string) *sql.DB {
	t.Helper()
	telemetry.SetupForTesting(t)

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// each connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
	})

	if schema != "" {
		_, err = db.Exec(schema)
		if err != nil {
			t.Fatal(err)
		}
	}
	return db
}
