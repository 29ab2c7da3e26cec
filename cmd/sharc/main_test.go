package main

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/sharclabs/sharc"
	"github.com/sharclabs/sharc/internal/record"
)

// TestSharcWriteSQLiteRead is the external-oracle test SPEC_FULL.md's Test
// tooling section calls for: a table is created with real SQLite (this
// engine has no DDL surface — spec.md §1), rows are written through
// Sharc's Writer, and the same file is read back with modernc.org/sqlite's
// SELECT path to confirm the files agree byte-for-byte on meaning, not
// just on Sharc's own cursor.
func TestSharcWriteSQLiteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.db")

	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := sqldb.Exec("CREATE TABLE widgets (id INTEGER, name TEXT, weight REAL)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := sqldb.Close(); err != nil {
		t.Fatalf("close sqlite handle: %v", err)
	}

	db, err := sharc.Open(path, sharc.OpenOptions{Writable: true})
	if err != nil {
		t.Fatalf("sharc.Open: %v", err)
	}
	w := db.Writer()
	rowID, err := w.Insert("widgets", []record.Value{
		record.IntValue(1),
		record.TextValue([]byte("sprocket")),
		record.RealValue(3.5),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rowID != 1 {
		t.Fatalf("rowID = %d, want 1", rowID)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close sharc handle: %v", err)
	}

	readBack, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer readBack.Close()

	var gotName string
	var gotWeight float64
	row := readBack.QueryRow("SELECT name, weight FROM widgets WHERE id = 1")
	if err := row.Scan(&gotName, &gotWeight); err != nil {
		t.Fatalf("select: %v", err)
	}
	if gotName != "sprocket" {
		t.Fatalf("name = %q, want %q", gotName, "sprocket")
	}
	if gotWeight != 3.5 {
		t.Fatalf("weight = %v, want 3.5", gotWeight)
	}
}
