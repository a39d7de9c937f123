package dbopen

import (
	"testing"

	_ "modernc.org/sqlite"
)

func TestOpenMemoryAppliesPragmas(t *testing.T) {
	db := OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys: got %d, want 1", fk)
	}

	var timeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if timeout != 10_000 {
		t.Errorf("busy_timeout: got %d, want 10000", timeout)
	}
}

func TestWithSchema(t *testing.T) {
	db := OpenMemory(t, WithSchema(`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`))

	if _, err := db.Exec(`INSERT INTO notes (id, body) VALUES ('n1', 'hello')`); err != nil {
		t.Fatalf("insert into schema table: %v", err)
	}
}

func TestOpenBadDriver(t *testing.T) {
	if _, err := Open(":memory:", WithDriver("no-such-driver")); err == nil {
		t.Fatal("want error for unregistered driver")
	}
}
