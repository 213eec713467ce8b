package upgrade

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func setVersion(t *testing.T, db *sql.DB, version uint, dirty bool) {
	t.Helper()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`DELETE FROM schema_migrations`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
		t.Fatal(err)
	}
}

func TestCheckSchema_FreshDB(t *testing.T) {
	s, err := CheckSchema(openDB(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.NeedsMigration || !errors.Is(s.Err(), ErrSchemaOutdated) {
		t.Fatalf("expected fresh DB to need migration, got: %+v", s)
	}
}

func TestCheckSchema_States(t *testing.T) {
	db := openDB(t)

	setVersion(t, db, RequiredSchemaVersion, false)
	s, _ := CheckSchema(db)
	if !s.Compatible || s.Err() != nil {
		t.Fatalf("expected compatible, got: %+v", s)
	}

	setVersion(t, db, RequiredSchemaVersion, true)
	s, _ = CheckSchema(db)
	if !errors.Is(s.Err(), ErrSchemaDirty) || !strings.Contains(FormatError(s), "migrate force") {
		t.Fatalf("expected dirty, got: %+v", s)
	}

	setVersion(t, db, RequiredSchemaVersion+1, false)
	s, _ = CheckSchema(db)
	if !errors.Is(s.Err(), ErrSchemaAhead) || !strings.Contains(FormatError(s), "newer than this binary") {
		t.Fatalf("expected ahead, got: %+v", s)
	}
}
