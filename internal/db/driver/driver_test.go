package driver

import (
	"context"
	"testing"
)

// mockSchemaFS implements SchemaFS for testing.
type mockSchemaFS struct {
	files map[string]string
}

func (m *mockSchemaFS) ReadFile(name string) ([]byte, error) {
	content, ok := m.files[name]
	if !ok {
		return nil, errNotFound(name)
	}
	return []byte(content), nil
}

func (m *mockSchemaFS) ReadDir(name string) ([]DirEntry, error) {
	var entries []DirEntry
	prefix := name + "/"
	for path := range m.files {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			entries = append(entries, mockDirEntry{name: path[len(prefix):]})
		}
	}
	return entries, nil
}

type mockDirEntry struct {
	name string
}

func (e mockDirEntry) Name() string { return e.name }
func (e mockDirEntry) IsDir() bool  { return false }

type errNotFound string

func (e errNotFound) Error() string { return "file not found: " + string(e) }

func TestParseDialect(t *testing.T) {
	tests := []struct {
		input   string
		want    Dialect
		wantErr bool
	}{
		{"sqlite", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"postgresql", DialectPostgres, false},
		{"", DialectSQLite, false},
		{"mysql", "", true},
		{"oracle", "", true},
	}

	for _, tt := range tests {
		got, err := ParseDialect(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDialect(%q) expected error, got %v", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDialect(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDialect(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	d, err := New(DialectSQLite)
	if err != nil {
		t.Fatalf("New(sqlite) error: %v", err)
	}
	if d.Dialect() != DialectSQLite {
		t.Errorf("Dialect() = %v, want sqlite", d.Dialect())
	}

	d, err = New(DialectPostgres)
	if err != nil {
		t.Fatalf("New(postgres) error: %v", err)
	}
	if d.Dialect() != DialectPostgres {
		t.Errorf("Dialect() = %v, want postgres", d.Dialect())
	}

	if _, err := New(Dialect("mysql")); err == nil {
		t.Error("New(mysql) expected error")
	}
}

func TestSQLitePlaceholder(t *testing.T) {
	d := NewSQLite()
	for i := 1; i <= 3; i++ {
		if got := d.Placeholder(i); got != "?" {
			t.Errorf("Placeholder(%d) = %q, want ?", i, got)
		}
	}
}

func TestPostgresPlaceholder(t *testing.T) {
	d := NewPostgres()
	tests := []struct {
		index int
		want  string
	}{
		{1, "$1"},
		{2, "$2"},
		{10, "$10"},
	}
	for _, tt := range tests {
		if got := d.Placeholder(tt.index); got != tt.want {
			t.Errorf("Placeholder(%d) = %q, want %q", tt.index, got, tt.want)
		}
	}
}

func TestRewritePlaceholders(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"SELECT * FROM tasks WHERE id = ?", "SELECT * FROM tasks WHERE id = $1"},
		{"UPDATE tasks SET status = ? WHERE id = ? AND status = ?", "UPDATE tasks SET status = $1 WHERE id = $2 AND status = $3"},
		{"SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		if got := RewritePlaceholders(tt.input); got != tt.want {
			t.Errorf("RewritePlaceholders(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   int
	}{
		{"sqlite_001_init.sql", "sqlite_", 1},
		{"sqlite_002_transitions.sql", "sqlite_", 2},
		{"postgres_001_init.sql", "postgres_", 1},
		{"postgres_015_cleanup.sql", "postgres_", 15},
	}
	for _, tt := range tests {
		if got := extractVersion(tt.name, tt.prefix); got != tt.want {
			t.Errorf("extractVersion(%q, %q) = %d, want %d", tt.name, tt.prefix, got, tt.want)
		}
	}
}

func TestSQLiteMigrate(t *testing.T) {
	d := NewSQLite()
	if err := d.Open(":memory:"); err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	defer func() { _ = d.Close() }()

	schemaFS := &mockSchemaFS{
		files: map[string]string{
			"schema/sqlite_001_init.sql":  "CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)",
			"schema/sqlite_002_extra.sql": "CREATE TABLE gadgets (id TEXT PRIMARY KEY)",
			// Postgres migrations must be ignored by the SQLite driver.
			"schema/postgres_001_init.sql": "CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)",
		},
	}

	ctx := context.Background()
	if err := d.Migrate(ctx, schemaFS); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}

	// Both tables should exist
	for _, table := range []string{"widgets", "gadgets"} {
		var name string
		err := d.QueryRow(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}

	// Migrations should be recorded
	var count int
	if err := d.QueryRow(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("applied %d migrations, want 2", count)
	}

	// Re-running should be a no-op
	if err := d.Migrate(ctx, schemaFS); err != nil {
		t.Fatalf("second Migrate error: %v", err)
	}
	if err := d.QueryRow(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("after re-run applied %d migrations, want 2", count)
	}
}

func TestSQLitePing(t *testing.T) {
	d := NewSQLite()
	if err := d.Ping(context.Background()); err == nil {
		t.Error("Ping before Open should fail")
	}

	if err := d.Open(":memory:"); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Ping(context.Background()); err != nil {
		t.Errorf("Ping after Open error: %v", err)
	}
}

func TestSQLiteTransaction(t *testing.T) {
	d := NewSQLite()
	if err := d.Open(":memory:"); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer func() { _ = d.Close() }()

	ctx := context.Background()
	if _, err := d.Exec(ctx, "CREATE TABLE items (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	// Committed transaction persists
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx error: %v", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO items (id) VALUES (?)", "a"); err != nil {
		t.Fatalf("insert in tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Rolled-back transaction does not
	tx, err = d.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx error: %v", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO items (id) VALUES (?)", "b"); err != nil {
		t.Fatalf("insert in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	var count int
	if err := d.QueryRow(ctx, "SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
