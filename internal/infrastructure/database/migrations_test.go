package database

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"
)

// useMigrations swaps MigrationsFS for the duration of a test.
func useMigrations(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	MigrationsFS, MigrationsDir = fsys, dir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
}

func TestMigrate(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"sql/20260301_090000_capture_sessions.up.sql": {Data: []byte(
			"CREATE TABLE capture_sessions (id TEXT PRIMARY KEY, reason TEXT);")},
		"sql/20260301_090000_capture_sessions.down.sql": {Data: []byte(
			"DROP TABLE capture_sessions;")},
		"sql/20260302_090000_observations.up.sql": {Data: []byte(
			"CREATE TABLE observations (key TEXT PRIMARY KEY, session_id TEXT REFERENCES capture_sessions(id));")},
		"sql/README.md": {Data: []byte("not a migration")},
	}, "sql")

	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	for _, table := range []string{"capture_sessions", "observations"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}

	if v, err := db.SchemaVersion(ctx); err != nil || v != "20260302_090000" {
		t.Errorf("SchemaVersion() = %q, %v; want 20260302_090000", v, err)
	}

	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", len(applied))
	}
	if applied[0].Version != "20260301_090000" || applied[1].Version != "20260302_090000" {
		t.Errorf("applied order = %v", applied)
	}
	if applied[1].AppliedAt.IsZero() {
		t.Error("AppliedAt not recorded")
	}

	// Running again should be idempotent.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_FailureRollsBackOnlyThatMigration(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260301_090000_good.up.sql": {Data: []byte("CREATE TABLE good (id INTEGER);")},
		"20260302_090000_bad.up.sql":  {Data: []byte("CREATE TABLE bad (id INTEGER); INSERT INTO nope VALUES (1);")},
	}, ".")

	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() expected error for broken migration")
	}

	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if len(applied) != 1 || applied[0].Version != "20260301_090000" {
		t.Errorf("applied = %v, want only the first migration", applied)
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	useMigrations(t, nil, ".")

	db := openTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Errorf("Migrate() with no migrations error = %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantOk      bool
	}{
		{"20260118_120000_capture_sessions.up.sql", "20260118_120000", true},
		{"20260118_120000_capture_sessions.down.sql", "", false},
		{"readme.txt", "", false},
		{"20260118_120000_capture_sessions.sql", "", false},
		{"invalid.up.sql", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Errorf("ok = %v, want %v", ok, tt.wantOk)
			}
			if version != tt.wantVersion {
				t.Errorf("version = %q, want %q", version, tt.wantVersion)
			}
		})
	}
}

func TestExtractMigrationName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"20260118_120000_capture_sessions.up.sql", "capture_sessions"},
		{"20260118_120000_unmapped_registers.up.sql", "unmapped_registers"},
	}

	for _, tt := range tests {
		if got := extractMigrationName(tt.filename); got != tt.want {
			t.Errorf("extractMigrationName(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
