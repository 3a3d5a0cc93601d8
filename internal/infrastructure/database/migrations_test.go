package database

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
)

var testMigrations = fstest.MapFS{
	"20260101_000000_create_samples.up.sql":   {Data: []byte("CREATE TABLE samples (id INTEGER PRIMARY KEY, value REAL NOT NULL);")},
	"20260101_000000_create_samples.down.sql": {Data: []byte("DROP TABLE samples;")},
	"20260102_000000_add_index.up.sql":        {Data: []byte("CREATE INDEX idx_samples_value ON samples(value);")},
	"README.md":                               {Data: []byte("not a migration")},
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Migrate(ctx, testMigrations); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "samples") {
		t.Fatal("samples table not created")
	}

	applied, pending, err := db.MigrationStatus(ctx, testMigrations)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied = %d, pending = %d, want 2 and 0", len(applied), len(pending))
	}
	if applied[0].Version != "20260101_000000" || applied[0].AppliedAt.IsZero() {
		t.Errorf("first applied = %+v", applied[0])
	}

	if err := db.Migrate(ctx, testMigrations); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_FailureStopsLaterMigrations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	fsys := fstest.MapFS{
		"20260101_000000_ok.up.sql":     {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"20260102_000000_broken.up.sql": {Data: []byte("CREATE TABLE b (")},
		"20260103_000000_later.up.sql":  {Data: []byte("CREATE TABLE c (id INTEGER);")},
	}
	err := db.Migrate(ctx, fsys)
	if err == nil || !strings.Contains(err.Error(), "20260102_000000") {
		t.Fatalf("Migrate() error = %v, want failure naming the broken migration", err)
	}
	if !tableExists(t, db, "a") {
		t.Error("earlier migration should stay committed")
	}
	if tableExists(t, db, "c") {
		t.Error("later migration should not run")
	}
}

func TestMigrateDown(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	fsys := fstest.MapFS{
		"20260101_000000_create_samples.up.sql":   testMigrations["20260101_000000_create_samples.up.sql"],
		"20260101_000000_create_samples.down.sql": testMigrations["20260101_000000_create_samples.down.sql"],
	}
	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "samples") {
		t.Error("samples table still exists after rollback")
	}
	_, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}

	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Errorf("MigrateDown() with nothing applied = %v", err)
	}
}

func TestMigrateDown_NoDownSQL(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	fsys := fstest.MapFS{
		"20260101_000000_one_way.up.sql": {Data: []byte("CREATE TABLE x (id INTEGER);")},
	}
	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, fsys); err == nil {
		t.Error("MigrateDown() without down SQL should fail")
	}
}

func TestLoadMigrations(t *testing.T) {
	got, err := LoadMigrations(testMigrations)
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d migrations, want 2", len(got))
	}
	if got[0].Name != "create_samples" || got[0].DownSQL == "" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Version != "20260102_000000" || got[1].DownSQL != "" {
		t.Errorf("second = %+v", got[1])
	}

	if got, err := LoadMigrations(nil); err != nil || got != nil {
		t.Errorf("LoadMigrations(nil) = %v, %v", got, err)
	}

	orphan := fstest.MapFS{"20260101_000000_x.down.sql": {Data: []byte("DROP TABLE x;")}}
	if _, err := LoadMigrations(orphan); err == nil {
		t.Error("down-only migration should fail")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		file    string
		version string
		name    string
		up      bool
		ok      bool
	}{
		{"20261019_120000_history.up.sql", "20261019_120000", "history", true, true},
		{"20261019_120000_history.down.sql", "20261019_120000", "history", false, true},
		{"20261019_120000_multi_word_name.up.sql", "20261019_120000", "multi_word_name", true, true},
		{"20261019_120000.up.sql", "20261019_120000", "20261019_120000", true, true},
		{"history.up.sql", "", "", false, false},
		{"20261019_120000_history.sql", "", "", false, false},
		{"20261019_120000_history.up.txt", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			version, name, up, ok := parseMigrationFilename(tt.file)
			if ok != tt.ok || version != tt.version || name != tt.name || up != tt.up {
				t.Errorf("parseMigrationFilename(%q) = (%q, %q, %v, %v), want (%q, %q, %v, %v)",
					tt.file, version, name, up, ok, tt.version, tt.name, tt.up, tt.ok)
			}
		})
	}
}
