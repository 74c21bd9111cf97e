package mysql

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"IntentArena/deploy/migrations"
)

func TestMigrateAppliesPendingVersionsUnderLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"0002_b.sql": {Data: []byte("-- second table; with a semicolon\nCREATE TABLE b (id INT);\nCREATE INDEX idx_b ON b (id);\n")},
	}

	mock.ExpectQuery(`SELECT GET_LOCK`).WithArgs(migrationLock, int64(migrationLockTimeout)).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE b`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX idx_b`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("0002", "0002_b.sql", int64(100)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT RELEASE_LOCK`).WithArgs(migrationLock).WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := migrate(context.Background(), db, fsys, func() time.Time { return time.Unix(100, 0) })
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002" {
		t.Fatalf("expected only 0002 to be applied, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrateFailsWhenLockNotAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery(`SELECT GET_LOCK`).WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(0))
	if _, err := migrate(context.Background(), db, fstest.MapFS{}, time.Now); err == nil {
		t.Fatalf("expected lock timeout error")
	}
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	if _, err := loadMigrations(fstest.MapFS{"init.sql": {Data: []byte("SELECT 1;")}}); err == nil {
		t.Fatalf("expected missing version prefix error")
	}
	dup := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := loadMigrations(dup); err == nil {
		t.Fatalf("expected duplicate version error")
	}
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	loaded, err := loadMigrations(migrations.Files)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	want := []string{"0001", "0002", "0003"}
	if len(loaded) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(loaded))
	}
	for i, m := range loaded {
		if m.version != want[i] || len(m.statements) == 0 {
			t.Fatalf("unexpected migration %d: %+v", i, m)
		}
	}
}

func TestNormalizeDSNForcesUTC(t *testing.T) {
	dsn, err := normalizeDSN("arena:secret@tcp(127.0.0.1:3306)/intentarena?loc=Local")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if strings.Contains(dsn, "loc=Local") || !strings.Contains(dsn, "/intentarena") {
		t.Fatalf("unexpected dsn %s", dsn)
	}
	if _, err := normalizeDSN("not a dsn"); err == nil {
		t.Fatalf("expected parse error")
	}
}
