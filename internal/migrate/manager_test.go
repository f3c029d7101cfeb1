package migrate

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var appliedAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	sqlA = "create table a(id int);"
	sqlB = "create table b(id int); insert into b values (1);"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte(sqlA)},
		"m/0002_b.up.sql":   {Data: []byte(sqlB)},
		"m/0002_b.down.sql": {Data: []byte("drop table b;")},
		"m/README":          {Data: []byte("not sql")},
	}
}

func newMock(t *testing.T, fsys fstest.MapFS, migrations, seeds string) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mgr := NewManager(db, WithFS(fsys, migrations, seeds))
	mgr.now = func() time.Time { return appliedAt }
	return mgr, mock
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists sif_schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists sif_schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func appliedRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"version", "name", "checksum", "applied_at"})
}

func TestEmbeddedSchema(t *testing.T) {
	migrations, err := NewManager(nil).Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations")
	}
	first := migrations[0]
	if first.Version != 1 || first.Name != "sif_core" || first.downPath == "" || first.Checksum == "" {
		t.Fatalf("unexpected first migration %+v", first)
	}
}

func TestMigrationsParsesVersions(t *testing.T) {
	mgr, _ := newMock(t, testFS(), "m", "")
	migrations, err := mgr.Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != 1 || migrations[1].Name != "b" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
	if migrations[0].downPath != "" || migrations[1].downPath != "m/0002_b.down.sql" {
		t.Fatalf("down paths wrong: %+v", migrations)
	}
	if migrations[0].Checksum != checksum([]byte(sqlA)) {
		t.Fatal("checksum does not cover the up file")
	}
}

func TestMigrationsRejectsBadLayouts(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name":       {"m/create.sql": {Data: []byte(sqlA)}},
		"clash":          {"m/0001_a.up.sql": {Data: []byte(sqlA)}, "m/0001_b.up.sql": {Data: []byte(sqlA)}},
		"only down":      {"m/0003_c.down.sql": {Data: []byte("drop table c;")}},
		"missing suffix": {"m/0001_a.sql": {Data: []byte(sqlA)}},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			mgr, _ := newMock(t, fsys, "m", "")
			if _, err := mgr.Migrations(); err == nil {
				t.Fatal("expected layout error")
			}
		})
	}
}

func TestUpAppliesPendingOnly(t *testing.T) {
	mgr, mock := newMock(t, testFS(), "m", "")

	expectTables(mock)
	mock.ExpectQuery("select version, name, checksum, applied_at from sif_schema_migrations").
		WillReturnRows(appliedRows().AddRow(1, "a", checksum([]byte(sqlA)), appliedAt))
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs(advisoryLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs(2).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into sif_schema_migrations").
		WithArgs(2, "b", checksum([]byte(sqlB)), appliedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied %d migrations, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpSkipsMigrationAppliedConcurrently(t *testing.T) {
	mgr, mock := newMock(t, fstest.MapFS{"m/0001_a.up.sql": {Data: []byte(sqlA)}}, "m", "")

	expectTables(mock)
	mock.ExpectQuery("select version, name, checksum, applied_at").WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs(1).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	n, err := mgr.Up(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Up = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpDetectsEditedMigration(t *testing.T) {
	mgr, mock := newMock(t, testFS(), "m", "")

	expectTables(mock)
	mock.ExpectQuery("select version, name, checksum, applied_at").
		WillReturnRows(appliedRows().AddRow(1, "a", "stale", appliedAt))

	_, err := mgr.Up(context.Background())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	mgr, mock := newMock(t, fstest.MapFS{"m/0001_a.up.sql": {Data: []byte(sqlA)}}, "m", "")

	expectTables(mock)
	mock.ExpectQuery("select version, name, checksum, applied_at").WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("create table a").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	if _, err := mgr.Up(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	mgr, mock := newMock(t, testFS(), "m", "")

	expectTables(mock)
	mock.ExpectQuery("select version from sif_schema_migrations order by version desc").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from sif_schema_migrations where version").WithArgs(2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := mgr.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownErrors(t *testing.T) {
	t.Run("no down file", func(t *testing.T) {
		mgr, mock := newMock(t, testFS(), "m", "")
		expectTables(mock)
		mock.ExpectQuery("select version from sif_schema_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
		if err := mgr.Down(context.Background()); !errors.Is(err, ErrNoDownMigration) {
			t.Fatalf("expected ErrNoDownMigration, got %v", err)
		}
	})
	t.Run("empty history", func(t *testing.T) {
		mgr, mock := newMock(t, testFS(), "m", "")
		expectTables(mock)
		mock.ExpectQuery("select version from sif_schema_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}))
		if err := mgr.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
			t.Fatalf("expected ErrNothingApplied, got %v", err)
		}
	})
}

func TestStatusMergesFilesAndHistory(t *testing.T) {
	mgr, mock := newMock(t, testFS(), "m", "")

	expectTables(mock)
	mock.ExpectQuery("select version, name, checksum, applied_at").
		WillReturnRows(appliedRows().
			AddRow(1, "a", checksum([]byte(sqlA)), appliedAt).
			AddRow(9, "removed", "x", appliedAt))

	got, err := mgr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %+v", got)
	}
	if !got[0].Applied || got[1].Applied || got[2].Version != 9 || !got[2].Applied {
		t.Fatalf("unexpected status %+v", got)
	}
	if got[1].String() != "0002 b pending" {
		t.Fatalf("unexpected rendering %q", got[1].String())
	}
}

func TestSeedRunsUnrecordedFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"s/0001_demo.sql":  {Data: []byte("-- demo; register\ninsert into x values ('a;b');")},
		"s/0002_other.sql": {Data: []byte("insert into y values (1);")},
	}
	mgr, mock := newMock(t, fsys, "", "s")

	expectTables(mock)
	mock.ExpectQuery("select name from sif_schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0002_other.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into x values").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into sif_schema_seeds").
		WithArgs("0001_demo.sql", sqlmock.AnyArg(), appliedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := mgr.Seed(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Seed = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name   string
		script string
		want   int
	}{
		{"quoted semicolon", "insert into t values ('a;b'); select 1;", 2},
		{"comment semicolon", "-- drop; everything\nselect 1;", 1},
		{"no trailing semicolon", "select 1; select 2", 2},
		{"blank", " ;\n; ", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := splitStatements(tc.script); len(got) != tc.want {
				t.Fatalf("got %d statements %q, want %d", len(got), got, tc.want)
			}
		})
	}
}
