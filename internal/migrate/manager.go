package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "sif_schema_migrations"
	defaultSeedsTable      = "sif_schema_seeds"

	// advisoryLockKey serialises schema changes across provider instances.
	advisoryLockKey int64 = 0x53494633
)

var (
	// ErrChecksumMismatch means an applied migration file was edited afterwards.
	ErrChecksumMismatch = errors.New("migrate: applied migration differs from its file")
	// ErrNoDownMigration means the latest migration cannot be rolled back.
	ErrNoDownMigration = errors.New("migrate: no down migration")
	// ErrNothingApplied is returned by Down on an empty history.
	ErrNothingApplied = errors.New("migrate: no migrations applied")
)

var migrationName = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one versioned schema change, NNNN_name.up.sql with an
// optional NNNN_name.down.sql next to it.
type Migration struct {
	Version  int
	Name     string
	Checksum string

	upPath   string
	downPath string
}

// Status is the state of one known migration.
type Status struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt time.Time
}

func (s Status) String() string {
	if !s.Applied {
		return fmt.Sprintf("%04d %s pending", s.Version, s.Name)
	}
	return fmt.Sprintf("%04d %s applied %s", s.Version, s.Name, s.AppliedAt.UTC().Format(time.RFC3339))
}

// Manager applies the provider schema and seeds read from a file system,
// by default the ones embedded in this package.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithFS reads migrations from fsys instead of the embedded schema. Either
// directory may be empty to skip that kind of file.
func WithFS(fsys fs.FS, migrationsDir, seedsDir string) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.fsys = fsys
			m.migrationsDir = migrationsDir
			m.seedsDir = seedsDir
		}
	}
}

// NewManager constructs a Manager over the embedded schema and demo seed.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            Embedded,
		migrationsDir:   "sql",
		seedsDir:        "seeds",
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migrations lists the migrations found in the configured directory, ordered
// by version.
func (m *Manager) Migrations() ([]Migration, error) {
	if m.migrationsDir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(m.fsys, m.migrationsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(e.Name())
		if match == nil {
			if strings.HasSuffix(e.Name(), ".sql") {
				return nil, fmt.Errorf("migrate: %s does not match NNNN_name.up.sql", e.Name())
			}
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("migrate: %s: %w", e.Name(), err)
		}
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: match[2]}
			byVersion[version] = mig
		} else if mig.Name != match[2] {
			return nil, fmt.Errorf("migrate: version %d used by %s and %s", version, mig.Name, match[2])
		}
		p := path.Join(m.migrationsDir, e.Name())
		if match[3] == "down" {
			mig.downPath = p
			continue
		}
		body, err := fs.ReadFile(m.fsys, p)
		if err != nil {
			return nil, err
		}
		mig.upPath = p
		mig.Checksum = checksum(body)
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upPath == "" {
			return nil, fmt.Errorf("migrate: version %d has no up migration", mig.Version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

type appliedRow struct {
	name      string
	checksum  string
	appliedAt time.Time
}

// Up applies every pending migration, each in its own transaction, and
// returns how many ran. Applied migrations whose file changed stop the run.
func (m *Manager) Up(ctx context.Context) (int, error) {
	migrations, err := m.Migrations()
	if err != nil {
		return 0, err
	}
	if err := m.ensureTables(ctx); err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, mig := range migrations {
		if row, ok := applied[mig.Version]; ok {
			if row.checksum != mig.Checksum {
				return n, fmt.Errorf("%w: %04d_%s", ErrChecksumMismatch, mig.Version, mig.Name)
			}
			continue
		}
		ran, err := m.apply(ctx, mig)
		if err != nil {
			return n, fmt.Errorf("apply migration %04d_%s: %w", mig.Version, mig.Name, err)
		}
		if ran {
			n++
		}
	}
	return n, nil
}

// apply runs one migration under the advisory lock. Another instance may have
// applied it in the meantime, in which case it reports false.
func (m *Manager) apply(ctx context.Context, mig Migration) (bool, error) {
	tx, err := m.lockedTx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`select exists(select 1 from %s where version = $1)`, m.migrationsTable), mig.Version).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, tx.Commit()
	}
	if err := m.execFile(ctx, tx, mig.upPath); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`insert into %s (version, name, checksum, applied_at) values ($1, $2, $3, $4)`, m.migrationsTable),
		mig.Version, mig.Name, mig.Checksum, m.now().UTC()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	migrations, err := m.Migrations()
	if err != nil {
		return err
	}
	if err := m.ensureTables(ctx); err != nil {
		return err
	}

	var version int
	err = m.db.QueryRowContext(ctx,
		fmt.Sprintf(`select version from %s order by version desc limit 1`, m.migrationsTable)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNothingApplied
	}
	if err != nil {
		return err
	}

	var target *Migration
	for i := range migrations {
		if migrations[i].Version == version {
			target = &migrations[i]
			break
		}
	}
	if target == nil || target.downPath == "" {
		return fmt.Errorf("%w for version %d", ErrNoDownMigration, version)
	}

	tx, err := m.lockedTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := m.execFile(ctx, tx, target.downPath); err != nil {
		return fmt.Errorf("rollback migration %04d_%s: %w", target.Version, target.Name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where version = $1`, m.migrationsTable), version); err != nil {
		return err
	}
	return tx.Commit()
}

// Status reports every known migration, applied ones first in version order.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	migrations, err := m.Migrations()
	if err != nil {
		return nil, err
	}
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(migrations))
	for _, mig := range migrations {
		st := Status{Version: mig.Version, Name: mig.Name}
		if row, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = row.appliedAt
			delete(applied, mig.Version)
		}
		out = append(out, st)
	}
	// Applied versions whose files are gone are still reported.
	for version, row := range applied {
		out = append(out, Status{Version: version, Name: row.name, Applied: true, AppliedAt: row.appliedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Seed runs seed files not yet recorded, in name order. Seeds must be safe to
// run against existing data.
func (m *Manager) Seed(ctx context.Context) (int, error) {
	if m.seedsDir == "" {
		return 0, nil
	}
	entries, err := fs.ReadDir(m.fsys, m.seedsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := m.ensureTables(ctx); err != nil {
		return 0, err
	}
	done, err := m.seeded(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") || done[e.Name()] {
			continue
		}
		if err := m.seed(ctx, e.Name()); err != nil {
			return n, fmt.Errorf("apply seed %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}

func (m *Manager) seed(ctx context.Context, name string) error {
	p := path.Join(m.seedsDir, name)
	body, err := fs.ReadFile(m.fsys, p)
	if err != nil {
		return err
	}
	tx, err := m.lockedTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execStatements(ctx, tx, string(body)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`insert into %s (name, checksum, applied_at) values ($1, $2, $3) on conflict (name) do nothing`, m.seedsTable),
		name, checksum(body), m.now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) lockedTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	return tx, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`create table if not exists %s (
			version    integer primary key,
			name       text not null,
			checksum   text not null,
			applied_at timestamptz not null default now()
		)`, m.migrationsTable),
		fmt.Sprintf(`create table if not exists %s (
			name       text primary key,
			checksum   text not null,
			applied_at timestamptz not null default now()
		)`, m.seedsTable),
	}
	for _, stmt := range ddl {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context) (map[int]appliedRow, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select version, name, checksum, applied_at from %s`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]appliedRow)
	for rows.Next() {
		var (
			version int
			row     appliedRow
		)
		if err := rows.Scan(&version, &row.name, &row.checksum, &row.appliedAt); err != nil {
			return nil, err
		}
		out[version] = row
	}
	return out, rows.Err()
}

func (m *Manager) seeded(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, m.seedsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (m *Manager) execFile(ctx context.Context, tx *sql.Tx, name string) error {
	body, err := fs.ReadFile(m.fsys, name)
	if err != nil {
		return err
	}
	return execStatements(ctx, tx, string(body))
}

func execStatements(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// splitStatements cuts a script at semicolons outside quoted strings and
// drops "--" comments. Empty statements are skipped.
func splitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
		quoted  bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == '\'':
			quoted = !quoted
			current.WriteByte(c)
		case !quoted && c == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
		case !quoted && c == ';':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}
