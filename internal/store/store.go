package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Driver names accepted by New.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store persists exams, attempts and directory data. A Store returned by
// WithinTx or WithinClassroom is bound to that transaction.
type Store struct {
	db     *sqlx.DB
	q      queryer
	driver string
}

// New opens the database, verifies the connection and applies the schema.
// driver is DriverSQLite or DriverPostgres; "postgres" is accepted as an alias.
func New(driver, dsn string) (*Store, error) {
	if driver == "" || driver == "sqlite3" {
		driver = DriverSQLite
	}
	if driver == "postgres" {
		driver = DriverPostgres
	}
	if driver == DriverSQLite && dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection serializes writers, so a transaction is also the
		// per-classroom critical section.
		db.SetMaxOpenConns(1)
	}
	if err := ping(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, q: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sqlx.DB) error {
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		if err = db.Ping(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("ping database: %w", err)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) migrate() error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

// WithinTx runs fn on a Store bound to a single transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.withinTx(ctx, nil, fn)
}

// WithinClassroom is WithinTx with writers for the same classroom serialized:
// PostgreSQL takes a transaction-scoped advisory lock on the classroom id,
// SQLite relies on its single connection.
func (s *Store) WithinClassroom(ctx context.Context, classroomID int64, fn func(tx *Store) error) error {
	return s.WithinClassrooms(ctx, []int64{classroomID}, fn)
}

// WithinClassrooms is WithinClassroom for several classrooms. Locks are taken
// in ascending id order; zero and repeated ids are skipped.
func (s *Store) WithinClassrooms(ctx context.Context, classroomIDs []int64, fn func(tx *Store) error) error {
	ids := make([]int64, 0, len(classroomIDs))
	for _, id := range classroomIDs {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return s.withinTx(ctx, func(tx *sqlx.Tx) error {
		if s.driver != DriverPostgres {
			return nil
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, id); err != nil {
				return err
			}
		}
		return nil
	}, fn)
}

func (s *Store) withinTx(ctx context.Context, lock func(*sqlx.Tx) error, fn func(tx *Store) error) error {
	if _, nested := s.q.(*sqlx.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if lock != nil {
		if err := lock(tx); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
	}
	if err := fn(&Store{db: s.db, q: tx, driver: s.driver}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) rebind(query string) string {
	return s.q.Rebind(query)
}

// insertID runs an INSERT ... RETURNING id statement.
func (s *Store) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.q.QueryRowxContext(ctx, s.rebind(query), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var le *sqlite.Error
	if errors.As(err, &le) && le.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func logQueryError(op string, err error, args ...any) {
	slog.Error("store query failed", append([]any{"op", op, "error", err}, args...)...)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS courses (
	id INTEGER PRIMARY KEY,
	code TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS classrooms (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	capacity INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS people (
	id INTEGER PRIMARY KEY,
	role TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS exams (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	course_id INTEGER NOT NULL,
	proctor_id INTEGER NOT NULL,
	exam_type TEXT NOT NULL DEFAULT 'quiz',
	format TEXT NOT NULL DEFAULT 'offline',
	start_time DATETIME NOT NULL,
	end_time DATETIME NOT NULL,
	duration_minutes INTEGER NOT NULL,
	classroom_id INTEGER NOT NULL DEFAULT 0,
	total_score REAL NOT NULL,
	passing_score REAL NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	late_entry_limit_minutes INTEGER,
	early_submission_limit_minutes INTEGER,
	max_switch_count INTEGER NOT NULL DEFAULT 0,
	published_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS exams_classroom_status ON exams (classroom_id, status);

CREATE TABLE IF NOT EXISTS attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id INTEGER NOT NULL,
	student_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	start_time DATETIME,
	submit_time DATETIME,
	score REAL,
	answers TEXT NOT NULL DEFAULT '',
	late_answers TEXT NOT NULL DEFAULT '',
	end_reason TEXT NOT NULL DEFAULT '',
	late BOOLEAN NOT NULL DEFAULT 0,
	switch_count INTEGER NOT NULL DEFAULT 0,
	remarks TEXT NOT NULL DEFAULT '',
	graded_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (exam_id) REFERENCES exams(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS attempts_one_active
	ON attempts (exam_id, student_id) WHERE status <> 'cancelled';

CREATE INDEX IF NOT EXISTS attempts_status ON attempts (status);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	imported_at DATETIME NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS courses (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS classrooms (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	capacity INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS people (
	id BIGINT PRIMARY KEY,
	role TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS exams (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	course_id BIGINT NOT NULL,
	proctor_id BIGINT NOT NULL,
	exam_type TEXT NOT NULL DEFAULT 'quiz',
	format TEXT NOT NULL DEFAULT 'offline',
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	duration_minutes INTEGER NOT NULL,
	classroom_id BIGINT NOT NULL DEFAULT 0,
	total_score DOUBLE PRECISION NOT NULL,
	passing_score DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	late_entry_limit_minutes INTEGER,
	early_submission_limit_minutes INTEGER,
	max_switch_count INTEGER NOT NULL DEFAULT 0,
	published_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (end_time > start_time),
	CHECK (passing_score <= total_score)
);

CREATE INDEX IF NOT EXISTS exams_classroom_status ON exams (classroom_id, status);

CREATE TABLE IF NOT EXISTS attempts (
	id BIGSERIAL PRIMARY KEY,
	exam_id BIGINT NOT NULL REFERENCES exams(id),
	student_id BIGINT NOT NULL,
	status TEXT NOT NULL,
	start_time TIMESTAMPTZ,
	submit_time TIMESTAMPTZ,
	score DOUBLE PRECISION,
	answers TEXT NOT NULL DEFAULT '',
	late_answers TEXT NOT NULL DEFAULT '',
	end_reason TEXT NOT NULL DEFAULT '',
	late BOOLEAN NOT NULL DEFAULT FALSE,
	switch_count INTEGER NOT NULL DEFAULT 0,
	remarks TEXT NOT NULL DEFAULT '',
	graded_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (submit_time IS NULL OR start_time IS NULL OR submit_time >= start_time)
);

CREATE UNIQUE INDEX IF NOT EXISTS attempts_one_active
	ON attempts (exam_id, student_id) WHERE status <> 'cancelled';

CREATE INDEX IF NOT EXISTS attempts_status ON attempts (status);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	imported_at TIMESTAMPTZ NOT NULL
);
`
