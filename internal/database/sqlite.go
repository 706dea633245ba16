package database

import (
	"database/sql"
	"errors"
	"fmt"

	"drivesync/internal/database/migrations"
	"drivesync/internal/ds"
	"drivesync/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	clock ds.Clock
	path  string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
// clock stamps finished runs; nil means the real clock.
func NewSQLiteDatabase(path string, clock ds.Clock) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, path, clock), nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string, clock ds.Clock) *SQLiteDatabase {
	if clock == nil {
		clock = ds.RealClock{}
	}
	return &SQLiteDatabase{
		db:    db,
		clock: clock,
		path:  path,
	}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// The HTTP server records runs from concurrent requests.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

const runColumns = `seq, id, project_name, nas_path, drive_folder_id, drive_folder_name,
	started_at, finished_at, status, failed_step, error, result`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		r        model.Run
		finished sql.NullTime
	)
	err := row.Scan(&r.Seq, &r.ID, &r.ProjectName, &r.NASPath, &r.DriveFolderID, &r.DriveFolderName,
		&r.StartedAt, &finished, &r.Status, &r.FailedStep, &r.Error, &r.Result)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// Run operations

func (s *SQLiteDatabase) CreateRun(run *model.Run) error {
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock.Now()
	}

	res, err := s.db.Exec(`INSERT INTO runs (id, project_name, nas_path, drive_folder_id, drive_folder_name, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectName, run.NASPath, run.DriveFolderID, run.DriveFolderName, run.StartedAt.UTC(), run.Status)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading run sequence: %w", err)
	}
	run.Seq = seq
	return nil
}

func (s *SQLiteDatabase) FinishRun(id string, status string, failedStep string, errMsg string, result string) error {
	res, err := s.db.Exec(`UPDATE runs SET finished_at = ?, status = ?, failed_step = ?, error = ?, result = ?
		WHERE id = ?`,
		s.clock.Now().UTC(), status, failedStep, errMsg, result, id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finishing run: run %s not found", id)
	}
	return nil
}

func (s *SQLiteDatabase) FindRun(id string) (*model.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding run: %w", err)
	}
	return run, nil
}

func (s *SQLiteDatabase) ListRuns(limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteDatabase) MaxRunSeq() (int64, error) {
	var seq int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM runs`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("getting max run sequence: %w", err)
	}
	return seq, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate applies pending schema migrations and returns the resulting status.
func (s *SQLiteDatabase) Migrate() (migrations.Status, error) {
	if err := migrations.MigrateUp(s.db); err != nil {
		return migrations.Status{}, err
	}
	return migrations.GetStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements ds.Database interface
var _ ds.Database = (*SQLiteDatabase)(nil)
