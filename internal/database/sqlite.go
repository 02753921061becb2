package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"

	"keel-go/internal/database/migrations"
	"keel-go/internal/keel"
	"keel-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements keel.MetadataStore using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock keel.Clock
	idgen keel.IDGenerator
}

// NewSQLiteDatabase opens a SQLite database at path (or ":memory:").
// A nil clock or idgen falls back to the real implementations.
func NewSQLiteDatabase(path string, clock keel.Clock, idgen keel.IDGenerator) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteDatabaseFromDB(db, clock, idgen)
	s.path = path
	return s, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already configured connection.
func NewSQLiteDatabaseFromDB(db *sql.DB, clock keel.Clock, idgen keel.IDGenerator) *SQLiteDatabase {
	if clock == nil {
		clock = keel.RealClock{}
	}
	if idgen == nil {
		idgen = keel.UUIDGenerator{}
	}
	return &SQLiteDatabase{db: db, clock: clock, idgen: idgen}
}

// OpenConnection opens and configures a SQLite connection.
// In-memory databases are pinned to one connection, since every new
// connection to ":memory:" would see an empty database.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

const fileColumns = `id, project_id, path, name, is_folder, content_hash, size_bytes,
	storage_key, language, generation_status, parent_path, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(row rowScanner) (*model.FileRecord, error) {
	var (
		rec    model.FileRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Path, &rec.Name, &rec.IsFolder, &rec.ContentHash,
		&rec.SizeBytes, &rec.StorageKey, &rec.Language, &status, &rec.ParentPath, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = model.GenerationStatus(status)
	return &rec, nil
}

func (s *SQLiteDatabase) queryFiles(ctx context.Context, query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*model.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// File record operations

func (s *SQLiteDatabase) FindFile(ctx context.Context, projectID, p string) (*model.FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file_records WHERE project_id = ? AND path = ?`, projectID, p)
	rec, err := scanFileRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding file record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteDatabase) ListFiles(ctx context.Context, projectID string) ([]*model.FileRecord, error) {
	recs, err := s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM file_records WHERE project_id = ? ORDER BY path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	return recs, nil
}

func (s *SQLiteDatabase) ListCompletedFiles(ctx context.Context, projectID string) ([]*model.FileRecord, error) {
	recs, err := s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM file_records
		 WHERE project_id = ? AND is_folder = 0 AND generation_status = 'completed' AND storage_key IS NOT NULL
		 ORDER BY path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing completed files: %w", err)
	}
	return recs, nil
}

// PlanFiles inserts planned records and their ancestor folders in one transaction.
func (s *SQLiteDatabase) PlanFiles(ctx context.Context, projectID string, paths []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	created := 0
	for _, p := range paths {
		if err := s.ensureAncestors(ctx, tx, projectID, p); err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO file_records (id, project_id, path, name, is_folder, language, generation_status, parent_path, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?, 'planned', ?, ?, ?)
			 ON CONFLICT (project_id, path) DO NOTHING`,
			s.idgen.New(), projectID, p, path.Base(p), model.LanguageForPath(p), model.ParentPath(p), now, now)
		if err != nil {
			return 0, fmt.Errorf("planning %s: %w", p, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("planning %s: %w", p, err)
		}
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return created, nil
}

func (s *SQLiteDatabase) SetGenerationStatus(ctx context.Context, projectID, p string, status model.GenerationStatus) error {
	if status == model.StatusCompleted {
		return fmt.Errorf("completed status requires committed content")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET generation_status = ?, updated_at = ?
		 WHERE project_id = ? AND path = ? AND is_folder = 0`,
		string(status), s.clock.Now(), projectID, p)
	if err != nil {
		return fmt.Errorf("updating generation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating generation status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", keel.ErrNotFound, p)
	}
	return nil
}

// CommitFile atomically records verified content for a file:
//  1. Finds the existing record for (project_id, path), if any.
//  2. Updates it, or inserts a new one, as completed with the new hash and key.
//  3. Materializes any missing ancestor folder records.
func (s *SQLiteDatabase) CommitFile(ctx context.Context, rec *model.FileRecord) error {
	if !rec.StorageKey.Valid || rec.StorageKey.String == "" {
		return fmt.Errorf("committing %s: storage key required", rec.Path)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. Look up the existing record.
	var (
		existingID string
		isFolder   bool
		createdAt  sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, is_folder, created_at FROM file_records WHERE project_id = ? AND path = ?`,
		rec.ProjectID, rec.Path).Scan(&existingID, &isFolder, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existingID = ""
	case err != nil:
		return fmt.Errorf("finding file record: %w", err)
	case isFolder:
		return fmt.Errorf("%w: %s is a folder", keel.ErrInvalidPath, rec.Path)
	}

	// 2. Update or insert.
	if existingID != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE file_records
			 SET name = ?, content_hash = ?, size_bytes = ?, storage_key = ?, language = ?,
			     generation_status = 'completed', parent_path = ?, updated_at = ?
			 WHERE id = ?`,
			rec.Name, rec.ContentHash, rec.SizeBytes, rec.StorageKey, rec.Language,
			rec.ParentPath, rec.UpdatedAt, existingID)
		if err != nil {
			return fmt.Errorf("updating file record: %w", err)
		}
		rec.ID = existingID
		if createdAt.Valid {
			rec.CreatedAt = createdAt.Time
		}
	} else {
		rec.ID = s.idgen.New()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO file_records (`+fileColumns+`)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, 'completed', ?, ?, ?)`,
			rec.ID, rec.ProjectID, rec.Path, rec.Name, rec.ContentHash, rec.SizeBytes, rec.StorageKey,
			rec.Language, rec.ParentPath, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting file record: %w", err)
		}
	}
	rec.Status = model.StatusCompleted

	// 3. Ancestor folders.
	if err := s.ensureAncestors(ctx, tx, rec.ProjectID, rec.Path); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ensureAncestors inserts folder records for every missing ancestor of p.
// An ancestor that already exists as a file is a conflict.
func (s *SQLiteDatabase) ensureAncestors(ctx context.Context, tx *sql.Tx, projectID, p string) error {
	now := s.clock.Now()
	for _, dir := range model.AncestorPaths(p) {
		var isFolder bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_folder FROM file_records WHERE project_id = ? AND path = ?`, projectID, dir).Scan(&isFolder)
		if err == nil {
			if !isFolder {
				return fmt.Errorf("%w: ancestor %s of %s is a file", keel.ErrInvalidPath, dir, p)
			}
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("finding folder %s: %w", dir, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO file_records (id, project_id, path, name, is_folder, generation_status, parent_path, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, 'completed', ?, ?, ?)`,
			s.idgen.New(), projectID, dir, path.Base(dir), model.ParentPath(dir), now, now)
		if err != nil {
			return fmt.Errorf("creating folder %s: %w", dir, err)
		}
	}
	return nil
}

// DeleteFile removes a record. Deleting a folder removes everything under it.
func (s *SQLiteDatabase) DeleteFile(ctx context.Context, projectID, p string) error {
	prefix := p + "/"
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_records
		 WHERE project_id = ? AND (path = ? OR substr(path, 1, length(?)) = ?)`,
		projectID, p, prefix, prefix)
	if err != nil {
		return fmt.Errorf("deleting file record: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("deleting project records: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) StatusCounts(ctx context.Context, projectID string) (map[model.GenerationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation_status, COUNT(*) FROM file_records
		 WHERE project_id = ? AND is_folder = 0 GROUP BY generation_status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("counting statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.GenerationStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("counting statuses: %w", err)
		}
		counts[model.GenerationStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting statuses: %w", err)
	}
	return counts, nil
}

func (s *SQLiteDatabase) ReferencedStorageKeys(ctx context.Context, projectID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT storage_key FROM file_records WHERE project_id = ? AND storage_key IS NOT NULL`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing storage keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("listing storage keys: %w", err)
		}
		keys[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing storage keys: %w", err)
	}
	return keys, nil
}

func (s *SQLiteDatabase) StorageKeyReferenced(ctx context.Context, projectID, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_records WHERE project_id = ? AND storage_key = ?`, projectID, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking storage key: %w", err)
	}
	return n > 0, nil
}

// Operation tracking

func (s *SQLiteDatabase) CreateOperation(ctx context.Context, operation, parameters string) (*model.Operation, error) {
	op := &model.Operation{
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  s.clock.Now(),
		Status:     "running",
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (operation, parameters, started_at, status) VALUES (?, ?, ?, ?)`,
		op.Operation, op.Parameters, op.StartedAt, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	op.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteDatabase) FinishOperation(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`, s.clock.Now(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(ctx context.Context, limit int) ([]*model.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, parameters, started_at, finished_at, status
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		var op model.Operation
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &op.FinishedAt, &op.Status); err != nil {
			return nil, fmt.Errorf("listing operations: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// MigrateUp applies pending schema migrations.
func (s *SQLiteDatabase) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
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

// Compile-time check that SQLiteDatabase implements keel.MetadataStore
var _ keel.MetadataStore = (*SQLiteDatabase)(nil)
