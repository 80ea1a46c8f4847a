package records

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"certreg/internal/lease"
	"certreg/internal/models"
)

// ErrNotFound reports an unknown record id.
var ErrNotFound = errors.New("record not found")

// VersionConflictError rejects a write whose version marker no longer
// matches the record. Distinct from a lock conflict: it catches edits that
// slipped through an expired lease between read and write.
type VersionConflictError struct {
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("record changed since read (expected version %d, current %d)", e.Expected, e.Current)
}

// Store wraps the SQL database with record and lease helpers. Lease state
// lives on the record row itself; activity is recomputed by the lease
// manager, never here.
type Store struct {
	db *sql.DB
}

// New opens the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// InitSchema creates the records table.
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		inspector TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		lease_holder TEXT,
		lease_privileged INTEGER NOT NULL DEFAULT 0,
		lease_acquired_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert adds a new record, stamping both timestamps.
func (s *Store) Insert(rec *models.Record) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO records (id, title, inspector, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Title, rec.Inspector, rec.Body, now.UnixNano(), now.UnixNano())
	return err
}

// Get retrieves a record by id.
func (s *Store) Get(id string) (*models.Record, error) {
	var rec models.Record
	var createdAt, updatedAt int64

	err := s.db.QueryRow(`
		SELECT id, title, inspector, body, created_at, updated_at
		FROM records WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Title, &rec.Inspector, &rec.Body, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}

// List returns up to limit records, newest first.
func (s *Store) List(limit int) ([]models.Record, error) {
	rows, err := s.db.Query(`
		SELECT id, title, inspector, body, created_at, updated_at
		FROM records ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Record{}
	for rows.Next() {
		var rec models.Record
		var createdAt, updatedAt int64
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Inspector, &rec.Body, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(0, createdAt)
		rec.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateWithVersion writes the record's mutable fields if expectedVersion
// still matches the stored marker, assigning a fresh marker on success.
func (s *Store) UpdateWithVersion(rec *models.Record, expectedVersion int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow(`SELECT updated_at FROM records WHERE id = ?`, rec.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return &VersionConflictError{Expected: expectedVersion, Current: current}
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE records SET title = ?, inspector = ?, body = ?, updated_at = ?
		WHERE id = ?
	`, rec.Title, rec.Inspector, rec.Body, now.UnixNano(), rec.ID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rec.UpdatedAt = now
	return nil
}

// Lease reads the lease columns for a record. Implements lease.Store.
func (s *Store) Lease(resourceID string) (lease.Lease, error) {
	var holder sql.NullString
	var privileged bool
	var acquiredAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT lease_holder, lease_privileged, lease_acquired_at
		FROM records WHERE id = ?
	`, resourceID).Scan(&holder, &privileged, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return lease.Lease{}, ErrNotFound
	}
	if err != nil {
		return lease.Lease{}, err
	}

	l := lease.Lease{HolderPrivileged: privileged}
	if holder.Valid {
		l.Holder = holder.String
	}
	if acquiredAt.Valid {
		l.AcquiredAt = time.Unix(0, acquiredAt.Int64)
	}
	return l, nil
}

// SetLease writes the lease columns for a record. Implements lease.Store.
func (s *Store) SetLease(resourceID string, l lease.Lease) error {
	res, err := s.db.Exec(`
		UPDATE records SET lease_holder = ?, lease_privileged = ?, lease_acquired_at = ?
		WHERE id = ?
	`, l.Holder, l.HolderPrivileged, l.AcquiredAt.UnixNano(), resourceID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ClearLease empties the lease columns. Implements lease.Store.
func (s *Store) ClearLease(resourceID string) error {
	res, err := s.db.Exec(`
		UPDATE records SET lease_holder = NULL, lease_privileged = 0, lease_acquired_at = NULL
		WHERE id = ?
	`, resourceID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
