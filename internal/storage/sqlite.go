// Package storage provides the SQLite-backed case store. It implements the
// review.Storage interface so deployments that need cases to survive a
// restart can swap it in for the default in-memory map.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openhitl/reviewd/internal/review"
	"github.com/openhitl/reviewd/internal/token"
)

// DefaultDBPath returns the default path for the reviewd database.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, ".reviewd", "reviewd.db"), nil
}

// OpenSQLite opens a SQLite database connection with WAL mode enabled and
// appropriate pragmas for performance and reliability.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	// Ensure the directory exists.
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database "+
			"directory: %w", err)
	}

	// Open the database with foreign keys and WAL mode enabled via URI.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer, multiple
	// readers).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return db, nil
}

// configurePragmas sets additional SQLite pragmas for optimal performance.
func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		// Synchronous mode: NORMAL provides good durability with
		// better performance than FULL.
		"PRAGMA synchronous = NORMAL",

		// Cache size: Negative value is in KiB, 64MB cache.
		"PRAGMA cache_size = -65536",

		// Temp store: Keep temporary tables in memory.
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w",
				pragma, err)
		}
	}

	return nil
}

// SQLiteStorage implements review.Storage on a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// Compile-time check.
var _ review.Storage = (*SQLiteStorage)(nil)

// Open opens (creating if necessary) the SQLite database at dbPath, applies
// pending migrations and returns the storage wrapping it.
func Open(dbPath string) (*SQLiteStorage, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

const caseColumns = `case_id, type, status, review_token_hash,
	submit_token_hash, inline_actions, context, prompt, default_action,
	result_action, result_data, responded_by_name, responded_by_email,
	created_at, opened_at, in_progress_at, completed_at, expired_at,
	cancelled_at, expires_at, version, etag`

// GetCase implements review.Storage.
func (s *SQLiteStorage) GetCase(ctx context.Context,
	caseID string) (*review.Case, error) {

	row := s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM review_cases WHERE case_id = ?`,
		caseID,
	)

	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, review.ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load case: %w", err)
	}

	return c, nil
}

// PutCase implements review.Storage. Version 1 inserts; later versions
// update with an optimistic-lock predicate, so a write that lost the version
// race is rejected with review.ErrVersionConflict instead of clobbering a
// concurrent writer's state.
func (s *SQLiteStorage) PutCase(ctx context.Context,
	c *review.Case) error {

	row, err := encodeCase(c)
	if err != nil {
		return err
	}

	if c.Version == 1 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO review_cases (`+caseColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
				?, ?, ?, ?, ?, ?, ?)`,
			row.args()...,
		)
		if err != nil {
			return fmt.Errorf("failed to insert case: %w", err)
		}

		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE review_cases SET
			type = ?, status = ?, review_token_hash = ?,
			submit_token_hash = ?, inline_actions = ?, context = ?,
			prompt = ?, default_action = ?, result_action = ?,
			result_data = ?, responded_by_name = ?,
			responded_by_email = ?, created_at = ?, opened_at = ?,
			in_progress_at = ?, completed_at = ?, expired_at = ?,
			cancelled_at = ?, expires_at = ?, version = ?, etag = ?
		WHERE case_id = ? AND version = ?`,
		append(row.args()[1:], c.CaseID, c.Version-1)...,
	)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return review.ErrVersionConflict
	}

	return nil
}

// DeleteCase implements review.Storage.
func (s *SQLiteStorage) DeleteCase(ctx context.Context,
	caseID string) error {

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM review_cases WHERE case_id = ?`, caseID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete case: %w", err)
	}

	return nil
}

// ListUnresolved implements review.Storage.
func (s *SQLiteStorage) ListUnresolved(
	ctx context.Context) ([]*review.Case, error) {

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+caseColumns+` FROM review_cases
		 WHERE status IN (?, ?, ?)`,
		string(review.StatusPending), string(review.StatusOpened),
		string(review.StatusInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	defer rows.Close()

	var out []*review.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

// caseRow is the flat column form of a case, with JSON documents and
// timestamps already encoded.
type caseRow struct {
	caseID          string
	caseType        string
	status          string
	reviewTokenHash []byte
	submitTokenHash []byte
	inlineActions   sql.NullString
	caseContext     sql.NullString
	prompt          string
	defaultAction   string
	resultAction    sql.NullString
	resultData      sql.NullString
	respondedName   sql.NullString
	respondedEmail  sql.NullString
	createdAt       int64
	openedAt        sql.NullInt64
	inProgressAt    sql.NullInt64
	completedAt     sql.NullInt64
	expiredAt       sql.NullInt64
	cancelledAt     sql.NullInt64
	expiresAt       int64
	version         int
	etag            string
}

func (r *caseRow) args() []any {
	return []any{
		r.caseID, r.caseType, r.status, r.reviewTokenHash,
		r.submitTokenHash, r.inlineActions, r.caseContext, r.prompt,
		r.defaultAction, r.resultAction, r.resultData,
		r.respondedName, r.respondedEmail, r.createdAt, r.openedAt,
		r.inProgressAt, r.completedAt, r.expiredAt, r.cancelledAt,
		r.expiresAt, r.version, r.etag,
	}
}

// encodeCase flattens a case into its column form.
func encodeCase(c *review.Case) (*caseRow, error) {
	row := &caseRow{
		caseID:          c.CaseID,
		caseType:        string(c.Type),
		status:          string(c.Status),
		reviewTokenHash: c.ReviewTokenHash[:],
		prompt:          c.Prompt,
		defaultAction:   c.DefaultAction,
		createdAt:       c.CreatedAt.UnixNano(),
		openedAt:        optTime(c.OpenedAt),
		inProgressAt:    optTime(c.InProgressAt),
		completedAt:     optTime(c.CompletedAt),
		expiredAt:       optTime(c.ExpiredAt),
		cancelledAt:     optTime(c.CancelledAt),
		expiresAt:       c.ExpiresAt.UnixNano(),
		version:         c.Version,
		etag:            c.ETag,
	}

	if c.SubmitTokenHash != nil {
		row.submitTokenHash = c.SubmitTokenHash[:]
	}

	if len(c.InlineActions) > 0 {
		encoded, err := json.Marshal(c.InlineActions)
		if err != nil {
			return nil, fmt.Errorf("failed to encode inline "+
				"actions: %w", err)
		}
		row.inlineActions = nullString(string(encoded))
	}

	if len(c.Context) > 0 {
		row.caseContext = nullString(string(c.Context))
	}

	if c.Result != nil {
		row.resultAction = nullString(c.Result.Action)
		if len(c.Result.Data) > 0 {
			row.resultData = nullString(string(c.Result.Data))
		}
	}

	if c.RespondedBy != nil {
		row.respondedName = nullString(c.RespondedBy.Name)
		row.respondedEmail = nullString(c.RespondedBy.Email)
	}

	return row, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCase rebuilds a case from its column form.
func scanCase(row rowScanner) (*review.Case, error) {
	var r caseRow
	err := row.Scan(
		&r.caseID, &r.caseType, &r.status, &r.reviewTokenHash,
		&r.submitTokenHash, &r.inlineActions, &r.caseContext,
		&r.prompt, &r.defaultAction, &r.resultAction, &r.resultData,
		&r.respondedName, &r.respondedEmail, &r.createdAt, &r.openedAt,
		&r.inProgressAt, &r.completedAt, &r.expiredAt, &r.cancelledAt,
		&r.expiresAt, &r.version, &r.etag,
	)
	if err != nil {
		return nil, err
	}

	c := &review.Case{
		CaseID:        r.caseID,
		Type:          review.CaseType(r.caseType),
		Status:        review.Status(r.status),
		Prompt:        r.prompt,
		DefaultAction: r.defaultAction,
		CreatedAt:     time.Unix(0, r.createdAt).UTC(),
		OpenedAt:      timePtr(r.openedAt),
		InProgressAt:  timePtr(r.inProgressAt),
		CompletedAt:   timePtr(r.completedAt),
		ExpiredAt:     timePtr(r.expiredAt),
		CancelledAt:   timePtr(r.cancelledAt),
		ExpiresAt:     time.Unix(0, r.expiresAt).UTC(),
		Version:       r.version,
		ETag:          r.etag,
	}

	copy(c.ReviewTokenHash[:], r.reviewTokenHash)

	if len(r.submitTokenHash) > 0 {
		var d token.Digest
		copy(d[:], r.submitTokenHash)
		c.SubmitTokenHash = &d
	}

	if r.inlineActions.Valid {
		err := json.Unmarshal(
			[]byte(r.inlineActions.String), &c.InlineActions,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to decode inline "+
				"actions: %w", err)
		}
	}

	if r.caseContext.Valid {
		c.Context = json.RawMessage(r.caseContext.String)
	}

	if r.resultAction.Valid {
		c.Result = &review.Result{Action: r.resultAction.String}
		if r.resultData.Valid {
			c.Result.Data = json.RawMessage(r.resultData.String)
		}
	}

	if r.respondedName.Valid || r.respondedEmail.Valid {
		c.RespondedBy = &review.Identity{
			Name:  r.respondedName.String,
			Email: r.respondedEmail.String,
		}
	}

	return c, nil
}

func optTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
