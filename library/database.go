package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database provides high-level helpers around a SQLite connection. All
// multi-step workflow operations run inside a single transaction so each
// either completes all its writes or performs none of them.
type Database struct {
	db  *sql.DB
	log *logrus.Entry

	addBookStmt   *sql.Stmt
	addRecordStmt *sql.Stmt
	addUserStmt   *sql.Stmt
}

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Enable busy_timeout and foreign keys.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{
		db:  db,
		log: logrus.WithField("component", "store"),
	}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	for _, stmt := range []*sql.Stmt{d.addBookStmt, d.addRecordStmt, d.addUserStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username TEXT NOT NULL UNIQUE,
            email TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL,
            role TEXT NOT NULL,
            created_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id TEXT PRIMARY KEY,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            isbn TEXT NOT NULL DEFAULT '',
            category TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            cover_image TEXT NOT NULL DEFAULT '',
            total_copies INTEGER NOT NULL,
            available_copies INTEGER NOT NULL,
            added_at DATETIME NOT NULL,
            last_modified DATETIME NOT NULL,
            added_by TEXT NOT NULL REFERENCES users(id)
        );`,
		// book_id carries no foreign key: returned records outlive their book
		// and the title snapshot keeps history readable.
		`CREATE TABLE IF NOT EXISTS borrow_records (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL REFERENCES users(id),
            user_name TEXT NOT NULL,
            book_id TEXT NOT NULL,
            book_title TEXT NOT NULL,
            borrow_date DATETIME NOT NULL,
            status TEXT NOT NULL,
            confirmed_by TEXT,
            confirmed_at DATETIME,
            return_date DATETIME
        );`,
		`CREATE INDEX IF NOT EXISTS idx_records_user ON borrow_records(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_records_book_status ON borrow_records(book_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_records_status ON borrow_records(status);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.addBookStmt, err = d.db.Prepare(`INSERT INTO books
        (id,title,author,isbn,category,description,cover_image,total_copies,available_copies,added_at,last_modified,added_by)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`); err != nil {
		return err
	}
	if d.addRecordStmt, err = d.db.Prepare(`INSERT INTO borrow_records
        (id,user_id,user_name,book_id,book_title,borrow_date,status,confirmed_by,confirmed_at,return_date)
        VALUES(?,?,?,?,?,?,?,NULL,NULL,NULL)`); err != nil {
		return err
	}
	if d.addUserStmt, err = d.db.Prepare(`INSERT INTO users
        (id,username,email,password_hash,role,created_at) VALUES(?,?,?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transaction wrapper
// ---------------------------------------------------------------------------

const txAttempts = 3

// withTx runs fn inside a transaction, retrying the whole transaction when
// SQLite reports a write conflict. After txAttempts failed attempts the error
// surfaces as ErrConcurrentModification so the caller can re-issue the action.
func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			d.log.WithField("attempt", attempt+1).Debug("retrying transaction after conflict")
			select {
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if !isConflict(err) {
				return err
			}
			lastErr = err
			continue
		}

		if err := tx.Commit(); err != nil {
			if !isConflict(err) {
				return fmt.Errorf("commit tx: %w", err)
			}
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConcurrentModification, lastErr)
}

// isConflict reports whether err is a SQLite busy/locked error, i.e. another
// writer held the database when we tried to commit.
func isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---------------------------------------------------------------------------
// Row scanning
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*Book, error) {
	var b Book
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Category, &b.Description,
		&b.CoverImage, &b.TotalCopies, &b.AvailableCopies, &b.AddedAt, &b.LastModified, &b.AddedBy)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanRecord(row rowScanner) (*BorrowRecord, error) {
	var (
		r           BorrowRecord
		confirmedBy sql.NullString
		confirmedAt sql.NullTime
		returnDate  sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.UserName, &r.BookID, &r.BookTitle,
		&r.BorrowDate, &r.Status, &confirmedBy, &confirmedAt, &returnDate)
	if err != nil {
		return nil, err
	}
	r.ConfirmedBy = confirmedBy.String
	if confirmedAt.Valid {
		t := confirmedAt.Time
		r.ConfirmedAt = &t
	}
	if returnDate.Valid {
		t := returnDate.Time
		r.ReturnDate = &t
	}
	return &r, nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const (
	bookColumns   = `id,title,author,isbn,category,description,cover_image,total_copies,available_copies,added_at,last_modified,added_by`
	recordColumns = `id,user_id,user_name,book_id,book_title,borrow_date,status,confirmed_by,confirmed_at,return_date`
	userColumns   = `id,username,email,password_hash,role,created_at`
)
