package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BookParams carries the caller-supplied fields for catalog create/update.
type BookParams struct {
	Title       string `validate:"required"`
	Author      string `validate:"required"`
	ISBN        string `validate:"omitempty,min=10,max=17"`
	Category    string
	Description string
	CoverImage  string `validate:"omitempty,url"`
	TotalCopies int    `validate:"gte=0"`
}

// AddBook inserts a new catalog entry. All copies start available.
func (d *Database) AddBook(ctx context.Context, p BookParams, addedBy string) (*Book, error) {
	now := time.Now().UTC()
	b := &Book{
		ID:              uuid.NewString(),
		Title:           p.Title,
		Author:          p.Author,
		ISBN:            p.ISBN,
		Category:        p.Category,
		Description:     p.Description,
		CoverImage:      p.CoverImage,
		TotalCopies:     p.TotalCopies,
		AvailableCopies: p.TotalCopies,
		AddedAt:         now,
		LastModified:    now,
		AddedBy:         addedBy,
	}
	_, err := d.addBookStmt.ExecContext(ctx, b.ID, b.Title, b.Author, b.ISBN, b.Category,
		b.Description, b.CoverImage, b.TotalCopies, b.AvailableCopies, b.AddedAt, b.LastModified, b.AddedBy)
	if err != nil {
		return nil, fmt.Errorf("add book: %w", err)
	}
	return b, nil
}

// GetBook fetches a single book.
func (d *Database) GetBook(ctx context.Context, id string) (*Book, error) {
	b, err := scanBook(d.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return b, nil
}

// GetAllBooks returns the whole catalog ordered by title.
func (d *Database) GetAllBooks(ctx context.Context) ([]*Book, error) {
	return d.queryBooks(ctx, `SELECT `+bookColumns+` FROM books ORDER BY title`)
}

// SearchBooks matches the query as a case-insensitive substring of title,
// author or ISBN. An empty category matches every category.
func (d *Database) SearchBooks(ctx context.Context, query, category string) ([]*Book, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	if category != "" {
		return d.queryBooks(ctx, `SELECT `+bookColumns+` FROM books
            WHERE (LOWER(title) LIKE ? OR LOWER(author) LIKE ? OR LOWER(isbn) LIKE ?) AND category=?
            ORDER BY title`, pattern, pattern, pattern, category)
	}
	return d.queryBooks(ctx, `SELECT `+bookColumns+` FROM books
        WHERE LOWER(title) LIKE ? OR LOWER(author) LIKE ? OR LOWER(isbn) LIKE ?
        ORDER BY title`, pattern, pattern, pattern)
}

func (d *Database) queryBooks(ctx context.Context, query string, args ...any) ([]*Book, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// UpdateBook replaces the descriptive fields and recomputes availability from
// the change in total copies: newAvailable = oldAvailable + (newTotal -
// oldTotal), clamped at zero. No upper clamp is applied here; that matches the
// original edit behavior and Reconcile reports any resulting excess.
func (d *Database) UpdateBook(ctx context.Context, id string, p BookParams) (*Book, error) {
	var updated *Book
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		old, err := scanBook(tx.QueryRow(`SELECT `+bookColumns+` FROM books WHERE id=?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("book %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		available := old.AvailableCopies + (p.TotalCopies - old.TotalCopies)
		if available < 0 {
			available = 0
		}

		now := time.Now().UTC()
		_, err = tx.Exec(`UPDATE books SET title=?, author=?, isbn=?, category=?, description=?,
            cover_image=?, total_copies=?, available_copies=?, last_modified=? WHERE id=?`,
			p.Title, p.Author, p.ISBN, p.Category, p.Description, p.CoverImage,
			p.TotalCopies, available, now, id)
		if err != nil {
			return err
		}

		updated = &Book{
			ID:              id,
			Title:           p.Title,
			Author:          p.Author,
			ISBN:            p.ISBN,
			Category:        p.Category,
			Description:     p.Description,
			CoverImage:      p.CoverImage,
			TotalCopies:     p.TotalCopies,
			AvailableCopies: available,
			AddedAt:         old.AddedAt,
			LastModified:    now,
			AddedBy:         old.AddedBy,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteBook removes a catalog entry. It fails with ErrHasActiveBorrows while
// any record for the book is pending_borrow or borrowed; returned history is
// kept (the records carry their own title snapshot).
func (d *Database) DeleteBook(ctx context.Context, id string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("book %s: %w", id, ErrNotFound)
		}

		var open int
		err := tx.QueryRow(`SELECT COUNT(*) FROM borrow_records
            WHERE book_id=? AND status IN (?,?)`, id, StatusPendingBorrow, StatusBorrowed).Scan(&open)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("book %s has %d open records: %w", id, open, ErrHasActiveBorrows)
		}

		_, err = tx.Exec(`DELETE FROM books WHERE id=?`, id)
		return err
	})
}
