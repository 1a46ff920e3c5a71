package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// The borrow workflow. Each operation runs as one transaction via withTx, so
// the record write and the availability write land together or not at all, and
// a conflicting writer surfaces as ErrConcurrentModification instead of a lost
// update. Availability itself is only ever mutated through guarded UPDATEs
// keyed on the current counter value.

// CreateBorrowRequest inserts a pending_borrow record for the acting user.
// Availability is not reserved at request time; the duplicate check covers
// records still pending or approved.
func (d *Database) CreateBorrowRequest(ctx context.Context, user *User, bookID string) (*BorrowRecord, error) {
	var rec *BorrowRecord
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var title string
		err := tx.QueryRow(`SELECT title FROM books WHERE id=?`, bookID).Scan(&title)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("book %s: %w", bookID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		var dup bool
		err = tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM borrow_records
            WHERE user_id=? AND book_id=? AND status IN (?,?))`,
			user.ID, bookID, StatusPendingBorrow, StatusBorrowed).Scan(&dup)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateRequest
		}

		rec = &BorrowRecord{
			ID:         uuid.NewString(),
			UserID:     user.ID,
			UserName:   user.Username,
			BookID:     bookID,
			BookTitle:  title,
			BorrowDate: time.Now().UTC(),
			Status:     StatusPendingBorrow,
		}
		_, err = tx.Stmt(d.addRecordStmt).Exec(rec.ID, rec.UserID, rec.UserName,
			rec.BookID, rec.BookTitle, rec.BorrowDate, rec.Status)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApproveBorrow moves a pending_borrow record to borrowed and takes one copy.
// The decrement is guarded by available_copies > 0, so approving an exhausted
// book fails with ErrNoCopiesAvailable and writes nothing.
func (d *Database) ApproveBorrow(ctx context.Context, adminID, recordID string) (*BorrowRecord, error) {
	var rec *BorrowRecord
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = getRecordTx(tx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != StatusPendingBorrow {
			return fmt.Errorf("approve a %s record: %w", rec.Status, ErrInvalidStateTransition)
		}

		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`, rec.BookID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("book %s: %w", rec.BookID, ErrNotFound)
		}

		now := time.Now().UTC()
		res, err := tx.Exec(`UPDATE books SET available_copies = available_copies - 1, last_modified=?
            WHERE id=? AND available_copies > 0`, now, rec.BookID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("book %s: %w", rec.BookID, ErrNoCopiesAvailable)
		}

		_, err = tx.Exec(`UPDATE borrow_records SET status=?, confirmed_by=?, confirmed_at=? WHERE id=?`,
			StatusBorrowed, adminID, now, recordID)
		if err != nil {
			return err
		}

		rec.Status = StatusBorrowed
		rec.ConfirmedBy = adminID
		rec.ConfirmedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RejectBorrow deletes a pending_borrow record outright. Rejections leave no
// terminal state in the ledger; availability was never reserved, so the book
// is untouched.
func (d *Database) RejectBorrow(ctx context.Context, recordID string) (*BorrowRecord, error) {
	var rec *BorrowRecord
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = getRecordTx(tx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != StatusPendingBorrow {
			return fmt.Errorf("reject a %s record: %w", rec.Status, ErrInvalidStateTransition)
		}
		_, err = tx.Exec(`DELETE FROM borrow_records WHERE id=?`, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RequestReturn moves the caller's borrowed record to pending_return. The
// record must belong to userID; the physical copy stays counted against the
// book until an admin confirms.
func (d *Database) RequestReturn(ctx context.Context, userID, recordID string) (*BorrowRecord, error) {
	var rec *BorrowRecord
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = getRecordTx(tx, recordID)
		if err != nil {
			return err
		}
		if rec.UserID != userID {
			return fmt.Errorf("record %s belongs to another user: %w", recordID, ErrPermissionDenied)
		}
		if rec.Status != StatusBorrowed {
			return fmt.Errorf("request return on a %s record: %w", rec.Status, ErrInvalidStateTransition)
		}
		if _, err := tx.Exec(`UPDATE borrow_records SET status=? WHERE id=?`, StatusPendingReturn, recordID); err != nil {
			return err
		}
		rec.Status = StatusPendingReturn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ConfirmReturn closes a pending_return record and releases its copy. The
// increment is clamped at total_copies; when the clamp fires the anomaly is
// logged loudly rather than propagated, since the return itself is real. A
// missing book (deleted while the record was open, which delete guards should
// prevent) is tolerated and logged.
func (d *Database) ConfirmReturn(ctx context.Context, adminID, recordID string) (*BorrowRecord, error) {
	var rec *BorrowRecord
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = getRecordTx(tx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != StatusPendingReturn {
			return fmt.Errorf("confirm return on a %s record: %w", rec.Status, ErrInvalidStateTransition)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`UPDATE borrow_records SET status=?, return_date=? WHERE id=?`,
			StatusReturned, now, recordID); err != nil {
			return err
		}

		res, err := tx.Exec(`UPDATE books SET available_copies = available_copies + 1, last_modified=?
            WHERE id=? AND available_copies < total_copies`, now, rec.BookID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`, rec.BookID).Scan(&exists); err != nil {
				return err
			}
			if exists {
				d.log.WithFields(logrus.Fields{
					"book":   rec.BookID,
					"record": recordID,
				}).Warn("availability already at total copies, increment clamped")
			} else {
				d.log.WithFields(logrus.Fields{
					"book":   rec.BookID,
					"record": recordID,
				}).Warn("book deleted before return confirmation")
			}
		}

		rec.Status = StatusReturned
		rec.ReturnDate = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecord fetches a single borrow record.
func (d *Database) GetRecord(ctx context.Context, id string) (*BorrowRecord, error) {
	rec, err := scanRecord(d.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM borrow_records WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("borrow record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// GetUserRecords returns the user's full ledger, newest request first.
func (d *Database) GetUserRecords(ctx context.Context, userID string) ([]*BorrowRecord, error) {
	return d.queryRecords(ctx, `SELECT `+recordColumns+` FROM borrow_records
        WHERE user_id=? ORDER BY borrow_date DESC`, userID)
}

// GetRecordsByStatus returns every record in the given state, oldest first, so
// admin queues come out in request order.
func (d *Database) GetRecordsByStatus(ctx context.Context, status BorrowStatus) ([]*BorrowRecord, error) {
	return d.queryRecords(ctx, `SELECT `+recordColumns+` FROM borrow_records
        WHERE status=? ORDER BY borrow_date ASC`, status)
}

// GetRecentReturns returns the latest closed records, newest first.
func (d *Database) GetRecentReturns(ctx context.Context, limit int) ([]*BorrowRecord, error) {
	return d.queryRecords(ctx, `SELECT `+recordColumns+` FROM borrow_records
        WHERE status=? ORDER BY return_date DESC LIMIT ?`, StatusReturned, limit)
}

func (d *Database) queryRecords(ctx context.Context, query string, args ...any) ([]*BorrowRecord, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*BorrowRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func getRecordTx(tx *sql.Tx, id string) (*BorrowRecord, error) {
	rec, err := scanRecord(tx.QueryRow(`SELECT `+recordColumns+` FROM borrow_records WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("borrow record %s: %w", id, ErrNotFound)
	}
	return rec, err
}
