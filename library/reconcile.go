package library

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"
)

// AvailabilityDrift describes one book whose stored availability disagrees
// with the ledger. Expected is totalCopies minus the count of records still
// holding a copy (borrowed or pending_return).
type AvailabilityDrift struct {
	BookID   string
	Title    string
	Total    int
	Stored   int
	Expected int
}

// Reconcile compares every book's stored available_copies against the open
// ledger entries. With fix set, drifting counters are rewritten to the derived
// value in the same transaction as the scan. Drift should not occur through
// the workflow paths; catalog edits can produce it (no upper clamp there).
func (d *Database) Reconcile(ctx context.Context, fix bool) ([]AvailabilityDrift, error) {
	var drifts []AvailabilityDrift
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		drifts = drifts[:0]
		rows, err := tx.Query(`SELECT b.id, b.title, b.total_copies, b.available_copies,
            (SELECT COUNT(*) FROM borrow_records r
                WHERE r.book_id = b.id AND r.status IN (?,?)) AS held
            FROM books b ORDER BY b.title`, StatusBorrowed, StatusPendingReturn)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				dr   AvailabilityDrift
				held int
			)
			if err := rows.Scan(&dr.BookID, &dr.Title, &dr.Total, &dr.Stored, &held); err != nil {
				return err
			}
			dr.Expected = dr.Total - held
			if dr.Expected < 0 {
				dr.Expected = 0
			}
			if dr.Stored != dr.Expected {
				drifts = append(drifts, dr)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if !fix {
			return nil
		}
		for _, dr := range drifts {
			if _, err := tx.Exec(`UPDATE books SET available_copies=? WHERE id=?`, dr.Expected, dr.BookID); err != nil {
				return err
			}
			d.log.WithFields(logrus.Fields{
				"book":     dr.BookID,
				"stored":   dr.Stored,
				"expected": dr.Expected,
			}).Warn("availability counter reconciled")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drifts, nil
}
