package library

import (
	"context"
	"errors"
	"testing"
)

// mustAvailable reloads the book and checks the availability counters.
func mustAvailable(t *testing.T, db *Database, bookID string, available, total int) {
	t.Helper()
	b, err := db.GetBook(context.Background(), bookID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if b.AvailableCopies != available || b.TotalCopies != total {
		t.Fatalf("want %d/%d copies, got %d/%d", available, total, b.AvailableCopies, b.TotalCopies)
	}
	if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
		t.Fatalf("availability invariant broken: %d/%d", b.AvailableCopies, b.TotalCopies)
	}
}

func TestBorrowLifecycle(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	user := seedUser(t, db, "alice", RoleUser)
	book := seedBook(t, db, admin.ID, "Dune", 3)

	rec, err := db.CreateBorrowRequest(ctx, user, book.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Status != StatusPendingBorrow || rec.BookTitle != "Dune" || rec.UserName != "alice" {
		t.Fatalf("bad pending record: %+v", rec)
	}
	mustAvailable(t, db, book.ID, 3, 3) // not reserved at request time

	rec, err = db.ApproveBorrow(ctx, admin.ID, rec.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if rec.Status != StatusBorrowed || rec.ConfirmedBy != admin.ID || rec.ConfirmedAt == nil {
		t.Fatalf("bad borrowed record: %+v", rec)
	}
	mustAvailable(t, db, book.ID, 2, 3)

	rec, err = db.RequestReturn(ctx, user.ID, rec.ID)
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if rec.Status != StatusPendingReturn {
		t.Fatalf("want pending_return, got %s", rec.Status)
	}
	mustAvailable(t, db, book.ID, 2, 3) // copy still out until confirmed

	rec, err = db.ConfirmReturn(ctx, admin.ID, rec.ID)
	if err != nil {
		t.Fatalf("confirm return: %v", err)
	}
	if rec.Status != StatusReturned || rec.ReturnDate == nil {
		t.Fatalf("bad returned record: %+v", rec)
	}
	mustAvailable(t, db, book.ID, 3, 3)
}

func TestDuplicateBorrowRequest(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	user := seedUser(t, db, "alice", RoleUser)
	book := seedBook(t, db, admin.ID, "Dune", 3)

	rec, err := db.CreateBorrowRequest(ctx, user, book.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// Second request while the first is still pending.
	if _, err := db.CreateBorrowRequest(ctx, user, book.ID); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("want ErrDuplicateRequest while pending, got %v", err)
	}

	// Still blocked after approval.
	if _, err := db.ApproveBorrow(ctx, admin.ID, rec.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := db.CreateBorrowRequest(ctx, user, book.ID); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("want ErrDuplicateRequest while borrowed, got %v", err)
	}

	// A different user is not affected.
	bob := seedUser(t, db, "bob", RoleUser)
	if _, err := db.CreateBorrowRequest(ctx, bob, book.ID); err != nil {
		t.Fatalf("other user's request should pass: %v", err)
	}

	// After the full cycle the user may borrow the book again.
	if _, err := db.RequestReturn(ctx, user.ID, rec.ID); err != nil {
		t.Fatalf("request return: %v", err)
	}
	if _, err := db.ConfirmReturn(ctx, admin.ID, rec.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := db.CreateBorrowRequest(ctx, user, book.ID); err != nil {
		t.Fatalf("request after return should pass: %v", err)
	}
}

func TestRequestForMissingBook(t *testing.T) {
	db := tempDB(t)
	user := seedUser(t, db, "alice", RoleUser)

	_, err := db.CreateBorrowRequest(context.Background(), user, "no-such-book")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestApproveExhaustedBook(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	alice := seedUser(t, db, "alice", RoleUser)
	bob := seedUser(t, db, "bob", RoleUser)
	book := seedBook(t, db, admin.ID, "Rare Book", 1)

	recA, _ := db.CreateBorrowRequest(ctx, alice, book.ID)
	recB, _ := db.CreateBorrowRequest(ctx, bob, book.ID)

	if _, err := db.ApproveBorrow(ctx, admin.ID, recA.ID); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	mustAvailable(t, db, book.ID, 0, 1)

	_, err := db.ApproveBorrow(ctx, admin.ID, recB.ID)
	if !errors.Is(err, ErrNoCopiesAvailable) {
		t.Fatalf("want ErrNoCopiesAvailable, got %v", err)
	}

	// Nothing moved: the book stays exhausted and Bob's request stays pending.
	mustAvailable(t, db, book.ID, 0, 1)
	rec, err := db.GetRecord(ctx, recB.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != StatusPendingBorrow || rec.ConfirmedAt != nil {
		t.Fatalf("record should be untouched, got %+v", rec)
	}
}

func TestApproveWrongState(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	user := seedUser(t, db, "alice", RoleUser)
	book := seedBook(t, db, admin.ID, "Dune", 2)

	rec, _ := db.CreateBorrowRequest(ctx, user, book.ID)
	if _, err := db.ApproveBorrow(ctx, admin.ID, rec.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Approving twice must fail and not take a second copy.
	if _, err := db.ApproveBorrow(ctx, admin.ID, rec.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("want ErrInvalidStateTransition, got %v", err)
	}
	mustAvailable(t, db, book.ID, 1, 2)

	if _, err := db.ApproveBorrow(ctx, admin.ID, "no-such-record"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRejectBorrow(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	user := seedUser(t, db, "alice", RoleUser)
	book := seedBook(t, db, admin.ID, "Dune", 3)

	rec, _ := db.CreateBorrowRequest(ctx, user, book.ID)
	if _, err := db.RejectBorrow(ctx, rec.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// The record vanishes; no terminal rejected state is kept.
	if _, err := db.GetRecord(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record should be gone, got %v", err)
	}
	mustAvailable(t, db, book.ID, 3, 3)

	// Only pending requests can be rejected.
	rec2, _ := db.CreateBorrowRequest(ctx, user, book.ID)
	if _, err := db.ApproveBorrow(ctx, admin.ID, rec2.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := db.RejectBorrow(ctx, rec2.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("want ErrInvalidStateTransition, got %v", err)
	}
}

func TestRequestReturnOwnershipAndState(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	alice := seedUser(t, db, "alice", RoleUser)
	bob := seedUser(t, db, "bob", RoleUser)
	book := seedBook(t, db, admin.ID, "Dune", 3)

	rec, _ := db.CreateBorrowRequest(ctx, alice, book.ID)

	// A pending_borrow record cannot move straight to pending_return.
	if _, err := db.RequestReturn(ctx, alice.ID, rec.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("want ErrInvalidStateTransition, got %v", err)
	}

	if _, err := db.ApproveBorrow(ctx, admin.ID, rec.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Someone else's record is off limits.
	if _, err := db.RequestReturn(ctx, bob.ID, rec.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied, got %v", err)
	}

	if _, err := db.RequestReturn(ctx, alice.ID, rec.ID); err != nil {
		t.Fatalf("owner's request: %v", err)
	}
}

func TestConfirmReturnStates(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	user := seedUser(t, db, "alice", RoleUser)
	book := seedBook(t, db, admin.ID, "Dune", 3)

	rec, _ := db.CreateBorrowRequest(ctx, user, book.ID)

	// pending_borrow cannot be confirmed as returned.
	if _, err := db.ConfirmReturn(ctx, admin.ID, rec.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("want ErrInvalidStateTransition for pending_borrow, got %v", err)
	}

	db.ApproveBorrow(ctx, admin.ID, rec.ID)

	// borrowed cannot be confirmed either; the user must request first.
	if _, err := db.ConfirmReturn(ctx, admin.ID, rec.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("want ErrInvalidStateTransition for borrowed, got %v", err)
	}

	db.RequestReturn(ctx, user.ID, rec.ID)
	if _, err := db.ConfirmReturn(ctx, admin.ID, rec.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	mustAvailable(t, db, book.ID, 3, 3)

	// A second confirmation on the already-returned record is rejected and
	// the counter is not incremented again.
	if _, err := db.ConfirmReturn(ctx, admin.ID, rec.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("want ErrInvalidStateTransition for returned, got %v", err)
	}
	mustAvailable(t, db, book.ID, 3, 3)
}

func TestConfirmReturnClampsOverflow(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	user := seedUser(t, db, "alice", RoleUser)
	book := seedBook(t, db, admin.ID, "Dune", 2)

	rec, _ := db.CreateBorrowRequest(ctx, user, book.ID)
	db.ApproveBorrow(ctx, admin.ID, rec.ID)
	db.RequestReturn(ctx, user.ID, rec.ID)

	// Corrupt the counter the way a lost update would.
	if _, err := db.db.Exec(`UPDATE books SET available_copies = total_copies WHERE id=?`, book.ID); err != nil {
		t.Fatalf("corrupt counter: %v", err)
	}

	rec, err := db.ConfirmReturn(ctx, admin.ID, rec.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.Status != StatusReturned {
		t.Fatalf("want returned, got %s", rec.Status)
	}
	// Clamped: availability never exceeds total.
	mustAvailable(t, db, book.ID, 2, 2)
}

func TestConfirmReturnSurvivesDeletedBook(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	user := seedUser(t, db, "alice", RoleUser)
	book := seedBook(t, db, admin.ID, "Doomed", 1)

	rec, _ := db.CreateBorrowRequest(ctx, user, book.ID)
	db.ApproveBorrow(ctx, admin.ID, rec.ID)
	db.RequestReturn(ctx, user.ID, rec.ID)

	// Delete guards only check pending_borrow/borrowed, so a pending_return
	// book can be removed. The confirmation must still close the record.
	if err := db.DeleteBook(ctx, book.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rec, err := db.ConfirmReturn(ctx, admin.ID, rec.ID)
	if err != nil {
		t.Fatalf("confirm with missing book: %v", err)
	}
	if rec.Status != StatusReturned || rec.ReturnDate == nil {
		t.Fatalf("record should still close, got %+v", rec)
	}
}

func TestRecordListings(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	admin := seedUser(t, db, "admin", RoleAdmin)
	alice := seedUser(t, db, "alice", RoleUser)
	bob := seedUser(t, db, "bob", RoleUser)
	b1 := seedBook(t, db, admin.ID, "First", 2)
	b2 := seedBook(t, db, admin.ID, "Second", 2)

	r1, _ := db.CreateBorrowRequest(ctx, alice, b1.ID)
	r2, _ := db.CreateBorrowRequest(ctx, bob, b1.ID)
	r3, _ := db.CreateBorrowRequest(ctx, alice, b2.ID)

	db.ApproveBorrow(ctx, admin.ID, r2.ID)
	db.ApproveBorrow(ctx, admin.ID, r3.ID)
	db.RequestReturn(ctx, alice.ID, r3.ID)
	db.ConfirmReturn(ctx, admin.ID, r3.ID)

	pending, err := db.GetRecordsByStatus(ctx, StatusPendingBorrow)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != r1.ID {
		t.Fatalf("want only r1 pending, got %+v", pending)
	}

	mine, err := db.GetUserRecords(ctx, alice.ID)
	if err != nil {
		t.Fatalf("user records: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("want 2 records for alice, got %d", len(mine))
	}

	recent, err := db.GetRecentReturns(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != r3.ID {
		t.Fatalf("want r3 in recent returns, got %+v", recent)
	}
}
