package library

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	mgr, err := NewManager(Config{
		DBPath:      filepath.Join(dir, "lib.db"),
		TokenSecret: "test-secret",
	})
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func bootstrap(t *testing.T, mgr *Manager) (*User, *User) {
	t.Helper()
	ctx := context.Background()
	admin, err := mgr.BootstrapAdmin(ctx, UserParams{
		Username: "admin", Email: "admin@example.com", Password: "secret-pw",
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	user, err := mgr.CreateUser(ctx, admin, UserParams{
		Username: "alice", Email: "alice@example.com", Password: "secret-pw",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return admin, user
}

func TestBootstrapAdminRunsOnce(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	admin, err := mgr.BootstrapAdmin(ctx, UserParams{
		Username: "admin", Email: "admin@example.com", Password: "secret-pw",
	})
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if admin.Role != RoleAdmin {
		t.Fatalf("want admin role, got %s", admin.Role)
	}

	_, err = mgr.BootstrapAdmin(ctx, UserParams{
		Username: "second", Email: "second@example.com", Password: "secret-pw",
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied, got %v", err)
	}
}

func TestSignInAndSessionToken(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	_, user := bootstrap(t, mgr)

	if _, _, err := mgr.SignIn(ctx, user.Email, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := mgr.SignIn(ctx, "nobody@example.com", "secret-pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("missing account should look like bad credentials, got %v", err)
	}

	signed, token, err := mgr.SignIn(ctx, user.Email, "secret-pw")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if signed.ID != user.ID {
		t.Fatalf("wrong user signed in")
	}

	current, err := mgr.CurrentUser(ctx, token)
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if current.ID != user.ID || current.Role != RoleUser {
		t.Fatalf("token resolved to wrong user: %+v", current)
	}

	if _, err := mgr.CurrentUser(ctx, "garbage.token.here"); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("want ErrNotSignedIn, got %v", err)
	}
}

func TestSessionTokenFromOtherSecret(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	_, user := bootstrap(t, mgr)

	foreign, err := signToken(user, []byte("other-secret"), DefaultSessionTTL)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := mgr.CurrentUser(ctx, foreign); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("foreign token must not verify, got %v", err)
	}
}

func TestRoleGate(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin, user := bootstrap(t, mgr)

	book, err := mgr.AddBook(ctx, admin, BookParams{Title: "Dune", Author: "Herbert", TotalCopies: 1})
	if err != nil {
		t.Fatalf("add book: %v", err)
	}

	// Users cannot touch the catalog or the admin queues.
	if _, err := mgr.AddBook(ctx, user, BookParams{Title: "X", Author: "Y", TotalCopies: 1}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied for user AddBook, got %v", err)
	}
	if err := mgr.DeleteBook(ctx, user, book.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied for user DeleteBook, got %v", err)
	}
	if _, err := mgr.RecordsByStatus(ctx, user, StatusPendingBorrow); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied for user queue listing, got %v", err)
	}
	if _, err := mgr.Reconcile(ctx, user, false); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied for user reconcile, got %v", err)
	}
	if _, err := mgr.ListUsers(ctx, user); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied for user ListUsers, got %v", err)
	}

	// Admins do not borrow; the user-side operations are user-gated.
	if _, err := mgr.RequestBorrow(ctx, admin, book.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("want ErrPermissionDenied for admin RequestBorrow, got %v", err)
	}

	// Nobody signed in at all.
	if _, err := mgr.ListBooks(ctx, nil); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("want ErrNotSignedIn, got %v", err)
	}
	if _, err := mgr.ApproveBorrow(ctx, nil, "some-record"); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("want ErrNotSignedIn, got %v", err)
	}
}

func TestManagerBorrowFlow(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin, user := bootstrap(t, mgr)

	book, err := mgr.AddBook(ctx, admin, BookParams{Title: "Dune", Author: "Herbert", TotalCopies: 3})
	if err != nil {
		t.Fatalf("add book: %v", err)
	}

	rec, err := mgr.RequestBorrow(ctx, user, book.ID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	pending, err := mgr.RecordsByStatus(ctx, admin, StatusPendingBorrow)
	if err != nil {
		t.Fatalf("pending queue: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != rec.ID {
		t.Fatalf("queue should hold the request, got %+v", pending)
	}

	if _, err := mgr.ApproveBorrow(ctx, admin, rec.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := mgr.RequestReturn(ctx, user, rec.ID); err != nil {
		t.Fatalf("request return: %v", err)
	}
	if _, err := mgr.ConfirmReturn(ctx, admin, rec.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	mine, err := mgr.MyRecords(ctx, user)
	if err != nil {
		t.Fatalf("my records: %v", err)
	}
	if len(mine) != 1 || mine[0].Status != StatusReturned {
		t.Fatalf("ledger should show the closed record, got %+v", mine)
	}

	got, err := mgr.GetBook(ctx, user, book.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AvailableCopies != 3 {
		t.Fatalf("want all copies back, got %d", got.AvailableCopies)
	}
}

func TestInputValidation(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin, user := bootstrap(t, mgr)

	tests := []struct {
		name string
		call func() error
	}{
		{"book without title", func() error {
			_, err := mgr.AddBook(ctx, admin, BookParams{Author: "A", TotalCopies: 1})
			return err
		}},
		{"negative copies", func() error {
			_, err := mgr.AddBook(ctx, admin, BookParams{Title: "T", Author: "A", TotalCopies: -1})
			return err
		}},
		{"short isbn", func() error {
			_, err := mgr.AddBook(ctx, admin, BookParams{Title: "T", Author: "A", ISBN: "123", TotalCopies: 1})
			return err
		}},
		{"bad email", func() error {
			_, err := mgr.CreateUser(ctx, admin, UserParams{Username: "bob", Email: "not-an-email", Password: "secret-pw"})
			return err
		}},
		{"short password", func() error {
			_, err := mgr.CreateUser(ctx, admin, UserParams{Username: "bob", Email: "bob@example.com", Password: "abc"})
			return err
		}},
		{"short new password", func() error {
			return mgr.ChangePassword(ctx, user, "abc")
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if err == nil {
				t.Fatalf("want validation error")
			}
			if !strings.Contains(err.Error(), "invalid") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestChangePassword(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	_, user := bootstrap(t, mgr)

	if err := mgr.ChangePassword(ctx, user, "brand-new-pw"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if _, _, err := mgr.SignIn(ctx, user.Email, "secret-pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should stop working, got %v", err)
	}
	if _, _, err := mgr.SignIn(ctx, user.Email, "brand-new-pw"); err != nil {
		t.Fatalf("new password: %v", err)
	}
}

func TestCreatedAccountsAreUsers(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	admin, _ := bootstrap(t, mgr)

	u, err := mgr.CreateUser(ctx, admin, UserParams{
		Username: "carol", Email: "carol@example.com", Password: "secret-pw",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.Role != RoleUser {
		t.Fatalf("admin-created accounts must carry the user role, got %s", u.Role)
	}

	users, err := mgr.ListUsers(ctx, admin)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("want 3 accounts, got %d", len(users))
	}
}
