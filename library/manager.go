package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the knobs the Manager needs beyond the database path.
type Config struct {
	DBPath      string
	TokenSecret string
	SessionTTL  time.Duration
}

// Manager is the single entry point for every workflow operation. It owns the
// role gate: each method checks the acting user's role before touching the
// store, so permissions are enforced at the data-access boundary rather than
// in whatever front end sits on top.
type Manager struct {
	db       *Database
	validate *validator.Validate
	secret   []byte
	ttl      time.Duration
}

// NewManager opens (or creates) the store at cfg.DBPath.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("token secret must not be empty")
	}
	db, err := NewDatabase(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Manager{
		db:       db,
		validate: validator.New(),
		secret:   []byte(cfg.TokenSecret),
		ttl:      ttl,
	}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error { return m.db.Close() }

// ------------------ Role gate ------------------

func requireSignedIn(actor *User) error {
	if actor == nil {
		return ErrNotSignedIn
	}
	return nil
}

func requireRole(actor *User, role Role) error {
	if actor == nil {
		return ErrNotSignedIn
	}
	if actor.Role != role {
		return fmt.Errorf("%s role required: %w", role, ErrPermissionDenied)
	}
	return nil
}

// ------------------ Identity ------------------

// SignIn verifies the credentials and returns the user with a fresh session
// token. A missing account and a wrong password are indistinguishable to the
// caller.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*User, string, error) {
	u, err := m.db.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if err := u.VerifyPassword(password); err != nil {
		return nil, "", err
	}

	token, err := signToken(u, m.secret, m.ttl)
	if err != nil {
		return nil, "", fmt.Errorf("sign session token: %w", err)
	}
	return u, token, nil
}

// CurrentUser resolves a session token back to its account. The user row is
// re-read on every call; a token whose account has been removed no longer
// counts as signed in.
func (m *Manager) CurrentUser(ctx context.Context, token string) (*User, error) {
	claims, err := parseToken(token, m.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSignedIn, err)
	}
	u, err := m.db.GetUser(ctx, claims.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotSignedIn
	}
	return u, err
}

// ChangePassword replaces the acting user's own password.
func (m *Manager) ChangePassword(ctx context.Context, actor *User, newPassword string) error {
	if err := requireSignedIn(actor); err != nil {
		return err
	}
	if err := m.validate.Var(newPassword, "required,min=6"); err != nil {
		return fmt.Errorf("invalid password: %w", err)
	}
	return m.db.UpdateUserPassword(ctx, actor.ID, newPassword)
}

// CreateUser registers a new regular account. Only admins create accounts,
// and every account they create carries the user role.
func (m *Manager) CreateUser(ctx context.Context, actor *User, p UserParams) (*User, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	if err := m.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid user: %w", err)
	}
	return m.db.CreateUser(ctx, p, RoleUser)
}

// BootstrapAdmin seeds the first admin account. It refuses to run once any
// account exists; later admins are provisioned out of band.
func (m *Manager) BootstrapAdmin(ctx context.Context, p UserParams) (*User, error) {
	if err := m.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid user: %w", err)
	}
	n, err := m.db.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("store already provisioned: %w", ErrPermissionDenied)
	}
	return m.db.CreateUser(ctx, p, RoleAdmin)
}

// ListUsers returns every account.
func (m *Manager) ListUsers(ctx context.Context, actor *User) ([]*User, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.GetAllUsers(ctx)
}

// ------------------ Catalog ------------------

func (m *Manager) GetBook(ctx context.Context, actor *User, id string) (*Book, error) {
	if err := requireSignedIn(actor); err != nil {
		return nil, err
	}
	return m.db.GetBook(ctx, id)
}

func (m *Manager) ListBooks(ctx context.Context, actor *User) ([]*Book, error) {
	if err := requireSignedIn(actor); err != nil {
		return nil, err
	}
	return m.db.GetAllBooks(ctx)
}

func (m *Manager) SearchBooks(ctx context.Context, actor *User, query, category string) ([]*Book, error) {
	if err := requireSignedIn(actor); err != nil {
		return nil, err
	}
	return m.db.SearchBooks(ctx, query, category)
}

func (m *Manager) AddBook(ctx context.Context, actor *User, p BookParams) (*Book, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	if err := m.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid book: %w", err)
	}
	return m.db.AddBook(ctx, p, actor.ID)
}

func (m *Manager) UpdateBook(ctx context.Context, actor *User, id string, p BookParams) (*Book, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	if err := m.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid book: %w", err)
	}
	return m.db.UpdateBook(ctx, id, p)
}

func (m *Manager) DeleteBook(ctx context.Context, actor *User, id string) error {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return err
	}
	return m.db.DeleteBook(ctx, id)
}

// ------------------ Borrow workflow ------------------

// RequestBorrow files a pending borrow request for the acting user.
func (m *Manager) RequestBorrow(ctx context.Context, actor *User, bookID string) (*BorrowRecord, error) {
	if err := requireRole(actor, RoleUser); err != nil {
		return nil, err
	}
	return m.db.CreateBorrowRequest(ctx, actor, bookID)
}

// RequestReturn asks to give back one of the acting user's borrowed copies.
func (m *Manager) RequestReturn(ctx context.Context, actor *User, recordID string) (*BorrowRecord, error) {
	if err := requireRole(actor, RoleUser); err != nil {
		return nil, err
	}
	return m.db.RequestReturn(ctx, actor.ID, recordID)
}

// MyRecords returns the acting user's ledger, newest first.
func (m *Manager) MyRecords(ctx context.Context, actor *User) ([]*BorrowRecord, error) {
	if err := requireSignedIn(actor); err != nil {
		return nil, err
	}
	return m.db.GetUserRecords(ctx, actor.ID)
}

// ApproveBorrow grants a pending request and takes one copy.
func (m *Manager) ApproveBorrow(ctx context.Context, actor *User, recordID string) (*BorrowRecord, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.ApproveBorrow(ctx, actor.ID, recordID)
}

// RejectBorrow deletes a pending request.
func (m *Manager) RejectBorrow(ctx context.Context, actor *User, recordID string) (*BorrowRecord, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.RejectBorrow(ctx, recordID)
}

// ConfirmReturn closes a pending return and releases its copy.
func (m *Manager) ConfirmReturn(ctx context.Context, actor *User, recordID string) (*BorrowRecord, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.ConfirmReturn(ctx, actor.ID, recordID)
}

// RecordsByStatus returns the admin queue for one lifecycle state.
func (m *Manager) RecordsByStatus(ctx context.Context, actor *User, status BorrowStatus) ([]*BorrowRecord, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.GetRecordsByStatus(ctx, status)
}

// RecentReturns returns the latest closed records.
func (m *Manager) RecentReturns(ctx context.Context, actor *User, limit int) ([]*BorrowRecord, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.GetRecentReturns(ctx, limit)
}

// Reconcile audits stored availability against the ledger.
func (m *Manager) Reconcile(ctx context.Context, actor *User, fix bool) ([]AvailabilityDrift, error) {
	if err := requireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	return m.db.Reconcile(ctx, fix)
}
