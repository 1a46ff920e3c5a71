package library

import "errors"

// Sentinel errors returned by the store and workflow operations. Callers match
// them with errors.Is; the CLI maps each one to a short human-readable message.
var (
	ErrNotFound               = errors.New("not found")
	ErrNoCopiesAvailable      = errors.New("no copies available")
	ErrDuplicateRequest       = errors.New("an active or pending borrow already exists for this book")
	ErrHasActiveBorrows       = errors.New("book has active borrows")
	ErrConcurrentModification = errors.New("concurrent modification, no rows were affected")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidCredentials     = errors.New("invalid email or password")
	ErrUserExists             = errors.New("user already exists")
	ErrNotSignedIn            = errors.New("not signed in")
)
