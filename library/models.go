package library

import "time"

// Role gates which operations a user may invoke.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// BorrowStatus is the lifecycle state of a BorrowRecord.
//
// Legal transitions:
//
//	pending_borrow -> borrowed        (admin approval)
//	borrowed       -> pending_return  (user return request)
//	pending_return -> returned        (admin confirmation)
//
// A pending_borrow record may instead be rejected, which deletes it outright;
// there is no terminal rejected state. returned is terminal.
type BorrowStatus string

const (
	StatusPendingBorrow BorrowStatus = "pending_borrow"
	StatusBorrowed      BorrowStatus = "borrowed"
	StatusPendingReturn BorrowStatus = "pending_return"
	StatusReturned      BorrowStatus = "returned"
)

// Book represents metadata and current availability of a title in the catalog.
// AvailableCopies counts copies not currently lent out; after any workflow
// operation 0 <= AvailableCopies <= TotalCopies holds.
type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn"`
	Category        string    `json:"category"`
	Description     string    `json:"description"`
	CoverImage      string    `json:"coverImage"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	AddedAt         time.Time `json:"addedAt"`
	LastModified    time.Time `json:"lastModified"`
	AddedBy         string    `json:"addedBy"`
}

// BorrowRecord tracks a single borrow-to-return cycle. UserName and BookTitle
// are snapshots taken at request time so history survives later edits.
type BorrowRecord struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	UserName    string       `json:"userName"`
	BookID      string       `json:"bookId"`
	BookTitle   string       `json:"bookTitle"`
	BorrowDate  time.Time    `json:"borrowDate"`
	Status      BorrowStatus `json:"status"`
	ConfirmedBy string       `json:"confirmedBy,omitempty"`
	ConfirmedAt *time.Time   `json:"confirmedAt,omitempty"`
	ReturnDate  *time.Time   `json:"returnDate,omitempty"`
}

// Open reports whether the record still holds (or may come to hold) a copy.
func (r *BorrowRecord) Open() bool {
	return r.Status == StatusPendingBorrow || r.Status == StatusBorrowed || r.Status == StatusPendingReturn
}

// User is a registered account. Role decides which workflow operations the
// account may invoke.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Don't serialize password hash
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsAdmin reports whether the user may invoke admin-gated operations.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }
