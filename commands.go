package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"librarian/library"

	"github.com/spf13/cobra"
)

func newRootCmd(mgr *library.Manager, cfg config) *cobra.Command {
	root := &cobra.Command{
		Use:           "librarian",
		Short:         "Manage a shared book collection from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newInitCmd(mgr),
		newLoginCmd(mgr, cfg),
		newLogoutCmd(cfg),
		newWhoamiCmd(mgr, cfg),
		newPasswdCmd(mgr, cfg),
		newBooksCmd(mgr, cfg),
		newBorrowCmd(mgr, cfg),
		newRequestsCmd(mgr, cfg),
		newReturnsCmd(mgr, cfg),
		newLoansCmd(mgr, cfg),
		newUsersCmd(mgr, cfg),
		newReconcileCmd(mgr, cfg),
	)
	return root
}

// actor resolves the session file into the signed-in user. Every command that
// touches the store goes through here; the role checks themselves live in the
// library package.
func actor(ctx context.Context, mgr *library.Manager, cfg config) (*library.User, error) {
	token, err := loadSession(cfg.sessionFile)
	if err != nil {
		return nil, err
	}
	return mgr.CurrentUser(ctx, token)
}

func promptNewPassword() (string, error) {
	password, err := readPassword("New password: ")
	if err != nil {
		return "", err
	}
	confirm, err := readPassword("Repeat password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

// ------------------ Account commands ------------------

func newInitCmd(mgr *library.Manager) *cobra.Command {
	var username, email string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the first administrator account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			admin, err := mgr.BootstrapAdmin(cmd.Context(), library.UserParams{
				Username: username,
				Email:    email,
				Password: password,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Administrator '%s' created. Sign in with `librarian login %s`.\n", admin.Username, admin.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name for the administrator")
	cmd.Flags().StringVar(&email, "email", "", "sign-in email for the administrator")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("email")
	return cmd
}

func newLoginCmd(mgr *library.Manager, cfg config) *cobra.Command {
	return &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in and store a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			user, token, err := mgr.SignIn(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			if err := saveSession(cfg.sessionFile, token); err != nil {
				return err
			}
			fmt.Printf("Signed in as %s (%s)\n", user.Username, user.Role)
			return nil
		},
	}
}

func newLogoutCmd(cfg config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clearSession(cfg.sessionFile); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		},
	}
}

func newWhoamiCmd(mgr *library.Manager, cfg config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("%s <%s> role=%s id=%s\n", user.Username, user.Email, user.Role, user.ID)
			return nil
		},
	}
}

func newPasswdCmd(mgr *library.Manager, cfg config) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change your own password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			if err := mgr.ChangePassword(cmd.Context(), user, password); err != nil {
				return err
			}
			fmt.Println("Password updated.")
			return nil
		},
	}
}

// ------------------ Catalog commands ------------------

func newBooksCmd(mgr *library.Manager, cfg config) *cobra.Command {
	books := &cobra.Command{
		Use:   "books",
		Short: "Browse and manage the catalog",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			all, err := mgr.ListBooks(cmd.Context(), user)
			if err != nil {
				return err
			}
			printBooks(all)
			return nil
		},
	}

	var category string
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search by title, author or ISBN",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			found, err := mgr.SearchBooks(cmd.Context(), user, query, category)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println("No books matched.")
				return nil
			}
			printBooks(found)
			return nil
		},
	}
	search.Flags().StringVar(&category, "category", "", "restrict to one category")

	var addParams library.BookParams
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			book, err := mgr.AddBook(cmd.Context(), user, addParams)
			if err != nil {
				return err
			}
			fmt.Printf("Added '%s' (%s), %d copies.\n", book.Title, book.ID, book.TotalCopies)
			return nil
		},
	}
	addBookFlags(add, &addParams)

	var updParams library.BookParams
	update := &cobra.Command{
		Use:   "update <book-id>",
		Short: "Edit a catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			current, err := mgr.GetBook(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			// Flags the operator did not pass keep their current values.
			merged := library.BookParams{
				Title:       current.Title,
				Author:      current.Author,
				ISBN:        current.ISBN,
				Category:    current.Category,
				Description: current.Description,
				CoverImage:  current.CoverImage,
				TotalCopies: current.TotalCopies,
			}
			flagValue := map[string]func(){
				"title":       func() { merged.Title = updParams.Title },
				"author":      func() { merged.Author = updParams.Author },
				"isbn":        func() { merged.ISBN = updParams.ISBN },
				"category":    func() { merged.Category = updParams.Category },
				"description": func() { merged.Description = updParams.Description },
				"cover":       func() { merged.CoverImage = updParams.CoverImage },
				"copies":      func() { merged.TotalCopies = updParams.TotalCopies },
			}
			for name, apply := range flagValue {
				if cmd.Flags().Changed(name) {
					apply()
				}
			}
			book, err := mgr.UpdateBook(cmd.Context(), user, args[0], merged)
			if err != nil {
				return err
			}
			fmt.Printf("Updated '%s': %d of %d copies available.\n", book.Title, book.AvailableCopies, book.TotalCopies)
			return nil
		},
	}
	addBookFlags(update, &updParams)

	del := &cobra.Command{
		Use:   "delete <book-id>",
		Short: "Remove a book from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			if err := mgr.DeleteBook(cmd.Context(), user, args[0]); err != nil {
				return err
			}
			fmt.Println("Book removed. Closed borrow history is kept.")
			return nil
		},
	}

	books.AddCommand(list, search, add, update, del)
	return books
}

func addBookFlags(cmd *cobra.Command, p *library.BookParams) {
	cmd.Flags().StringVar(&p.Title, "title", "", "book title")
	cmd.Flags().StringVar(&p.Author, "author", "", "book author")
	cmd.Flags().StringVar(&p.ISBN, "isbn", "", "ISBN-10 or ISBN-13")
	cmd.Flags().StringVar(&p.Category, "category", "", "shelf category")
	cmd.Flags().StringVar(&p.Description, "description", "", "short description")
	cmd.Flags().StringVar(&p.CoverImage, "cover", "", "cover image URL")
	cmd.Flags().IntVar(&p.TotalCopies, "copies", 1, "number of physical copies")
}

// ------------------ Borrow workflow commands ------------------

func newBorrowCmd(mgr *library.Manager, cfg config) *cobra.Command {
	borrow := &cobra.Command{
		Use:   "borrow",
		Short: "Request books and review your own ledger",
	}

	request := &cobra.Command{
		Use:   "request <book-id>",
		Short: "Ask to borrow a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			rec, err := mgr.RequestBorrow(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Requested '%s'. Request ID %s is waiting for approval.\n", rec.BookTitle, rec.ID)
			return nil
		},
	}

	mine := &cobra.Command{
		Use:   "mine",
		Short: "Show your borrow history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			recs, err := mgr.MyRecords(cmd.Context(), user)
			if err != nil {
				return err
			}
			printRecords(recs)
			return nil
		},
	}

	borrow.AddCommand(request, mine)
	return borrow
}

func newRequestsCmd(mgr *library.Manager, cfg config) *cobra.Command {
	requests := &cobra.Command{
		Use:   "requests",
		Short: "Work the pending borrow queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending borrow requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			recs, err := mgr.RecordsByStatus(cmd.Context(), user, library.StatusPendingBorrow)
			if err != nil {
				return err
			}
			printRecords(recs)
			return nil
		},
	}

	approve := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a borrow request and hand over a copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			rec, err := mgr.ApproveBorrow(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("'%s' is now borrowed by %s.\n", rec.BookTitle, rec.UserName)
			return nil
		},
	}

	reject := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject and discard a borrow request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			rec, err := mgr.RejectBorrow(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Request by %s for '%s' rejected and removed.\n", rec.UserName, rec.BookTitle)
			return nil
		},
	}

	requests.AddCommand(list, approve, reject)
	return requests
}

func newReturnsCmd(mgr *library.Manager, cfg config) *cobra.Command {
	returns := &cobra.Command{
		Use:   "returns",
		Short: "Hand books back and confirm returns",
	}

	request := &cobra.Command{
		Use:   "request <record-id>",
		Short: "Ask to return one of your borrowed books",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			rec, err := mgr.RequestReturn(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Return of '%s' is waiting for confirmation.\n", rec.BookTitle)
			return nil
		},
	}

	confirm := &cobra.Command{
		Use:   "confirm <record-id>",
		Short: "Confirm a return and release the copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			rec, err := mgr.ConfirmReturn(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("'%s' returned by %s.\n", rec.BookTitle, rec.UserName)
			return nil
		},
	}

	returns.AddCommand(request, confirm)
	return returns
}

func newLoansCmd(mgr *library.Manager, cfg config) *cobra.Command {
	return &cobra.Command{
		Use:   "loans",
		Short: "List every copy currently out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			borrowed, err := mgr.RecordsByStatus(cmd.Context(), user, library.StatusBorrowed)
			if err != nil {
				return err
			}
			pending, err := mgr.RecordsByStatus(cmd.Context(), user, library.StatusPendingReturn)
			if err != nil {
				return err
			}
			printRecords(append(borrowed, pending...))
			return nil
		},
	}
}

// ------------------ User administration ------------------

func newUsersCmd(mgr *library.Manager, cfg config) *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts",
	}

	var username, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a new reader account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			user, err := mgr.CreateUser(cmd.Context(), admin, library.UserParams{
				Username: username,
				Email:    email,
				Password: password,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Account '%s' <%s> created.\n", user.Username, user.Email)
			return nil
		},
	}
	add.Flags().StringVar(&username, "username", "", "display name")
	add.Flags().StringVar(&email, "email", "", "sign-in email")
	add.MarkFlagRequired("username")
	add.MarkFlagRequired("email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			all, err := mgr.ListUsers(cmd.Context(), admin)
			if err != nil {
				return err
			}
			printUsers(all)
			return nil
		},
	}

	users.AddCommand(add, list)
	return users
}

func newReconcileCmd(mgr *library.Manager, cfg config) *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Audit availability counters against the borrow ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := actor(cmd.Context(), mgr, cfg)
			if err != nil {
				return err
			}
			drifts, err := mgr.Reconcile(cmd.Context(), admin, fix)
			if err != nil {
				return err
			}
			if len(drifts) == 0 {
				fmt.Println("All availability counters match the ledger.")
				return nil
			}
			fmt.Printf("%-36s %-30s %-6s %-7s %s\n", "Book ID", "Title", "Total", "Stored", "Expected")
			fmt.Println(strings.Repeat("-", 95))
			for _, d := range drifts {
				fmt.Printf("%-36s %-30s %-6d %-7d %d\n", d.BookID, truncateString(d.Title, 30), d.Total, d.Stored, d.Expected)
			}
			if fix {
				fmt.Printf("\n%d counter(s) rewritten.\n", len(drifts))
			} else {
				fmt.Printf("\n%d counter(s) off. Re-run with --fix to rewrite them.\n", len(drifts))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "rewrite drifted counters")
	return cmd
}

// ------------------ Table output ------------------

func printBooks(books []*library.Book) {
	if len(books) == 0 {
		fmt.Println("No books in the catalog.")
		return
	}
	fmt.Printf("%-36s %-30s %-22s %-14s %s\n", "ID", "Title", "Author", "Category", "Available")
	fmt.Println(strings.Repeat("-", 115))
	for _, b := range books {
		fmt.Printf("%-36s %-30s %-22s %-14s %d/%d\n",
			b.ID,
			truncateString(b.Title, 30),
			truncateString(b.Author, 22),
			truncateString(b.Category, 14),
			b.AvailableCopies,
			b.TotalCopies)
	}
}

func printRecords(recs []*library.BorrowRecord) {
	if len(recs) == 0 {
		fmt.Println("No records.")
		return
	}
	fmt.Printf("%-36s %-30s %-20s %-15s %s\n", "ID", "Book", "Borrower", "Status", "Requested")
	fmt.Println(strings.Repeat("-", 120))
	for _, r := range recs {
		fmt.Printf("%-36s %-30s %-20s %-15s %s\n",
			r.ID,
			truncateString(r.BookTitle, 30),
			truncateString(r.UserName, 20),
			r.Status,
			r.BorrowDate.Format("2006-01-02 15:04"))
	}
}

func printUsers(users []*library.User) {
	if len(users) == 0 {
		fmt.Println("No accounts.")
		return
	}
	fmt.Printf("%-36s %-20s %-30s %s\n", "ID", "Username", "Email", "Role")
	fmt.Println(strings.Repeat("-", 95))
	for _, u := range users {
		fmt.Printf("%-36s %-20s %-30s %s\n", u.ID, u.Username, truncateString(u.Email, 30), u.Role)
	}
}
