// Command import_books loads a JSON catalog file into the library in one run.
// The file is an array of entries:
//
//	[{"title": "...", "author": "...", "isbn": "...", "category": "...",
//	  "description": "...", "coverImage": "...", "copies": 3}, ...]
//
// The importer signs in as an admin so the same permission checks apply as in
// the interactive CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"librarian/library"

	"github.com/joho/godotenv"
	"golang.org/x/term"
)

type catalogEntry struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	ISBN        string `json:"isbn"`
	Category    string `json:"category"`
	Description string `json:"description"`
	CoverImage  string `json:"coverImage"`
	Copies      int    `json:"copies"`
}

func main() {
	_ = godotenv.Load()

	var (
		dbPath   = flag.String("db", envOr("LIBRARIAN_DB", "library.db"), "path to the library database")
		email    = flag.String("email", "", "admin email to sign in with")
		filePath = flag.String("file", "", "JSON catalog file to import")
	)
	flag.Parse()

	if *email == "" || *filePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: import_books -email <admin email> -file <catalog.json> [-db <path>]")
		os.Exit(1)
	}

	secret := os.Getenv("LIBRARIAN_TOKEN_SECRET")
	if secret == "" {
		// The importer never hands out tokens, the secret just satisfies setup.
		secret = "import-only"
	}

	mgr, err := library.NewManager(library.Config{DBPath: *dbPath, TokenSecret: secret})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	ctx := context.Background()

	fmt.Printf("Password for %s: ", *email)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}

	admin, _, err := mgr.SignIn(ctx, *email, strings.TrimSpace(string(bytePassword)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sign-in failed: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading catalog file: %v\n", err)
		os.Exit(1)
	}

	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing catalog file: %v\n", err)
		os.Exit(1)
	}

	successCount := 0
	errorCount := 0

	for _, e := range entries {
		copies := e.Copies
		if copies <= 0 {
			copies = 1
		}
		fmt.Printf("Importing: %s by %s... ", e.Title, e.Author)

		book, err := mgr.AddBook(ctx, admin, library.BookParams{
			Title:       e.Title,
			Author:      e.Author,
			ISBN:        e.ISBN,
			Category:    e.Category,
			Description: e.Description,
			CoverImage:  e.CoverImage,
			TotalCopies: copies,
		})
		if err != nil {
			fmt.Printf("ERROR - %v\n", err)
			errorCount++
			continue
		}

		fmt.Printf("SUCCESS (ID: %s)\n", book.ID)
		successCount++
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Successfully imported: %d books\n", successCount)
	fmt.Printf("Errors: %d\n", errorCount)

	if successCount > 0 {
		fmt.Println("\nCatalog:")
		books, err := mgr.ListBooks(ctx, admin)
		if err != nil {
			fmt.Printf("Error retrieving books: %v\n", err)
			return
		}
		fmt.Printf("%-36s %-50s %-30s %s\n", "ID", "Title", "Author", "Copies")
		fmt.Println(strings.Repeat("-", 125))
		for _, book := range books {
			fmt.Printf("%-36s %-50s %-30s %d\n", book.ID, truncateString(book.Title, 50), truncateString(book.Author, 30), book.TotalCopies)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
