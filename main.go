package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"librarian/library"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// config is assembled from the environment (a .env file is honored when
// present). Every knob has a workable default so a fresh checkout can run
// `librarian init` without any setup.
type config struct {
	dbPath      string
	sessionFile string
	tokenSecret string
	logLevel    string
}

func loadConfig() (config, error) {
	_ = godotenv.Load()

	cfg := config{
		dbPath:      envOr("LIBRARIAN_DB", "library.db"),
		sessionFile: os.Getenv("LIBRARIAN_SESSION_FILE"),
		tokenSecret: os.Getenv("LIBRARIAN_TOKEN_SECRET"),
		logLevel:    envOr("LIBRARIAN_LOG_LEVEL", "warn"),
	}

	stateDir, err := defaultStateDir()
	if err != nil {
		return config{}, err
	}
	if cfg.sessionFile == "" {
		cfg.sessionFile = filepath.Join(stateDir, "session")
	}
	if cfg.tokenSecret == "" {
		secret, err := loadOrCreateSecret(filepath.Join(stateDir, "secret"))
		if err != nil {
			return config{}, err
		}
		cfg.tokenSecret = secret
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".librarian"), nil
}

// loadOrCreateSecret keeps a per-machine token secret so sessions survive
// restarts without forcing the operator to pick one.
func loadOrCreateSecret(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("store token secret: %w", err)
	}
	return secret, nil
}

// ------------------ Session file ------------------

func saveSession(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func loadSession(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", library.ErrNotSignedIn
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", library.ErrNotSignedIn
	}
	return token, nil
}

func clearSession(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// readPassword securely reads a password with masking.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(bytePassword)), nil
}

// friendly maps the library sentinels to short operator-facing messages.
// Anything unrecognized passes through unchanged.
func friendly(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, library.ErrNotSignedIn):
		return errors.New("not signed in, run `librarian login` first")
	case errors.Is(err, library.ErrInvalidCredentials):
		return errors.New("invalid email or password")
	case errors.Is(err, library.ErrPermissionDenied):
		return errors.New("permission denied")
	case errors.Is(err, library.ErrNotFound):
		return errors.New("no such record")
	case errors.Is(err, library.ErrNoCopiesAvailable):
		return errors.New("no copies available")
	case errors.Is(err, library.ErrDuplicateRequest):
		return errors.New("you already have an open request for this book")
	case errors.Is(err, library.ErrHasActiveBorrows):
		return errors.New("book still has open borrows")
	case errors.Is(err, library.ErrInvalidStateTransition):
		return errors.New("the request is not in the right state for that")
	case errors.Is(err, library.ErrUserExists):
		return errors.New("an account with that username or email already exists")
	case errors.Is(err, library.ErrConcurrentModification):
		return errors.New("the record changed under us, try again")
	default:
		return err
	}
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength-3] + "..."
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.logLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logrus.SetLevel(level)

	mgr, err := library.NewManager(library.Config{
		DBPath:      cfg.dbPath,
		TokenSecret: cfg.tokenSecret,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	if err := newRootCmd(mgr, cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", friendly(err))
		os.Exit(1)
	}
}
