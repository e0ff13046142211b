// Command usersctl inspects and removes local accounts directly in the
// SQLite store. There is no HTTP route for either; this is the admin path.
//
// Usage:
//
//	usersctl [-db data/users.db] show   -email alice@example.com
//	usersctl [-db data/users.db] delete -id 7
//	usersctl [-db data/users.db] delete -email alice@example.com
//
// Deleting a user makes their outstanding tokens fail on the next request,
// because every token is re-resolved against the store.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/auth"
	"github.com/sakif/certs-view/internal/logging"
	sqliteRepo "github.com/sakif/certs-view/internal/repository/sqlite"
	"github.com/sakif/certs-view/internal/service"
)

const usage = `usage: usersctl [-db path] <command> [flags]

commands:
  show   -email <email>           print an account (never its password hash)
  delete -id <id> | -email <email> remove an account
`

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitNotFound = 3
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run is main without the os.Exit, so tests can drive it.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("usersctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	dbPath := fs.String("db", envOr("DB_PATH", "data/users.db"), "path to the SQLite database")
	verbose := fs.Bool("v", false, "log debug output to stderr")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.New("development", level, stderr)

	// sqlite creates missing files on open, so a mistyped -db would
	// otherwise report every account as not found.
	if *dbPath != ":memory:" {
		if _, err := os.Stat(*dbPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(stderr, "usersctl: database %s does not exist\n", *dbPath)
			} else {
				fmt.Fprintf(stderr, "usersctl: %v\n", err)
			}
			return exitError
		}
	}

	db, err := sqliteRepo.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "usersctl: %v\n", err)
		return exitError
	}
	defer db.Close()

	svc, err := newService(db, logger)
	if err != nil {
		fmt.Fprintf(stderr, "usersctl: %v\n", err)
		return exitError
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "show":
		err = show(ctx, svc, rest, stdout, stderr)
	case "delete":
		err = remove(ctx, svc, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "usersctl: unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, apperror.ErrNotFound):
		fmt.Fprintln(stderr, "usersctl: user not found")
		return exitNotFound
	default:
		fmt.Fprintf(stderr, "usersctl: %v\n", err)
		return exitError
	}
}

var errUsage = errors.New("usage")

// newService builds an AuthService for admin reads and deletes. It never
// issues tokens or checks passwords, so a throwaway signing secret and the
// cheapest bcrypt cost are enough.
func newService(db *sqliteRepo.DB, logger *slog.Logger) (*service.AuthService, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	tokens, err := auth.NewTokenService(hex.EncodeToString(secret))
	if err != nil {
		return nil, err
	}

	return service.NewAuthService(
		db,
		tokens,
		auth.NewPasswordServiceForTest(bcrypt.MinCost),
		auth.NewAttemptLimiter(logger),
		auth.DomainAllowList{},
		nil,
		logger,
	)
}

func show(ctx context.Context, svc *service.AuthService, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *email == "" {
		fmt.Fprintln(stderr, "usersctl show: -email is required")
		return errUsage
	}

	user, err := svc.GetUserByEmail(ctx, *email)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(user)
}

func remove(ctx context.Context, svc *service.AuthService, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.Int64("id", 0, "account id")
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if (*id == 0) == (*email == "") {
		fmt.Fprintln(stderr, "usersctl delete: pass exactly one of -id or -email")
		return errUsage
	}

	if *email != "" {
		user, err := svc.GetUserByEmail(ctx, *email)
		if err != nil {
			return err
		}
		*id = user.ID
	}

	if err := svc.DeleteUser(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted user %d\n", *id)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
