package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/model"
	"github.com/sakif/certs-view/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, username, email, password_hash, created_at, updated_at, last_login_at`

// Create inserts a new user and fills in ID, CreatedAt and UpdatedAt.
//
// The email is lower-cased here as well as in the service, so a caller that
// forgets to normalise still cannot create two rows differing only in case.
//
// UNIQUE INDICES AS THE LAST LINE OF DEFENCE:
// The service pre-checks username and email, but two concurrent registrations
// can both pass that check. The second INSERT then fails on the UNIQUE index
// and we translate the driver error into apperror.Conflict for that field.
func (db *DB) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.CreatedAt = now
	user.UpdatedAt = now

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if conflict := uniqueViolation(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("sqlite: inserting user %q: %w", user.Username, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading id of user %q: %w", user.Username, err)
	}
	user.ID = id

	return nil
}

// GetByID retrieves a user by primary key.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return db.getOne(ctx, "id", id, strconv.FormatInt(id, 10))
}

// GetByEmail looks the user up by normalised email.
func (db *DB) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return db.getOne(ctx, "email", email, email)
}

func (db *DB) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return db.getOne(ctx, "username", username, username)
}

// getOne runs the shared single-row SELECT. column is always a literal from
// this file, never user input.
func (db *DB) getOne(ctx context.Context, column string, arg any, label string) (*model.User, error) {
	var u model.User

	err := db.conn.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`,
		arg,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", label)
		}
		return nil, fmt.Errorf("sqlite: getting user by %s: %w", column, err)
	}

	return &u, nil
}

// RecordLogin stamps last_login_at and updated_at. It is the only update the
// users table ever sees.
func (db *DB) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	at = at.UTC()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording login for user %d: %w", id, err)
	}

	return requireOneRow(res, id)
}

// Delete removes the row entirely. There is no soft delete: outstanding
// tokens for this user stop resolving on their next use.
func (db *DB) Delete(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting user %d: %w", id, err)
	}

	return requireOneRow(res, id)
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	return nil
}

// uniqueViolation maps a UNIQUE constraint failure on users to a Conflict
// naming the column. Returns nil for any other error.
//
// SQLite reports the column in the message text, e.g.
//
//	UNIQUE constraint failed: users.email
func uniqueViolation(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return nil
	}

	// The low byte is the primary result code; the extended code
	// (SQLITE_CONSTRAINT_UNIQUE) is only present when extended codes are on.
	msg := sqliteErr.Error()
	if sqliteErr.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE &&
		(sqliteErr.Code()&0xff != sqlite3.SQLITE_CONSTRAINT || !strings.Contains(msg, "UNIQUE")) {
		return nil
	}

	switch {
	case strings.Contains(msg, "users.email"):
		return apperror.Conflict("email", "User with this email already exists")
	case strings.Contains(msg, "users.username"):
		return apperror.Conflict("username", "User with this username already exists")
	}
	return apperror.Conflict("", "User already exists")
}
