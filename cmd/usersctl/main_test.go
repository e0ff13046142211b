package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/certs-view/internal/model"
	sqliteRepo "github.com/sakif/certs-view/internal/repository/sqlite"
)

// seedDB creates a database file holding one user and returns its path.
func seedDB(t *testing.T) (string, *model.User) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")

	db, err := sqliteRepo.New(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	user := &model.User{
		Username:     "alice123",
		Email:        "alice@example.com",
		PasswordHash: "$2a$04$not-a-real-hash",
	}
	require.NoError(t, db.Create(context.Background(), user))
	return path, user
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestShow(t *testing.T) {
	path, user := seedDB(t)

	code, out, _ := runCLI("-db", path, "show", "-email", "ALICE@example.com")
	require.Equal(t, exitOK, code)

	var got model.User
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "alice123", got.Username)
	assert.NotContains(t, out, "not-a-real-hash")
}

func TestShow_NotFound(t *testing.T) {
	path, _ := seedDB(t)

	code, _, errOut := runCLI("-db", path, "show", "-email", "bob@example.com")
	assert.Equal(t, exitNotFound, code)
	assert.Contains(t, errOut, "user not found")
}

func TestMissingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.db")

	code, _, errOut := runCLI("-db", path, "show", "-email", "alice@example.com")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "database "+path+" does not exist")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "a mistyped path must not create a database")
}

func TestDelete(t *testing.T) {
	t.Run("by email", func(t *testing.T) {
		path, user := seedDB(t)

		code, out, _ := runCLI("-db", path, "delete", "-email", "alice@example.com")
		require.Equal(t, exitOK, code)
		assert.Contains(t, out, "deleted user")

		code, _, _ = runCLI("-db", path, "delete", "-id", "1")
		assert.Equal(t, exitNotFound, code, "user %d is already gone", user.ID)
	})

	t.Run("by id", func(t *testing.T) {
		path, _ := seedDB(t)

		code, _, _ := runCLI("-db", path, "delete", "-id", "1")
		require.Equal(t, exitOK, code)

		code, _, _ = runCLI("-db", path, "show", "-email", "alice@example.com")
		assert.Equal(t, exitNotFound, code)
	})
}

func TestUsage(t *testing.T) {
	path, _ := seedDB(t)

	tests := map[string][]string{
		"no command":      {"-db", path},
		"unknown command": {"-db", path, "promote"},
		"show no email":   {"-db", path, "show"},
		"delete neither":  {"-db", path, "delete"},
		"delete both":     {"-db", path, "delete", "-id", "1", "-email", "alice@example.com"},
		"bad flag":        {"-nope"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			code, _, _ := runCLI(args...)
			assert.Equal(t, exitUsage, code)
		})
	}
}
