// Package repository declares the storage contracts the service layer depends on.
// Implementations live in sub-packages (see repository/sqlite).
package repository

import (
	"context"
	"time"

	"github.com/sakif/certs-view/internal/model"
)

// UserRepository is the credential store.
//
// Lookups that miss return an error wrapping apperror.ErrNotFound. Create
// returns apperror.ErrConflict (with Field set to "username" or "email") when
// a unique index rejects the row.
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	RecordLogin(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
}
