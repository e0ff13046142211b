// Package service holds the business logic of certs-view.
//
// AuthService sits between the HTTP handlers and the credential store:
//
//	AuthHandler (HTTP) → AuthService (business rules) → UserRepository (DB)
//	                   ↘ TokenService (JWT), PasswordService (bcrypt),
//	                     AttemptLimiter (login throttling)
//
// KEY RESPONSIBILITIES:
//   - Validate registration and login input, reporting every bad field
//   - Enforce the login attempt limit before touching the store
//   - Issue and re-check JWTs against the current state of the store
//   - Stay free of HTTP concerns so the CLI can reuse it
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/auth"
	"github.com/sakif/certs-view/internal/metrics"
	"github.com/sakif/certs-view/internal/model"
	"github.com/sakif/certs-view/internal/repository"
)

const invalidCredentialsMessage = "Invalid email or password"

// AuthService handles the authentication business logic.
//
// DEPENDENCIES (injected via NewAuthService):
//   - users      repository.UserRepository  → read/write user records
//   - tokens     *auth.TokenService         → issue/verify JWTs
//   - passwords  *auth.PasswordService      → bcrypt hashing
//   - limiter    *auth.AttemptLimiter       → failed-login throttling
//   - allowed    auth.DomainAllowList       → registration domain policy
//   - metrics    *metrics.Metrics           → outcome counters (may be nil)
//   - logger     *slog.Logger               → structured logging
type AuthService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	limiter   *auth.AttemptLimiter
	allowed   auth.DomainAllowList
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	// dummyHash is compared against when a login names an unknown email.
	//
	// WHY?
	// Without it a miss returns in microseconds while a wrong password takes
	// a full bcrypt round. The difference tells an attacker which emails are
	// registered.
	dummyHash string
}

// NewAuthService creates an AuthService with all required dependencies.
// Call this in server.go (or a CLI main) when wiring the dependency graph.
func NewAuthService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	limiter *auth.AttemptLimiter,
	allowed auth.DomainAllowList,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*AuthService, error) {
	dummy, err := passwords.Hash("certs-view-timing-equaliser")
	if err != nil {
		return nil, fmt.Errorf("service/auth: preparing dummy hash: %w", err)
	}

	return &AuthService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		limiter:   limiter,
		allowed:   allowed,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		dummyHash: dummy,
	}, nil
}

// AuthResult is returned by Register and Login.
// It bundles the user record and the issued JWT so the handler can respond
// in one step.
type AuthResult struct {
	User      *model.User
	Token     string
	ExpiresAt time.Time
}

// Register creates a local account and signs the user in.
//
// Steps:
//  1. Validate every field, collecting all failures
//  2. Reject a taken username, then a taken email (Conflict naming the field)
//  3. Hash the password and insert the row
//  4. Issue a token
//
// The pre-checks give friendly errors in the common case. Two concurrent
// registrations can still race past them; the store's unique indexes catch
// that and report the same Conflict.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	email = normalizeEmail(email)

	var errs fieldErrors
	validateUsername(&errs, username)
	validateEmail(&errs, email)
	validatePassword(&errs, password)
	if len(errs) == 0 && s.allowed.Enabled() && !s.allowed.AllowsEmail(email) {
		errs.add("email", "Email domain is not allowed. Allowed domains: "+s.allowed.String())
	}
	if err := errs.err(); err != nil {
		s.metrics.Registration(metrics.OutcomeInvalid)
		return nil, err
	}

	if err := s.ensureAvailable(ctx, username, email); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.metrics.Registration(metrics.OutcomeConflict)
		} else {
			s.metrics.Registration(metrics.OutcomeError)
		}
		return nil, err
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		s.metrics.Registration(metrics.OutcomeError)
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.metrics.Registration(metrics.OutcomeConflict)
		} else {
			s.metrics.Registration(metrics.OutcomeError)
		}
		return nil, fmt.Errorf("service/auth: creating user: %w", err)
	}

	token, expiresAt, err := s.tokens.Issue(user.ID, user.Username, user.Email)
	if err != nil {
		s.metrics.Registration(metrics.OutcomeError)
		return nil, fmt.Errorf("service/auth: issuing token for user %d: %w", user.ID, err)
	}

	s.metrics.Registration(metrics.OutcomeSuccess)
	s.logger.Info("user registered",
		slog.Int64("userID", user.ID),
		slog.String("username", user.Username),
	)

	return &AuthResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

// ensureAvailable checks username first, then email, mirroring the order in
// which the form presents them.
func (s *AuthService) ensureAvailable(ctx context.Context, username, email string) error {
	_, err := s.users.GetByUsername(ctx, username)
	switch {
	case err == nil:
		return apperror.Conflict("username", "User with this username already exists")
	case !errors.Is(err, apperror.ErrNotFound):
		return fmt.Errorf("service/auth: checking username: %w", err)
	}

	_, err = s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return apperror.Conflict("email", "User with this email already exists")
	case !errors.Is(err, apperror.ErrNotFound):
		return fmt.Errorf("service/auth: checking email: %w", err)
	}
	return nil
}

// Login authenticates by email and password.
//
// THROTTLING:
// The attempt is reserved with the limiter before the store is touched,
// counting attempts still in flight. Once an email has failed
// DefaultMaxAttempts times in the window every further attempt is
// rejected with 429, even with the right password. Validation failures are
// not counted: they never reach the password check.
//
// An unknown email and a wrong password return the same error, after the
// same amount of bcrypt work.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = normalizeEmail(email)

	var errs fieldErrors
	validateEmail(&errs, email)
	switch {
	case password == "":
		errs.add("password", "Password is required")
	case len(password) < minPasswordLen:
		errs.add("password", "Password must be at least 8 characters long")
	}
	if err := errs.err(); err != nil {
		s.metrics.Login(metrics.OutcomeInvalid)
		return nil, err
	}

	// Begin reserves the attempt under the limiter's lock, so parallel
	// guesses cannot all slip in before the first one fails.
	if err := s.limiter.Begin(email); err != nil {
		s.metrics.Login(metrics.OutcomeThrottled)
		s.logger.Warn("login throttled", slog.String("email", email))
		return nil, err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			s.limiter.Release(email)
			s.metrics.Login(metrics.OutcomeError)
			return nil, fmt.Errorf("service/auth: looking up user: %w", err)
		}
		_ = s.passwords.Verify(s.dummyHash, password)
		return nil, s.loginFailed(email)
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			s.limiter.Release(email)
			s.metrics.Login(metrics.OutcomeError)
			return nil, fmt.Errorf("service/auth: verifying password for user %d: %w", user.ID, err)
		}
		return nil, s.loginFailed(email)
	}

	s.limiter.Reset(email)

	now := s.now().UTC()
	if err := s.users.RecordLogin(ctx, user.ID, now); err != nil {
		// The credentials were right; a bookkeeping failure should not lock
		// the user out.
		s.logger.Warn("recording login failed",
			slog.Int64("userID", user.ID),
			slog.String("error", err.Error()),
		)
	} else {
		user.LastLoginAt = &now
	}

	token, expiresAt, err := s.tokens.Issue(user.ID, user.Username, user.Email)
	if err != nil {
		s.metrics.Login(metrics.OutcomeError)
		return nil, fmt.Errorf("service/auth: issuing token for user %d: %w", user.ID, err)
	}

	s.metrics.Login(metrics.OutcomeSuccess)
	s.logger.Info("user logged in", slog.Int64("userID", user.ID))

	return &AuthResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

func (s *AuthService) loginFailed(email string) error {
	attempts := s.limiter.Fail(email)
	s.metrics.Login(metrics.OutcomeFailed)
	s.logger.Info("login failed",
		slog.String("email", email),
		slog.Int("attempts", attempts),
	)
	return apperror.InvalidCredentials(invalidCredentialsMessage)
}

// VerifyToken checks a JWT and returns the user it names.
//
// WHY RE-READ THE USER?
// A token stays cryptographically valid for 24h. Looking the user up again
// means a deleted account stops working immediately instead of at expiry.
func (s *AuthService) VerifyToken(ctx context.Context, token string) (*model.User, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		if s.tokens.IsExpired(token) {
			s.logger.Debug("expired token presented")
		}
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.InvalidToken("User not found")
		}
		return nil, fmt.Errorf("service/auth: resolving token user %d: %w", claims.UserID, err)
	}
	return user, nil
}

// ResolveToken implements auth.IdentityResolver for the local middleware.
func (s *AuthService) ResolveToken(ctx context.Context, token string) (*auth.Identity, error) {
	user, err := s.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &auth.Identity{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Provider: auth.ProviderLocal,
	}, nil
}

// GetUserProfile returns the user with the given id.
func (s *AuthService) GetUserProfile(ctx context.Context, id int64) (*model.User, error) {
	if id <= 0 {
		return nil, apperror.NotFound("user", strconv.FormatInt(id, 10))
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %d: %w", id, err)
	}
	return user, nil
}

// GetUserByEmail is the admin lookup used by usersctl.
func (s *AuthService) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %q: %w", email, err)
	}
	return user, nil
}

// DeleteUser removes an account. Outstanding tokens for it fail at the next
// VerifyToken. Not reachable over HTTP.
func (s *AuthService) DeleteUser(ctx context.Context, id int64) error {
	if err := s.users.Delete(ctx, id); err != nil {
		return fmt.Errorf("service/auth: deleting user %d: %w", id, err)
	}
	s.logger.Info("user deleted", slog.Int64("userID", id))
	return nil
}
