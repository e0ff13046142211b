package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/auth"
	"github.com/sakif/certs-view/internal/metrics"
	"github.com/sakif/certs-view/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
// Using a fake (not a mock framework) keeps tests easy to read: you can see
// exactly what the fake does. It enforces the same unique rules as SQLite.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[int64]*model.User
	nextID int64

	// set to a non-nil error to simulate a database failure
	createErr error
	getErr    error

	// skipPrecheck makes GetByUsername/GetByEmail miss, simulating a
	// concurrent registration that slipped past the service's pre-checks.
	skipPrecheck bool
	recorded     []int64
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[int64]*model.User), nextID: 1}
}

func (f *fakeUserRepo) Create(ctx context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Username == user.Username {
			return apperror.Conflict("username", "User with this username already exists")
		}
		if u.Email == user.Email {
			return apperror.Conflict("email", "User with this email already exists")
		}
	}

	user.ID = f.nextID
	f.nextID++
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) find(match func(*model.User) bool, label string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, f.getErr
	}
	if !f.skipPrecheck {
		for _, u := range f.users {
			if match(u) {
				copied := *u
				return &copied, nil
			}
		}
	}
	return nil, apperror.NotFound("user", label)
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Email == email }, email)
}

func (f *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Username == username }, username)
}

func (f *fakeUserRepo) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[id]
	if !ok {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	u.LastLoginAt = &at
	f.recorded = append(f.recorded, id)
	return nil
}

func (f *fakeUserRepo) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.users[id]; !ok {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	delete(f.users, id)
	return nil
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	svc   *AuthService
	repo  *fakeUserRepo
	clock *testClock
}

// newTestAuthService returns an AuthService wired with fake dependencies.
// bcrypt runs at cost 4 (the minimum) to keep the tests fast.
func newTestAuthService(t *testing.T, allowedDomains string) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!", auth.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	limiter := auth.NewAttemptLimiter(logger, auth.WithLimiterClock(clock.Now))
	repo := newFakeUserRepo()

	svc, err := NewAuthService(
		repo,
		ts,
		auth.NewPasswordServiceForTest(4),
		limiter,
		auth.ParseDomainAllowList(allowedDomains),
		metrics.New(),
		logger,
	)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	svc.now = clock.Now

	return &testEnv{svc: svc, repo: repo, clock: clock}
}

func mustRegister(t *testing.T, svc *AuthService, username, email, password string) *AuthResult {
	t.Helper()
	res, err := svc.Register(context.Background(), username, email, password)
	if err != nil {
		t.Fatalf("Register(%q) error = %v", username, err)
	}
	return res
}

func assertKind(t *testing.T, err, kind error) *apperror.AppError {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("error = %v, want kind %v", err, kind)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error %v is not an *apperror.AppError", err)
	}
	return appErr
}

// =========================================================================
// Register TESTS
// =========================================================================

func TestRegister_Success(t *testing.T) {
	env := newTestAuthService(t, "")

	res := mustRegister(t, env.svc, "alice123", "  Alice@Example.COM ", "Secret123")

	if res.User.ID <= 0 {
		t.Errorf("User.ID = %d, want > 0", res.User.ID)
	}
	if res.User.Email != "alice@example.com" {
		t.Errorf("User.Email = %q, want lower-cased", res.User.Email)
	}
	if res.User.PasswordHash == "Secret123" || res.User.PasswordHash == "" {
		t.Error("password must be stored hashed")
	}
	if want := env.clock.now.Add(auth.TokenLifetime); !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, want)
	}

	user, err := env.svc.VerifyToken(context.Background(), res.Token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if user.ID != res.User.ID {
		t.Errorf("token user = %d, want %d", user.ID, res.User.ID)
	}
}

func TestRegister_ReportsEveryInvalidField(t *testing.T) {
	env := newTestAuthService(t, "")

	_, err := env.svc.Register(context.Background(), "ab", "not-an-email", "short")
	appErr := assertKind(t, err, apperror.ErrValidation)

	fields := make(map[string]bool)
	for _, d := range appErr.Details {
		fields[d.Field] = true
	}
	for _, f := range []string{"username", "email", "password"} {
		if !fields[f] {
			t.Errorf("details missing field %q: %+v", f, appErr.Details)
		}
	}
	if len(env.repo.users) != 0 {
		t.Error("nothing should be stored on validation failure")
	}
}

func TestRegister_FieldRules(t *testing.T) {
	tests := []struct {
		name      string
		username  string
		email     string
		password  string
		wantField string // "" means valid
	}{
		{"minimal valid", "bob", "b@x.io", "Abcdefg1", ""},
		{"unicode username counts runes", "їжак", "h@x.io", "Abcdefg1", ""},
		{"username too short", "bo", "b@x.io", "Abcdefg1", "username"},
		{"username too long", strings.Repeat("u", 51), "b@x.io", "Abcdefg1", "username"},
		{"username 50 ok", strings.Repeat("u", 50), "b@x.io", "Abcdefg1", ""},
		{"email without at", "bobby", "bob.example.com", "Abcdefg1", "email"},
		{"email without dot", "bobby", "bob@localhost", "Abcdefg1", "email"},
		{"email too long", "bobby", strings.Repeat("e", 251) + "@x.io", "Abcdefg1", "email"},
		{"password 7 chars", "bobby", "b@x.io", "Abcdef1", "password"},
		{"password no upper", "bobby", "b@x.io", "abcdefg1", "password"},
		{"password no lower", "bobby", "b@x.io", "ABCDEFG1", "password"},
		{"password no digit", "bobby", "b@x.io", "Abcdefgh", "password"},
		{"password 72 bytes ok", "bobby", "b@x.io", "Aa1" + strings.Repeat("x", 69), ""},
		{"password 73 bytes", "bobby", "b@x.io", "Aa1" + strings.Repeat("x", 70), "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestAuthService(t, "")
			_, err := env.svc.Register(context.Background(), tt.username, tt.email, tt.password)

			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Register() error = %v, want nil", err)
				}
				return
			}
			appErr := assertKind(t, err, apperror.ErrValidation)
			if len(appErr.Details) != 1 || appErr.Details[0].Field != tt.wantField {
				t.Errorf("details = %+v, want one error on %q", appErr.Details, tt.wantField)
			}
		})
	}
}

func TestRegister_DomainPolicy(t *testing.T) {
	env := newTestAuthService(t, "example.com, corp.example.org")

	mustRegister(t, env.svc, "alice", "alice@EXAMPLE.com", "Secret123")

	_, err := env.svc.Register(context.Background(), "mallory", "m@evil.com", "Secret123")
	appErr := assertKind(t, err, apperror.ErrValidation)
	if appErr.Field != "email" || !strings.Contains(appErr.Details[0].Message, "corp.example.org") {
		t.Errorf("unexpected error: %+v", appErr.Details)
	}
}

func TestRegister_Duplicates(t *testing.T) {
	env := newTestAuthService(t, "")
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	tests := []struct {
		name      string
		username  string
		email     string
		wantField string
	}{
		{"same username", "alice123", "other@example.com", "username"},
		{"same email", "alice456", "alice@example.com", "email"},
		{"same email different case", "alice456", "ALICE@example.com", "email"},
		{"both taken reports username first", "alice123", "alice@example.com", "username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Register(context.Background(), tt.username, tt.email, "Secret123")
			appErr := assertKind(t, err, apperror.ErrConflict)
			if appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
		})
	}
}

func TestRegister_StoreConflictSurvivesRace(t *testing.T) {
	env := newTestAuthService(t, "")
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	env.repo.skipPrecheck = true
	_, err := env.svc.Register(context.Background(), "alice123", "x@example.com", "Secret123")
	appErr := assertKind(t, err, apperror.ErrConflict)
	if appErr.Field != "username" {
		t.Errorf("Field = %q, want username", appErr.Field)
	}
}

func TestRegister_StoreFailureIsInternal(t *testing.T) {
	env := newTestAuthService(t, "")
	env.repo.createErr = errors.New("disk I/O error")

	_, err := env.svc.Register(context.Background(), "alice123", "alice@example.com", "Secret123")
	if err == nil {
		t.Fatal("Register() should propagate repository errors")
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		t.Errorf("driver error must not become an AppError, got %v", appErr)
	}
}

// =========================================================================
// Login TESTS
// =========================================================================

func TestLogin_Success(t *testing.T) {
	env := newTestAuthService(t, "")
	reg := mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	res, err := env.svc.Login(context.Background(), "Alice@Example.com", "Secret123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.User.ID != reg.User.ID || res.Token == "" {
		t.Errorf("Login() = %+v", res)
	}
	if res.User.LastLoginAt == nil || !res.User.LastLoginAt.Equal(env.clock.now) {
		t.Errorf("LastLoginAt = %v, want %v", res.User.LastLoginAt, env.clock.now)
	}
	if len(env.repo.recorded) != 1 {
		t.Errorf("RecordLogin calls = %d, want 1", len(env.repo.recorded))
	}
}

func TestLogin_WrongPasswordAndUnknownEmailLookAlike(t *testing.T) {
	env := newTestAuthService(t, "")
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	_, errWrong := env.svc.Login(context.Background(), "alice@example.com", "Wrong1234")
	_, errMiss := env.svc.Login(context.Background(), "nobody@example.com", "Wrong1234")

	a := assertKind(t, errWrong, apperror.ErrInvalidCredentials)
	b := assertKind(t, errMiss, apperror.ErrInvalidCredentials)
	if a.Message != b.Message || a.Message != "Invalid email or password" {
		t.Errorf("messages differ: %q vs %q", a.Message, b.Message)
	}
}

func TestLogin_Validation(t *testing.T) {
	tests := []struct {
		name      string
		email     string
		password  string
		wantField string
	}{
		{"empty email", "", "Secret123", "email"},
		{"malformed email", "alice", "Secret123", "email"},
		{"empty password", "alice@example.com", "", "password"},
		{"short password", "alice@example.com", "Sec1", "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestAuthService(t, "")
			_, err := env.svc.Login(context.Background(), tt.email, tt.password)
			appErr := assertKind(t, err, apperror.ErrValidation)
			if appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
		})
	}
}

func TestLogin_ThrottlesAfterFiveFailures(t *testing.T) {
	env := newTestAuthService(t, "")
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")
	ctx := context.Background()

	for i := 0; i < auth.DefaultMaxAttempts; i++ {
		_, err := env.svc.Login(ctx, "alice@example.com", "Wrong1234")
		assertKind(t, err, apperror.ErrInvalidCredentials)
	}

	// Sixth attempt is rejected even with the right password.
	_, err := env.svc.Login(ctx, "alice@example.com", "Secret123")
	appErr := assertKind(t, err, apperror.ErrThrottled)
	if appErr.RetryAfter <= 0 || appErr.RetryAfter > auth.DefaultAttemptWindow {
		t.Errorf("RetryAfter = %v", appErr.RetryAfter)
	}
	if len(env.repo.recorded) != 0 {
		t.Error("throttled login must not touch the store")
	}

	// Other identifiers are unaffected.
	_, err = env.svc.Login(ctx, "bob@example.com", "Wrong1234")
	assertKind(t, err, apperror.ErrInvalidCredentials)

	env.clock.Advance(auth.DefaultAttemptWindow)
	if _, err := env.svc.Login(ctx, "alice@example.com", "Secret123"); err != nil {
		t.Fatalf("Login() after window error = %v", err)
	}
}

func TestLogin_SuccessResetsCounter(t *testing.T) {
	env := newTestAuthService(t, "")
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")
	ctx := context.Background()

	for i := 0; i < auth.DefaultMaxAttempts-1; i++ {
		_, _ = env.svc.Login(ctx, "alice@example.com", "Wrong1234")
	}
	if _, err := env.svc.Login(ctx, "alice@example.com", "Secret123"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// A fresh budget: four more failures stay below the limit.
	for i := 0; i < auth.DefaultMaxAttempts-1; i++ {
		_, err := env.svc.Login(ctx, "alice@example.com", "Wrong1234")
		assertKind(t, err, apperror.ErrInvalidCredentials)
	}
	if _, err := env.svc.Login(ctx, "alice@example.com", "Secret123"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
}

func TestLogin_ParallelGuessesAreCapped(t *testing.T) {
	env := newTestAuthService(t, "")
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")
	ctx := context.Background()

	const guesses = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		evaluated int
		throttled int
	)
	start := make(chan struct{})
	for range guesses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.Login(ctx, "alice@example.com", "Wrong1234")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, apperror.ErrInvalidCredentials):
				evaluated++
			case errors.Is(err, apperror.ErrThrottled):
				throttled++
			default:
				t.Errorf("Login() error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if evaluated != auth.DefaultMaxAttempts {
		t.Errorf("passwords compared = %d, want %d", evaluated, auth.DefaultMaxAttempts)
	}
	if throttled != guesses-auth.DefaultMaxAttempts {
		t.Errorf("throttled = %d, want %d", throttled, guesses-auth.DefaultMaxAttempts)
	}

	// The settled failures keep the account locked for the window.
	_, err := env.svc.Login(ctx, "alice@example.com", "Secret123")
	assertKind(t, err, apperror.ErrThrottled)
}

func TestLogin_ValidationFailuresDoNotCount(t *testing.T) {
	env := newTestAuthService(t, "")
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := env.svc.Login(ctx, "alice@example.com", "short")
		assertKind(t, err, apperror.ErrValidation)
	}
	if _, err := env.svc.Login(ctx, "alice@example.com", "Secret123"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
}

func TestLogin_StoreFailureIsInternal(t *testing.T) {
	env := newTestAuthService(t, "")
	env.repo.getErr = errors.New("database is locked")

	for i := 0; i < 2*auth.DefaultMaxAttempts; i++ {
		_, err := env.svc.Login(context.Background(), "alice@example.com", "Secret123")
		if err == nil || errors.Is(err, apperror.ErrInvalidCredentials) || errors.Is(err, apperror.ErrThrottled) {
			t.Fatalf("Login() error = %v, want internal error", err)
		}
	}

	// Store outages are not the user's fault and use up no attempts.
	env.repo.getErr = nil
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")
	if _, err := env.svc.Login(context.Background(), "alice@example.com", "Secret123"); err != nil {
		t.Fatalf("Login() after outage error = %v", err)
	}
}

// =========================================================================
// Token and profile TESTS
// =========================================================================

func TestVerifyToken_DeletedUser(t *testing.T) {
	env := newTestAuthService(t, "")
	res := mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	if err := env.svc.DeleteUser(context.Background(), res.User.ID); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}

	_, err := env.svc.VerifyToken(context.Background(), res.Token)
	assertKind(t, err, apperror.ErrInvalidToken)
}

func TestVerifyToken_Expired(t *testing.T) {
	env := newTestAuthService(t, "")
	res := mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	env.clock.Advance(auth.TokenLifetime)
	_, err := env.svc.VerifyToken(context.Background(), res.Token)
	assertKind(t, err, apperror.ErrInvalidToken)
}

func TestResolveToken(t *testing.T) {
	env := newTestAuthService(t, "")
	res := mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	id, err := env.svc.ResolveToken(context.Background(), res.Token)
	if err != nil {
		t.Fatalf("ResolveToken() error = %v", err)
	}
	want := auth.Identity{ID: res.User.ID, Username: "alice123", Email: "alice@example.com", Provider: auth.ProviderLocal}
	if *id != want {
		t.Errorf("identity = %+v, want %+v", *id, want)
	}

	_, err = env.svc.ResolveToken(context.Background(), "garbage")
	assertKind(t, err, apperror.ErrInvalidToken)
}

func TestGetUserProfile(t *testing.T) {
	env := newTestAuthService(t, "")
	res := mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	user, err := env.svc.GetUserProfile(context.Background(), res.User.ID)
	if err != nil {
		t.Fatalf("GetUserProfile() error = %v", err)
	}
	if user.Username != "alice123" {
		t.Errorf("Username = %q", user.Username)
	}

	for _, id := range []int64{0, -1, 999} {
		_, err := env.svc.GetUserProfile(context.Background(), id)
		assertKind(t, err, apperror.ErrNotFound)
	}
}

func TestGetUserByEmail(t *testing.T) {
	env := newTestAuthService(t, "")
	mustRegister(t, env.svc, "alice123", "alice@example.com", "Secret123")

	user, err := env.svc.GetUserByEmail(context.Background(), " ALICE@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if user.Username != "alice123" {
		t.Errorf("Username = %q", user.Username)
	}
}

func TestDeleteUser_Missing(t *testing.T) {
	env := newTestAuthService(t, "")
	err := env.svc.DeleteUser(context.Background(), 42)
	assertKind(t, err, apperror.ErrNotFound)
}
