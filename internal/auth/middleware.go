package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/certs-view/internal/apperror"
)

// contextKey is an unexported type used for context keys in this package.
//
// WHY A CUSTOM TYPE FOR CONTEXT KEYS?
// context.WithValue uses any as the key type. With a plain string key, ANY
// package that knows the string can read or shadow the value. Only this
// package can create a contextKey, so only this package can set the identity.
type contextKey string

const identityKey contextKey = "identity"

// Identity providers.
const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
)

// Identity is what the middlewares attach to an authenticated request.
// It never carries the password hash.
type Identity struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Picture  string `json:"picture,omitempty"`
	GoogleID string `json:"googleId,omitempty"`
	Provider string `json:"provider"`
}

// IdentityResolver turns a local bearer token into an Identity.
//
// service.AuthService implements it: it verifies the JWT and then re-reads
// the user from the store, so a deleted user's token stops working at once.
// The interface lives here so auth does not import service.
type IdentityResolver interface {
	ResolveToken(ctx context.Context, token string) (*Identity, error)
}

// Bearer header errors. Each is a 401.
const (
	msgHeaderMissing = "Authorization header is missing"
	msgBadFormat     = "Invalid authorization format. Use Bearer token"
	msgTokenEmpty    = "Token is empty"
)

// BearerToken extracts the credential from "Authorization: Bearer <token>".
//
// The checks run in a fixed order and the first failure wins:
//  1. no header                          → "Authorization header is missing"
//  2. not starting with "Bearer"         → "Invalid authorization format. Use Bearer token"
//  3. "Bearer" followed by nothing       → "Token is empty"
//  4. "Bearer" not followed by a space   → "Invalid authorization format. Use Bearer token"
//  5. only whitespace after "Bearer "    → "Token is empty"
//
// Surrounding whitespace is tolerated: "  Bearer   abc  " yields "abc".
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperror.InvalidToken(msgHeaderMissing)
	}

	header = strings.TrimSpace(header)
	const scheme = "Bearer"
	if !strings.HasPrefix(header, scheme) {
		return "", apperror.InvalidToken(msgBadFormat)
	}
	if len(header) == len(scheme) {
		return "", apperror.InvalidToken(msgTokenEmpty)
	}
	if header[len(scheme)] != ' ' {
		return "", apperror.InvalidToken(msgBadFormat)
	}

	token := strings.TrimSpace(header[len(scheme)+1:])
	if token == "" {
		return "", apperror.InvalidToken(msgTokenEmpty)
	}
	return token, nil
}

// RequireAuth is a middleware that enforces local JWT authentication.
//
// MIDDLEWARE PATTERN IN GO:
// A middleware takes an http.Handler and returns a new http.Handler that
// wraps it. Chi applies them in a chain: req → M1 → M2 → Handler.
//
// STATUS CONTRACT:
//   - 401 missing/malformed header, invalid/expired token, deleted user
//   - 500 anything unexpected (e.g. the store is down), generic message only
func RequireAuth(resolver IdentityResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				writeAuthError(w, logger, err)
				return
			}

			id, err := resolver.ResolveToken(r.Context(), token)
			if err != nil {
				writeAuthError(w, logger, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireGoogle is the Google ID-token counterpart of RequireAuth.
//
// Same contract, plus 403 when the token is valid but its hosted domain is
// not on the allow-list.
func RequireGoogle(verifier GoogleTokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				writeAuthError(w, logger, err)
				return
			}

			g, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeAuthError(w, logger, err)
				return
			}

			id := &Identity{
				Username: g.Username,
				Email:    g.Email,
				Picture:  g.Picture,
				GoogleID: g.GoogleID,
				Provider: ProviderGoogle,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext retrieves the authenticated identity.
//
// Returns (nil, false) on a route that is not behind RequireAuth or
// RequireGoogle.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// writeAuthError renders err with the same body shape as the handlers.
func writeAuthError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, body := apperror.ToResponse(err)
	if status == http.StatusInternalServerError {
		logger.Error("auth middleware error", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}
