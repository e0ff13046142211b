// Package auth provides the authentication primitives of the API: bcrypt
// password hashing, JWT issue/verify, Google ID-token verification, the
// login attempt limiter and the bearer-token middlewares.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. User registers or logs in with email + password (POST /api/auth/...)
//  2. The auth service checks the credentials and issues a JWT (24h)
//  3. The client keeps the token and sends it as "Authorization: Bearer <jwt>"
//  4. RequireAuth verifies the token on every protected call, re-resolves the
//     user from the store, and puts an Identity in the request context
//
// WHY JWT?
// JWT is stateless: all the information needed (user id, expiry) is inside
// the signed token. The signature ensures nobody can tamper with it without
// the secret key. The flip side is that there is no revocation list, so
// logout is the client discarding its copy.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: {"alg":"HS256","typ":"JWT"}
//	- Payload: {"id":7,"username":"alice123","email":"alice@test.com","exp":...}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/sakif/certs-view/internal/apperror"
)

const (
	// TokenLifetime is fixed: tokens cannot be refreshed, only re-issued
	// by logging in again.
	TokenLifetime = 24 * time.Hour

	// MinSecretLength guards against toy secrets like "secret".
	MinSecretLength = 16

	tokenIssuer = "certs-view"
)

// invalidTokenMessage is the one message every verification failure maps to.
// Callers must not learn whether the signature, expiry or format was wrong.
const invalidTokenMessage = "Invalid or expired token"

// Claims is the JWT payload.
//
// The identity fields sit at the top level ("id", "username", "email") so
// the SPA can decode them without knowing JWT registered-claim names.
// Subject carries the same id as a string, per RFC 7519.
type Claims struct {
	UserID   int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// TokenService handles JWT creation and validation.
//
// It holds the HMAC secret key used to sign and verify tokens.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// TokenOption customises a TokenService.
type TokenOption func(*TokenService)

// WithClock replaces time.Now. Tests use it to issue tokens "in the past"
// and to verify them "in the future" without sleeping.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.now = now
	}
}

// NewTokenService creates a TokenService with the given secret.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: JWT secret must be at least %d characters", MinSecretLength)
	}

	s := &TokenService{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a token for the given user and returns it with its expiry.
//
// Signing algorithm: HS256 (HMAC-SHA256)
// - Symmetric: same key for signing and verifying
// - Good for a single backend that both issues and checks tokens
//
// Every token gets a unique jti (an xid), so two logins in the same second
// still produce distinct tokens.
func (s *TokenService) Issue(userID int64, username, email string) (string, time.Time, error) {
	now := s.now().Truncate(time.Second)
	expiresAt := now.Add(TokenLifetime)

	c := Claims{
		UserID:   userID,
		Username: username,
		Email:    email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        xid.New().String(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify parses and verifies a JWT string.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid
//   - Algorithm is HS256 (prevents algorithm confusion attacks, e.g. "none")
//   - Issuer is "certs-view"
//   - exp is present and strictly in the future (no extra leeway)
//
// Every failure is returned as apperror.InvalidToken with the same message.
func (s *TokenService) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, apperror.InvalidToken(invalidTokenMessage)
	}

	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.UserID <= 0 {
		return nil, apperror.InvalidToken(invalidTokenMessage)
	}

	return c, nil
}

// IsExpired reports whether tokenStr is correctly signed but past its expiry.
// Only used for logging: clients always see the same message.
func (s *TokenService) IsExpired(tokenStr string) bool {
	_, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	return errors.Is(err, jwt.ErrTokenExpired)
}
