package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/sakif/certs-view/internal/apperror"
)

const (
	// GoogleIssuer is the issuer every Google ID token must carry. go-oidc
	// also accepts the scheme-less "accounts.google.com" Google sometimes
	// emits.
	GoogleIssuer = "https://accounts.google.com"

	// GoogleJWKSURL publishes Google's current token signing keys.
	GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// GoogleIdentity is the identity derived from a verified Google ID token.
// It is never persisted: the request that carried the token uses it and
// then it is gone.
type GoogleIdentity struct {
	Email        string `json:"email"`
	Username     string `json:"username"`
	Picture      string `json:"picture,omitempty"`
	GoogleID     string `json:"googleId"`
	HostedDomain string `json:"-"`
}

// GoogleTokenVerifier is what the Google middleware and handlers depend on.
type GoogleTokenVerifier interface {
	Verify(ctx context.Context, idToken string) (*GoogleIdentity, error)
}

// googleClaims are the ID token fields we read. Google sends many more.
//
// "hd" (hosted domain) is only present for Google Workspace accounts; a
// personal @gmail.com account has no hd at all.
type googleClaims struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Picture      string `json:"picture"`
	HostedDomain string `json:"hd"`
}

// GoogleVerifier checks Google ID tokens and applies the domain allow-list.
//
// TWO LAYERS:
//  1. Pure token validity (signature against Google's JWKS, issuer, audience
//     pinned to our client ID, expiry) is delegated to go-oidc.
//  2. The business rule: the hd claim must name an allowed domain. Failing
//     it is 403, distinct from the 401 of a bad token.
type GoogleVerifier struct {
	verifier *oidc.IDTokenVerifier
	allowed  DomainAllowList
	logger   *slog.Logger
}

// GoogleOption customises a GoogleVerifier.
type GoogleOption func(*googleOptions)

type googleOptions struct {
	keySet oidc.KeySet
	now    func() time.Time
}

// WithKeySet replaces Google's remote JWKS. Tests pass an oidc.StaticKeySet
// holding their own RSA public key.
func WithKeySet(ks oidc.KeySet) GoogleOption {
	return func(o *googleOptions) {
		o.keySet = ks
	}
}

// WithGoogleClock replaces time.Now for expiry checks.
func WithGoogleClock(now func() time.Time) GoogleOption {
	return func(o *googleOptions) {
		o.now = now
	}
}

// NewGoogleVerifier builds a verifier pinned to clientID (the audience).
//
// The remote key set is fetched lazily on the first Verify and cached, so
// construction does no network I/O. ctx bounds the lifetime of that cache's
// background refreshes.
func NewGoogleVerifier(ctx context.Context, clientID string, allowed DomainAllowList, logger *slog.Logger, opts ...GoogleOption) (*GoogleVerifier, error) {
	if clientID == "" {
		return nil, fmt.Errorf("auth: Google client ID must not be empty")
	}

	o := googleOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.keySet == nil {
		o.keySet = oidc.NewRemoteKeySet(ctx, GoogleJWKSURL)
	}

	return &GoogleVerifier{
		verifier: oidc.NewVerifier(GoogleIssuer, o.keySet, &oidc.Config{
			ClientID: clientID,
			Now:      o.now,
		}),
		allowed: allowed,
		logger:  logger,
	}, nil
}

// Verify validates idToken and returns the identity it asserts.
//
// Errors, in the order they are checked:
//   - any OIDC failure → InvalidToken("Invalid or expired Google token")
//   - hd missing or not allowed → Forbidden("Access is allowed only for domains: ...")
//   - email or sub missing → InvalidToken("Google token missing required fields")
func (v *GoogleVerifier) Verify(ctx context.Context, idToken string) (*GoogleIdentity, error) {
	tok, err := v.verifier.Verify(ctx, idToken)
	if err != nil {
		v.logger.Debug("google token rejected", slog.String("error", err.Error()))
		return nil, apperror.InvalidToken("Invalid or expired Google token")
	}

	var c googleClaims
	if err := tok.Claims(&c); err != nil {
		return nil, apperror.InvalidToken("Invalid or expired Google token")
	}

	if !v.allowed.Allows(c.HostedDomain) {
		v.logger.Info("google sign-in from disallowed domain",
			slog.String("hd", c.HostedDomain),
		)
		return nil, apperror.Forbidden("Access is allowed only for domains: " + v.allowed.String())
	}

	if c.Email == "" || tok.Subject == "" {
		return nil, apperror.InvalidToken("Google token missing required fields")
	}

	username := c.Name
	if username == "" {
		username = c.Email
	}

	return &GoogleIdentity{
		Email:        c.Email,
		Username:     username,
		Picture:      c.Picture,
		GoogleID:     tok.Subject,
		HostedDomain: c.HostedDomain,
	}, nil
}
