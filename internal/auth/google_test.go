package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/certs-view/internal/apperror"
)

const testClientID = "certs-view-test.apps.googleusercontent.com"

// googleSigner mints ID tokens the way Google would, with a key the test
// controls. The verifier trusts that key through an oidc.StaticKeySet.
type googleSigner struct {
	key   *rsa.PrivateKey
	clock *fakeClock
}

func newGoogleSigner(t *testing.T) *googleSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return &googleSigner{key: key, clock: newFakeClock()}
}

// claims returns a valid payload; tests mutate it before signing.
func (g *googleSigner) claims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":     "https://accounts.google.com",
		"aud":     testClientID,
		"sub":     "109876543210",
		"email":   "alice@example.com",
		"name":    "Alice Example",
		"picture": "https://lh3.googleusercontent.com/a/alice",
		"hd":      "example.com",
		"iat":     g.clock.Now().Unix(),
		"exp":     g.clock.Now().Add(time.Hour).Unix(),
	}
}

func (g *googleSigner) sign(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, c).SignedString(g.key)
	if err != nil {
		t.Fatalf("signing Google token: %v", err)
	}
	return s
}

func (g *googleSigner) verifier(t *testing.T, allowed string) *GoogleVerifier {
	t.Helper()
	v, err := NewGoogleVerifier(context.Background(), testClientID, ParseDomainAllowList(allowed),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithKeySet(&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&g.key.PublicKey}}),
		WithGoogleClock(g.clock.Now),
	)
	if err != nil {
		t.Fatalf("NewGoogleVerifier: %v", err)
	}
	return v
}

func TestNewGoogleVerifier_RequiresClientID(t *testing.T) {
	_, err := NewGoogleVerifier(context.Background(), "", DomainAllowList{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("NewGoogleVerifier() should reject an empty client ID")
	}
}

func TestGoogleVerify_Success(t *testing.T) {
	g := newGoogleSigner(t)
	v := g.verifier(t, "example.com, other.org")

	id, err := v.Verify(context.Background(), g.sign(t, g.claims()))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	want := GoogleIdentity{
		Email:        "alice@example.com",
		Username:     "Alice Example",
		Picture:      "https://lh3.googleusercontent.com/a/alice",
		GoogleID:     "109876543210",
		HostedDomain: "example.com",
	}
	if *id != want {
		t.Errorf("Verify() = %+v, want %+v", *id, want)
	}
}

func TestGoogleVerify_UsernameFallsBackToEmail(t *testing.T) {
	g := newGoogleSigner(t)
	v := g.verifier(t, "example.com")

	c := g.claims()
	delete(c, "name")

	id, err := v.Verify(context.Background(), g.sign(t, c))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Username != "alice@example.com" {
		t.Errorf("Username = %q, want the email", id.Username)
	}
}

func TestGoogleVerify_Failures(t *testing.T) {
	g := newGoogleSigner(t)
	other := newGoogleSigner(t)

	tests := []struct {
		name    string
		allowed string
		token   func() string
		wantErr error
		wantMsg string
	}{
		{
			name:    "hd outside allow-list",
			allowed: "example.com",
			token: func() string {
				c := g.claims()
				c["hd"] = "evil.com"
				return g.sign(t, c)
			},
			wantErr: apperror.ErrForbidden,
			wantMsg: "Access is allowed only for domains: example.com",
		},
		{
			name:    "no hd claim (personal account)",
			allowed: "example.com, other.org",
			token: func() string {
				c := g.claims()
				delete(c, "hd")
				return g.sign(t, c)
			},
			wantErr: apperror.ErrForbidden,
			wantMsg: "Access is allowed only for domains: example.com, other.org",
		},
		{
			name:    "empty allow-list denies everyone",
			allowed: "",
			token:   func() string { return g.sign(t, g.claims()) },
			wantErr: apperror.ErrForbidden,
		},
		{
			name:    "missing email",
			allowed: "example.com",
			token: func() string {
				c := g.claims()
				delete(c, "email")
				return g.sign(t, c)
			},
			wantErr: apperror.ErrInvalidToken,
			wantMsg: "Google token missing required fields",
		},
		{
			name:    "wrong audience",
			allowed: "example.com",
			token: func() string {
				c := g.claims()
				c["aud"] = "someone-elses-client-id"
				return g.sign(t, c)
			},
			wantErr: apperror.ErrInvalidToken,
			wantMsg: "Invalid or expired Google token",
		},
		{
			name:    "wrong issuer",
			allowed: "example.com",
			token: func() string {
				c := g.claims()
				c["iss"] = "https://evil.example"
				return g.sign(t, c)
			},
			wantErr: apperror.ErrInvalidToken,
		},
		{
			name:    "expired",
			allowed: "example.com",
			token: func() string {
				c := g.claims()
				c["exp"] = g.clock.Now().Add(-time.Minute).Unix()
				return g.sign(t, c)
			},
			wantErr: apperror.ErrInvalidToken,
			wantMsg: "Invalid or expired Google token",
		},
		{
			name:    "signed by an unknown key",
			allowed: "example.com",
			token:   func() string { return other.sign(t, g.claims()) },
			wantErr: apperror.ErrInvalidToken,
		},
		{
			name:    "garbage",
			allowed: "example.com",
			token:   func() string { return "definitely-not-a-jwt" },
			wantErr: apperror.ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.verifier(t, tt.allowed)

			_, err := v.Verify(context.Background(), tt.token())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestDomainAllowList(t *testing.T) {
	l := ParseDomainAllowList(" Example.com, ,other.org,example.com ")

	if got := l.String(); got != "example.com, other.org" {
		t.Errorf("String() = %q", got)
	}
	if !l.Enabled() {
		t.Error("Enabled() = false")
	}

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"EXAMPLE.COM", true},
		{"sub.example.com", false},
		{"", false},
		{"gmail.com", false},
	}
	for _, tt := range tests {
		if got := l.Allows(tt.domain); got != tt.want {
			t.Errorf("Allows(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}

	if !l.AllowsEmail("bob@Other.org") || l.AllowsEmail("bob@gmail.com") || l.AllowsEmail("no-at-sign") {
		t.Error("AllowsEmail() mismatch")
	}
	if ParseDomainAllowList("").Enabled() {
		t.Error("empty list reports Enabled")
	}
}
