package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rs/xid"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/auth"
)

const stateCookie = "oauth_state"

// GoogleOAuth is the Authorization Code half of Google sign-in.
// *auth.GoogleProvider implements it.
type GoogleOAuth interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// GoogleRedirectHandler serves the server-side Google sign-in flow, for
// clients that cannot run Google's JavaScript button.
//
//   - HandleLogin    → redirect the browser to Google's authorization page
//   - HandleCallback → receive the code, exchange it for an ID token, verify it
type GoogleRedirectHandler struct {
	oauth    GoogleOAuth
	verifier auth.GoogleTokenVerifier
	secure   bool
	logger   *slog.Logger
}

// NewGoogleRedirectHandler creates the handler. secureCookies should be true
// whenever the site is served over HTTPS.
func NewGoogleRedirectHandler(oauth GoogleOAuth, verifier auth.GoogleTokenVerifier, secureCookies bool, logger *slog.Logger) *GoogleRedirectHandler {
	return &GoogleRedirectHandler{
		oauth:    oauth,
		verifier: verifier,
		secure:   secureCookies,
		logger:   logger,
	}
}

// HandleLogin redirects the user to Google.
//
// HTTP: GET /auth/google/login
//
// CSRF PROTECTION VIA STATE:
// We generate a random state string and store it in a short-lived cookie.
// When Google calls back, HandleCallback verifies the state matches.
// This proves the callback was initiated by this server, not a CSRF attacker.
//
// The state cookie is:
//   - HttpOnly: JavaScript can't read it
//   - SameSite=Lax: sent on the top-level redirect back from Google
//   - 10-minute expiry: long enough to pick an account, short enough to limit risk
func (h *GoogleRedirectHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := xid.New().String()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth/google",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.oauth.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleCallback completes the flow.
//
// HTTP: GET /auth/google/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for Google's ID token
//  3. Verify the ID token exactly as POST /api/auth/google does, so the
//     same 401/403 contract applies
//  4. Respond with the identity and the ID token; the client uses the token
//     as its bearer credential for /api/certs
func (h *GoogleRedirectHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	// --- Step 1: Validate CSRF state ---
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || r.URL.Query().Get("state") != cookie.Value {
		h.logger.Warn("google callback: state mismatch")
		writeError(w, h.logger, apperror.ValidationFailed("state", "Invalid OAuth state"))
		return
	}

	// The state is single-use.
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookie,
		Value:  "",
		Path:   "/auth/google",
		MaxAge: -1,
	})

	// The user pressed "Cancel" on Google's consent screen.
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("google callback: authorization denied", slog.String("error", errParam))
		writeError(w, h.logger, apperror.InvalidToken("Google sign-in was cancelled"))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, h.logger, apperror.ValidationFailed("code", "Missing OAuth code"))
		return
	}

	// --- Step 2: Exchange code for ID token ---
	idToken, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// --- Step 3: Verify ---
	identity, err := h.verifier.Verify(r.Context(), idToken)
	if err != nil {
		h.logger.Info("google callback: token rejected", slog.String("reason", err.Error()))
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("user signed in via Google", slog.String("email", identity.Email))

	// --- Step 4: Respond ---
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    identity,
		"idToken": idToken,
	})
}
