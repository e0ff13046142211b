package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/auth"
	"github.com/sakif/certs-view/internal/model"
	"github.com/sakif/certs-view/internal/service"
)

// AuthService is the slice of service.AuthService the handlers need.
// An interface so handler tests can use a fake instead of a real store.
type AuthService interface {
	Register(ctx context.Context, username, email, password string) (*service.AuthResult, error)
	Login(ctx context.Context, email, password string) (*service.AuthResult, error)
	VerifyToken(ctx context.Context, token string) (*model.User, error)
	GetUserProfile(ctx context.Context, id int64) (*model.User, error)
}

// AuthHandler serves the local account endpoints and Google sign-in.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister → create an account, respond with user + token
//   - HandleLogin    → exchange email/password for a token
//   - HandleLogout   → acknowledge; the client drops its token
//   - HandleVerify   → check a token from the body, respond with its user
//   - HandleProfile  → the current user's profile (behind RequireAuth)
//   - HandleGoogle   → verify a Google ID token posted by the SPA
//
// DEPENDENCY CHAIN:
//   - auth   AuthService               → business rules
//   - google auth.GoogleTokenVerifier  → nil when Google sign-in is off
type AuthHandler struct {
	auth   AuthService
	google auth.GoogleTokenVerifier
	logger *slog.Logger
}

// NewAuthHandler creates an AuthHandler. google may be nil.
func NewAuthHandler(svc AuthService, google auth.GoogleTokenVerifier, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   svc,
		google: google,
		logger: logger,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Success   bool             `json:"success"`
	User      model.PublicUser `json:"user"`
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

type userResponse struct {
	Success bool             `json:"success"`
	User    model.PublicUser `json:"user"`
}

// profileUser is the reduced shape /profile has always returned.
type profileUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func newAuthResponse(res *service.AuthResult) authResponse {
	return authResponse{
		Success:   true,
		User:      res.User.Public(),
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
	}
}

// HandleRegister creates a new local account.
//
// HTTP: POST /api/auth/register
// Body: {"username": "...", "email": "...", "password": "..."}
// Response: 201 {"success": true, "user": {...}, "token": "..."}
//
// Validation errors and taken usernames/emails are 400 with the failing
// field named, so the form can highlight it.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.auth.Register(r.Context(), strings.TrimSpace(req.Username), req.Email, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, newAuthResponse(res))
}

// HandleLogin authenticates by email and password.
//
// HTTP: POST /api/auth/login
// Body: {"email": "...", "password": "..."}
// Response: 200 {"success": true, "user": {...}, "token": "..."}
//
// 401 for bad credentials, 429 with Retry-After once the attempt limit for
// the email is used up.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, newAuthResponse(res))
}

// HandleLogout acknowledges a logout.
//
// HTTP: POST /api/auth/logout
//
// Tokens are stateless: there is nothing to revoke server-side. The client
// forgets its token and the token expires on its own within 24h.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out successfully",
	})
}

// HandleVerify checks a token the client already holds.
//
// HTTP: POST /api/auth/verify
// Body: {"token": "..."}
// Response: 200 {"success": true, "user": {...}}, or 401.
func (h *AuthHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, h.logger, apperror.InvalidToken("Token is required"))
		return
	}

	user, err := h.auth.VerifyToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{Success: true, User: user.Public()})
}

// HandleProfile returns the authenticated user's profile.
//
// HTTP: GET /api/auth/profile
// Auth: Required (RequireAuth middleware sets the identity in context)
func (h *AuthHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	// RequireAuth has already validated the token. IdentityFromContext will
	// always succeed on a protected route, but be safe.
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok || id.ID <= 0 {
		writeError(w, h.logger, apperror.InvalidToken("Unauthorized"))
		return
	}

	user, err := h.auth.GetUserProfile(r.Context(), id.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user": profileUser{
			ID:       user.ID,
			Username: user.Username,
			Email:    user.Email,
		},
	})
}

// HandleGoogle verifies a Google ID token obtained by the SPA's Google
// button and returns the identity it carries. Nothing is persisted.
//
// HTTP: POST /api/auth/google
// Body: {"idToken": "..."}
// Response: 200 {"success": true, "user": {...}}; 401 bad token;
// 403 domain not allowed.
func (h *AuthHandler) HandleGoogle(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeMessage(w, http.StatusNotFound, "not_found", "Google sign-in is not configured")
		return
	}

	var req struct {
		IDToken string `json:"idToken"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.IDToken == "" {
		writeError(w, h.logger, apperror.ValidationFailed("idToken", "Missing idToken"))
		return
	}

	identity, err := h.google.Verify(r.Context(), req.IDToken)
	if err != nil {
		h.logger.Info("google sign-in rejected", slog.String("reason", err.Error()))
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    identity,
	})
}
