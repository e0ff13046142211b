package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/auth"
)

// CertsFetcher looks certificates up by EDRPOU. *certs.Client implements it.
type CertsFetcher interface {
	GetCerts(ctx context.Context, edrpou string) ([]json.RawMessage, error)
}

// CertsHandler proxies certificate lookups for signed-in users.
type CertsHandler struct {
	certs  CertsFetcher
	logger *slog.Logger
}

func NewCertsHandler(certs CertsFetcher, logger *slog.Logger) *CertsHandler {
	return &CertsHandler{certs: certs, logger: logger}
}

// HandleGet returns the upstream records for an EDRPOU as a JSON array.
//
// HTTP: GET /api/certs/{edrpou}
// Auth: Required (RequireAuth or RequireGoogle, per CERTS_AUTH_MODE)
//
// A malformed EDRPOU is 400. Any upstream trouble is a flat 500 "Failed to
// fetch certs"; the details go to the log, not to the browser.
func (h *CertsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	edrpou := chi.URLParam(r, "edrpou")
	if edrpou == "" {
		h.HandleMissing(w, r)
		return
	}

	logger := h.logger.With(slog.String("edrpou", edrpou))
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		logger = logger.With(slog.String("user", id.Email))
	}

	certs, err := h.certs.GetCerts(r.Context(), edrpou)
	if err != nil {
		if errors.Is(err, apperror.ErrValidation) {
			writeError(w, h.logger, err)
			return
		}
		logger.Error("fetching certs failed", slog.String("error", err.Error()))
		writeMessage(w, http.StatusInternalServerError, "upstream_error", "Failed to fetch certs")
		return
	}

	logger.Info("certs retrieved", slog.Int("count", len(certs)))
	writeJSON(w, http.StatusOK, certs)
}

// HandleMissing answers GET /api/certs/ with no code at all.
func (h *CertsHandler) HandleMissing(w http.ResponseWriter, r *http.Request) {
	writeError(w, h.logger, apperror.ValidationFailed("edrpou", "EDRPOU is required"))
}
