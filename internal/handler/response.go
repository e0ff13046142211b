package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// WHY HELPERS?
// Without helpers, every handler repeats the same boilerplate:
//   w.Header().Set("Content-Type", "application/json")
//   w.WriteHeader(statusCode)
//   json.NewEncoder(w).Encode(data)
//
// With helpers, handlers are cleaner and more consistent:
//   writeJSON(w, http.StatusOK, data)
//   writeError(w, h.logger, err)
//
// CONSISTENT ERROR FORMAT:
// Every error response from our API has the same shape:
//   {"success": false, "error": "EDRPOU is required", "code": "validation_error"}
// plus "details" for validation errors with more than one bad field.

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/sakif/certs-view/internal/apperror"
)

// maxBodyBytes caps request bodies. Every body we accept is a small form.
const maxBodyBytes = 1 << 20

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// You MUST set headers and status code BEFORE writing the body.
// Once you call w.Write() (which Encode does internally), the headers are sent.
// Any header changes after that are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// If encoding fails, the headers are already sent; we can only log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// ERROR MAPPING:
// apperror.HTTPStatus is the single table from error kind to status. The
// service layer returns apperror.ErrValidation, apperror.ErrThrottled, etc.
// wrapped in context; errors.Is walks the chain to find the kind.
//
// Anything that is not an *apperror.AppError is an internal error: the
// client gets "Internal server error" and the real cause goes to the log.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, body := apperror.ToResponse(err)

	if status == http.StatusInternalServerError {
		logger.Error("internal error", slog.String("error", err.Error()))
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(appErr))
	}

	writeJSON(w, status, body)
}

// writeMessage sends an error body with a fixed message, for the few cases
// where the wire text differs from the underlying error.
func writeMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apperror.Response{Error: message, Code: code})
}

// retryAfterSeconds rounds up so a client never retries a moment too early.
func retryAfterSeconds(e *apperror.AppError) string {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst at its
// zero value so the caller's own "field is required" checks produce the
// error; only malformed JSON is rejected here.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperror.ValidationFailed("body", "Invalid JSON body")
	}
	return nil
}
