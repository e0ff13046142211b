// Package certs proxies certificate lookups to the upstream registry.
//
// The registry answers a POST to /cert/info.php with
//
//	{"status": "ok", "data": [ {...}, {...} ]}
//
// The records are passed back to our clients untouched: certs-view only
// displays them, so decoding them into a struct would just couple us to a
// schema we do not own.
package certs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/metrics"
)

// DefaultTimeout bounds one upstream round trip.
const DefaultTimeout = 15 * time.Second

// MinEDRPOULength is the length of a legal-entity EDRPOU code.
const MinEDRPOULength = 8

// ErrUpstream wraps every failure that is the registry's fault (or the
// network's): non-2xx, status != "ok", undecodable body, timeouts.
var ErrUpstream = errors.New("certs: upstream registry error")

// maxErrorBody caps how much of an error response we read for the log.
const maxErrorBody = 4 << 10

type lookupRequest struct {
	GetInfoByEdrpou int    `json:"getInfoByEdrpou"`
	Edrpou          string `json:"edrpou"`
}

type lookupResponse struct {
	Status string            `json:"status"`
	Data   []json.RawMessage `json:"data"`
}

// Client talks to the registry. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client (15s timeout). Tests point it
// at an httptest server.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// NewClient creates a Client. baseURL is e.g. "https://api.medoc.ua"; a
// trailing slash is ignored.
func NewClient(baseURL, token string, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		metrics: m,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateEDRPOU checks that code is at least eight ASCII digits.
func ValidateEDRPOU(code string) error {
	switch {
	case code == "":
		return apperror.ValidationFailed("edrpou", "EDRPOU is required")
	case len(code) < MinEDRPOULength:
		return apperror.ValidationFailed("edrpou", "EDRPOU is too short")
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return apperror.ValidationFailed("edrpou", "EDRPOU must contain only digits")
		}
	}
	return nil
}

// GetCerts returns the certificate records registered for edrpou.
//
// Errors:
//   - apperror.ErrValidation if edrpou is malformed (no request is made)
//   - ErrUpstream for anything that went wrong on the way to or at the registry
func (c *Client) GetCerts(ctx context.Context, edrpou string) ([]json.RawMessage, error) {
	if err := ValidateEDRPOU(edrpou); err != nil {
		c.metrics.CertLookup(metrics.OutcomeInvalid)
		return nil, err
	}

	c.logger.Debug("fetching certificates", slog.String("edrpou", edrpou))

	// Failures are returned, not logged: the caller logs them once, with
	// the requesting user attached.
	certs, err := c.fetch(ctx, edrpou)
	if err != nil {
		c.metrics.CertLookup(metrics.OutcomeError)
		return nil, err
	}

	c.metrics.CertLookup(metrics.OutcomeSuccess)
	c.logger.Debug("fetched certificates",
		slog.String("edrpou", edrpou),
		slog.Int("count", len(certs)),
	)
	return certs, nil
}

func (c *Client) fetch(ctx context.Context, edrpou string) ([]json.RawMessage, error) {
	body, err := json.Marshal(lookupRequest{GetInfoByEdrpou: 1, Edrpou: edrpou})
	if err != nil {
		return nil, fmt.Errorf("certs: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cert/info.php", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("certs: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Auth", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUpstream, resp.StatusCode, upstreamMessage(raw, resp.Status))
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUpstream, err)
	}
	if out.Status != "ok" {
		return nil, fmt.Errorf("%w: API returned error status: %s", ErrUpstream, out.Status)
	}

	if out.Data == nil {
		out.Data = []json.RawMessage{}
	}
	return out.Data, nil
}

// upstreamMessage prefers the registry's own {"message": ...} over the bare
// status line.
func upstreamMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}
	return fallback
}
