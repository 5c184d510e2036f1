package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/faucetdb/keysmith/internal/model"
	"github.com/faucetdb/keysmith/internal/service"
)

// APIKeyHeader is the fallback location for the key on validate requests.
const APIKeyHeader = "X-API-Key"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// KeyLister is the read-only listing used by the admin list endpoint.
type KeyLister interface {
	List(ctx context.Context, limit, offset int) ([]model.APIKey, error)
}

// KeysHandler serves issuance, validation, revocation and listing.
type KeysHandler struct {
	svc    *service.KeyService
	lister KeyLister
	logger *slog.Logger
}

// NewKeysHandler creates a new KeysHandler. lister may be nil, in which
// case List answers 501.
func NewKeysHandler(svc *service.KeyService, lister KeyLister, logger *slog.Logger) *KeysHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeysHandler{svc: svc, lister: lister, logger: logger}
}

// ---------------------------------------------------------------------------
// Issue
// ---------------------------------------------------------------------------

type issueRequest struct {
	Owner      json.RawMessage `json:"owner"`
	TTLMinutes json.RawMessage `json:"ttl_minutes"`
}

type issueResponse struct {
	Message   string     `json:"message"`
	APIKey    string     `json:"api_key"`
	Owner     *string    `json:"owner"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Issue mints and stores a new key. Both body fields are optional and an
// empty body is accepted.
// POST /create, POST /api/v1/keys
func (h *KeysHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var body issueRequest
	if err := readJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeJSON(w, http.StatusBadRequest, message{"Invalid request body"})
		return
	}

	owner, err := parseOwner(body.Owner)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message{err.Error()})
		return
	}
	ttl, err := parseTTL(body.TTLMinutes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message{err.Error()})
		return
	}

	key, err := h.svc.Issue(r.Context(), service.IssueRequest{Owner: owner, TTLMinutes: ttl})
	if errors.Is(err, service.ErrTTLTooLarge) {
		writeJSON(w, http.StatusBadRequest, message{"ttl_minutes is too large"})
		return
	}
	if err != nil {
		h.logger.Error("issue api key failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, message{"Failed to create api key"})
		return
	}

	writeJSON(w, http.StatusCreated, issueResponse{
		Message:   "API key generated & stored",
		APIKey:    key.Key,
		Owner:     key.Owner,
		ExpiresAt: key.ExpiresAt,
	})
}

// parseOwner accepts a JSON string or null.
func parseOwner(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.New("owner must be a string")
	}
	return &s, nil
}

// parseTTL accepts a JSON number, a numeric string such as "60", or null.
// Whether the value is positive is the service's concern.
func parseTTL(raw json.RawMessage) (*float64, error) {
	if isNull(raw) {
		return nil, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
			return &n, nil
		}
	}
	return nil, errors.New("ttl_minutes must be a number")
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

type keyRequest struct {
	APIKey json.RawMessage `json:"api_key"`
}

type validResponse struct {
	Valid   bool           `json:"valid"`
	Message string         `json:"message"`
	Meta    *model.KeyMeta `json:"meta"`
}

type invalidResponse struct {
	Valid   bool           `json:"valid"`
	Reason  service.Reason `json:"reason,omitempty"`
	Message string         `json:"message"`
}

// Validate reports whether a key is currently usable. The key is read from
// the JSON body, or from the X-API-Key header when the body has none.
// POST /checkapi, POST /api/v1/keys/validate
func (h *KeysHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var body keyRequest
	if err := readJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeJSON(w, http.StatusBadRequest, invalidResponse{Message: "Invalid request body"})
		return
	}

	candidate, ok := keyValue(body.APIKey)
	if !ok {
		// Present but not a string: it cannot pass the format check.
		h.reject(w, service.ReasonBadFormat)
		return
	}
	if candidate == "" {
		candidate = strings.TrimSpace(r.Header.Get(APIKeyHeader))
	}

	v := h.svc.Validate(r.Context(), candidate)
	switch v.Result {
	case service.ResultValid:
		writeJSON(w, http.StatusOK, validResponse{
			Valid:   true,
			Message: "API key is valid",
			Meta:    v.Meta,
		})
	case service.ResultInvalid:
		h.reject(w, v.Reason)
	default:
		writeJSON(w, http.StatusInternalServerError, invalidResponse{Message: "Check failed"})
	}
}

func (h *KeysHandler) reject(w http.ResponseWriter, reason service.Reason) {
	status := http.StatusUnauthorized
	if reason == service.ReasonMissing {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, invalidResponse{
		Reason:  reason,
		Message: reason.Message(),
	})
}

// keyValue extracts the api_key field. Absent, null and "" all yield ("",
// true); a non-string value yields ok = false.
func keyValue(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ---------------------------------------------------------------------------
// Revoke
// ---------------------------------------------------------------------------

type revokeResponse struct {
	Message        string `json:"message"`
	AlreadyRevoked bool   `json:"already_revoked"`
}

// Revoke permanently disables a key.
// POST /revoke, POST /api/v1/keys/revoke
func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var body keyRequest
	if err := readJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeJSON(w, http.StatusBadRequest, message{"Invalid request body"})
		return
	}

	candidate, ok := keyValue(body.APIKey)
	if !ok {
		writeJSON(w, http.StatusBadRequest, message{"api_key must be a string"})
		return
	}

	outcome, err := h.svc.Revoke(r.Context(), candidate)
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, message{"Missing api_key"})
	case err != nil:
		h.logger.Error("revoke api key failed", "key", model.MaskKey(candidate), "error", err)
		writeJSON(w, http.StatusInternalServerError, message{"Failed to revoke key"})
	case outcome == service.NotFound:
		writeJSON(w, http.StatusNotFound, message{"API key not found"})
	case outcome == service.AlreadyRevoked:
		writeJSON(w, http.StatusOK, revokeResponse{Message: "API key already revoked", AlreadyRevoked: true})
	default:
		writeJSON(w, http.StatusOK, revokeResponse{Message: "API key revoked"})
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

type listedKey struct {
	ID        int64      `json:"id"`
	Key       string     `json:"api_key"`
	Owner     *string    `json:"owner"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Revoked   bool       `json:"revoked"`
}

type listResponse struct {
	Keys   []listedKey `json:"keys"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// List returns stored keys newest first, with key strings masked.
// GET /api/v1/keys?limit=&offset=
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil {
		writeError(w, http.StatusNotImplemented, "Listing is not available")
		return
	}

	limit := clampInt(queryInt(r, "limit", defaultListLimit), 1, maxListLimit)
	offset := clampInt(queryInt(r, "offset", 0), 0, math.MaxInt32)

	keys, err := h.lister.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list api keys failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list api keys")
		return
	}

	out := make([]listedKey, len(keys))
	for i, k := range keys {
		out[i] = listedKey{
			ID:        k.ID,
			Key:       model.MaskKey(k.Key),
			Owner:     k.Owner,
			CreatedAt: k.CreatedAt,
			ExpiresAt: k.ExpiresAt,
			Revoked:   k.Revoked,
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Keys: out, Limit: limit, Offset: offset})
}
