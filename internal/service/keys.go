package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/faucetdb/keysmith/internal/keygen"
	"github.com/faucetdb/keysmith/internal/model"
	"github.com/faucetdb/keysmith/internal/store"
	"github.com/faucetdb/keysmith/internal/telemetry"
)

// DefaultMaxIssueAttempts bounds how many keys Issue generates before giving
// up on repeated collisions.
const DefaultMaxIssueAttempts = 3

// minKeyLength is the shortest candidate the format check lets through.
const minKeyLength = 10

var (
	// ErrMaxAttempts is returned by Issue when every generated key collided.
	ErrMaxAttempts = errors.New("could not generate a unique key")

	// ErrInvalidInput is returned for an empty key or a malformed request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTTLTooLarge is returned by Issue when the lifetime does not fit in a
	// time.Duration. It wraps ErrInvalidInput.
	ErrTTLTooLarge = fmt.Errorf("%w: ttl_minutes is too large", ErrInvalidInput)
)

// MaxTTLMinutes is the longest lifetime Issue accepts, about 292 years.
const MaxTTLMinutes = float64(math.MaxInt64 / int64(time.Minute))

var keyCharset = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// KeyStore is the persistence the key service needs. *store.Store
// satisfies it.
type KeyStore interface {
	Insert(ctx context.Context, key *model.APIKey) error
	FindByKey(ctx context.Context, apiKey string) (*model.APIKey, error)
	SetRevoked(ctx context.Context, apiKey string) (int64, error)
}

// Result is the coarse outcome of a validation.
type Result string

const (
	ResultValid   Result = "valid"
	ResultInvalid Result = "invalid"
	ResultError   Result = "error"
)

// Reason explains an invalid verdict.
type Reason string

const (
	ReasonMissing   Reason = "missing"
	ReasonBadFormat Reason = "bad-format"
	ReasonNotFound  Reason = "not-found"
	ReasonRevoked   Reason = "revoked"
	ReasonExpired   Reason = "expired"
)

// Message is the human-readable text for an invalid verdict.
func (r Reason) Message() string {
	switch r {
	case ReasonMissing:
		return "Missing api_key"
	case ReasonBadFormat:
		return "Invalid key format"
	case ReasonNotFound:
		return "API key not found"
	case ReasonRevoked:
		return "API key revoked"
	case ReasonExpired:
		return "API key expired"
	}
	return "API key invalid"
}

// Verdict is the answer to "is this key currently usable". Meta is set only
// when Result is ResultValid, Reason only when it is ResultInvalid, and Err
// only when it is ResultError.
type Verdict struct {
	Result Result
	Reason Reason
	Meta   *model.KeyMeta
	Err    error
}

// Valid reports whether the key may be used.
func (v Verdict) Valid() bool { return v.Result == ResultValid }

func invalid(r Reason) Verdict { return Verdict{Result: ResultInvalid, Reason: r} }

// RevokeOutcome is the result of a successful Revoke call.
type RevokeOutcome string

const (
	Revoked        RevokeOutcome = "revoked"
	AlreadyRevoked RevokeOutcome = "already_revoked"
	NotFound       RevokeOutcome = "not_found"
)

// IssueRequest carries the optional issuance parameters. A nil or
// non-positive TTLMinutes means the key never expires.
type IssueRequest struct {
	Owner      *string
	TTLMinutes *float64
}

// KeyServiceConfig tunes a KeyService. Zero values select the defaults.
type KeyServiceConfig struct {
	MaxIssueAttempts int
	Now              func() time.Time
	Generate         func() (string, error)
	Logger           *slog.Logger
	Metrics          *telemetry.Metrics
}

// KeyService implements issuance, validation and revocation on top of a
// KeyStore.
type KeyService struct {
	store       KeyStore
	maxAttempts int
	now         func() time.Time
	generate    func() (string, error)
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// NewKeyService creates a KeyService backed by st.
func NewKeyService(st KeyStore, cfg KeyServiceConfig) *KeyService {
	s := &KeyService{
		store:       st,
		maxAttempts: cfg.MaxIssueAttempts,
		now:         cfg.Now,
		generate:    cfg.Generate,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxIssueAttempts
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.generate == nil {
		s.generate = keygen.New
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Issue mints a key, stores it, and returns the stored record. A collision
// on insert regenerates the key; after maxAttempts collisions Issue returns
// ErrMaxAttempts. A TTL above MaxTTLMinutes returns ErrTTLTooLarge before
// anything is generated.
func (s *KeyService) Issue(ctx context.Context, req IssueRequest) (*model.APIKey, error) {
	now := s.now().UTC()

	var expiresAt *time.Time
	if req.TTLMinutes != nil && *req.TTLMinutes > 0 {
		if *req.TTLMinutes > MaxTTLMinutes {
			return nil, ErrTTLTooLarge
		}
		t := now.Add(time.Duration(*req.TTLMinutes * float64(time.Minute)))
		expiresAt = &t
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		raw, err := s.generate()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}

		key := &model.APIKey{
			Key:       raw,
			Owner:     req.Owner,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}
		err = s.store.Insert(ctx, key)
		if err == nil {
			s.metrics.KeyIssued()
			s.logger.Info("api key issued",
				"id", key.ID,
				"key", model.MaskKey(key.Key),
				"expires_at", key.ExpiresAt,
			)
			return key, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			s.metrics.StoreError("insert")
			return nil, fmt.Errorf("store key: %w", err)
		}

		s.metrics.IssueCollision()
		s.logger.Warn("generated key collided, retrying", "attempt", attempt)
	}

	s.metrics.StoreError("insert")
	return nil, fmt.Errorf("%w after %d attempts", ErrMaxAttempts, s.maxAttempts)
}

// WellFormed reports whether candidate passes the syntactic check that runs
// before any lookup: the sk- prefix, at least 10 characters, and only
// letters, digits and hyphens.
func WellFormed(candidate string) bool {
	return strings.HasPrefix(candidate, keygen.Prefix) &&
		len(candidate) >= minKeyLength &&
		keyCharset.MatchString(candidate)
}

// Validate decides whether candidate is currently usable. The checks run in
// order and stop at the first failure: missing, bad format, unknown,
// revoked, expired. Revocation is checked before expiry, so a revoked key
// reports revoked even when it has also expired. Expiry is compared against
// the clock on every call.
func (s *KeyService) Validate(ctx context.Context, candidate string) Verdict {
	v := s.validate(ctx, candidate)
	s.metrics.Validation(string(v.Result), string(v.Reason))
	return v
}

func (s *KeyService) validate(ctx context.Context, candidate string) Verdict {
	if candidate == "" {
		return invalid(ReasonMissing)
	}
	if !WellFormed(candidate) {
		return invalid(ReasonBadFormat)
	}

	key, err := s.store.FindByKey(ctx, candidate)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalid(ReasonNotFound)
		}
		s.metrics.StoreError("find")
		s.logger.Error("key lookup failed", "key", model.MaskKey(candidate), "error", err)
		return Verdict{Result: ResultError, Err: err}
	}

	if key.Revoked {
		return invalid(ReasonRevoked)
	}
	if key.ExpiredAt(s.now()) {
		return invalid(ReasonExpired)
	}

	meta := key.Meta()
	return Verdict{Result: ResultValid, Meta: &meta}
}

// Revoke permanently disables candidate. NotFound means no record carries
// this exact key string; revoking a key twice reports AlreadyRevoked, which
// callers should treat as success. An empty candidate returns
// ErrInvalidInput without touching the store.
func (s *KeyService) Revoke(ctx context.Context, candidate string) (RevokeOutcome, error) {
	if candidate == "" {
		return "", ErrInvalidInput
	}

	key, err := s.store.FindByKey(ctx, candidate)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.Revocation(string(NotFound))
		return NotFound, nil
	}
	if err != nil {
		s.metrics.StoreError("find")
		return "", fmt.Errorf("look up key: %w", err)
	}
	if key.Revoked {
		s.metrics.Revocation(string(AlreadyRevoked))
		return AlreadyRevoked, nil
	}

	n, err := s.store.SetRevoked(ctx, candidate)
	if err != nil {
		s.metrics.StoreError("revoke")
		return "", fmt.Errorf("revoke key: %w", err)
	}
	outcome := Revoked
	if n == 0 {
		// Another caller revoked it between the read and the update.
		outcome = AlreadyRevoked
	}

	s.metrics.Revocation(string(outcome))
	s.logger.Info("api key revoked", "id", key.ID, "key", model.MaskKey(candidate), "outcome", outcome)
	return outcome, nil
}
