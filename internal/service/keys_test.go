package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/faucetdb/keysmith/internal/model"
	"github.com/faucetdb/keysmith/internal/store"
)

// recordingStore is an in-memory KeyStore that counts calls and can be told
// to fail.
type recordingStore struct {
	mu      sync.Mutex
	keys    map[string]*model.APIKey
	nextID  int64
	calls   int
	findErr error
	insErr  error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{keys: make(map[string]*model.APIKey)}
}

func (r *recordingStore) Insert(_ context.Context, k *model.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.insErr != nil {
		return r.insErr
	}
	if _, ok := r.keys[k.Key]; ok {
		return store.ErrConflict
	}
	r.nextID++
	k.ID = r.nextID
	cp := *k
	r.keys[k.Key] = &cp
	return nil
}

func (r *recordingStore) FindByKey(_ context.Context, key string) (*model.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.findErr != nil {
		return nil, r.findErr
	}
	k, ok := r.keys[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (r *recordingStore) SetRevoked(_ context.Context, key string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	k, ok := r.keys[key]
	if !ok {
		return 0, nil
	}
	k.Revoked = true
	return 1, nil
}

func (r *recordingStore) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// newSQLiteService wires a KeyService to an in-memory SQLite store.
func newSQLiteService(t *testing.T, clock *fakeClock) *KeyService {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewKeyService(st, KeyServiceConfig{Now: clock.Now})
}

func ptr[T any](v T) *T { return &v }

var issuedKey = regexp.MustCompile(`^sk-[A-Za-z0-9]{40}$`)

func TestIssueWithoutTTLNeverExpires(t *testing.T) {
	clock := newClock()
	svc := newSQLiteService(t, clock)
	ctx := context.Background()

	key, err := svc.Issue(ctx, IssueRequest{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !issuedKey.MatchString(key.Key) {
		t.Errorf("key %q has wrong format", key.Key)
	}
	if key.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", key.ExpiresAt)
	}
	if key.Owner != nil {
		t.Errorf("Owner = %v, want nil", key.Owner)
	}

	clock.Advance(24 * 365 * time.Hour)
	v := svc.Validate(ctx, key.Key)
	if !v.Valid() {
		t.Fatalf("verdict = %+v, want valid", v)
	}
	if v.Meta.ExpiresAt != nil {
		t.Errorf("meta.ExpiresAt = %v, want nil", v.Meta.ExpiresAt)
	}
}

func TestIssueTTLExpiresAfterClockAdvance(t *testing.T) {
	clock := newClock()
	svc := newSQLiteService(t, clock)
	ctx := context.Background()

	key, err := svc.Issue(ctx, IssueRequest{TTLMinutes: ptr(1.0)})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := clock.Now().Add(time.Minute); key.ExpiresAt == nil || !key.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", key.ExpiresAt, want)
	}

	if v := svc.Validate(ctx, key.Key); !v.Valid() {
		t.Fatalf("immediately after issue: %+v, want valid", v)
	}

	// Exactly at expires_at the key is still usable; expiry is strict.
	clock.Advance(time.Minute)
	if v := svc.Validate(ctx, key.Key); !v.Valid() {
		t.Fatalf("at expires_at: %+v, want valid", v)
	}

	clock.Advance(time.Second)
	v := svc.Validate(ctx, key.Key)
	if v.Result != ResultInvalid || v.Reason != ReasonExpired {
		t.Fatalf("after expiry: %+v, want invalid/expired", v)
	}
}

func TestIssueFractionalAndNonPositiveTTL(t *testing.T) {
	clock := newClock()
	svc := NewKeyService(newRecordingStore(), KeyServiceConfig{Now: clock.Now})
	ctx := context.Background()

	key, err := svc.Issue(ctx, IssueRequest{TTLMinutes: ptr(0.5)})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := clock.Now().Add(30 * time.Second); !key.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", key.ExpiresAt, want)
	}

	for _, ttl := range []float64{0, -5} {
		key, err := svc.Issue(ctx, IssueRequest{TTLMinutes: ptr(ttl)})
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if key.ExpiresAt != nil {
			t.Errorf("ttl %v: ExpiresAt = %v, want nil", ttl, key.ExpiresAt)
		}
	}
}

func TestIssueLongTTLStaysInTheFuture(t *testing.T) {
	clock := newClock()
	svc := NewKeyService(newRecordingStore(), KeyServiceConfig{Now: clock.Now})
	ctx := context.Background()

	for _, ttl := range []float64{1e8, MaxTTLMinutes} {
		key, err := svc.Issue(ctx, IssueRequest{TTLMinutes: ptr(ttl)})
		if err != nil {
			t.Fatalf("ttl %v: Issue: %v", ttl, err)
		}
		if key.ExpiresAt == nil || !key.ExpiresAt.After(clock.Now()) {
			t.Errorf("ttl %v: ExpiresAt = %v, want after %v", ttl, key.ExpiresAt, clock.Now())
		}
		if v := svc.Validate(ctx, key.Key); !v.Valid() {
			t.Errorf("ttl %v: verdict = %+v, want valid", ttl, v)
		}
	}
}

func TestIssueRejectsOversizedTTL(t *testing.T) {
	st := newRecordingStore()
	svc := NewKeyService(st, KeyServiceConfig{Now: newClock().Now})

	for _, ttl := range []float64{2e8, 1e300, math.Inf(1)} {
		key, err := svc.Issue(context.Background(), IssueRequest{TTLMinutes: ptr(ttl)})
		if !errors.Is(err, ErrTTLTooLarge) || !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ttl %v: err = %v, want ErrTTLTooLarge", ttl, err)
		}
		if key != nil {
			t.Errorf("ttl %v: key = %+v, want nil", ttl, key)
		}
	}
	if n := st.callCount(); n != 0 {
		t.Errorf("store calls = %d, want 0", n)
	}
}

func TestRevokedBeatsFutureExpiry(t *testing.T) {
	clock := newClock()
	svc := newSQLiteService(t, clock)
	ctx := context.Background()

	key, err := svc.Issue(ctx, IssueRequest{TTLMinutes: ptr(60.0)})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Revoke(ctx, key.Key); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	v := svc.Validate(ctx, key.Key)
	if v.Result != ResultInvalid || v.Reason != ReasonRevoked {
		t.Fatalf("verdict = %+v, want invalid/revoked", v)
	}

	// Still revoked (not expired) once the expiry has also passed.
	clock.Advance(2 * time.Hour)
	if v := svc.Validate(ctx, key.Key); v.Reason != ReasonRevoked {
		t.Fatalf("after expiry: reason = %q, want revoked", v.Reason)
	}
}

func TestRevokeOutcomes(t *testing.T) {
	svc := newSQLiteService(t, newClock())
	ctx := context.Background()

	got, err := svc.Revoke(ctx, "sk-doesnotexist0000000000000000000000000")
	if err != nil {
		t.Fatalf("Revoke nonexistent: %v", err)
	}
	if got != NotFound {
		t.Errorf("nonexistent: outcome = %q, want %q", got, NotFound)
	}

	key, err := svc.Issue(ctx, IssueRequest{Owner: ptr("bob")})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err = svc.Revoke(ctx, key.Key)
	if err != nil || got != Revoked {
		t.Fatalf("first revoke = %q, %v; want %q", got, err, Revoked)
	}

	got, err = svc.Revoke(ctx, key.Key)
	if err != nil || got != AlreadyRevoked {
		t.Fatalf("second revoke = %q, %v; want %q", got, err, AlreadyRevoked)
	}
}

func TestRevokeEmptyIsInvalidInput(t *testing.T) {
	st := newRecordingStore()
	svc := NewKeyService(st, KeyServiceConfig{})

	if _, err := svc.Revoke(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if st.callCount() != 0 {
		t.Errorf("store calls = %d, want 0", st.callCount())
	}
}

func TestRevokeMalformedReachesStore(t *testing.T) {
	st := newRecordingStore()
	svc := NewKeyService(st, KeyServiceConfig{})

	got, err := svc.Revoke(context.Background(), "not a key")
	if err != nil || got != NotFound {
		t.Fatalf("Revoke = %q, %v; want %q", got, err, NotFound)
	}
	if st.callCount() == 0 {
		t.Error("revoke has no format pre-check and should query the store")
	}
}

func TestRevokeStoreFault(t *testing.T) {
	st := newRecordingStore()
	st.findErr = errors.New("connection refused")
	svc := NewKeyService(st, KeyServiceConfig{})

	if _, err := svc.Revoke(context.Background(), "sk-whatever00000"); err == nil {
		t.Fatal("expected store fault to surface as an error")
	}
}

func TestValidateRejectsWithoutStoreAccess(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		reason    Reason
	}{
		{"empty", "", ReasonMissing},
		{"no prefix", "pk-ABCDEFGHIJKLMNOP", ReasonBadFormat},
		{"too short", "sk-abc", ReasonBadFormat},
		{"nine chars", "sk-abcdef", ReasonBadFormat},
		{"underscore", "sk-abc_defghijk", ReasonBadFormat},
		{"space", "sk-abc defghijk", ReasonBadFormat},
		{"unicode", "sk-abcdéfghijk", ReasonBadFormat},
		{"uppercase prefix", "SK-ABCDEFGHIJKL", ReasonBadFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newRecordingStore()
			svc := NewKeyService(st, KeyServiceConfig{})

			v := svc.Validate(context.Background(), tt.candidate)
			if v.Result != ResultInvalid || v.Reason != tt.reason {
				t.Errorf("verdict = %+v, want invalid/%s", v, tt.reason)
			}
			if st.callCount() != 0 {
				t.Errorf("store calls = %d, want 0", st.callCount())
			}
		})
	}
}

func TestValidateWellFormedUnknownKey(t *testing.T) {
	st := newRecordingStore()
	svc := NewKeyService(st, KeyServiceConfig{})

	// Ten characters with an inner hyphen pass the format check.
	v := svc.Validate(context.Background(), "sk-abc-def")
	if v.Result != ResultInvalid || v.Reason != ReasonNotFound {
		t.Fatalf("verdict = %+v, want invalid/not-found", v)
	}
	if st.callCount() != 1 {
		t.Errorf("store calls = %d, want 1", st.callCount())
	}
}

func TestValidateStoreFaultIsError(t *testing.T) {
	st := newRecordingStore()
	st.findErr = fmt.Errorf("find api key: %w", errors.New("driver: bad connection"))
	svc := NewKeyService(st, KeyServiceConfig{})

	v := svc.Validate(context.Background(), "sk-ABCDEFGHIJKLMNOP")
	if v.Result != ResultError {
		t.Fatalf("verdict = %+v, want error", v)
	}
	if v.Err == nil {
		t.Error("error verdict should carry the cause")
	}
	if v.Valid() {
		t.Error("error verdict must not be valid")
	}
}

func TestValidateMetaMatchesRecord(t *testing.T) {
	clock := newClock()
	svc := newSQLiteService(t, clock)
	ctx := context.Background()

	key, err := svc.Issue(ctx, IssueRequest{Owner: ptr("alice"), TTLMinutes: ptr(60.0)})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v := svc.Validate(ctx, key.Key)
	if !v.Valid() {
		t.Fatalf("verdict = %+v, want valid", v)
	}
	if v.Meta.ID != key.ID {
		t.Errorf("meta.ID = %d, want %d", v.Meta.ID, key.ID)
	}
	if v.Meta.Owner == nil || *v.Meta.Owner != "alice" {
		t.Errorf("meta.Owner = %v, want alice", v.Meta.Owner)
	}
	if !v.Meta.CreatedAt.Equal(clock.Now()) {
		t.Errorf("meta.CreatedAt = %v, want %v", v.Meta.CreatedAt, clock.Now())
	}
	if v.Meta.ExpiresAt == nil || !v.Meta.ExpiresAt.Equal(*key.ExpiresAt) {
		t.Errorf("meta.ExpiresAt = %v, want %v", v.Meta.ExpiresAt, key.ExpiresAt)
	}
}

func TestIssueRetriesOnCollision(t *testing.T) {
	st := newRecordingStore()
	st.keys["sk-taken"] = &model.APIKey{Key: "sk-taken"}

	seq := []string{"sk-taken", "sk-taken", "sk-fresh"}
	i := 0
	svc := NewKeyService(st, KeyServiceConfig{
		Generate: func() (string, error) {
			k := seq[i]
			i++
			return k, nil
		},
	})

	key, err := svc.Issue(context.Background(), IssueRequest{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if key.Key != "sk-fresh" {
		t.Errorf("key = %q, want sk-fresh", key.Key)
	}
}

func TestIssueGivesUpAfterMaxAttempts(t *testing.T) {
	st := newRecordingStore()
	st.keys["sk-taken"] = &model.APIKey{Key: "sk-taken"}

	attempts := 0
	svc := NewKeyService(st, KeyServiceConfig{
		MaxIssueAttempts: 3,
		Generate: func() (string, error) {
			attempts++
			return "sk-taken", nil
		},
	})

	_, err := svc.Issue(context.Background(), IssueRequest{})
	if !errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("err = %v, want ErrMaxAttempts", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestIssueStoreFaultNotRetried(t *testing.T) {
	st := newRecordingStore()
	st.insErr = errors.New("disk full")

	attempts := 0
	svc := NewKeyService(st, KeyServiceConfig{
		Generate: func() (string, error) {
			attempts++
			return fmt.Sprintf("sk-attempt%010d", attempts), nil
		},
	})

	if _, err := svc.Issue(context.Background(), IssueRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestIssueGeneratorFailure(t *testing.T) {
	st := newRecordingStore()
	svc := NewKeyService(st, KeyServiceConfig{
		Generate: func() (string, error) { return "", errors.New("entropy unavailable") },
	})

	if _, err := svc.Issue(context.Background(), IssueRequest{}); err == nil {
		t.Fatal("expected error from failing generator")
	}
	if st.callCount() != 0 {
		t.Errorf("store calls = %d, want 0", st.callCount())
	}
}

// Keys are 40 characters over 62 symbols; the chance of any collision in
// 1000 draws is around 1000^2 / 2 / 62^40, far below anything observable.
func TestIssueManyUnique(t *testing.T) {
	svc := newSQLiteService(t, newClock())
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key, err := svc.Issue(ctx, IssueRequest{})
		if err != nil {
			t.Fatalf("Issue #%d: %v", i, err)
		}
		if seen[key.Key] {
			t.Fatalf("duplicate key on issue #%d", i)
		}
		seen[key.Key] = true
	}
}

func TestWellFormed(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"sk-ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmn", true},
		{"sk-1234567", true},
		{"sk-123456", false},
		{"sk--------", true},
		{"xsk-1234567", false},
		{"sk-1234567\n", false},
	}
	for _, tt := range tests {
		if got := WellFormed(tt.in); got != tt.want {
			t.Errorf("WellFormed(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
