package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/faucetdb/keysmith/internal/model"
	"github.com/faucetdb/keysmith/internal/service"
	"github.com/faucetdb/keysmith/internal/store"
)

type testEnv struct {
	h     *KeysHandler
	store *store.Store
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{store: st, now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := service.NewKeyService(st, service.KeyServiceConfig{
		Now: func() time.Time { return env.now },
	})
	env.h = NewKeysHandler(svc, st, nil)
	return env
}

func do(h http.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, "/", nil)
	} else {
		r = httptest.NewRequest(method, "/", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return m
}

func (e *testEnv) issue(t *testing.T, body string) string {
	t.Helper()
	w := do(e.h.Issue, "POST", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body %s", w.Code, w.Body.String())
	}
	key, _ := decode(t, w)["api_key"].(string)
	if key == "" {
		t.Fatal("issue returned no api_key")
	}
	return key
}

// ---------------------------------------------------------------------------
// Issue
// ---------------------------------------------------------------------------

func TestIssue_OwnerAndTTL(t *testing.T) {
	env := newTestEnv(t)

	w := do(env.h.Issue, "POST", `{"owner":"alice@example.com","ttl_minutes":60}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)

	if resp["message"] != "API key generated & stored" {
		t.Errorf("message = %v", resp["message"])
	}
	if resp["owner"] != "alice@example.com" {
		t.Errorf("owner = %v", resp["owner"])
	}
	key, _ := resp["api_key"].(string)
	if !service.WellFormed(key) || len(key) != 43 {
		t.Errorf("api_key = %q", key)
	}

	exp, err := time.Parse(time.RFC3339Nano, resp["expires_at"].(string))
	if err != nil {
		t.Fatalf("expires_at: %v", err)
	}
	if want := env.now.Add(time.Hour); !exp.Equal(want) {
		t.Errorf("expires_at = %v, want %v", exp, want)
	}
}

func TestIssue_EmptyBodyNeverExpires(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{"", "{}", `{"owner":null,"ttl_minutes":null}`} {
		w := do(env.h.Issue, "POST", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("body %q: status = %d", body, w.Code)
		}
		resp := decode(t, w)
		if resp["expires_at"] != nil {
			t.Errorf("body %q: expires_at = %v, want null", body, resp["expires_at"])
		}
		if resp["owner"] != nil {
			t.Errorf("body %q: owner = %v, want null", body, resp["owner"])
		}
	}
}

func TestIssue_TTLForms(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		body    string
		status  int
		expires bool
	}{
		{"numeric string", `{"ttl_minutes":"60"}`, http.StatusCreated, true},
		{"fractional", `{"ttl_minutes":0.5}`, http.StatusCreated, true},
		{"zero", `{"ttl_minutes":0}`, http.StatusCreated, false},
		{"negative", `{"ttl_minutes":-5}`, http.StatusCreated, false},
		{"blank string", `{"ttl_minutes":""}`, http.StatusCreated, false},
		{"century", `{"ttl_minutes":1e8}`, http.StatusCreated, true},
		{"too large", `{"ttl_minutes":2e8}`, http.StatusBadRequest, false},
		{"far too large", `{"ttl_minutes":1e300}`, http.StatusBadRequest, false},
		{"too large string", `{"ttl_minutes":"1e300"}`, http.StatusBadRequest, false},
		{"word", `{"ttl_minutes":"soon"}`, http.StatusBadRequest, false},
		{"bool", `{"ttl_minutes":true}`, http.StatusBadRequest, false},
		{"owner not string", `{"owner":42}`, http.StatusBadRequest, false},
		{"malformed json", `{"ttl_minutes":`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(env.h.Issue, "POST", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if tt.status != http.StatusCreated {
				return
			}
			resp := decode(t, w)
			if got := resp["expires_at"] != nil; got != tt.expires {
				t.Errorf("expires_at = %v, want set=%v", resp["expires_at"], tt.expires)
			}
		})
	}
}

func TestIssue_TTLTooLargeMessage(t *testing.T) {
	env := newTestEnv(t)

	w := do(env.h.Issue, "POST", `{"owner":"bob","ttl_minutes":1e300}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if msg := decode(t, w)["message"]; msg != "ttl_minutes is too large" {
		t.Errorf("message = %v", msg)
	}

	keys, err := env.store.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("stored %d keys, want 0", len(keys))
	}
}

type failingStore struct{}

func (failingStore) Insert(context.Context, *model.APIKey) error { return errors.New("disk full") }
func (failingStore) FindByKey(context.Context, string) (*model.APIKey, error) {
	return nil, errors.New("connection reset")
}
func (failingStore) SetRevoked(context.Context, string) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestStoreFailures(t *testing.T) {
	h := NewKeysHandler(service.NewKeyService(failingStore{}, service.KeyServiceConfig{}), nil, nil)
	valid := `{"api_key":"sk-abcdefghijklmnopqrstuvwxyz0123456789ABCD"}`

	tests := []struct {
		name    string
		handler http.HandlerFunc
		body    string
		message string
	}{
		{"issue", h.Issue, `{}`, "Failed to create api key"},
		{"validate", h.Validate, valid, "Check failed"},
		{"revoke", h.Revoke, valid, "Failed to revoke key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(tt.handler, "POST", tt.body)
			if w.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", w.Code)
			}
			if got := decode(t, w)["message"]; got != tt.message {
				t.Errorf("message = %v, want %q", got, tt.message)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate_Valid(t *testing.T) {
	env := newTestEnv(t)
	key := env.issue(t, `{"owner":"alice"}`)

	w := do(env.h.Validate, "POST", `{"api_key":"`+key+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["valid"] != true || resp["message"] != "API key is valid" {
		t.Errorf("resp = %v", resp)
	}
	meta, ok := resp["meta"].(map[string]interface{})
	if !ok {
		t.Fatalf("meta = %v", resp["meta"])
	}
	if meta["owner"] != "alice" || meta["expires_at"] != nil {
		t.Errorf("meta = %v", meta)
	}
	if _, leaked := meta["api_key"]; leaked {
		t.Error("meta must not carry the key string")
	}
	if _, leaked := meta["revoked"]; leaked {
		t.Error("meta must not carry the revoked flag")
	}
}

func TestValidate_HeaderFallback(t *testing.T) {
	env := newTestEnv(t)
	key := env.issue(t, "")

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(APIKeyHeader, key)
	w := httptest.NewRecorder()
	env.h.Validate(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestValidate_Rejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		body    string
		status  int
		reason  string
		message string
	}{
		{"missing", `{}`, http.StatusBadRequest, "missing", "Missing api_key"},
		{"empty string", `{"api_key":""}`, http.StatusBadRequest, "missing", "Missing api_key"},
		{"no body", "", http.StatusBadRequest, "missing", "Missing api_key"},
		{"wrong prefix", `{"api_key":"pk-abcdefghijklmnop"}`, http.StatusUnauthorized, "bad-format", "Invalid key format"},
		{"too short", `{"api_key":"sk-abc"}`, http.StatusUnauthorized, "bad-format", "Invalid key format"},
		{"bad chars", `{"api_key":"sk-abc def_ghij"}`, http.StatusUnauthorized, "bad-format", "Invalid key format"},
		{"not a string", `{"api_key":12345}`, http.StatusUnauthorized, "bad-format", "Invalid key format"},
		{"unknown", `{"api_key":"sk-doesnotexist0000"}`, http.StatusUnauthorized, "not-found", "API key not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(env.h.Validate, "POST", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			resp := decode(t, w)
			if resp["valid"] != false {
				t.Errorf("valid = %v", resp["valid"])
			}
			if resp["reason"] != tt.reason {
				t.Errorf("reason = %v, want %q", resp["reason"], tt.reason)
			}
			if resp["message"] != tt.message {
				t.Errorf("message = %v, want %q", resp["message"], tt.message)
			}
		})
	}
}

func TestValidate_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	w := do(env.h.Validate, "POST", `{"api_key":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestValidate_Expired(t *testing.T) {
	env := newTestEnv(t)
	key := env.issue(t, `{"ttl_minutes":1}`)

	env.now = env.now.Add(30 * time.Second)
	if w := do(env.h.Validate, "POST", `{"api_key":"`+key+`"}`); w.Code != http.StatusOK {
		t.Fatalf("before expiry: status = %d", w.Code)
	}

	env.now = env.now.Add(time.Minute)
	w := do(env.h.Validate, "POST", `{"api_key":"`+key+`"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("after expiry: status = %d", w.Code)
	}
	if got := decode(t, w)["message"]; got != "API key expired" {
		t.Errorf("message = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Revoke
// ---------------------------------------------------------------------------

func TestRevoke_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	key := env.issue(t, `{"owner":"alice"}`)
	body := `{"api_key":"` + key + `"}`

	w := do(env.h.Revoke, "POST", body)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["message"] != "API key revoked" || resp["already_revoked"] != false {
		t.Errorf("revoke resp = %v", resp)
	}

	w = do(env.h.Validate, "POST", body)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("validate after revoke: status = %d", w.Code)
	}
	if got := decode(t, w)["message"]; got != "API key revoked" {
		t.Errorf("validate message = %v", got)
	}

	w = do(env.h.Revoke, "POST", body)
	if w.Code != http.StatusOK {
		t.Fatalf("second revoke status = %d", w.Code)
	}
	if got := decode(t, w)["already_revoked"]; got != true {
		t.Errorf("already_revoked = %v", got)
	}
}

func TestRevoke_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"unknown", `{"api_key":"sk-nothere000000"}`, http.StatusNotFound, "API key not found"},
		{"missing", `{}`, http.StatusBadRequest, "Missing api_key"},
		{"empty", `{"api_key":""}`, http.StatusBadRequest, "Missing api_key"},
		{"not a string", `{"api_key":["x"]}`, http.StatusBadRequest, "api_key must be a string"},
		{"malformed json", `nope`, http.StatusBadRequest, "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(env.h.Revoke, "POST", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if got := decode(t, w)["message"]; got != tt.message {
				t.Errorf("message = %v, want %q", got, tt.message)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestList_MaskedNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	first := env.issue(t, `{"owner":"a"}`)
	second := env.issue(t, `{"owner":"b"}`)

	r := httptest.NewRequest("GET", "/api/v1/keys?limit=10", nil)
	w := httptest.NewRecorder()
	env.h.List(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp listResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Keys) != 2 || resp.Limit != 10 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Keys[0].Key != model.MaskKey(second) || resp.Keys[1].Key != model.MaskKey(first) {
		t.Errorf("keys = %q, %q", resp.Keys[0].Key, resp.Keys[1].Key)
	}
	if strings.Contains(w.Body.String(), first) {
		t.Error("raw key leaked in list output")
	}
}

func TestList_Paging(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.issue(t, "")
	}

	r := httptest.NewRequest("GET", "/api/v1/keys?limit=2&offset=2", nil)
	w := httptest.NewRecorder()
	env.h.List(w, r)

	var resp listResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Keys) != 1 || resp.Offset != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestList_NoLister(t *testing.T) {
	h := NewKeysHandler(service.NewKeyService(failingStore{}, service.KeyServiceConfig{}), nil, nil)
	w := do(h.List, "GET", "")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}
