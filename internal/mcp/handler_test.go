package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/faucetdb/keysmith/internal/service"
	"github.com/faucetdb/keysmith/internal/store"
)

func newTestServer(t *testing.T) (*MCPServer, *time.Time) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	keys := service.NewKeyService(st, service.KeyServiceConfig{
		Now: func() time.Time { return now },
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMCPServer(keys, st, "test", logger), &now
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content type %T", res.Content[0])
	return ""
}

func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(resultText(t, res)), &m); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return m
}

func TestIssueValidateRevokeTools(t *testing.T) {
	s, now := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleIssueKey(ctx, call(map[string]interface{}{
		"owner":       "alice@example.com",
		"ttl_minutes": 10,
	}))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	issued := resultJSON(t, res)
	key, _ := issued["api_key"].(string)
	if !service.WellFormed(key) {
		t.Fatalf("api_key = %q", key)
	}
	if issued["owner"] != "alice@example.com" || issued["expires_at"] == nil {
		t.Errorf("issued = %v", issued)
	}

	res, _ = s.handleValidateKey(ctx, call(map[string]interface{}{"api_key": key}))
	if v := resultJSON(t, res); v["valid"] != true {
		t.Errorf("validate = %v", v)
	}

	*now = now.Add(11 * time.Minute)
	res, _ = s.handleValidateKey(ctx, call(map[string]interface{}{"api_key": key}))
	if v := resultJSON(t, res); v["valid"] != false || v["reason"] != "expired" {
		t.Errorf("validate after expiry = %v", v)
	}

	res, _ = s.handleRevokeKey(ctx, call(map[string]interface{}{"api_key": key}))
	if v := resultJSON(t, res); v["already_revoked"] != false {
		t.Errorf("revoke = %v", v)
	}
	res, _ = s.handleRevokeKey(ctx, call(map[string]interface{}{"api_key": key}))
	if v := resultJSON(t, res); v["already_revoked"] != true {
		t.Errorf("second revoke = %v", v)
	}

	res, _ = s.handleValidateKey(ctx, call(map[string]interface{}{"api_key": key}))
	if v := resultJSON(t, res); v["reason"] != "revoked" {
		t.Errorf("validate after revoke = %v", v)
	}
}

func TestIssueKeyArguments(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, _ := s.handleIssueKey(ctx, call(nil))
	if v := resultJSON(t, res); v["expires_at"] != nil || v["owner"] != nil {
		t.Errorf("issue without args = %v", v)
	}

	res, _ = s.handleIssueKey(ctx, call(map[string]interface{}{"ttl_minutes": "soon"}))
	if !res.IsError {
		t.Error("non-numeric ttl_minutes should be a tool error")
	}

	for _, ttl := range []float64{2e8, 1e300} {
		res, _ = s.handleIssueKey(ctx, call(map[string]interface{}{"ttl_minutes": ttl}))
		if !res.IsError || !strings.Contains(resultText(t, res), "too large") {
			t.Errorf("ttl_minutes %v: %q, want too-large tool error", ttl, resultText(t, res))
		}
	}

	res, _ = s.handleIssueKey(ctx, call(map[string]interface{}{"ttl_minutes": 1e8}))
	if v := resultJSON(t, res); v["expires_at"] == nil {
		t.Errorf("ttl_minutes 1e8 = %v, want an expiry", v)
	}

	// An empty owner is stored as given, the same as over HTTP.
	res, _ = s.handleIssueKey(ctx, call(map[string]interface{}{"owner": ""}))
	if v := resultJSON(t, res); v["owner"] != "" {
		t.Errorf("owner \"\" = %#v, want empty string", v["owner"])
	}

	res, _ = s.handleIssueKey(ctx, call(map[string]interface{}{"owner": nil}))
	if v := resultJSON(t, res); v["owner"] != nil {
		t.Errorf("owner null = %#v, want null", v["owner"])
	}

	res, _ = s.handleIssueKey(ctx, call(map[string]interface{}{"owner": 42}))
	if !res.IsError {
		t.Error("non-string owner should be a tool error")
	}
}

func TestValidateKeyVerdicts(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		key    string
		reason string
	}{
		{"", "missing"},
		{"pk-notourformat", "bad-format"},
		{"sk-doesnotexist0000000000000000000000000", "not-found"},
	}
	for _, tt := range tests {
		res, err := s.handleValidateKey(ctx, call(map[string]interface{}{"api_key": tt.key}))
		if err != nil {
			t.Fatalf("validate %q: %v", tt.key, err)
		}
		v := resultJSON(t, res)
		if v["valid"] != false || v["reason"] != tt.reason {
			t.Errorf("validate %q = %v, want reason %s", tt.key, v, tt.reason)
		}
	}
}

func TestRevokeKeyErrors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, _ := s.handleRevokeKey(ctx, call(map[string]interface{}{}))
	if !res.IsError || !strings.Contains(resultText(t, res), "api_key") {
		t.Errorf("missing api_key: %v", resultText(t, res))
	}

	res, _ = s.handleRevokeKey(ctx, call(map[string]interface{}{"api_key": "sk-doesnotexist0000000000000000000000000"}))
	if !res.IsError || resultText(t, res) != "API key not found" {
		t.Errorf("unknown key: %q", resultText(t, res))
	}
}

func TestListKeysAndResource(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, _ := s.handleIssueKey(ctx, call(map[string]interface{}{"owner": "bob"}))
	key := resultJSON(t, res)["api_key"].(string)

	res, _ = s.handleListKeys(ctx, call(map[string]interface{}{"limit": 5}))
	text := resultText(t, res)
	if strings.Contains(text, key) {
		t.Error("list leaked a raw key")
	}
	list := resultJSON(t, res)
	if items, _ := list["keys"].([]interface{}); len(items) != 1 || list["limit"] != float64(5) {
		t.Errorf("list = %v", list)
	}

	contents, err := s.handleRecentKeysResource(ctx, mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("resource content type %T", contents[0])
	}
	if tc.URI != recentKeysURI || strings.Contains(tc.Text, key) || !strings.Contains(tc.Text, "bob") {
		t.Errorf("resource = %+v", tc)
	}
}

func TestToolsRegistered(t *testing.T) {
	s, _ := newTestServer(t)
	tools := s.Server().ListTools()
	for _, name := range []string{
		"keysmith_issue_key", "keysmith_validate_key", "keysmith_revoke_key", "keysmith_list_keys",
	} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		val      int
		min      int
		max      int
		expected int
	}{
		{"value in range", 5, 1, 10, 5},
		{"value below min", -3, 1, 10, 1},
		{"value above max", 15, 1, 10, 10},
		{"value equals max", 10, 1, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clamp(tt.val, tt.min, tt.max); got != tt.expected {
				t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.expected)
			}
		})
	}
}

func TestAnnotations(t *testing.T) {
	if ro := readOnlyAnnotation(); ro.ReadOnlyHint == nil || !*ro.ReadOnlyHint {
		t.Error("read-only annotation should set ReadOnlyHint")
	}
	rev := mutatingAnnotation(true)
	if rev.ReadOnlyHint == nil || *rev.ReadOnlyHint || rev.DestructiveHint == nil || !*rev.DestructiveHint {
		t.Errorf("destructive annotation = %+v", rev)
	}
}
