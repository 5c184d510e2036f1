package mcp

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/keysmith/internal/model"
	"github.com/faucetdb/keysmith/internal/service"
)

const (
	defaultListLimit = 25
	maxListLimit     = 200
)

// registerTools registers the key tools on srv.
func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("keysmith_issue_key",
			mcp.WithDescription(
				"Issue a new API key. Returns the full key string, which is shown only "+
					"once; store it immediately. Without ttl_minutes the key never expires.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation(false)),
			mcp.WithString("owner",
				mcp.Description("Free-text owner of the key, such as a name or email"),
			),
			mcp.WithNumber("ttl_minutes",
				mcp.Description("Minutes until the key expires. Zero or negative means never."),
			),
		),
		s.handleIssueKey,
	)

	srv.AddTool(
		mcp.NewTool("keysmith_validate_key",
			mcp.WithDescription(
				"Check whether an API key is currently usable. Returns valid=true with the "+
					"key's metadata, or valid=false with a reason: missing, bad-format, "+
					"not-found, revoked or expired.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("api_key",
				mcp.Required(),
				mcp.Description("The key to check, e.g. sk-..."),
			),
		),
		s.handleValidateKey,
	)

	srv.AddTool(
		mcp.NewTool("keysmith_revoke_key",
			mcp.WithDescription(
				"Permanently revoke an API key. This cannot be undone. Revoking an "+
					"already revoked key succeeds and reports already_revoked=true.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation(true)),
			mcp.WithString("api_key",
				mcp.Required(),
				mcp.Description("The key to revoke"),
			),
		),
		s.handleRevokeKey,
	)

	if s.lister != nil {
		srv.AddTool(
			mcp.NewTool("keysmith_list_keys",
				mcp.WithDescription(
					"List issued keys newest first. Key strings are masked; use this to "+
						"audit owners, expiry and revocation state.",
				),
				mcp.WithToolAnnotation(readOnlyAnnotation()),
				mcp.WithNumber("limit",
					mcp.Description("Maximum keys to return (default 25, max 200)"),
				),
				mcp.WithNumber("offset",
					mcp.Description("Number of keys to skip for pagination"),
				),
			),
			s.handleListKeys,
		)
	}
}

func (s *MCPServer) handleIssueKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	ttl, err := optionalNumber(request, "ttl_minutes")
	if err != nil {
		return toolError("%v", err)
	}
	if ttl != nil && (math.IsNaN(*ttl) || math.IsInf(*ttl, 0)) {
		return toolError("parameter \"ttl_minutes\" must be a finite number")
	}

	owner, err := optionalString(request, "owner")
	if err != nil {
		return toolError("%v", err)
	}

	key, err := s.keys.Issue(ctx, service.IssueRequest{
		Owner:      owner,
		TTLMinutes: ttl,
	})
	if errors.Is(err, service.ErrTTLTooLarge) {
		return toolError("parameter \"ttl_minutes\" is too large (max %.0f minutes)", service.MaxTTLMinutes)
	}
	if err != nil {
		s.logger.Error("mcp issue failed", "error", err)
		return toolError("Failed to create api key")
	}

	return successJSON(map[string]interface{}{
		"message":    "API key generated & stored",
		"api_key":    key.Key,
		"owner":      key.Owner,
		"expires_at": key.ExpiresAt,
	})
}

func (s *MCPServer) handleValidateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	// An empty key is a verdict (missing), not a tool error.
	candidate := request.GetString("api_key", "")

	v := s.keys.Validate(ctx, candidate)
	switch v.Result {
	case service.ResultValid:
		return successJSON(map[string]interface{}{
			"valid":   true,
			"message": "API key is valid",
			"meta":    v.Meta,
		})
	case service.ResultInvalid:
		return successJSON(map[string]interface{}{
			"valid":   false,
			"reason":  v.Reason,
			"message": v.Reason.Message(),
		})
	default:
		return toolError("Check failed")
	}
}

func (s *MCPServer) handleRevokeKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	candidate, err := requireString(request, "api_key")
	if err != nil {
		return toolError("%v", err)
	}

	outcome, err := s.keys.Revoke(ctx, candidate)
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return toolError("Missing api_key")
	case err != nil:
		s.logger.Error("mcp revoke failed", "key", model.MaskKey(candidate), "error", err)
		return toolError("Failed to revoke key")
	case outcome == service.NotFound:
		return toolError("API key not found")
	}

	return successJSON(map[string]interface{}{
		"message":         "API key revoked",
		"already_revoked": outcome == service.AlreadyRevoked,
	})
}

type keySummary struct {
	ID        int64      `json:"id"`
	Key       string     `json:"api_key"`
	Owner     *string    `json:"owner"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Revoked   bool       `json:"revoked"`
}

func summarize(keys []model.APIKey) []keySummary {
	out := make([]keySummary, len(keys))
	for i, k := range keys {
		out[i] = keySummary{
			ID:        k.ID,
			Key:       model.MaskKey(k.Key),
			Owner:     k.Owner,
			CreatedAt: k.CreatedAt,
			ExpiresAt: k.ExpiresAt,
			Revoked:   k.Revoked,
		}
	}
	return out
}

func (s *MCPServer) handleListKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	limit := clamp(optionalInt(request, "limit", defaultListLimit), 1, maxListLimit)
	offset := clamp(optionalInt(request, "offset", 0), 0, math.MaxInt32)

	keys, err := s.lister.List(ctx, limit, offset)
	if err != nil {
		s.logger.Error("mcp list failed", "error", err)
		return toolError("Failed to list api keys")
	}

	return successJSON(map[string]interface{}{
		"keys":   summarize(keys),
		"limit":  limit,
		"offset": offset,
	})
}
