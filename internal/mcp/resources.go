package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const recentKeysURI = "keysmith://keys/recent"

// registerResources adds read-only context for agents: the most recently
// issued keys, masked.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			recentKeysURI,
			"Recently issued API keys",
			mcp.WithResourceDescription(
				"The 50 most recently issued keys with owner, expiry and revocation "+
					"state. Key strings are masked.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleRecentKeysResource,
	)
}

func (s *MCPServer) handleRecentKeysResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	keys, err := s.lister.List(ctx, 50, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	b, err := json.MarshalIndent(summarize(keys), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keys: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      recentKeysURI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
