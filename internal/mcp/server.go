// Package mcp exposes key issuance, validation and revocation as MCP tools
// so agents can manage keys without going through the HTTP API.
package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/keysmith/internal/model"
	"github.com/faucetdb/keysmith/internal/service"
)

// KeyLister backs the listing tool and the recent-keys resource.
type KeyLister interface {
	List(ctx context.Context, limit, offset int) ([]model.APIKey, error)
}

// MCPServer wraps the mcp-go server with the keysmith tools and resources.
type MCPServer struct {
	keys   *service.KeyService
	lister KeyLister
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer backed by keys. lister may be nil, in
// which case the listing tool and resource are not registered.
func NewMCPServer(keys *service.KeyService, lister KeyLister, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		keys:   keys,
		lister: lister,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"keysmith",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	if lister != nil {
		s.registerResources(mcpServer)
	}

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout, for clients that launch keysmith
// as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves MCP in Streamable HTTP mode on addr (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation(destructive bool) mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(destructive),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
