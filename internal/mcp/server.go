// Package mcp exposes the review engine to agents as MCP tools: an agent
// requests a review, hands the URL to a human, and checks back (or blocks)
// for the outcome.
package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openhitl/reviewd/internal/review"
)

// Server wraps the MCP server with the review engine.
type Server struct {
	server  *mcp.Server
	engine  *review.Store
	baseURL string
}

// Config holds configuration for the MCP server.
type Config struct {
	// Engine is the review case engine.
	Engine *review.Store

	// BaseURL is used when building review URLs handed to humans.
	BaseURL string
}

// NewServer creates a new MCP server with all review tools registered.
func NewServer(cfg Config) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "reviewd",
		Version: "0.1.0",
	}, nil)

	s := &Server{
		server:  mcpServer,
		engine:  cfg.Engine,
		baseURL: cfg.BaseURL,
	}

	s.registerTools()

	return s
}

// Run starts the MCP server on the given transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

// registerTools registers all review tools.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "request_review",
		Description: "Create a review case deferring a decision to a " +
			"human; returns the review URL to hand over",
	}, s.handleRequestReview)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "check_review",
		Description: "Check the current status and result of a review case",
	}, s.handleCheckReview)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "submit_review",
		Description: "Submit one of the case's inline actions using " +
			"the submit token",
	}, s.handleSubmitReview)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cancel_review",
		Description: "Cancel a review case that is no longer needed",
	}, s.handleCancelReview)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "await_review",
		Description: "Block until the review case reaches a terminal " +
			"status or the timeout elapses",
	}, s.handleAwaitReview)
}
