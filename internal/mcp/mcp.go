// Package mcp implements the Model Context Protocol server for chant.
//
// The MCP server exposes the participant and facilitator operations of the
// HTTP API as MCP tools, deliberation status and results as resources, and a
// participation workflow prompt, so MCP-compatible agents can take part in a
// deliberation.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/moderation"
	"github.com/unitychant/chant/internal/service/engine"
)

// seatWindow bounds how long a joined cell is remembered as the caller's
// default cell for chant_cast_vote.
const seatWindow = 2 * time.Hour

// Server wraps the MCP server with chant's engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	moderator moderation.Moderator
	seats     *seatTracker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts. A nil moderator accepts all text.
func New(eng *engine.Engine, moderator moderation.Moderator, logger *slog.Logger, version string) *Server {
	if moderator == nil {
		moderator = moderation.Noop{}
	}
	s := &Server{
		engine:    eng,
		moderator: moderator,
		seats:     newSeatTracker(seatWindow),
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"chant",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions("chant runs small-group deliberations: ideas are voted on in cells of a few participants and winners advance tier by tier until one champion remains. Use chant_join_cell to get a seat, then chant_cast_vote to spend your point budget."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// engineErrorResult renders an engine error as "CODE: message". Errors
// without a code are logged and reported as internal.
func (s *Server) engineErrorResult(tool string, err error) *mcplib.CallToolResult {
	var e *model.Error
	if !errors.As(err, &e) {
		s.logger.Error("mcp: tool failed", "tool", tool, "error", err)
		return errorResult(model.ErrCodeInternalError + ": internal error")
	}
	// Drop "engine: op: " wrap prefixes; keep the sentinel message and detail.
	msg := err.Error()
	if i := strings.Index(msg, e.Message); i >= 0 {
		msg = msg[i:]
	} else {
		msg = e.Message
	}
	text := e.Code + ": " + msg
	if e.Retryable {
		text += " (retryable)"
	}
	return errorResult(text)
}
