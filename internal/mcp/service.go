// Package mcp exposes the gateway over the Model Context Protocol so
// agent runtimes can drive chats and inspect the token pools without
// speaking the OpenAI surface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/token"
)

// Chatter is the slice of the chat supervisor the MCP tools use.
type Chatter interface {
	Completions(ctx context.Context, req *oai.ChatRequest, emit func(string) error) (*oai.ChatCompletion, error)
}

// PoolReporter reports token pool counters.
type PoolReporter interface {
	PoolStats() map[string]token.PoolStats
}

// ChatArguments are the inputs of the chat tool.
type ChatArguments struct {
	Model          string `json:"model"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// chatResult is the chat tool's JSON payload.
type chatResult struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// Service owns the MCP server and its tool handlers.
type Service struct {
	mcpServer *server.MCPServer
	chat      Chatter
	pools     PoolReporter
	log       *logger.Logger
}

// NewService registers the chat and pool_stats tools.
func NewService(chat Chatter, pools PoolReporter, log *logger.Logger) *Service {
	s := &Service{
		mcpServer: server.NewMCPServer("grokgate", "1.0.0"),
		chat:      chat,
		pools:     pools,
		log:       log.WithComponent("mcp"),
	}

	chatTool := mcp.NewTool("chat",
		mcp.WithDescription("Send a chat message and return the assistant reply. Pass conversation_id to continue an earlier exchange."),
		mcp.WithString("model", mcp.Description("Model ID, e.g. grok-4"), mcp.Required()),
		mcp.WithString("message", mcp.Description("User message text"), mcp.Required()),
		mcp.WithString("conversation_id", mcp.Description("Gateway conversation to continue")),
	)
	s.mcpServer.AddTool(chatTool, s.handleChat)

	statsTool := mcp.NewTool("pool_stats",
		mcp.WithDescription("Report per-pool token counters: totals, states and remaining quota."),
	)
	s.mcpServer.AddTool(statsTool, s.handlePoolStats)

	return s
}

// GetMCPServer returns the underlying server for transport mounting.
func (s *Service) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Service) handleChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args ChatArguments
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to bind arguments: %v", err)), nil
	}
	if args.Message == "" {
		return mcp.NewToolResultError("message must not be empty"), nil
	}

	req := &oai.ChatRequest{
		Model:          args.Model,
		Messages:       []oai.Message{{Role: "user", Content: args.Message}},
		ConversationID: args.ConversationID,
	}
	completion, err := s.chat.Completions(ctx, req, nil)
	if err != nil {
		s.log.Warn("mcp chat failed", "model", args.Model, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := json.Marshal(chatResult{
		ConversationID: completion.ConversationID,
		Content:        completion.Choices[0].Message.Content,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Service) handlePoolStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(s.pools.PoolStats())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
