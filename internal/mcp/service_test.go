package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/token"
)

type fakeChatter struct {
	lastReq *oai.ChatRequest
	reply   string
	convID  string
	err     error
}

func (f *fakeChatter) Completions(ctx context.Context, req *oai.ChatRequest, emit func(string) error) (*oai.ChatCompletion, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &oai.ChatCompletion{
		ConversationID: f.convID,
		Choices:        []oai.Choice{{Message: oai.Message{Role: "assistant", Content: f.reply}}},
	}, nil
}

type fakePools struct {
	stats map[string]token.PoolStats
}

func (f *fakePools) PoolStats() map[string]token.PoolStats { return f.stats }

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestChatTool(t *testing.T) {
	chatter := &fakeChatter{reply: "pong", convID: "conv-1"}
	svc := NewService(chatter, &fakePools{}, logger.Discard())

	result, err := svc.handleChat(context.Background(), callTool("chat", map[string]any{
		"model":   "grok-4",
		"message": "ping",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out chatResult
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &out))
	assert.Equal(t, "pong", out.Content)
	assert.Equal(t, "conv-1", out.ConversationID)

	require.NotNil(t, chatter.lastReq)
	assert.Equal(t, "grok-4", chatter.lastReq.Model)
	require.Len(t, chatter.lastReq.Messages, 1)
	assert.Equal(t, "ping", chatter.lastReq.Messages[0].Content)
}

func TestChatToolContinuesConversation(t *testing.T) {
	chatter := &fakeChatter{reply: "more", convID: "conv-9"}
	svc := NewService(chatter, &fakePools{}, logger.Discard())

	_, err := svc.handleChat(context.Background(), callTool("chat", map[string]any{
		"model":           "grok-3",
		"message":         "go on",
		"conversation_id": "conv-9",
	}))
	require.NoError(t, err)
	assert.Equal(t, "conv-9", chatter.lastReq.ConversationID)
}

func TestChatToolEmptyMessage(t *testing.T) {
	svc := NewService(&fakeChatter{}, &fakePools{}, logger.Discard())
	result, err := svc.handleChat(context.Background(), callTool("chat", map[string]any{"model": "grok-3", "message": ""}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestChatToolUpstreamError(t *testing.T) {
	svc := NewService(&fakeChatter{err: errors.New("no available tokens")}, &fakePools{}, logger.Discard())
	result, err := svc.handleChat(context.Background(), callTool("chat", map[string]any{"model": "grok-3", "message": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPoolStatsTool(t *testing.T) {
	pools := &fakePools{stats: map[string]token.PoolStats{
		"basic": {Pool: "basic", Total: 3, Active: 2, Cooling: 1, QuotaLeft: 120, Selectable: 2},
	}}
	svc := NewService(&fakeChatter{}, pools, logger.Discard())

	result, err := svc.handlePoolStats(context.Background(), callTool("pool_stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]token.PoolStats
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), &out))
	assert.Equal(t, 3, out["basic"].Total)
	assert.Equal(t, 120, out["basic"].QuotaLeft)
}
