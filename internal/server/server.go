// Package server is the HTTP surface: the OpenAI-compatible /v1 API,
// the public imagine/video console, the admin API and the MCP mount.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grokgate/grokgate/internal/apikeys"
	"github.com/grokgate/grokgate/internal/auth"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/conversation"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/mcp"
	"github.com/grokgate/grokgate/internal/media"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/session"
	"github.com/grokgate/grokgate/internal/stats"
	"github.com/grokgate/grokgate/internal/token"
)

const adminSessionTTL = 24 * time.Hour

// ChatService is the slice of the chat supervisor the handlers use.
type ChatService interface {
	Completions(ctx context.Context, req *oai.ChatRequest, emit func(string) error) (*oai.ChatCompletion, error)
}

// Server wires handlers to their collaborators.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	chat     ChatService
	tokens   *token.Manager
	convs    *conversation.Manager
	keys     *apikeys.Manager
	recorder *stats.Recorder
	media    *media.Resolver
	auth     *auth.Middleware
	tickets  *session.Store
	mcp      *mcp.Handler

	upgrader websocket.Upgrader
}

// New builds the server.
func New(cfg *config.Config, chat ChatService, tokens *token.Manager, convs *conversation.Manager,
	keys *apikeys.Manager, recorder *stats.Recorder, resolver *media.Resolver,
	authMW *auth.Middleware, tickets *session.Store, mcpHandler *mcp.Handler, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.WithComponent("server"),
		chat:     chat,
		tokens:   tokens,
		convs:    convs,
		keys:     keys,
		recorder: recorder,
		media:    resolver,
		auth:     authMW,
		tickets:  tickets,
		mcp:      mcpHandler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The console runs on arbitrary origins behind the public key.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.cors())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Generated image links are embedded in markdown and fetched by
	// plain <img> tags, so the media proxy cannot demand a bearer token.
	r.GET("/v1/media/*path", s.handleMedia)

	api := r.Group("/v1", s.auth.RequireAPIKey())
	{
		api.POST("/chat/completions", s.handleChatCompletions)
		api.POST("/images/generations", s.handleImageGenerations)
		api.GET("/models", s.handleModels)
	}

	if s.mcp != nil {
		r.Any("/mcp", s.auth.RequireAPIKey(), s.mcp.HandleMCPAny)
	}

	pub := r.Group("/v1/public")
	{
		pub.GET("/imagine/config", s.auth.RequirePublic(), s.handleImagineConfig)
		pub.POST("/imagine/start", s.auth.RequirePublic(), s.handleSessionStart("imagine"))
		pub.POST("/imagine/stop", s.auth.RequirePublic(), s.handleSessionStop)
		// SSE and WS consume a one-shot ticket instead of carrying auth.
		pub.GET("/imagine/sse", s.handleSessionSSE("imagine"))
		pub.GET("/imagine/ws", s.handleImagineWS)

		pub.POST("/video/start", s.auth.RequirePublic(), s.handleSessionStart("video"))
		pub.POST("/video/stop", s.auth.RequirePublic(), s.handleSessionStop)
		pub.GET("/video/sse", s.handleSessionSSE("video"))
	}

	admin := r.Group("/v1/admin")
	{
		admin.POST("/login", s.handleAdminLogin)
		admin.POST("/logout", s.handleAdminLogout)

		guarded := admin.Group("", s.auth.RequireAdmin())
		{
			guarded.GET("/keys", s.handleKeyList)
			guarded.POST("/keys", s.handleKeyCreate)
			guarded.PATCH("/keys/:id", s.handleKeyPatch)
			guarded.DELETE("/keys/:id", s.handleKeyDelete)

			guarded.GET("/tokens", s.handleTokenList)
			guarded.POST("/tokens", s.handleTokenCreate)
			guarded.DELETE("/tokens/:id", s.handleTokenDelete)
			guarded.GET("/tokens/stats", s.handleTokenStats)

			guarded.GET("/conversations", s.handleConversationList)
			guarded.DELETE("/conversations/:id", s.handleConversationDelete)

			guarded.GET("/logs", s.handleLogs)
			guarded.GET("/stats", s.handleStats)
		}
	}

	return r
}
