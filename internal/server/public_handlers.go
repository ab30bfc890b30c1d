package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/session"
)

type sessionStartRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	AspectRatio string `json:"aspect_ratio"`
	Count       int    `json:"n"`
	Format      string `json:"format"`
	NSFW        bool   `json:"nsfw"`
}

type sessionStopRequest struct {
	SessionID string `json:"session_id"`
}

// handleImagineConfig describes the image-capable catalog for the
// console.
func (s *Server) handleImagineConfig(c *gin.Context) {
	var models []string
	for _, m := range s.cfg.Catalog.Models {
		if m.Image {
			models = append(models, m.ID)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"models":      models,
		"session_ttl": int(10 * time.Minute / time.Second),
	})
}

// handleSessionStart issues a one-shot ticket binding the prompt to a
// later SSE or WS connection, which cannot carry normal auth headers.
func (s *Server) handleSessionStart(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sessionStartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperrors.Render(c, apperrors.NewValidationError("Invalid request body: "+err.Error()))
			return
		}
		if req.Prompt == "" {
			apperrors.Render(c, apperrors.NewValidationError("prompt must not be empty"))
			return
		}
		model := req.Model
		if model == "" {
			model = "grok-imagine"
		}
		if spec, ok := s.cfg.Catalog.Get(model); !ok || !spec.Image {
			apperrors.Render(c, apperrors.NewValidationError("Model "+model+" cannot generate images"))
			return
		}

		t := s.tickets.Issue(kind, session.Params{
			Prompt:      req.Prompt,
			Model:       model,
			AspectRatio: req.AspectRatio,
			Count:       req.Count,
			Format:      req.Format,
			NSFW:        req.NSFW,
		})
		c.JSON(http.StatusOK, gin.H{
			"session_id": t.ID,
			"expires_at": t.ExpiresAt.Unix(),
		})
	}
}

func (s *Server) handleSessionStop(c *gin.Context) {
	var req sessionStopRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		apperrors.Render(c, apperrors.NewValidationError("session_id required"))
		return
	}
	s.tickets.Cancel(req.SessionID)
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// handleSessionSSE consumes a ticket and streams the generation as SSE.
func (s *Server) handleSessionSSE(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket, ok := s.tickets.Consume(c.Query("session"), kind)
		if !ok {
			apperrors.Render(c, apperrors.NewAuthError("Invalid or expired session"))
			return
		}

		flusher := s.sseHeaders(c)
		if flusher == nil {
			return
		}

		wrote := false
		_, err := s.chat.Completions(c.Request.Context(), &oai.ChatRequest{
			Model:    ticket.Model,
			Messages: []oai.Message{{Role: "user", Content: ticket.Prompt}},
		}, func(frame string) error {
			if _, werr := c.Writer.WriteString(frame); werr != nil {
				return werr
			}
			wrote = true
			flusher.Flush()
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			if !wrote {
				apperrors.Render(c, err)
				return
			}
			s.writeErrorFrame(c, flusher, err)
		}
	}
}

// handleImagineWS consumes a ticket over a WebSocket and forwards the
// stream frames as text messages.
func (s *Server) handleImagineWS(c *gin.Context) {
	ticket, ok := s.tickets.Consume(c.Query("session"), "imagine")
	if !ok {
		apperrors.Render(c, apperrors.NewAuthError("Invalid or expired session"))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	_, err = s.chat.Completions(c.Request.Context(), &oai.ChatRequest{
		Model:    ticket.Model,
		Messages: []oai.Message{{Role: "user", Content: ticket.Prompt}},
	}, func(frame string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(frame))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		_, body := apperrors.Envelope(err)
		conn.WriteJSON(body)
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
