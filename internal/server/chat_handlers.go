package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/media"
	"github.com/grokgate/grokgate/internal/oai"
)

var reasoningEfforts = map[string]bool{
	"": true, "none": true, "minimal": true, "low": true,
	"medium": true, "high": true, "xhigh": true,
}

var imageMarkdownRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req oai.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Render(c, apperrors.NewValidationError("Invalid request body: "+err.Error()))
		return
	}
	if !reasoningEfforts[req.ReasoningEffort] {
		apperrors.Render(c, apperrors.NewValidationError("Invalid reasoning_effort "+req.ReasoningEffort))
		return
	}

	if !req.Stream {
		completion, err := s.chat.Completions(c.Request.Context(), &req, nil)
		if err != nil {
			apperrors.Render(c, err)
			return
		}
		c.JSON(http.StatusOK, completion)
		return
	}

	flusher := s.sseHeaders(c)
	if flusher == nil {
		return
	}

	wrote := false
	_, err := s.chat.Completions(c.Request.Context(), &req, func(frame string) error {
		if _, werr := c.Writer.WriteString(frame); werr != nil {
			return werr
		}
		wrote = true
		flusher.Flush()
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if !wrote {
			apperrors.Render(c, err)
			return
		}
		// The stream already started, so the error travels inside it.
		s.writeErrorFrame(c, flusher, err)
	}
}

// sseHeaders prepares the response for SSE and returns the flusher, or
// nil after rendering an error when the writer cannot stream.
func (s *Server) sseHeaders(c *gin.Context) http.Flusher {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		apperrors.Render(c, apperrors.NewInternalError("Streaming not supported"))
		return nil
	}
	return flusher
}

// writeErrorFrame delivers a mid-stream failure as a terminal SSE frame.
func (s *Server) writeErrorFrame(c *gin.Context, flusher http.Flusher, err error) {
	_, body := apperrors.Envelope(err)
	raw, merr := json.Marshal(body)
	if merr != nil {
		return
	}
	c.Writer.WriteString("data: " + string(raw) + "\n\n")
	c.Writer.WriteString("data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleModels(c *gin.Context) {
	list := oai.ModelList{Object: "list"}
	for _, m := range s.cfg.Catalog.Models {
		list.Data = append(list.Data, oai.Model{
			ID:      m.ID,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "grok",
		})
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleImageGenerations(c *gin.Context) {
	var req oai.ImageRequest
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
	spec, ok := s.cfg.Catalog.Get(model)
	if !ok || !spec.Image {
		apperrors.Render(c, apperrors.NewValidationError("Model "+model+" cannot generate images"))
		return
	}

	completion, err := s.chat.Completions(c.Request.Context(), &oai.ChatRequest{
		Model:    model,
		Messages: []oai.Message{{Role: "user", Content: req.Prompt}},
	}, nil)
	if err != nil {
		apperrors.Render(c, err)
		return
	}

	urls := extractMarkdownImages(completion.Choices[0].Message.Content)
	if req.N > 0 && len(urls) > req.N {
		urls = urls[:req.N]
	}

	resp := oai.ImageResponse{Created: time.Now().Unix()}
	for _, url := range urls {
		if req.ResponseFormat == "b64_json" {
			tokVal, ok := s.anyTokenValue()
			if !ok {
				apperrors.Render(c, apperrors.NewNoTokensError())
				return
			}
			data, ct, ferr := s.media.Fetch(c.Request.Context(), tokVal, url)
			if ferr != nil {
				s.log.Warn("image fetch failed", "url", url, "error", ferr)
				continue
			}
			resp.Data = append(resp.Data, oai.ImageData{B64JSON: media.DataURL(ct, data)})
			continue
		}
		resp.Data = append(resp.Data, oai.ImageData{URL: url})
	}
	c.JSON(http.StatusOK, resp)
}

// handleMedia proxies an upstream asset using a pool token's cookie.
func (s *Server) handleMedia(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if path == "" {
		apperrors.Render(c, apperrors.NewValidationError("missing asset path"))
		return
	}
	tokVal, ok := s.anyTokenValue()
	if !ok {
		apperrors.Render(c, apperrors.NewNoTokensError())
		return
	}
	data, ct, err := s.media.Fetch(c.Request.Context(), tokVal, path)
	if err != nil {
		apperrors.Render(c, apperrors.NewNotFoundError("Asset not found"))
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, ct, data)
}

// anyTokenValue picks any currently selectable token for asset fetches.
func (s *Server) anyTokenValue() (string, bool) {
	now := time.Now()
	for _, t := range s.tokens.List() {
		if t.Selectable(now) {
			return t.Value, true
		}
	}
	return "", false
}

func extractMarkdownImages(content string) []string {
	var urls []string
	for _, m := range imageMarkdownRe.FindAllStringSubmatch(content, -1) {
		urls = append(urls, m[1])
	}
	return urls
}
