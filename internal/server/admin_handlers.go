package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/auth"
)

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleAdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Render(c, apperrors.NewValidationError("Invalid request body"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Auth.AppPassword)) != 1 {
		apperrors.Render(c, apperrors.NewAuthError("Invalid password"))
		return
	}
	s.auth.SetSessionCookie(c, auth.RoleAdmin, adminSessionTTL)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleAdminLogout(c *gin.Context) {
	s.auth.ClearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// API keys.

type keyCreateRequest struct {
	Name string `json:"name"`
}

type keyPatchRequest struct {
	Disabled *bool `json:"disabled"`
}

func (s *Server) handleKeyList(c *gin.Context) {
	keys := s.keys.List()
	out := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		out = append(out, gin.H{
			"id":           k.ID,
			"key":          k.Masked(),
			"name":         k.Name,
			"disabled":     k.Disabled,
			"created_at":   k.CreatedAt,
			"last_used_at": k.LastUsedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

func (s *Server) handleKeyCreate(c *gin.Context) {
	var req keyCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Render(c, apperrors.NewValidationError("Invalid request body"))
		return
	}
	k := s.keys.Create(req.Name)
	// The full key is shown exactly once, at creation.
	c.JSON(http.StatusOK, gin.H{"id": k.ID, "key": k.Key, "name": k.Name})
}

func (s *Server) handleKeyPatch(c *gin.Context) {
	var req keyPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Disabled == nil {
		apperrors.Render(c, apperrors.NewValidationError("disabled required"))
		return
	}
	if !s.keys.SetDisabled(c.Param("id"), *req.Disabled) {
		apperrors.Render(c, apperrors.NewNotFoundError("Key not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleKeyDelete(c *gin.Context) {
	if !s.keys.Delete(c.Param("id")) {
		apperrors.Render(c, apperrors.NewNotFoundError("Key not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Tokens.

type tokenCreateRequest struct {
	Value string `json:"value"`
	Pool  string `json:"pool"`
	Note  string `json:"note"`
}

func (s *Server) handleTokenList(c *gin.Context) {
	tokens := s.tokens.List()
	out := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, gin.H{
			"id":               t.ID,
			"value":            maskToken(t.Value),
			"pool":             t.Pool,
			"note":             t.Note,
			"status":           t.Status,
			"quota":            t.Quota,
			"cooldown_until":   t.CooldownUntil,
			"quota_refresh_at": t.QuotaRefreshAt,
			"last_used_at":     t.LastUsedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

func (s *Server) handleTokenCreate(c *gin.Context) {
	var req tokenCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Render(c, apperrors.NewValidationError("Invalid request body"))
		return
	}
	if req.Value == "" {
		apperrors.Render(c, apperrors.NewValidationError("value must not be empty"))
		return
	}
	pool := req.Pool
	if pool == "" {
		pool = "basic"
	}
	t := s.tokens.Add(req.Value, pool, req.Note)
	c.JSON(http.StatusOK, gin.H{"id": t.ID, "pool": t.Pool, "quota": t.Quota})
}

func (s *Server) handleTokenDelete(c *gin.Context) {
	if !s.tokens.Remove(c.Param("id")) {
		apperrors.Render(c, apperrors.NewNotFoundError("Token not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleTokenStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": s.tokens.PoolStats()})
}

// Conversations.

func (s *Server) handleConversationList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": s.convs.List()})
}

func (s *Server) handleConversationDelete(c *gin.Context) {
	if !s.convs.Delete(c.Param("id")) {
		apperrors.Render(c, apperrors.NewNotFoundError("Conversation not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Logs and stats.

func (s *Server) handleLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.recorder.Logs(limit)})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.recorder.Stats())
}

// maskToken blanks the middle of a session cookie for display.
func maskToken(v string) string {
	if len(v) <= 10 {
		return v
	}
	return v[:6] + "..." + v[len(v)-4:]
}
