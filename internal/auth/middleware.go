package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/grokgate/grokgate/internal/apikeys"
	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/config"
)

const sessionCookie = "grokgate_session"

// Middleware wires the credential sources into gin handlers.
type Middleware struct {
	cfg    config.Auth
	signer *Signer
	keys   *apikeys.Manager
}

// NewMiddleware builds the middleware set.
func NewMiddleware(cfg config.Auth, signer *Signer, keys *apikeys.Manager) *Middleware {
	return &Middleware{cfg: cfg, signer: signer, keys: keys}
}

// RequireAPIKey guards the OpenAI surface: the master key or any stored
// key, as a bearer token.
func (m *Middleware) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerToken(c.GetHeader("Authorization"))
		if key == "" {
			apperrors.Render(c, apperrors.NewAuthError("Missing API key"))
			return
		}
		if key == m.cfg.AppKey && m.cfg.AppKey != "" {
			c.Next()
			return
		}
		if m.keys != nil && m.keys.Validate(key) {
			c.Next()
			return
		}
		apperrors.Render(c, apperrors.NewAuthError("Invalid API key"))
	}
}

// RequireAdmin guards the admin surface with a cookie session.
func (m *Middleware) RequireAdmin() gin.HandlerFunc {
	return m.requireRole(RoleAdmin)
}

// RequirePublic guards the public console: a public key query/header or
// a cookie session of either role.
func (m *Middleware) RequirePublic() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.cfg.PublicKey != "" {
			key := c.Query("key")
			if key == "" {
				key = bearerToken(c.GetHeader("Authorization"))
			}
			if key == m.cfg.PublicKey {
				c.Next()
				return
			}
		}
		if role, err := m.sessionRole(c); err == nil && (role == RoleAdmin || role == RolePublic) {
			c.Next()
			return
		}
		apperrors.Render(c, apperrors.NewAuthError("Login required"))
	}
}

func (m *Middleware) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, err := m.sessionRole(c)
		if err != nil || got != role {
			apperrors.Render(c, apperrors.NewAuthError("Login required"))
			return
		}
		c.Next()
	}
}

func (m *Middleware) sessionRole(c *gin.Context) (string, error) {
	cookie, err := c.Cookie(sessionCookie)
	if err != nil {
		return "", err
	}
	return m.signer.Verify(cookie)
}

// SetSessionCookie mints a session and sets the cookie. Secure is
// derived from the forwarded proto so TLS-terminating proxies work.
func (m *Middleware) SetSessionCookie(c *gin.Context, role string, ttl time.Duration) {
	token := m.signer.Sign(role, ttl)
	secure := c.GetHeader("X-Forwarded-Proto") == "https" || c.Request.TLS != nil
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie logs the browser out.
func (m *Middleware) ClearSessionCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func bearerToken(header string) string {
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
