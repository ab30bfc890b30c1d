package apperrors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Render writes err as an OpenAI error envelope on c and aborts the chain.
func Render(c *gin.Context, err error) {
	status, body := Envelope(err)
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	c.AbortWithStatusJSON(status, body)
}
