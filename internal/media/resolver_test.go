package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grokgate/grokgate/internal/logger"
)

func TestURLRewriting(t *testing.T) {
	r := NewResolver("https://gw.example.com/", logger.Discard())

	assert.Equal(t, "https://gw.example.com/v1/media/users/1/generated/a.jpg",
		r.URL("users/1/generated/a.jpg"))
	assert.Equal(t, "https://gw.example.com/v1/media/users/1/a.jpg",
		r.URL("/users/1/a.jpg"))
	assert.Equal(t, "https://other/x.png", r.URL("https://other/x.png"))
	assert.Equal(t, "", r.URL(""))
}

func TestURLWithoutAppURL(t *testing.T) {
	r := NewResolver("", logger.Discard())
	assert.Equal(t, "https://assets.grok.com/users/1/a.jpg", r.URL("users/1/a.jpg"))
}

func TestMarkdown(t *testing.T) {
	r := NewResolver("", logger.Discard())
	assert.Equal(t, "![image](https://assets.grok.com/a.jpg)", r.Markdown("", "a.jpg"))
	assert.Equal(t, "![cat](https://assets.grok.com/a.jpg)", r.Markdown("cat", "a.jpg"))
}

func TestFetchSendsCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Cookie"), "sso=tok-1")
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	r := NewResolver("", logger.Discard())
	r.assetBase = srv.URL
	r.client = srv.Client()

	data, ct, err := r.Fetch(context.Background(), "tok-1", "users/1/a.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, "png-bytes", string(data))
}

func TestDataURL(t *testing.T) {
	assert.Equal(t, "data:image/png;base64,cG5n", DataURL("image/png", []byte("png")))
}
