package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grokgate/grokgate/internal/apikeys"
	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/auth"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/conversation"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/media"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/session"
	"github.com/grokgate/grokgate/internal/stats"
	"github.com/grokgate/grokgate/internal/storage"
	"github.com/grokgate/grokgate/internal/token"
)

const testMasterKey = "sk-master"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeChat scripts the chat supervisor.
type fakeChat struct {
	lastReq    *oai.ChatRequest
	completion *oai.ChatCompletion
	frames     []string
	err        error
}

func (f *fakeChat) Completions(ctx context.Context, req *oai.ChatRequest, emit func(string) error) (*oai.ChatCompletion, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if emit != nil {
		for _, frame := range f.frames {
			if err := emit(frame); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return f.completion, nil
}

type serverHarness struct {
	router *gin.Engine
	chat   *fakeChat
	tokens *token.Manager
	keys   *apikeys.Manager
	convs  *conversation.Manager
	cfg    *config.Config
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)
	cfg := &config.Config{
		Auth: config.Auth{
			AppKey:        testMasterKey,
			AppPassword:   "hunter2hunter2",
			SessionSecret: "test-secret",
		},
		Pool: config.Pool{
			SaveDelay: time.Millisecond, ReloadInterval: 30 * time.Second,
			BasicQuota: 80, BasicRefresh: 20 * time.Hour,
			SuperQuota: 140, SuperRefresh: 2 * time.Hour,
		},
		Conversation: config.Conversation{TTL: time.Hour, SweepInterval: time.Minute, PerTokenCap: 50, SaveDelay: time.Millisecond},
		Stats:        config.Stats{HourlyKeep: 48, DailyKeep: 30, LogsMax: 100, SaveDelay: time.Millisecond},
		Catalog:      catalog,
	}

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	log := logger.Discard()

	tokens := token.NewManager(cfg.Pool, store, log)
	convs := conversation.NewManager(cfg.Conversation, store, log)
	keys := apikeys.NewManager(store, time.Millisecond, log)
	recorder := stats.NewRecorder(cfg.Stats, store, log, prometheus.NewRegistry())
	t.Cleanup(func() {
		ctx := context.Background()
		tokens.Close(ctx)
		convs.Close(ctx)
		keys.Close(ctx)
		recorder.Close(ctx)
	})

	chat := &fakeChat{
		completion: &oai.ChatCompletion{
			ID:     "resp-1",
			Object: "chat.completion",
			Model:  "grok-3",
			Choices: []oai.Choice{{
				Message:      oai.Message{Role: "assistant", Content: "pong"},
				FinishReason: "stop",
			}},
			ConversationID: "conv-1",
		},
		frames: []string{
			"data: {\"id\":\"resp-1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n",
			"data: [DONE]\n\n",
		},
	}

	authMW := auth.NewMiddleware(cfg.Auth, auth.NewSigner(cfg.Auth.SessionSecret), keys)
	srv := New(cfg, chat, tokens, convs, keys, recorder, media.NewResolver("", log),
		authMW, session.NewStore(0), nil, log)

	return &serverHarness{
		router: srv.Router(),
		chat:   chat,
		tokens: tokens,
		keys:   keys,
		convs:  convs,
		cfg:    cfg,
	}
}

func (h *serverHarness) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func apiAuth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testMasterKey}
}

func (h *serverHarness) adminCookie(t *testing.T) map[string]string {
	t.Helper()
	w := h.do(http.MethodPost, "/v1/admin/login", `{"password":"hunter2hunter2"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return map[string]string{"Cookie": cookies[0].Name + "=" + cookies[0].Value}
}

func TestChatCompletionsRequiresKey(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"grok-3","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"grok-3","messages":[{"role":"user","content":"ping"}]}`, apiAuth())
	require.Equal(t, http.StatusOK, w.Code)

	var body oai.ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "pong", body.Choices[0].Message.Content)
	assert.Equal(t, "conv-1", body.ConversationID)

	require.NotNil(t, h.chat.lastReq)
	assert.Equal(t, "grok-3", h.chat.lastReq.Model)
}

func TestChatCompletionsStreaming(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"grok-3","stream":true,"messages":[{"role":"user","content":"ping"}]}`, apiAuth())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))
}

func TestChatCompletionsStoredKey(t *testing.T) {
	h := newServerHarness(t)
	k := h.keys.Create("ci")
	w := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"grok-3","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer " + k.Key})
	assert.Equal(t, http.StatusOK, w.Code)

	h.keys.SetDisabled(k.ID, true)
	w = h.do(http.MethodPost, "/v1/chat/completions", `{"model":"grok-3","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer " + k.Key})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatCompletionsBadReasoningEffort(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"grok-3","reasoning_effort":"extreme","messages":[{"role":"user","content":"hi"}]}`, apiAuth())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsErrorEnvelope(t *testing.T) {
	h := newServerHarness(t)
	h.chat.err = apperrors.NewNoTokensError()
	w := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"grok-3","messages":[{"role":"user","content":"hi"}]}`, apiAuth())
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body.Error.Code)
}

func TestModels(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodGet, "/v1/models", "", apiAuth())
	require.Equal(t, http.StatusOK, w.Code)

	var list oai.ModelList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "grok-4")
	assert.Contains(t, ids, "grok-imagine")
}

func TestImageGenerations(t *testing.T) {
	h := newServerHarness(t)
	h.chat.completion = &oai.ChatCompletion{
		Choices: []oai.Choice{{Message: oai.Message{
			Role:    "assistant",
			Content: "![image](https://assets.grok.com/u/a.jpg)\n![image](https://assets.grok.com/u/b.jpg)",
		}}},
	}

	w := h.do(http.MethodPost, "/v1/images/generations", `{"prompt":"a red fox","n":1}`, apiAuth())
	require.Equal(t, http.StatusOK, w.Code)

	var resp oai.ImageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "https://assets.grok.com/u/a.jpg", resp.Data[0].URL)

	assert.Equal(t, "grok-imagine", h.chat.lastReq.Model)
	assert.Equal(t, "a red fox", h.chat.lastReq.Messages[0].Content)
}

func TestImageGenerationsRejectsTextModel(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodPost, "/v1/images/generations", `{"model":"grok-4","prompt":"x"}`, apiAuth())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImagineSessionFlow(t *testing.T) {
	h := newServerHarness(t)
	cookie := h.adminCookie(t)

	w := h.do(http.MethodPost, "/v1/public/imagine/start", `{"prompt":"a fox"}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.NotEmpty(t, started.SessionID)

	// Tickets are consume-once.
	w = h.do(http.MethodGet, "/v1/public/imagine/sse?session="+started.SessionID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))
	assert.Equal(t, "grok-imagine", h.chat.lastReq.Model)
	assert.Equal(t, "a fox", h.chat.lastReq.Messages[0].Content)

	w = h.do(http.MethodGet, "/v1/public/imagine/sse?session="+started.SessionID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestImagineStartRequiresAuth(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodPost, "/v1/public/imagine/start", `{"prompt":"a fox"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestImagineStartPublicKey(t *testing.T) {
	h := newServerHarnessWithPublicKey(t, "pk-1")

	w := h.do(http.MethodPost, "/v1/public/imagine/start?key=pk-1", `{"prompt":"a fox"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPost, "/v1/public/imagine/start?key=wrong", `{"prompt":"a fox"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func newServerHarnessWithPublicKey(t *testing.T, key string) *serverHarness {
	t.Helper()
	h := newServerHarness(t)
	h.cfg.Auth.PublicKey = key

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	log := logger.Discard()
	keys := apikeys.NewManager(store, time.Millisecond, log)
	t.Cleanup(func() { keys.Close(context.Background()) })

	authMW := auth.NewMiddleware(h.cfg.Auth, auth.NewSigner(h.cfg.Auth.SessionSecret), keys)
	recorder := stats.NewRecorder(h.cfg.Stats, store, log, prometheus.NewRegistry())
	t.Cleanup(func() { recorder.Close(context.Background()) })

	srv := New(h.cfg, h.chat, h.tokens, h.convs, keys, recorder, media.NewResolver("", log),
		authMW, session.NewStore(0), nil, log)
	h.router = srv.Router()
	h.keys = keys
	return h
}

func TestAdminLoginBadPassword(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodPost, "/v1/admin/login", `{"password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRequiresSession(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodGet, "/v1/admin/tokens", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminTokenLifecycle(t *testing.T) {
	h := newServerHarness(t)
	cookie := h.adminCookie(t)

	w := h.do(http.MethodPost, "/v1/admin/tokens", `{"value":"sso-secret-value-1234","pool":"basic","note":"ci"}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		ID    string `json:"id"`
		Quota int    `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 80, created.Quota)

	w = h.do(http.MethodGet, "/v1/admin/tokens", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sso-secret-value-1234", "token values are masked")
	assert.Contains(t, w.Body.String(), created.ID)

	w = h.do(http.MethodGet, "/v1/admin/tokens/stats", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"basic"`)

	w = h.do(http.MethodDelete, "/v1/admin/tokens/"+created.ID, "", cookie)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodDelete, "/v1/admin/tokens/"+created.ID, "", cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminKeyLifecycle(t *testing.T) {
	h := newServerHarness(t)
	cookie := h.adminCookie(t)

	w := h.do(http.MethodPost, "/v1/admin/keys", `{"name":"ci"}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Key, "sk-"))

	// Listing masks the key value.
	w = h.do(http.MethodGet, "/v1/admin/keys", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Key)

	w = h.do(http.MethodPatch, "/v1/admin/keys/"+created.ID, `{"disabled":true}`, cookie)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, h.keys.Validate(created.Key))

	w = h.do(http.MethodDelete, "/v1/admin/keys/"+created.ID, "", cookie)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminConversations(t *testing.T) {
	h := newServerHarness(t)
	cookie := h.adminCookie(t)
	h.convs.Create(&conversation.Context{ID: "conv-1", TokenID: "t1"})

	w := h.do(http.MethodGet, "/v1/admin/conversations", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "conv-1")

	w = h.do(http.MethodDelete, "/v1/admin/conversations/conv-1", "", cookie)
	assert.Equal(t, http.StatusOK, w.Code)
	_, ok := h.convs.Get("conv-1")
	assert.False(t, ok)
}

func TestHealthAndMetricsOpen(t *testing.T) {
	h := newServerHarness(t)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newServerHarness(t)
	w := h.do(http.MethodOptions, "/v1/chat/completions", "", nil)
	assert.Equal(t, 204, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
