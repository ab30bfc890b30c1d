package oai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageUnmarshalString(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m))
	assert.Equal(t, "user", m.Role)
	assert.Equal(t, "hello", m.Text())
	assert.Nil(t, m.Parts)
}

func TestMessageUnmarshalParts(t *testing.T) {
	raw := `{"role":"user","content":[
		{"type":"text","text":"look at"},
		{"type":"image_url","image_url":{"url":"https://x/y.png"}},
		{"type":"text","text":"this"}
	]}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "look at\nthis", m.Text())
	assert.Equal(t, []string{"https://x/y.png"}, m.ImageURLs())
}

func TestMessageUnmarshalNullContent(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &m))
	assert.Equal(t, "", m.Text())
}

func TestMessageMarshalRoundTrip(t *testing.T) {
	m := Message{Role: "assistant", Content: "hi"}
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant","content":"hi"}`, string(out))
}

func TestChatRequestDecode(t *testing.T) {
	raw := `{"model":"grok-4","messages":[{"role":"user","content":"hi"}],
		"stream":true,"reasoning_effort":"high","conversation_id":"conv-abc"}`
	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	assert.True(t, req.Stream)
	assert.Equal(t, "high", req.ReasoningEffort)
	assert.Equal(t, "conv-abc", req.ConversationID)
	require.Len(t, req.Messages, 1)
}
