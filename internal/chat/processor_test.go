package chat

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/media"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/upstream"
)

func replayStream(lines ...string) *upstream.LineStream {
	return upstream.NewLineStream(io.NopCloser(strings.NewReader(strings.Join(lines, "\n"))))
}

func testProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Model:         "grok-4",
		GatewayConvID: "conv-abc",
		Think:         true,
		FilterTags:    []string{"xaiartifact"},
		Timeouts:      config.Stream{},
	}
}

// runProcessor replays lines and returns the emitted frames.
func runProcessor(t *testing.T, cfg ProcessorConfig, lines ...string) (*StreamState, []string, error) {
	t.Helper()
	p := NewProcessor(cfg, media.NewResolver("", logger.Discard()), logger.Discard())
	var frames []string
	state, err := p.Run(context.Background(), replayStream(lines...), func(f string) error {
		frames = append(frames, f)
		return nil
	})
	return state, frames, err
}

// decodeFrame parses one "data: {...}" frame.
func decodeFrame(t *testing.T, frame string) oai.Chunk {
	t.Helper()
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	var chunk oai.Chunk
	require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
	return chunk
}

// contentOf concatenates the delta content of all frames.
func contentOf(t *testing.T, frames []string) string {
	t.Helper()
	var sb strings.Builder
	for _, f := range frames {
		if strings.HasPrefix(f, "data: [DONE]") {
			continue
		}
		chunk := decodeFrame(t, f)
		sb.WriteString(chunk.Choices[0].Delta.Content)
	}
	return sb.String()
}

func tokenLine(text string, thinking bool) string {
	ev := map[string]any{"result": map[string]any{"response": map[string]any{
		"token": text, "isThinking": thinking,
	}}}
	raw, _ := json.Marshal(ev)
	return "data: " + string(raw)
}

func TestProcessorBasicStream(t *testing.T) {
	state, frames, err := runProcessor(t, testProcessorConfig(),
		`data: {"result":{"conversation":{"conversationId":"up-1"},"response":{"responseId":"resp-1"}}}`,
		tokenLine("Hello", false),
		tokenLine(" world", false),
		`data: [DONE]`,
	)
	require.NoError(t, err)
	assert.Equal(t, "resp-1", state.ResponseID)
	assert.Equal(t, "up-1", state.UpstreamConvID)

	require.GreaterOrEqual(t, len(frames), 4)
	first := decodeFrame(t, frames[0])
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, "resp-1", first.ID)
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "grok-4", first.Model)
	assert.Equal(t, "conv-abc", first.ConversationID)

	assert.Equal(t, "Hello world", contentOf(t, frames))

	stop := decodeFrame(t, frames[len(frames)-2])
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)
	assert.Equal(t, "data: [DONE]\n\n", frames[len(frames)-1])
}

func TestProcessorGeneratedIDWithoutResponseID(t *testing.T) {
	_, frames, err := runProcessor(t, testProcessorConfig(), tokenLine("hi", false))
	require.NoError(t, err)
	chunk := decodeFrame(t, frames[0])
	assert.True(t, strings.HasPrefix(chunk.ID, "chatcmpl-"))

	// Stable across frames.
	second := decodeFrame(t, frames[1])
	assert.Equal(t, chunk.ID, second.ID)
}

func TestProcessorThinkWrapping(t *testing.T) {
	_, frames, err := runProcessor(t, testProcessorConfig(),
		tokenLine("step one", true),
		tokenLine(" step two", true),
		tokenLine("answer", false),
	)
	require.NoError(t, err)
	assert.Equal(t, "<think>\nstep one step two\n</think>\nanswer", contentOf(t, frames))
}

func TestProcessorThinkClosedAtEndOfStream(t *testing.T) {
	_, frames, err := runProcessor(t, testProcessorConfig(), tokenLine("only thoughts", true))
	require.NoError(t, err)
	content := contentOf(t, frames)
	assert.True(t, strings.HasPrefix(content, "<think>\n"))
	assert.True(t, strings.HasSuffix(content, "\n</think>"))
}

func TestProcessorThinkDisabledDropsReasoning(t *testing.T) {
	cfg := testProcessorConfig()
	cfg.Think = false
	_, frames, err := runProcessor(t, cfg,
		tokenLine("secret reasoning", true),
		tokenLine("answer", false),
	)
	require.NoError(t, err)
	assert.Equal(t, "answer", contentOf(t, frames))
}

func TestProcessorThinkDisabledDropsImageProgress(t *testing.T) {
	cfg := testProcessorConfig()
	cfg.Think = false
	_, frames, err := runProcessor(t, cfg,
		`data: {"result":{"response":{"streamingImageGenerationResponse":{"progress":40,"imageIndex":0}}}}`,
		`data: {"result":{"response":{"modelResponse":{"responseId":"r","generatedImageUrls":["users/1/a.jpg"]}}}}`,
	)
	require.NoError(t, err)
	content := contentOf(t, frames)
	assert.NotContains(t, content, "<think>")
	assert.NotContains(t, content, "正在生成")
	assert.Contains(t, content, "![image](https://assets.grok.com/users/1/a.jpg)")
}

func TestProcessorImageProgressAndRender(t *testing.T) {
	_, frames, err := runProcessor(t, testProcessorConfig(),
		`data: {"result":{"response":{"streamingImageGenerationResponse":{"progress":40,"imageIndex":0}}}}`,
		`data: {"result":{"response":{"streamingImageGenerationResponse":{"progress":90,"imageIndex":1}}}}`,
		`data: {"result":{"response":{"modelResponse":{"responseId":"resp-9","generatedImageUrls":["users/1/a.jpg","users/1/b.jpg"]}}}}`,
	)
	require.NoError(t, err)
	content := contentOf(t, frames)
	assert.Contains(t, content, "<think>\n正在生成第1张图片中，当前进度40%")
	assert.Contains(t, content, "正在生成第2张图片中，当前进度90%")
	assert.Contains(t, content, "\n</think>\n")
	assert.Contains(t, content, "![image](https://assets.grok.com/users/1/a.jpg)")
	assert.Contains(t, content, "![image](https://assets.grok.com/users/1/b.jpg)")
	idx := strings.Index(content, "</think>")
	assert.Greater(t, strings.Index(content, "![image]"), idx, "images render after the think block closes")
}

func TestProcessorCardAttachmentImage(t *testing.T) {
	_, frames, err := runProcessor(t, testProcessorConfig(),
		`data: {"result":{"response":{"cardAttachment":{"id":"c1","jsonData":"{\"image\":{\"original\":\"https://img/s.jpg\",\"title\":\"sunset\"}}"}}}}`,
	)
	require.NoError(t, err)
	assert.Contains(t, contentOf(t, frames), "![sunset](https://img/s.jpg)")
}

func TestProcessorCardAttachmentTopLevelTitleFallback(t *testing.T) {
	_, frames, err := runProcessor(t, testProcessorConfig(),
		`data: {"result":{"response":{"cardAttachment":{"id":"c1","jsonData":"{\"title\":\"dawn\",\"image\":{\"original\":\"https://img/d.jpg\"}}"}}}}`,
	)
	require.NoError(t, err)
	assert.Contains(t, contentOf(t, frames), "![dawn](https://img/d.jpg)")
}

func TestProcessorModelHashLaterWins(t *testing.T) {
	state, _, err := runProcessor(t, testProcessorConfig(),
		`data: {"result":{"response":{"llmInfo":{"modelHash":"early"},"token":"x"}}}`,
		`data: {"result":{"response":{"modelResponse":{"responseId":"r","metadata":{"llm_info":{"modelHash":"final"}}}}}}`,
	)
	require.NoError(t, err)
	assert.Equal(t, "final", state.ModelHash)
}

func TestProcessorSkipsJunkLines(t *testing.T) {
	_, frames, err := runProcessor(t, testProcessorConfig(),
		"",
		"data: not-json{{{",
		tokenLine("ok", false),
		"data: [DONE]",
	)
	require.NoError(t, err)
	assert.Equal(t, "ok", contentOf(t, frames))
}

func TestProcessorFilterTagsDropped(t *testing.T) {
	_, frames, err := runProcessor(t, testProcessorConfig(),
		tokenLine("keep ", false),
		tokenLine(`<xaiartifact id="1">`, false),
		tokenLine("this", false),
	)
	require.NoError(t, err)
	assert.Equal(t, "keep this", contentOf(t, frames))
}

func TestProcessorFirstByteTimeout(t *testing.T) {
	cfg := testProcessorConfig()
	cfg.Timeouts = config.Stream{FirstTimeout: 20 * time.Millisecond}

	pr, pw := io.Pipe()
	defer pw.Close()
	stream := upstream.NewLineStream(pr)
	defer stream.Close()

	p := NewProcessor(cfg, media.NewResolver("", logger.Discard()), logger.Discard())
	_, err := p.Run(context.Background(), stream, func(string) error { return nil })

	var toErr *apperrors.StreamTimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, "first", toErr.Stage)
}

func TestProcessorIdleTimeout(t *testing.T) {
	cfg := testProcessorConfig()
	cfg.Timeouts = config.Stream{IdleTimeout: 30 * time.Millisecond}

	pr, pw := io.Pipe()
	defer pw.Close()
	stream := upstream.NewLineStream(pr)
	defer stream.Close()

	go func() {
		pw.Write([]byte(tokenLine("first", false) + "\n"))
		// Then silence.
	}()

	p := NewProcessor(cfg, media.NewResolver("", logger.Discard()), logger.Discard())
	_, err := p.Run(context.Background(), stream, func(string) error { return nil })

	var toErr *apperrors.StreamTimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, "idle", toErr.Stage)
}

func TestProcessorTotalTimeout(t *testing.T) {
	cfg := testProcessorConfig()
	cfg.Timeouts = config.Stream{TotalTimeout: 50 * time.Millisecond}

	pr, pw := io.Pipe()
	stream := upstream.NewLineStream(pr)
	defer stream.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := pw.Write([]byte(tokenLine("tick", false) + "\n")); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	t.Cleanup(func() { pw.Close(); <-done })

	p := NewProcessor(cfg, media.NewResolver("", logger.Discard()), logger.Discard())
	_, err := p.Run(context.Background(), stream, func(string) error { return nil })

	var toErr *apperrors.StreamTimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, "total", toErr.Stage)
}

func TestProcessorClientCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	stream := upstream.NewLineStream(pr)
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	p := NewProcessor(testProcessorConfig(), media.NewResolver("", logger.Discard()), logger.Discard())
	_, err := p.Run(ctx, stream, func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
