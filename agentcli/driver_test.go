package agentcli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTextAssistantMessage(t *testing.T) {
	event := map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "hello "},
				map[string]any{"type": "tool_use", "text": "ignored"},
				map[string]any{"type": "text", "text": "world"},
			},
		},
	}
	assert.Equal(t, "hello world", ExtractText(event))
}

func TestExtractTextContentBlockDelta(t *testing.T) {
	event := map[string]any{
		"type": "content_block_delta",
		"delta": map[string]any{
			"type": "text_delta",
			"text": "partial",
		},
	}
	assert.Equal(t, "partial", ExtractText(event))
}

func TestExtractTextContentBlockDeltaIgnoresNonTextDelta(t *testing.T) {
	event := map[string]any{
		"type": "content_block_delta",
		"delta": map[string]any{
			"type": "input_json_delta",
			"text": "should not appear",
		},
	}
	assert.Equal(t, "", ExtractText(event))
}

func TestExtractTextResult(t *testing.T) {
	event := map[string]any{"type": "result", "result": "final answer"}
	assert.Equal(t, "final answer", ExtractText(event))
}

func TestExtractTextUnknownType(t *testing.T) {
	assert.Equal(t, "", ExtractText(map[string]any{"type": "system"}))
}

func TestLooksRateLimited(t *testing.T) {
	assert.True(t, looksRateLimited("You've hit your limit for this period"))
	assert.True(t, looksRateLimited("Usage Limit Reached"))
	assert.False(t, looksRateLimited("task completed successfully"))
}

func TestScrubEnvRemovesAPIKey(t *testing.T) {
	env := []string{"PATH=/usr/bin", "ANTHROPIC_API_KEY=sk-secret", "HOME=/root"}
	scrubbed := scrubEnv(env)
	assert.Contains(t, scrubbed, "PATH=/usr/bin")
	assert.Contains(t, scrubbed, "HOME=/root")
	assert.NotContains(t, scrubbed, "ANTHROPIC_API_KEY=sk-secret")
}
