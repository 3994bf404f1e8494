package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/model"
)

func TestBuildMessages(t *testing.T) {
	req := model.Request{
		Instructions: "classify",
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: "be terse"},
			{Role: model.RoleUser, Text: "fix the build"},
			{Role: model.RoleAssistant, Text: "ok"},
		},
	}
	msgs := buildMessages(req.Messages)
	require.Len(t, msgs, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)

	system := systemBlocks(req)
	require.Len(t, system, 2)
	assert.Equal(t, "classify", system[0].Text)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, requiredFields([]any{"a", 1, "b"}))
	assert.Nil(t, requiredFields(nil))
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-sonnet-20241022",
			"content": [
				{"type": "text", "text": "recording"},
				{"type": "tool_use", "id": "tu_1", "name": "record_understanding", "input": {"intent": "fix"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	client := anthropic.NewClient(option.WithAPIKey("test"), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	m := NewModelFromClient(&client)

	resp, err := model.Complete(context.Background(), m, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "fix the build"}},
		Tools: []model.ToolDefinition{{
			Name:       "record_understanding",
			Parameters: map[string]any{"properties": map[string]any{"intent": map[string]any{"type": "string"}}, "required": []string{"intent"}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recording", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.JSONEq(t, `{"intent":"fix"}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, "tool_use", resp.FinishReason)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
}
