package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	m := NewMockModel("mock-1")
	m.AddResponse("hello", "hi there")
	m.AddToolCall("classify", ToolCall{ID: "c1", Name: "record", Arguments: `{"intent":"fix"}`})

	tests := []struct {
		name   string
		prompt string
		stream bool
		text   string
		calls  int
	}{
		{name: "text", prompt: "hello", text: "hi there"},
		{name: "streamed", prompt: "hello", stream: true, text: "hi there"},
		{name: "tool call", prompt: "classify", calls: 1},
		{name: "fallback", prompt: "unknown", text: "Mock response to: unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := Complete(context.Background(), m, Request{
				Messages: []Message{{Role: RoleUser, Text: tt.prompt}},
				Stream:   tt.stream,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.text, resp.Text)
			assert.Len(t, resp.ToolCalls, tt.calls)
			assert.False(t, resp.Partial)
		})
	}
	assert.Len(t, m.Requests(), 4)
}

func TestComplete_Errors(t *testing.T) {
	m := NewMockModel("mock-1")
	_, err := Complete(context.Background(), m, Request{})
	assert.EqualError(t, err, "no messages provided")

	m.FailWith(errors.New("rate limited"))
	_, err = Complete(context.Background(), m, Request{Messages: []Message{{Role: RoleUser, Text: "x"}}})
	assert.EqualError(t, err, "rate limited")
}
