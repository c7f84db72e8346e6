package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, ErrorRateLimited, KindOf(errors.New("rate limit exceeded")))
	assert.Equal(t, ErrorTimeout, KindOf(errors.New("request timeout")))
	assert.Equal(t, ErrorUpstream, KindOf(errors.New("boom")))

	assert.Equal(t, ErrorRateLimited, KindOf(&openai.APIError{HTTPStatusCode: 429}))
	assert.Equal(t, ErrorTimeout, KindOf(&openai.APIError{HTTPStatusCode: 504}))
	assert.Equal(t, ErrorUpstream, KindOf(&openai.APIError{HTTPStatusCode: 500}))
}

// A single delta can open several tool calls at once; each fragment must
// convert to its own chunk keyed by the call's index.
func TestToolCallChunkParallelCalls(t *testing.T) {
	idx0, idx1 := 0, 1
	delta := []openai.ToolCall{
		{Index: &idx0, ID: "call_a", Function: openai.FunctionCall{Name: "add_task", Arguments: `{"title":`}},
		{Index: &idx1, ID: "call_b", Function: openai.FunctionCall{Name: "delete_task", Arguments: `{"task_id":`}},
	}

	var chunks []Chunk
	for _, call := range delta {
		chunks = append(chunks, toolCallChunk(call))
	}
	require.Len(t, chunks, 2)

	assert.Equal(t, ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "call_a", chunks[0].ToolCallID)
	assert.Equal(t, "add_task", chunks[0].ToolName)
	assert.Equal(t, 0, chunks[0].ToolIndex)

	assert.Equal(t, "call_b", chunks[1].ToolCallID)
	assert.Equal(t, "delete_task", chunks[1].ToolName)
	assert.Equal(t, 1, chunks[1].ToolIndex)

	// Continuation fragments carry only the index and an arguments delta.
	cont := toolCallChunk(openai.ToolCall{Index: &idx1, Function: openai.FunctionCall{Arguments: `"b"}`}})
	assert.Empty(t, cont.ToolCallID)
	assert.Equal(t, 1, cont.ToolIndex)
	assert.Equal(t, `"b"}`, cont.ToolArgsDelta)
}
