package llm

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient is the OpenAI LLM client. With a custom base URL it also
// serves any OpenAI-compatible endpoint (e.g. Gemini's compatibility layer).
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAI client. baseURL may be empty for the
// default endpoint.
func NewOpenAIClient(apiKey, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Models returns available models.
func (c *OpenAIClient) Models() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
	}
}

// Stream opens a streaming completion request with tool support.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = "gpt-4o"
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, toOpenAIMessage(msg))
	}

	var tools []openai.Tool
	for _, def := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
		Tools:       tools,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return nil, err
	}

	return &openaiStream{stream: stream}, nil
}

func toOpenAIMessage(msg ChatMessage) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:    msg.Role,
		Content: msg.Content,
	}
	if msg.Role == RoleTool {
		out.ToolCallID = msg.ToolCallID
		out.Name = msg.ToolName
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   call.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return out
}

// openaiStream adapts the SDK's stream to the provider-neutral Stream.
type openaiStream struct {
	stream *openai.ChatCompletionStream

	queue  []Chunk
	finish *Chunk
}

// Recv returns the next chunk, io.EOF at end of stream. A single delta may
// carry several parallel tool calls; each becomes its own chunk.
func (s *openaiStream) Recv() (*Chunk, error) {
	for {
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			return &chunk, nil
		}

		resp, err := s.stream.Recv()
		if err != nil {
			// The SDK ends the stream with io.EOF; surface the buffered
			// finish chunk (with usage, when the API reported it) first.
			if s.finish != nil {
				chunk := s.finish
				s.finish = nil
				return chunk, nil
			}
			return nil, err
		}

		if resp.Usage != nil {
			if s.finish == nil {
				s.finish = &Chunk{Type: ChunkFinish}
			}
			s.finish.TokensIn = resp.Usage.PromptTokens
			s.finish.TokensOut = resp.Usage.CompletionTokens
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			s.queue = append(s.queue, Chunk{Type: ChunkText, Text: choice.Delta.Content})
		}
		for _, call := range choice.Delta.ToolCalls {
			s.queue = append(s.queue, toolCallChunk(call))
		}

		if choice.FinishReason != "" {
			if s.finish == nil {
				s.finish = &Chunk{Type: ChunkFinish}
			}
			s.finish.StopReason = string(choice.FinishReason)
		}
	}
}

// toolCallChunk converts one streamed tool-call fragment. The index ties
// fragments of the same call together across deltas.
func toolCallChunk(call openai.ToolCall) Chunk {
	chunk := Chunk{
		Type:          ChunkToolCall,
		ToolCallID:    call.ID,
		ToolName:      call.Function.Name,
		ToolArgsDelta: call.Function.Arguments,
	}
	if call.Index != nil {
		chunk.ToolIndex = *call.Index
	}
	return chunk
}

// Close releases the underlying stream.
func (s *openaiStream) Close() error {
	return s.stream.Close()
}
