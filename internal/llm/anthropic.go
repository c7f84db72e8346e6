package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Models returns available models.
func (c *AnthropicClient) Models() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	}
}

// Stream opens a streaming message request with tool support.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := toAnthropicMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(req.System),
			},
		})
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionUnionParam, len(req.Tools))
		for i, def := range req.Tools {
			tools[i] = anthropic.ToolParam{
				Name:        anthropic.F(def.Name),
				Description: anthropic.F(def.Description),
				InputSchema: anthropic.F[interface{}](def.Parameters),
			}
		}
		params.Tools = anthropic.F(tools)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream}, nil
}

// toAnthropicMessages converts chat history to Anthropic message params.
// The API requires tool results in user messages referencing the tool_use id.
func toAnthropicMessages(msgs []ChatMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input json.RawMessage = []byte(call.Arguments)
				if len(input) == 0 {
					input = []byte("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlockParam(call.ID, call.Name, input))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

// anthropicStream adapts the SDK's event stream to the provider-neutral
// Stream: content_block deltas become text or tool-call chunks, message
// deltas become the finish chunk.
type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEvent]

	// index -> call identity, captured from content_block_start events so
	// later input_json_delta fragments can be attributed.
	toolIDs   map[int64]string
	toolNames map[int64]string

	tokensIn int
	finish   *Chunk
}

// Recv returns the next chunk, io.EOF at end of stream.
func (s *anthropicStream) Recv() (*Chunk, error) {
	if s.toolIDs == nil {
		s.toolIDs = make(map[int64]string)
		s.toolNames = make(map[int64]string)
	}

	for s.stream.Next() {
		event := s.stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeMessageStart:
			s.tokensIn = int(event.Message.Usage.InputTokens)

		case anthropic.MessageStreamEventTypeContentBlockStart:
			block, ok := event.ContentBlock.(anthropic.ContentBlockStartEventContentBlock)
			if ok && block.Type == "tool_use" {
				s.toolIDs[event.Index] = block.ID
				s.toolNames[event.Index] = block.Name
				return &Chunk{
					Type:       ChunkToolCall,
					ToolIndex:  int(event.Index),
					ToolCallID: block.ID,
					ToolName:   block.Name,
				}, nil
			}

		case anthropic.MessageStreamEventTypeContentBlockDelta:
			delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
			if !ok {
				continue
			}
			switch delta.Type {
			case "text_delta":
				return &Chunk{Type: ChunkText, Text: delta.Text}, nil
			case "input_json_delta":
				return &Chunk{
					Type:          ChunkToolCall,
					ToolIndex:     int(event.Index),
					ToolCallID:    s.toolIDs[event.Index],
					ToolName:      s.toolNames[event.Index],
					ToolArgsDelta: delta.PartialJSON,
				}, nil
			}

		case anthropic.MessageStreamEventTypeMessageDelta:
			delta, ok := event.Delta.(anthropic.MessageDeltaEventDelta)
			if !ok {
				continue
			}
			s.finish = &Chunk{
				Type:       ChunkFinish,
				StopReason: string(delta.StopReason),
				TokensIn:   s.tokensIn,
				TokensOut:  int(event.Usage.OutputTokens),
			}
		}
	}

	if err := s.stream.Err(); err != nil {
		return nil, err
	}
	if s.finish != nil {
		chunk := s.finish
		s.finish = nil
		return chunk, nil
	}
	return nil, io.EOF
}

// Close is a no-op; the SDK closes its response body once the event iterator
// is drained.
func (s *anthropicStream) Close() error {
	return nil
}
