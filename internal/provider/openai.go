// ABOUTME: CompletionProvider adapter for OpenAI and OpenAI-compatible APIs
// ABOUTME: Supports base URL override for DeepSeek, Qwen, Groq and similar endpoints

package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider implements CompletionProvider for all OpenAI-compatible APIs.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates an adapter. baseURL may be empty for the official
// endpoint; model may be empty for the default.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (p *OpenAIProvider) buildParams(req *Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	return params
}

// Complete performs a blocking chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	start := time.Now()

	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, normalizeErr(ctx, fmt.Errorf("openai completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrMalformedResponse)
	}
	text := resp.Choices[0].Message.Content
	if text == "" {
		return nil, fmt.Errorf("%w: empty message content", ErrMalformedResponse)
	}

	return &Completion{
		Text: text,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		Duration: time.Since(start),
	}, nil
}

// CompleteStreaming performs a streaming chat completion call.
func (p *OpenAIProvider) CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))

	ch := make(chan Chunk, 16)
	go p.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream reads the OpenAI SSE stream and emits unified chunks.
// The final chunk may arrive with no choices and only usage totals.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- Chunk) {
	defer close(ch)

	var usage Usage
	for stream.Next() {
		select {
		case <-ctx.Done():
			ch <- Chunk{Type: ChunkError, Err: normalizeErr(ctx, ctx.Err())}
			return
		default:
		}

		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			ch <- Chunk{Type: ChunkDelta, Delta: choice.Delta.Content}
		}
		if string(choice.FinishReason) != "" {
			ch <- Chunk{Type: ChunkDone, Usage: usage}
			return
		}
	}

	if err := stream.Err(); err != nil {
		ch <- Chunk{Type: ChunkError, Err: normalizeErr(ctx, fmt.Errorf("openai streaming: %w", err))}
		return
	}

	ch <- Chunk{Type: ChunkDone, Usage: usage}
}
