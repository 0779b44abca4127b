// ABOUTME: CompletionProvider adapter for the Anthropic native API
// ABOUTME: Normalizes the Anthropic SSE event sequence into the unified Chunk stream

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements CompletionProvider using the Anthropic API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates an adapter. Pass an empty model for the default.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *AnthropicProvider) buildParams(req *Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

// Complete performs a blocking message call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	start := time.Now()

	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, normalizeErr(ctx, fmt.Errorf("anthropic completion: %w", err))
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("%w: no text content in message", ErrMalformedResponse)
	}

	return &Completion{
		Text: text,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Duration: time.Since(start),
	}, nil
}

// CompleteStreaming performs a streaming message call.
func (p *AnthropicProvider) CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))

	ch := make(chan Chunk, 16)
	go p.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream reads the Anthropic SSE stream and emits unified chunks.
//
// Relevant event sequence for text-only requests:
//   - ContentBlockDeltaEvent (TextDelta) -> ChunkDelta
//   - MessageDeltaEvent -> ChunkDone with usage
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], ch chan<- Chunk) {
	defer close(ch)
	defer stream.Close()

	for stream.Next() {
		select {
		case <-ctx.Done():
			ch <- Chunk{Type: ChunkError, Err: normalizeErr(ctx, ctx.Err())}
			return
		default:
		}

		event := stream.Current()

		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok {
				ch <- Chunk{Type: ChunkDelta, Delta: d.Text}
			}

		case anthropic.MessageDeltaEvent:
			ch <- Chunk{Type: ChunkDone, Usage: Usage{
				InputTokens:  int(variant.Usage.InputTokens),
				OutputTokens: int(variant.Usage.OutputTokens),
			}}
			return
		}
	}

	if err := stream.Err(); err != nil {
		ch <- Chunk{Type: ChunkError, Err: normalizeErr(ctx, fmt.Errorf("anthropic streaming: %w", err))}
		return
	}

	ch <- Chunk{Type: ChunkDone}
}

// normalizeErr maps context cancellation onto ErrCancelled so the retry layer
// and callers can distinguish it from transport failures.
func normalizeErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}
