// Package provider defines the CompletionProvider capability consumed by the
// orchestration core and its adapters for real language-model backends.
//
// # Interface
//
// CompletionProvider exposes a blocking call and a streaming call:
//
//	resp, err := p.Complete(ctx, &provider.Request{...})
//	ch, err := p.CompleteStreaming(ctx, &provider.Request{...})
//
// The streaming channel yields zero or more ChunkDelta events followed by
// exactly one terminal ChunkDone or ChunkError, then closes. Both calls
// observe ctx cancellation promptly; cancellation surfaces as ErrCancelled so
// callers can distinguish it from transport failures.
//
// # Adapters
//
//   - AnthropicProvider: Anthropic native API
//   - OpenAIProvider: OpenAI and OpenAI-compatible endpoints (base URL override)
//
// Both normalize vendor-specific stream events into the Chunk sequence so the
// rest of the system never sees vendor types.
package provider
