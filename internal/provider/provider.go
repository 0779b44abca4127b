// ABOUTME: CompletionProvider interface and shared types for language-model backends
// ABOUTME: Adapters normalize vendor streaming output into a unified Chunk sequence

package provider

import (
	"context"
	"errors"
	"time"
)

// ErrCancelled indicates the completion call was cancelled by the caller or
// the request gate. It is terminal and must never be retried.
var ErrCancelled = errors.New("completion cancelled")

// ErrMalformedResponse indicates the provider returned output that could not
// be parsed into the expected shape. Terminal by default (see retry.Default).
var ErrMalformedResponse = errors.New("malformed provider response")

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in the conversation history sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Request is the unified completion request format.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Model        string // empty = provider default
	Temperature  *float64
	MaxTokens    int
}

// Usage records token consumption for a single completion call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Text      string
	Usage     Usage
	Duration  time.Duration
	RequestID string
}

// ChunkType tags the variants of a streaming Chunk.
type ChunkType int

const (
	// ChunkDelta carries an incremental piece of assistant text.
	ChunkDelta ChunkType = iota

	// ChunkDone terminates the stream and carries total usage.
	ChunkDone

	// ChunkError terminates the stream with a failure.
	ChunkError
)

// Chunk is one event in a streaming completion. The channel returned by
// CompleteStreaming yields zero or more ChunkDelta events followed by exactly
// one ChunkDone or ChunkError, then closes.
type Chunk struct {
	Type  ChunkType
	Delta string // ChunkDelta
	Usage Usage  // ChunkDone
	Err   error  // ChunkError
}

// CompletionProvider is the capability the orchestration core consumes.
// Implementations must observe ctx cancellation promptly on both paths.
type CompletionProvider interface {
	// Complete performs a blocking request and returns the full response text.
	Complete(ctx context.Context, req *Request) (*Completion, error)

	// CompleteStreaming performs a streaming request. The returned channel is
	// closed after the terminal chunk. Callers must drain it.
	CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error)
}
