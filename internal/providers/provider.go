package providers

import (
	"context"
	"errors"
)

// ErrRateLimited marks a refusal the caller may retry after waiting.
var ErrRateLimited = errors.New("provider rate limited")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Text       string
	TokensUsed int
}

// Fragment is one piece of a streamed reply. A fragment carrying Err is the
// last one on its channel.
type Fragment struct {
	Text string
	Err  error
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

type StreamingProvider interface {
	Provider
	// ChatStream returns a channel closed after the final fragment.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan Fragment, error)
}

// Validator checks a credential without generating anything.
type Validator interface {
	Validate(ctx context.Context) error
}
