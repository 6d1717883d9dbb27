package engine

import "context"

// Message is one turn in a chat exchange with the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage reports token counts when the provider exposes them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the model's reply to a Request.
type Response struct {
	Content string
	Usage   Usage
}

// LLMProvider abstracts the chat backend. Implementations must be safe for
// concurrent use.
type LLMProvider interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}
