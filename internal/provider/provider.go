// Package provider implements LLM provider interfaces and clients.
package provider

import (
	"context"
)

// LLMProvider is the interface for LLM API clients.
type LLMProvider interface {
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	// JSONMode asks the backend for a JSON object response
	// (response_format {"type": "json_object"}). Callers must still treat
	// the output as untrusted; see the extract package.
	JSONMode bool
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BuildMessages assembles the message list for a single generation:
// optional system prompt first, then prior conversation history, then the
// user prompt. History entries with empty content are dropped rather than
// sent upstream.
func BuildMessages(systemPrompt string, history []Message, prompt string) []Message {
	messages := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		role := msg.Role
		if role == "" {
			role = "user"
		}
		messages = append(messages, Message{Role: role, Content: msg.Content})
	}
	if prompt != "" {
		messages = append(messages, Message{Role: "user", Content: prompt})
	}
	return messages
}
