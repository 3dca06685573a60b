package llm

import "context"

// Message is one turn in a chat-completion request.
type Message struct {
	Role    string
	Content string
}

// ChatCompletionRequest is the provider-agnostic contract the pipeline and
// emotion-refinement callers build against; provider specifics (endpoint
// shape, header auth) live entirely inside the LLMClient implementation.
type ChatCompletionRequest struct {
	Messages     []Message
	Temperature  float64
	MaxTokens    int
	JSONResponse bool
}

// ChatCompletionResult is what every provider normalizes its response into.
type ChatCompletionResult struct {
	Reply      string
	TokensUsed int
}

// LLMClient defines the interface for generating responses with an LLM.
// Generate is the teacher's original single-prompt shape, kept for the
// embedding/legacy call sites; ChatCompletion is the structured contract the
// pipeline orchestrator and emotion-refinement step use.
type LLMClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
	ChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResult, error)
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}
