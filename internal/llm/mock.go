package llm

import "context"

// MockClient permite tests sin llamar a un LLM real.
type MockClient struct {
	Response       string
	Err            error
	TokensUsed     int
	Embedding      []float32
	EmbeddingError error
}

func (m *MockClient) Generate(ctx context.Context, prompt string) (string, error) {
	return m.Response, m.Err
}

func (m *MockClient) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResult, error) {
	if m.Err != nil {
		return ChatCompletionResult{}, m.Err
	}
	tokens := m.TokensUsed
	if tokens == 0 {
		tokens = len(m.Response) / 4
	}
	return ChatCompletionResult{Reply: m.Response, TokensUsed: tokens}, nil
}

func (m *MockClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if m.EmbeddingError != nil {
		return nil, m.EmbeddingError
	}
	return m.Embedding, nil
}
