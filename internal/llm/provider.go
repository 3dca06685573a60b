package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient implements LLMClient against an OpenAI-compatible chat-completions
// and embeddings API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPClient(baseURL, apiKey, model string, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type chatCompletionWireRequest struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *responseFmt  `json:"response_format,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFmt struct {
	Type string `json:"type"`
}

type chatCompletionWireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends a single user-role prompt and returns the raw reply text.
func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	result, err := c.ChatCompletion(ctx, ChatCompletionRequest{
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", err
	}
	return result.Reply, nil
}

func (c *HTTPClient) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResult, error) {
	wireMessages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wireMessages = append(wireMessages, wireMessage{Role: m.Role, Content: m.Content})
	}

	wireReq := chatCompletionWireRequest{
		Model:       c.model,
		Messages:    wireMessages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONResponse {
		wireReq.ResponseFormat = &responseFmt{Type: "json_object"}
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return ChatCompletionResult{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatCompletionResult{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ChatCompletionResult{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatCompletionResult{}, fmt.Errorf("llm: read response: %w", err)
	}

	var wireResp chatCompletionWireResponse
	if err := json.Unmarshal(raw, &wireResp); err != nil {
		return ChatCompletionResult{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if wireResp.Error != nil {
		return ChatCompletionResult{}, fmt.Errorf("llm: provider error: %s", wireResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || len(wireResp.Choices) == 0 {
		c.logger.Warn("llm: unexpected response", zap.Int("status", resp.StatusCode))
		return ChatCompletionResult{}, fmt.Errorf("llm: unexpected status %d", resp.StatusCode)
	}

	return ChatCompletionResult{
		Reply:      wireResp.Choices[0].Message.Content,
		TokensUsed: wireResp.Usage.TotalTokens,
	}, nil
}

type embeddingWireRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingWireResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingWireRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build embedding request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read embedding response: %w", err)
	}

	var wireResp embeddingWireResponse
	if err := json.Unmarshal(raw, &wireResp); err != nil {
		return nil, fmt.Errorf("llm: decode embedding response: %w", err)
	}
	if wireResp.Error != nil {
		return nil, fmt.Errorf("llm: embedding provider error: %s", wireResp.Error.Message)
	}
	if len(wireResp.Data) == 0 {
		return nil, fmt.Errorf("llm: empty embedding response")
	}
	return wireResp.Data[0].Embedding, nil
}
