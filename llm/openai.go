package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/config"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIClient calls an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	maxTokens    int
	temperature  float64
	httpClient   *http.Client
}

var _ Generator = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client from configuration. The Anthropic
// endpoint default is replaced with the OpenAI one.
func NewOpenAIClient(cfg config.LLMConfig, httpClient *http.Client) *OpenAIClient {
	endpoint := cfg.Endpoint
	if endpoint == "" || endpoint == defaultAnthropicEndpoint {
		endpoint = defaultOpenAIEndpoint
	}
	return &OpenAIClient{
		endpoint:     endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: safeSystemPrompt(cfg.SystemPrompt),
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		httpClient:   httpClient,
	}
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends one prompt and returns the first choice's content.
func (c *OpenAIClient) Generate(ctx context.Context, category, excerpts string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":       c.model,
		"max_tokens":  c.maxTokens,
		"temperature": c.temperature,
		"messages": []map[string]string{
			{"role": "system", "content": c.systemPrompt},
			{"role": "user", "content": BuildPrompt(category, excerpts)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal openai payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.New(apperr.Transport, "openai", err)
	}
	defer resp.Body.Close()

	if err := checkResponse("openai", resp); err != nil {
		return "", err
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.New(apperr.MalformedPayload, "openai", fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", apperr.New(apperr.MalformedPayload, "openai", errors.New("response has no choices"))
	}
	return out.Choices[0].Message.Content, nil
}
