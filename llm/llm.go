// Package llm talks to the text-generation providers that write the
// per-category digest sections.
package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/config"
)

// Generator produces the raw response text for one category. The response
// is expected to hold a CategoryResult JSON object but is not validated here.
type Generator interface {
	Generate(ctx context.Context, category, excerpts string) (string, error)
}

// New builds the generator selected by cfg.Provider.
func New(cfg config.LLMConfig) (Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm provider %q: API key is not set", cfg.Provider)
	}

	client := &http.Client{Timeout: cfg.Timeout.D()}
	if cfg.Timeout <= 0 {
		client.Timeout = 90 * time.Second
	}

	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropicClient(cfg, client), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, client), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func safeSystemPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You are a skilled journalist writing clear, informative summaries for a news digest email."
	}
	return prompt
}

// checkResponse turns a provider error status into a Transport error that
// carries the start of the response body.
func checkResponse(provider string, resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return apperr.New(apperr.Transport, provider,
		fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(payload))))
}
