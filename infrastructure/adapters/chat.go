package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentflow-io/agentflow/internal/ports"
)

var _ ports.ChatCompleter = (*ChatAdapter)(nil)

// ChatAdapter implements the chat completion capability over the
// registered providers. Provider clients are built lazily per distinct
// source configuration and cached for the adapter's lifetime, so a graph
// with many llm nodes sharing one source shares one client.
type ChatAdapter struct {
	mu         sync.Mutex
	clients    map[string]CoreChat
	middleware []Middleware
	timeout    time.Duration
}

// NewChatAdapter creates a chat adapter. The middleware chain is applied
// to every provider client in the order given, innermost first.
func NewChatAdapter(middleware ...Middleware) *ChatAdapter {
	return &ChatAdapter{
		clients:    make(map[string]CoreChat),
		middleware: middleware,
	}
}

// SetRequestTimeout caps individual provider requests. Zero disables the
// client-level timeout; per-node timeouts still apply through contexts.
func (a *ChatAdapter) SetRequestTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeout = d
}

// Complete resolves the source's provider and credentials, then performs
// one chat completion through the middleware chain.
func (a *ChatAdapter) Complete(ctx context.Context, cfg ports.SourceConfig, prompt string, opts ports.ChatOptions) (ports.ChatResult, error) {
	client, err := a.client(cfg)
	if err != nil {
		return ports.ChatResult{}, err
	}

	reqOpts := make(map[string]any, 4)
	if opts.SystemPrompt != "" {
		reqOpts["system"] = opts.SystemPrompt
	}
	if opts.Temperature != nil {
		reqOpts["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		reqOpts["max_tokens"] = opts.MaxTokens
	}
	if opts.Model != "" {
		reqOpts["model"] = opts.Model
	}

	text, tokensIn, tokensOut, err := client.DoRequest(ctx, prompt, reqOpts)
	if err != nil {
		return ports.ChatResult{}, err
	}
	return ports.ChatResult{Text: text, TokensUsed: tokensIn + tokensOut}, nil
}

// client returns the cached provider client for a source configuration,
// building and wrapping it on first use.
func (a *ChatAdapter) client(cfg ports.SourceConfig) (CoreChat, error) {
	provider := cfg.GetString("provider")
	if provider == "" {
		provider = "openai"
	}
	model := cfg.GetString("model")
	baseURL := cfg.GetString("base_url")
	keyEnv := cfg.GetString("api_key_env")

	cacheKey := provider + "\x00" + keyEnv + "\x00" + model + "\x00" + baseURL

	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[cacheKey]; ok {
		return client, nil
	}

	apiKey, err := resolveSecret(cfg, "api_key_env")
	if err != nil {
		return nil, err
	}
	factory, err := chatProviderFactory(provider)
	if err != nil {
		return nil, err
	}
	client, err := factory(ProviderConfig{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: baseURL,
		Timeout: a.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}

	for _, mw := range a.middleware {
		client = mw(client)
	}
	a.clients[cacheKey] = client
	return client, nil
}
