package adapters

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentflow-io/agentflow/internal/ports"
)

var _ ports.ImageGenerator = (*OpenAIImageAdapter)(nil)

// DefaultImageModel is used when neither the source nor the node
// configures a model.
const DefaultImageModel = openai.CreateImageModelDallE3

// OpenAIImageAdapter implements the image generation capability on
// OpenAI's images API. Clients are cached per credential like the chat
// adapter's.
type OpenAIImageAdapter struct {
	mu      sync.Mutex
	clients map[string]*openai.Client
	timeout time.Duration
}

// NewOpenAIImageAdapter creates an image adapter.
func NewOpenAIImageAdapter() *OpenAIImageAdapter {
	return &OpenAIImageAdapter{clients: make(map[string]*openai.Client)}
}

// SetRequestTimeout caps individual generation requests.
func (a *OpenAIImageAdapter) SetRequestTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeout = d
}

// Generate produces one image for the prompt and returns its URL.
func (a *OpenAIImageAdapter) Generate(ctx context.Context, cfg ports.SourceConfig, prompt string, opts ports.ImageOptions) (ports.ImageResult, error) {
	client, err := a.client(cfg)
	if err != nil {
		return ports.ImageResult{}, err
	}

	model := opts.Model
	if model == "" {
		model = cfg.GetString("model")
	}
	if model == "" {
		model = DefaultImageModel
	}
	size := opts.Size
	if size == "" {
		size = cfg.GetString("size")
	}
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}

	resp, err := client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          model,
		Size:           size,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return ports.ImageResult{}, handleImageError(err)
	}
	if len(resp.Data) == 0 {
		return ports.ImageResult{}, ErrEmptyResponse
	}

	result := ports.ImageResult{URL: resp.Data[0].URL}
	if revised := resp.Data[0].RevisedPrompt; revised != "" {
		result.Metadata = map[string]any{"revised_prompt": revised}
	}
	return result, nil
}

func (a *OpenAIImageAdapter) client(cfg ports.SourceConfig) (*openai.Client, error) {
	keyEnv := cfg.GetString("api_key_env")
	baseURL := cfg.GetString("base_url")
	cacheKey := keyEnv + "\x00" + baseURL

	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[cacheKey]; ok {
		return client, nil
	}

	apiKey, err := resolveSecret(cfg, "api_key_env")
	if err != nil {
		return nil, err
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	if a.timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: a.timeout}
	}

	client := openai.NewClientWithConfig(clientConfig)
	a.clients[cacheKey] = client
	return client, nil
}

func handleImageError(err error) error {
	classifier := &ErrorClassifier{Provider: "openai-images"}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return classifier.ClassifyContextError(err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifier.ClassifyHTTPError(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	return NewProviderError("openai-images", ErrorTypeNetwork, 0, "request failed", err)
}
