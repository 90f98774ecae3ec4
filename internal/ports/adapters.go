package ports

import (
	"context"
)

// SourceConfig is the kind-specific configuration mapping of one external
// service source. Secret values are never stored here; configurations
// carry the names of environment variables (api_key_env, dsn_env,
// auth_env) that adapters resolve lazily at invocation time.
type SourceConfig map[string]any

// GetString returns the string value stored under key, or the empty
// string when the key is absent or not a string.
func (c SourceConfig) GetString(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat returns the float64 value stored under key, accepting JSON
// numbers decoded as float64 or int.
func (c SourceConfig) GetFloat(key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// ChatOptions carries the optional generation parameters an llm node may
// declare in its metadata.
type ChatOptions struct {
	// SystemPrompt is prepended as the system message when non-empty.
	SystemPrompt string

	// Temperature controls sampling randomness when non-nil.
	Temperature *float64

	// MaxTokens caps the completion length when positive.
	MaxTokens int

	// Model overrides the source's configured model when non-empty.
	Model string
}

// ChatResult is the outcome of one chat completion call.
type ChatResult struct {
	// Text is the textual completion.
	Text string

	// TokensUsed is the total token count reported by the provider, or
	// an estimate when the provider reports none.
	TokensUsed int
}

// ChatCompleter is the chat-completion capability consumed by llm nodes
// and by routers using the llm strategy. Implementations must be safe for
// concurrent use and must not raise for rate-limit conditions visible to
// callers; pacing is handled upstream by the queue manager.
type ChatCompleter interface {
	Complete(ctx context.Context, cfg SourceConfig, prompt string, opts ChatOptions) (ChatResult, error)
}

// ImageOptions carries the optional parameters an image node may declare.
type ImageOptions struct {
	// Size is the provider-specific image dimension string.
	Size string

	// Model overrides the source's configured model when non-empty.
	Model string
}

// ImageResult is the outcome of one image generation call.
type ImageResult struct {
	// URL locates the generated image.
	URL string

	// Metadata carries provider-specific fields such as revised prompts.
	Metadata map[string]any
}

// ImageGenerator is the image-generation capability consumed by image nodes.
type ImageGenerator interface {
	Generate(ctx context.Context, cfg SourceConfig, prompt string, opts ImageOptions) (ImageResult, error)
}

// QueryRunner is the read-only query capability consumed by db nodes.
// Implementations must reject non-SELECT statements with
// domain.ErrInvalidOperation.
type QueryRunner interface {
	Query(ctx context.Context, cfg SourceConfig, query string, params []any, limit int) ([]map[string]any, error)
}

// APIRequest describes one outbound HTTP call made through the generic
// API capability.
type APIRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// APIResponse is the outcome of one generic HTTP call.
type APIResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// HTTPCaller is the generic HTTP capability for api sources. Transport
// failures surface as domain.ErrUnavailableExternalService.
type HTTPCaller interface {
	Call(ctx context.Context, cfg SourceConfig, req APIRequest) (APIResponse, error)
}

// AdapterSet bundles the external capabilities a compiled graph consumes.
// Any nil capability fails the corresponding node at runtime rather than
// at compile time, so graphs without db nodes need no QueryRunner.
type AdapterSet struct {
	Chat  ChatCompleter
	Image ImageGenerator
	DB    QueryRunner
	HTTP  HTTPCaller
}
