package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

var _ ports.HTTPCaller = (*HTTPAdapter)(nil)

// maxResponseBody caps how much of an API response is buffered.
const maxResponseBody = 4 << 20

// HTTPAdapter implements the generic HTTP capability for api sources.
// The source config carries the base_url; an optional auth_env names an
// environment variable whose value is sent as a bearer token.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter creates an http adapter with the given request timeout.
func NewHTTPAdapter(timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAdapter{client: &http.Client{Timeout: timeout}}
}

// Call performs one outbound request against the source's base URL.
func (a *HTTPAdapter) Call(ctx context.Context, cfg ports.SourceConfig, req ports.APIRequest) (ports.APIResponse, error) {
	base := cfg.GetString("base_url")
	if base == "" {
		return ports.APIResponse{}, fmt.Errorf("api source config has no base_url")
	}
	target, err := url.JoinPath(base, req.Path)
	if err != nil {
		return ports.APIResponse{}, fmt.Errorf("join request path: %w", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return ports.APIResponse{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if cfg.GetString("auth_env") != "" {
		token, err := resolveSecret(cfg, "auth_env")
		if err != nil {
			return ports.APIResponse{}, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ports.APIResponse{}, ctx.Err()
		}
		return ports.APIResponse{}, fmt.Errorf("%w: %v", domain.ErrUnavailableExternalService, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return ports.APIResponse{}, fmt.Errorf("%w: read response: %v", domain.ErrUnavailableExternalService, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	if resp.StatusCode >= 500 {
		return ports.APIResponse{}, fmt.Errorf("%w: upstream returned %s", domain.ErrUnavailableExternalService, resp.Status)
	}

	return ports.APIResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}, nil
}

// DefaultAdapterSet bundles the production adapters with the standard
// middleware chain applied to chat clients.
func DefaultAdapterSet(metrics ports.MetricsCollector) ports.AdapterSet {
	middleware := []Middleware{
		RetryMiddleware(3, 500*time.Millisecond),
		TracingMiddleware(),
	}
	if metrics != nil {
		middleware = append(middleware, MetricsMiddleware(metrics))
	}
	return ports.AdapterSet{
		Chat:  NewChatAdapter(middleware...),
		Image: NewOpenAIImageAdapter(),
		DB:    NewPostgresAdapter(),
		HTTP:  NewHTTPAdapter(0),
	}
}

// providerName guesses a stable provider label for metrics and traces
// from a model name.
func providerName(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"):
		return "openai"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	default:
		return "unknown"
	}
}
