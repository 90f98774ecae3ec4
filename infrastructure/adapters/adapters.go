// Package adapters implements the external-service capabilities consumed
// by node behaviors: chat completion and image generation across multiple
// providers, read-only Postgres queries, and generic HTTP calls.
//
// Providers are abstracted behind the CoreChat interface and wrapped with
// a middleware chain for retry, metrics, and tracing. Credentials are
// never stored in source configurations; configurations name environment
// variables (api_key_env, dsn_env, auth_env) that adapters resolve at
// invocation time.
package adapters

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

// CoreChat defines the minimal interface chat providers implement. The
// middleware system wraps any conforming implementation.
type CoreChat interface {
	// DoRequest sends a prompt to the provider and returns the response
	// text plus input and output token counts.
	DoRequest(ctx context.Context, prompt string, opts map[string]any) (response string, tokensIn, tokensOut int, err error)

	// Model returns the configured model name.
	Model() string
}

// Middleware wraps a CoreChat implementation to add cross-cutting
// functionality without modifying provider logic.
type Middleware func(CoreChat) CoreChat

// ProviderConfig holds the settings a chat provider factory needs.
type ProviderConfig struct {
	// APIKey authenticates requests; already resolved from the
	// environment by the adapter.
	APIKey string

	// Model is the provider's model name; empty selects the provider
	// default.
	Model string

	// BaseURL overrides the provider's default endpoint.
	BaseURL string

	// Timeout caps individual requests; zero means no client timeout.
	Timeout time.Duration
}

// ChatProviderFactory constructs a provider-specific CoreChat.
type ChatProviderFactory func(config ProviderConfig) (CoreChat, error)

var (
	providerMu        sync.RWMutex
	providerFactories = make(map[string]ChatProviderFactory)
)

// RegisterChatProvider installs a provider factory under a name. Provider
// files call this from init, so importing the package wires every
// bundled provider.
func RegisterChatProvider(name string, factory ChatProviderFactory) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerFactories[name] = factory
}

// chatProviderFactory returns the factory registered under name.
func chatProviderFactory(name string) (ChatProviderFactory, error) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	factory, ok := providerFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown chat provider %q (registered: %s)",
			name, strings.Join(registeredProviders(), ", "))
	}
	return factory, nil
}

// registeredProviders lists provider names in stable order. Callers must
// hold providerMu.
func registeredProviders() []string {
	names := make([]string, 0, len(providerFactories))
	for name := range providerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveSecret reads the environment variable named by the given config
// key. A configuration naming a variable that is unset at invocation
// time is a missing credential, distinct from a provider rejecting one.
func resolveSecret(cfg ports.SourceConfig, key string) (string, error) {
	envName := cfg.GetString(key)
	if envName == "" {
		return "", fmt.Errorf("%w: source config has no %s", domain.ErrMissingCredential, key)
	}
	value := os.Getenv(envName)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %s is not set", domain.ErrMissingCredential, envName)
	}
	return value, nil
}
