package adapters

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

// MockChat is a canned chat completion capability for dry runs and
// tests. It echoes a deterministic completion and counts invocations.
type MockChat struct {
	// Response overrides the default echo completion when non-empty.
	Response string

	// Tokens is the reported usage per call; 10 when zero.
	Tokens int

	// Err fails every call when non-nil.
	Err error

	calls atomic.Int64
}

var _ ports.ChatCompleter = (*MockChat)(nil)

// Complete returns the canned completion.
func (m *MockChat) Complete(_ context.Context, _ ports.SourceConfig, prompt string, _ ports.ChatOptions) (ports.ChatResult, error) {
	m.calls.Add(1)
	if m.Err != nil {
		return ports.ChatResult{}, m.Err
	}
	text := m.Response
	if text == "" {
		text = fmt.Sprintf("mock completion for: %s", truncate(prompt, 80))
	}
	tokens := m.Tokens
	if tokens == 0 {
		tokens = 10
	}
	return ports.ChatResult{Text: text, TokensUsed: tokens}, nil
}

// Calls returns how many completions were requested.
func (m *MockChat) Calls() int { return int(m.calls.Load()) }

// MockImage is a canned image generation capability.
type MockImage struct {
	URL string
	Err error
}

var _ ports.ImageGenerator = (*MockImage)(nil)

// Generate returns a canned image URL.
func (m *MockImage) Generate(_ context.Context, _ ports.SourceConfig, prompt string, _ ports.ImageOptions) (ports.ImageResult, error) {
	if m.Err != nil {
		return ports.ImageResult{}, m.Err
	}
	url := m.URL
	if url == "" {
		url = "https://images.invalid/mock.png"
	}
	return ports.ImageResult{
		URL:      url,
		Metadata: map[string]any{"revised_prompt": truncate(prompt, 80)},
	}, nil
}

// MockDB is a canned query capability returning fixed rows.
type MockDB struct {
	Rows []map[string]any
	Err  error
}

var _ ports.QueryRunner = (*MockDB)(nil)

// Query returns the canned rows, honoring the read-only contract.
func (m *MockDB) Query(_ context.Context, _ ports.SourceConfig, query string, _ []any, limit int) ([]map[string]any, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if !isReadOnlyQuery(query) {
		return nil, fmt.Errorf("%w: only SELECT statements are permitted", domain.ErrInvalidOperation)
	}
	rows := m.Rows
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// MockAdapterSet bundles mock capabilities for dry runs.
func MockAdapterSet() ports.AdapterSet {
	return ports.AdapterSet{
		Chat:  &MockChat{},
		Image: &MockImage{},
		DB:    &MockDB{Rows: []map[string]any{{"id": int64(1), "name": "mock"}}},
		HTTP:  NewHTTPAdapter(0),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
