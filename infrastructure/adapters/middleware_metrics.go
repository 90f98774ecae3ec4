package adapters

import (
	"context"
	"time"

	"github.com/agentflow-io/agentflow/internal/ports"
)

// MetricsMiddleware records request latency, outcomes, and token usage
// for every provider call through the given collector.
func MetricsMiddleware(collector ports.MetricsCollector) Middleware {
	return func(next CoreChat) CoreChat {
		return &metricsChat{next: next, collector: collector}
	}
}

type metricsChat struct {
	next      CoreChat
	collector ports.MetricsCollector
}

func (m *metricsChat) Model() string { return m.next.Model() }

func (m *metricsChat) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	labels := map[string]string{
		"provider": providerName(m.next.Model()),
		"model":    m.next.Model(),
	}

	start := time.Now()
	response, tokensIn, tokensOut, err := m.next.DoRequest(ctx, prompt, opts)
	m.collector.RecordLatency("chat_request", time.Since(start), labels)

	if err != nil {
		m.collector.RecordCounter("chat_errors_total", 1, labels)
		return "", 0, 0, err
	}

	m.collector.RecordCounter("chat_requests_total", 1, labels)
	m.collector.RecordHistogram("chat_tokens", float64(tokensIn+tokensOut), labels)
	return response, tokensIn, tokensOut, nil
}
