package adapters

// defaultMaxTokens bounds completions for providers that require an
// explicit cap.
const defaultMaxTokens = 1024

// requestOptions is the parsed form of the per-request option map passed
// through the CoreChat interface.
type requestOptions struct {
	model       string
	system      string
	temperature *float64
	maxTokens   int
}

// parseRequestOptions extracts typed options, falling back to the
// client's configured model.
func parseRequestOptions(opts map[string]any, defaultModel string) requestOptions {
	parsed := requestOptions{model: defaultModel}

	if m, ok := opts["model"].(string); ok && m != "" {
		parsed.model = m
	}
	if s, ok := opts["system"].(string); ok {
		parsed.system = s
	}
	switch t := opts["temperature"].(type) {
	case float64:
		parsed.temperature = &t
	}
	switch n := opts["max_tokens"].(type) {
	case int:
		parsed.maxTokens = n
	case float64:
		parsed.maxTokens = int(n)
	}
	return parsed
}

// clamp restricts a float64 value to a range.
func clamp(val, min, max float64) float64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
