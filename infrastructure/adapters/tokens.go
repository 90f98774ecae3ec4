package adapters

import (
	"strings"
	"sync"

	"github.com/agentflow-io/agentflow/internal/ports"
)

// WordTokenEstimator estimates tokens from word count with a
// configurable tokens-per-word ratio. Fast and good enough for limiter
// costs and cost accounting when providers report no usage.
type WordTokenEstimator struct{ TokensPerWord float64 }

var _ ports.TokenEstimator = (*WordTokenEstimator)(nil)

// NewWordTokenEstimator creates a word-based estimator. Typical ratios:
// 0.75 for English prose, higher for code-heavy text.
func NewWordTokenEstimator(tokensPerWord float64) *WordTokenEstimator {
	if tokensPerWord <= 0 {
		tokensPerWord = 0.75
	}
	return &WordTokenEstimator{TokensPerWord: tokensPerWord}
}

// EstimateTokens returns the weighted word count.
func (e *WordTokenEstimator) EstimateTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * e.TokensPerWord)
}

// CharTokenEstimator estimates tokens from character count. More stable
// than word counting for punctuation-heavy or non-whitespace-delimited
// text.
type CharTokenEstimator struct{ charsPerToken float64 }

var _ ports.TokenEstimator = (*CharTokenEstimator)(nil)

// NewCharTokenEstimator creates a character-based estimator. Roughly 4
// characters per token holds for GPT-family tokenizers.
func NewCharTokenEstimator(charsPerToken float64) *CharTokenEstimator {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &CharTokenEstimator{charsPerToken: charsPerToken}
}

// EstimateTokens returns the character count divided by the ratio.
func (e *CharTokenEstimator) EstimateTokens(text string) int {
	return int(float64(len(text)) / e.charsPerToken)
}

// CachingTokenEstimator wraps another estimator with a bounded cache,
// useful when the same prompt templates are estimated repeatedly.
type CachingTokenEstimator struct {
	underlying ports.TokenEstimator
	mu         sync.Mutex
	cache      map[string]int
	maxSize    int
}

var _ ports.TokenEstimator = (*CachingTokenEstimator)(nil)

// NewCachingTokenEstimator creates a caching wrapper around estimator.
func NewCachingTokenEstimator(underlying ports.TokenEstimator, maxSize int) *CachingTokenEstimator {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &CachingTokenEstimator{
		underlying: underlying,
		cache:      make(map[string]int),
		maxSize:    maxSize,
	}
}

// EstimateTokens returns the cached estimate or computes and stores it.
func (e *CachingTokenEstimator) EstimateTokens(text string) int {
	e.mu.Lock()
	if tokens, ok := e.cache[text]; ok {
		e.mu.Unlock()
		return tokens
	}
	e.mu.Unlock()

	tokens := e.underlying.EstimateTokens(text)

	e.mu.Lock()
	if len(e.cache) < e.maxSize {
		e.cache[text] = tokens
	}
	e.mu.Unlock()
	return tokens
}
