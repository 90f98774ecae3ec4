package behaviors

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"

	"github.com/agentflow-io/agentflow/internal/application"
	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

var (
	_ ports.Behavior = (*RouterBehavior)(nil)

	// foldCaser is a package-level Unicode case folder; keyword matching
	// is case-insensitive across scripts, not just ASCII.
	foldCaser = cases.Fold()
)

// Routing strategies supported by router nodes.
const (
	// StrategyKeyword matches folded keywords against the input text,
	// optionally with Levenshtein tolerance for near-misses.
	StrategyKeyword = "keyword"

	// StrategyPattern matches the input against per-intent regular
	// expressions compiled at graph compile time.
	StrategyPattern = "pattern"

	// StrategyRules evaluates per-intent predicates over the full state,
	// first match wins in declaration order.
	StrategyRules = "rules"

	// StrategyLLM asks a chat completion to classify the input into one
	// of the declared intents.
	StrategyLLM = "llm"
)

// RouterBehavior classifies the input and writes the winning intent to
// state, where downstream edge conditions branch on it. A router never
// fails an execution for an unmatched input; it falls back to the
// configured default intent instead.
type RouterBehavior struct {
	id     string
	config RouterConfig
	chat   ports.ChatCompleter
	source ports.SourceConfig

	// Compiled at construction so Execute stays allocation-light.
	patterns     []compiledPattern
	rules        []compiledRule
	keywordRules []keywordRule
	intents      []string
}

type compiledPattern struct {
	intent string
	re     *regexp.Regexp
}

type keywordRule struct {
	intent   string
	keywords []string
}

type compiledRule struct {
	intent    string
	predicate *application.Predicate
}

// RouterConfig defines the metadata parameters accepted by router nodes.
type RouterConfig struct {
	// Strategy selects the classification method; keyword when empty.
	Strategy string `json:"strategy,omitempty" validate:"omitempty,oneof=keyword pattern rules llm"`

	// Routes maps intents to keywords (keyword strategy) or to a single
	// regular expression (pattern strategy).
	Routes map[string]routeTargets `json:"routes,omitempty"`

	// Rules lists ordered routing rules, evaluated in declaration order
	// with the first match winning. The rules strategy pairs a condition
	// with an intent; the keyword strategy pairs keywords with an intent.
	Rules []RouteRule `json:"rules,omitempty"`

	// Default is the intent used when nothing matches. default_intent is
	// an accepted alias.
	Default       string `json:"default,omitempty"`
	DefaultIntent string `json:"default_intent,omitempty"`

	// FuzzyThreshold enables Levenshtein keyword matching when in (0,1]:
	// a word matches a keyword when their similarity meets the threshold.
	FuzzyThreshold float64 `json:"fuzzy_threshold,omitempty" validate:"gte=0,lte=1"`

	// Source names the llm source used by the llm strategy.
	Source string `json:"source,omitempty"`

	// Prompt overrides the classification prompt of the llm strategy.
	// {user_input} and {intents} placeholders are substituted.
	Prompt string `json:"prompt,omitempty"`

	Timeout float64 `json:"timeout,omitempty" validate:"gte=0"`
}

// RouteRule is one ordered routing rule: a condition (rules strategy) or
// a keyword list (keyword strategy) paired with the winning intent.
type RouteRule struct {
	Condition string       `json:"condition,omitempty"`
	Keywords  routeTargets `json:"keywords,omitempty"`
	Intent    string       `json:"intent" validate:"required"`
}

// routeTargets accepts either a single string or a list of strings on
// the wire, mirroring edge target syntax.
type routeTargets []string

func (r *routeTargets) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = routeTargets{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("route keywords must be a string or list of strings")
	}
	*r = routeTargets(many)
	return nil
}

// defaultIntent is used when no default is configured.
const defaultIntent = "general"

// NewRouterBehavior creates a router behavior, compiling patterns and
// rule predicates up front so malformed routing configuration fails the
// graph compile, not an execution.
func NewRouterBehavior(id string, config RouterConfig, chat ports.ChatCompleter, source ports.SourceConfig) (*RouterBehavior, error) {
	if id == "" {
		return nil, ErrEmptyNodeID
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if config.Strategy == "" {
		config.Strategy = StrategyKeyword
	}
	if config.Default == "" {
		config.Default = config.DefaultIntent
	}
	if config.Default == "" {
		config.Default = defaultIntent
	}

	b := &RouterBehavior{id: id, config: config, chat: chat, source: source}

	for intent := range config.Routes {
		b.intents = append(b.intents, intent)
	}
	// Map iteration order is random; keep intent evaluation stable.
	sort.Strings(b.intents)

	switch config.Strategy {
	case StrategyKeyword:
		if len(config.Rules) > 0 {
			// Ordered rule list: declaration order decides ties, unlike
			// the map form where intents evaluate in sorted order.
			for i, rule := range config.Rules {
				if len(rule.Keywords) == 0 {
					return nil, fmt.Errorf("keyword rule %d (intent %q) has no keywords", i, rule.Intent)
				}
				b.keywordRules = append(b.keywordRules, keywordRule{intent: rule.Intent, keywords: rule.Keywords})
			}
			break
		}
		for _, intent := range b.intents {
			b.keywordRules = append(b.keywordRules, keywordRule{intent: intent, keywords: config.Routes[intent]})
		}
	case StrategyPattern:
		for _, intent := range b.intents {
			for _, expr := range config.Routes[intent] {
				re, err := regexp.Compile(expr)
				if err != nil {
					return nil, fmt.Errorf("intent %q: invalid pattern %q: %w", intent, expr, err)
				}
				b.patterns = append(b.patterns, compiledPattern{intent: intent, re: re})
			}
		}
	case StrategyRules:
		for i, rule := range config.Rules {
			if rule.Condition == "" {
				return nil, fmt.Errorf("routing rule %d (intent %q) has no condition", i, rule.Intent)
			}
			predicate, err := application.CompilePredicate(rule.Condition)
			if err != nil {
				return nil, err
			}
			b.rules = append(b.rules, compiledRule{intent: rule.Intent, predicate: predicate})
		}
	case StrategyLLM:
		if chat == nil {
			return nil, fmt.Errorf("llm routing strategy requires a chat capability")
		}
		if len(source) == 0 {
			return nil, fmt.Errorf("%w: llm routing strategy requires metadata.source", ErrSourceNotFound)
		}
	}

	return b, nil
}

// ID returns the bound node id.
func (b *RouterBehavior) ID() string { return b.id }

// Execute classifies the state's input text and sets the intent key.
func (b *RouterBehavior) Execute(ctx context.Context, state domain.State) (*domain.Delta, error) {
	_, span := otel.Tracer("router-behavior").Start(ctx, "RouterBehavior.Execute",
		trace.WithAttributes(
			attribute.String("node.id", b.id),
			attribute.String("router.strategy", b.config.Strategy),
		),
	)
	defer span.End()

	input, _ := domain.Get(state, domain.KeyUserInput)

	var (
		intent   string
		matched  bool
		warnings []string
		tokens   int
		err      error
	)
	switch b.config.Strategy {
	case StrategyPattern:
		intent, matched = b.routePattern(input)
	case StrategyRules:
		intent, matched, warnings = b.routeRules(state)
	case StrategyLLM:
		intent, matched, tokens, err = b.routeLLM(ctx, state, input)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	default:
		intent, matched = b.routeKeyword(input)
	}

	if !matched {
		intent = b.config.Default
	}
	span.SetAttributes(
		attribute.String("router.intent", intent),
		attribute.Bool("router.matched", matched),
	)

	delta := &domain.Delta{}
	domain.SetKey(delta, domain.KeyIntent, intent)
	if tokens > 0 {
		delta.AddInt(domain.KeyTokensUsed.Name(), int64(tokens))
	}
	for _, w := range warnings {
		delta.Warn(w)
	}
	return delta, nil
}

// routeKeyword scans the folded input for each rule's keywords in rule
// order, first match winning. With a fuzzy threshold configured,
// individual input words within Levenshtein tolerance of a keyword also
// match.
func (b *RouterBehavior) routeKeyword(input string) (string, bool) {
	folded := foldCaser.String(input)
	words := strings.Fields(folded)

	for _, rule := range b.keywordRules {
		for _, keyword := range rule.keywords {
			kw := foldCaser.String(keyword)
			if strings.Contains(folded, kw) {
				return rule.intent, true
			}
			if b.config.FuzzyThreshold > 0 {
				for _, word := range words {
					if similarity(word, kw) >= b.config.FuzzyThreshold {
						return rule.intent, true
					}
				}
			}
		}
	}
	return "", false
}

func (b *RouterBehavior) routePattern(input string) (string, bool) {
	for _, p := range b.patterns {
		if p.re.MatchString(input) {
			return p.intent, true
		}
	}
	return "", false
}

func (b *RouterBehavior) routeRules(state domain.State) (string, bool, []string) {
	var warnings []string
	for _, rule := range b.rules {
		pass, w := rule.predicate.Eval(state)
		warnings = append(warnings, w...)
		if pass {
			return rule.intent, true, warnings
		}
	}
	return "", false, warnings
}

// routeLLM asks the chat capability to pick one of the declared intents.
// A completion outside the intent set falls back to the default.
func (b *RouterBehavior) routeLLM(ctx context.Context, state domain.State, input string) (string, bool, int, error) {
	prompt := b.config.Prompt
	if prompt == "" {
		prompt = "Classify the following request into exactly one of these categories: {intents}.\n" +
			"Respond with only the category name.\n\nRequest: {user_input}"
	}
	prompt = strings.ReplaceAll(prompt, "{intents}", strings.Join(b.intents, ", "))
	rendered, _ := renderTemplate(prompt, state)
	rendered = strings.ReplaceAll(rendered, "{user_input}", input)

	result, err := b.chat.Complete(ctx, b.source, rendered, ports.ChatOptions{MaxTokens: 16})
	if err != nil {
		return "", false, 0, err
	}

	answer := foldCaser.String(strings.TrimSpace(result.Text))
	for _, intent := range b.intents {
		if foldCaser.String(intent) == answer {
			return intent, true, result.TokensUsed, nil
		}
	}
	return "", false, result.TokensUsed, nil
}

// similarity is the normalized Levenshtein similarity of two strings.
func similarity(a, bs string) float64 {
	if a == bs {
		return 1.0
	}
	distance := levenshtein.ComputeDistance(a, bs)
	maxLen := len([]rune(a))
	if n := len([]rune(bs)); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1.0
	}
	s := 1.0 - float64(distance)/float64(maxLen)
	if s < 0 {
		return 0
	}
	return s
}

// CreateRouterBehavior builds a router behavior from node metadata. The
// llm strategy resolves its source from the registry; other strategies
// ignore the registry entirely.
func CreateRouterBehavior(id string, metadata map[string]any, chat ports.ChatCompleter, registry *application.SourceRegistry) (*RouterBehavior, error) {
	var config RouterConfig
	if err := decodeMetadata(metadata, &config); err != nil {
		return nil, err
	}

	var source ports.SourceConfig
	if config.Strategy == StrategyLLM {
		entry, ok := registry.Lookup(config.Source)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, config.Source)
		}
		if entry.Kind != application.SourceKindLLM {
			return nil, fmt.Errorf("%w: source %q is kind %q, need %q",
				ErrSourceKindMismatch, config.Source, entry.Kind, application.SourceKindLLM)
		}
		source = entry.Config
	}
	return NewRouterBehavior(id, config, chat, source)
}
