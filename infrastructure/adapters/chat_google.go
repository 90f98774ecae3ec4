package adapters

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
)

// GoogleDefaultModel is used when a source configures no model.
const GoogleDefaultModel = "gemini-2.0-flash"

func init() {
	RegisterChatProvider("google", newGoogleChat)
}

// googleChat implements CoreChat for Google's Gemini API.
type googleChat struct {
	client     *genai.Client
	model      string
	classifier *ErrorClassifier
}

func newGoogleChat(config ProviderConfig) (CoreChat, error) {
	model := config.Model
	if model == "" {
		model = GoogleDefaultModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}

	return &googleChat{
		client:     client,
		model:      model,
		classifier: &ErrorClassifier{Provider: "google"},
	}, nil
}

// Model returns the configured model name.
func (p *googleChat) Model() string { return p.model }

// DoRequest sends one generation request. Gemini has no separate system
// role, so a system prompt is folded into the user content.
func (p *googleChat) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	options := parseRequestOptions(opts, p.model)

	finalPrompt := prompt
	if options.system != "" {
		finalPrompt = fmt.Sprintf("System: %s\n\nUser: %s", options.system, prompt)
	}
	contents := []*genai.Content{genai.NewContentFromText(finalPrompt, genai.RoleUser)}

	genConfig := &genai.GenerateContentConfig{}
	if options.temperature != nil {
		genConfig.Temperature = genai.Ptr(float32(clamp(*options.temperature, 0.0, 2.0)))
	}
	if options.maxTokens > 0 {
		genConfig.MaxOutputTokens = int32(options.maxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, options.model, contents, genConfig)
	if err != nil {
		return "", 0, 0, p.handleError(err)
	}

	content := resp.Text()
	if content == "" {
		return "", 0, 0, ErrEmptyResponse
	}

	var tokensIn, tokensOut int
	if usage := resp.UsageMetadata; usage != nil {
		tokensIn = int(usage.PromptTokenCount)
		tokensOut = int(usage.CandidatesTokenCount)
	}
	return content, tokensIn, tokensOut, nil
}

func (p *googleChat) handleError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return p.classifier.ClassifyContextError(err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" && len(apiErr.Errors) > 0 {
			message = apiErr.Errors[0].Message
		}
		return p.classifier.ClassifyHTTPError(apiErr.Code, message, err)
	}
	return NewProviderError("google", ErrorTypeNetwork, 0, "request failed", err)
}
