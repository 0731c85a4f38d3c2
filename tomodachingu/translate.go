package tomodachingu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	errEmptyTranslation = errors.New("empty translation response")
	errNoTranslateToken = errors.New("openai.token is required for the openai translate provider")
)

const openAITranslatePrompt = "You are a translation engine. Translate the user's message " +
	"from the language with code %q to the language with code %q. Reply with the " +
	"translation only, with no notes, quotes or explanation."

// Translator translates text between two language codes
type Translator interface {
	Translate(ctx context.Context, req TranslateRequest) (string, error)
}

// GoogleTranslator uses the public google translate endpoint (the
// `client=gtx` variant, which needs no API key)
type GoogleTranslator struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewGoogleTranslator(endpoint string, client *http.Client, logger *slog.Logger) *GoogleTranslator {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if endpoint == "" {
		endpoint = DefaultTranslateEndpoint
	}
	return &GoogleTranslator{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With(loggerNameKey, "google_translate"),
	}
}

func (g *GoogleTranslator) Translate(ctx context.Context, req TranslateRequest) (string, error) {
	u, err := url.Parse(g.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid translate endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client", "gtx")
	q.Set("sl", req.Source)
	q.Set("tl", req.Target)
	q.Set("dt", "t")
	q.Set("q", req.Text)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	g.logger.DebugContext(ctx, "sending translate request", "request", req)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("error sending translate request: %w", err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil {
			g.logger.WarnContext(ctx, "error closing response body", tint.Err(e))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf(
			"unexpected translate response status %d: %s",
			resp.StatusCode,
			strings.TrimSpace(string(body)),
		)
	}

	var payload []any
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("error decoding translate response: %w", err)
	}
	return parseGoogleTranslateResponse(payload)
}

// parseGoogleTranslateResponse joins the translated segments of a
// translate_a/single response, which look like:
//
//	[[["translated", "original", ...], ["more", "text", ...]], null, "en", ...]
func parseGoogleTranslateResponse(payload []any) (string, error) {
	if len(payload) == 0 {
		return "", errEmptyTranslation
	}
	segments, ok := payload[0].([]any)
	if !ok {
		return "", errEmptyTranslation
	}

	var sb strings.Builder
	for _, seg := range segments {
		parts, isSlice := seg.([]any)
		if !isSlice || len(parts) == 0 {
			continue
		}
		if s, isString := parts[0].(string); isString {
			sb.WriteString(s)
		}
	}
	if sb.Len() == 0 {
		return "", errEmptyTranslation
	}
	return sb.String(), nil
}

// openAIChatClient is the subset of *openai.Client used for translation
type openAIChatClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAITranslator translates with a chat completion
type OpenAITranslator struct {
	client openAIChatClient
	model  string
	logger *slog.Logger
}

func NewOpenAITranslator(
	config *OpenAIConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*OpenAITranslator, error) {
	if config == nil || config.Token == "" {
		return nil, errNoTranslateToken
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	model := config.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAITranslator{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger.With(loggerNameKey, "openai_translate"),
	}, nil
}

func (o *OpenAITranslator) Translate(ctx context.Context, req TranslateRequest) (string, error) {
	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: fmt.Sprintf(openAITranslatePrompt, req.Source, req.Target),
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: req.Text,
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating chat completion: %w", err)
	}
	o.logger.DebugContext(
		ctx,
		"chat completion finished",
		"id", resp.ID,
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	if len(resp.Choices) == 0 {
		return "", errEmptyTranslation
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errEmptyTranslation
	}
	return text, nil
}

// rateLimitedTranslator waits on a token bucket before each request
type rateLimitedTranslator struct {
	Translator
	limiter *rate.Limiter
}

func (r *rateLimitedTranslator) Translate(ctx context.Context, req TranslateRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("translate rate limit: %w", err)
	}
	return r.Translator.Translate(ctx, req)
}

// NewTranslator returns the Translator for the configured provider,
// rate limited to TranslateConfig.RequestsPerSecond
func NewTranslator(
	config *Config,
	logger *slog.Logger,
) (Translator, error) {
	var t Translator
	switch config.Translate.Provider {
	case TranslateProviderGoogle, "":
		t = NewGoogleTranslator(config.Translate.Endpoint, config.HTTPClient, logger)
	case TranslateProviderOpenAI:
		ot, err := NewOpenAITranslator(config.OpenAI, config.HTTPClient, logger)
		if err != nil {
			return nil, err
		}
		t = ot
	default:
		return nil, fmt.Errorf("unknown translate provider: %q", config.Translate.Provider)
	}

	if rps := config.Translate.RequestsPerSecond; rps > 0 {
		t = &rateLimitedTranslator{
			Translator: t,
			limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		}
	}
	return t, nil
}
