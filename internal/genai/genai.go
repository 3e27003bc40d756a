// Package genai provides chat completions against an OpenAI-compatible API.
//
// Sage talks to OpenRouter by default; any endpoint speaking the OpenAI chat
// completions protocol works through WithBaseURL.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sagedialogue/sage/internal/util"
)

// Defaults for the completion client.
const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "openai/gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 2
)

var (
	// ErrMissingAPIKey is returned when no API key was configured.
	ErrMissingAPIKey = errors.New("summarization API key not configured")
	// ErrNoChoicesReturned is returned when the upstream reply has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyContent is returned when the first choice carries no text.
	ErrEmptyContent = errors.New("empty completion content")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// CompletionRequest is a single system+user prompt exchange. An empty
// SystemPrompt sends the user prompt alone. Zero Temperature and MaxTokens
// fall back to the client's defaults.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// Completion is the text of the first choice plus reported usage. Token
// counts are zero when the upstream did not report them.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Completer produces chat completions. *Client implements it.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// Compile-time check that Client implements Completer.
var _ Completer = (*Client)(nil)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	SiteURL     string
	AppName     string
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model to use for completions.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxTokens sets the default completion token cap.
func WithMaxTokens(tokens int) Option {
	return func(o *Opts) { o.MaxTokens = tokens }
}

// WithTimeout bounds each HTTP request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithMaxRetries sets the number of call-level retries on transient failures.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithSiteURL sets the referer reported to OpenRouter.
func WithSiteURL(url string) Option {
	return func(o *Opts) { o.SiteURL = url }
}

// WithAppName sets the application title reported to OpenRouter.
func WithAppName(name string) Option {
	return func(o *Opts) { o.AppName = name }
}

// WithDebugMode writes every request/response pair to {stateDir}/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written under.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// NewClient initializes a new GenAI client. It returns ErrMissingAPIKey when
// no API key was provided.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:     DefaultBaseURL,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
		MaxRetries:  DefaultMaxRetries,
		AppName:     "Sage",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("GenAI.NewClient: creating client", "apiKey_set", cfg.APIKey != "", "baseURL", cfg.BaseURL,
		"model", cfg.Model, "timeout", cfg.Timeout, "maxRetries", cfg.MaxRetries, "debug", cfg.DebugMode)
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.SiteURL != "" {
		reqOpts = append(reqOpts, option.WithHeader("HTTP-Referer", cfg.SiteURL))
	}
	if cfg.AppName != "" {
		reqOpts = append(reqOpts, option.WithHeader("X-Title", cfg.AppName))
	}
	cli := openai.NewClient(reqOpts...)

	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Model returns the model identifier used for completions.
func (c *Client) Model() string { return c.model }

// Complete sends one system+user exchange and returns the first choice.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	c.logDebugInteraction("Complete", params, resp, err)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			slog.Error("GenAI.Complete: upstream returned error status", "model", c.model, "status", apiErr.StatusCode, "duration", time.Since(start))
			return Completion{}, fmt.Errorf("chat completion failed with status %d: %w", apiErr.StatusCode, err)
		}
		slog.Error("GenAI.Complete: request failed", "model", c.model, "error", err, "duration", time.Since(start))
		return Completion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return Completion{}, ErrEmptyContent
	}

	out := Completion{
		Content:          content,
		Model:            resp.Model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	if out.Model == "" {
		out.Model = c.model
	}
	slog.Debug("GenAI.Complete: completion received", "model", out.Model, "promptTokens", out.PromptTokens,
		"completionTokens", out.CompletionTokens, "duration", time.Since(start))
	return out, nil
}

// EstimateTokens approximates a token count as one token per four bytes, rounded up.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

// logDebugInteraction writes the request and response to a JSON file under
// {stateDir}/debug when debug mode is enabled. Failures are only logged.
func (c *Client) logDebugInteraction(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	debugDir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Warn("GenAI.logDebugInteraction: failed to create debug dir", "dir", debugDir, "error", err)
		return
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.logDebugInteraction: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s_%s.json", time.Now().Format("20060102T150405"), method, util.GenerateRandomHex(6))
	if err := os.WriteFile(filepath.Join(debugDir, name), data, 0644); err != nil {
		slog.Warn("GenAI.logDebugInteraction: write failed", "error", err)
	}
}
