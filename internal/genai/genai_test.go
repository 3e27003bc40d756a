package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func completionWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Model: "openai/gpt-4o-mini",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestComplete_Success(t *testing.T) {
	resp := completionWith(`{"summary":"ok"}`)
	resp.Usage.PromptTokens = 120
	resp.Usage.CompletionTokens = 30
	client := &Client{chat: &mockChatService{resp: resp}, model: DefaultModel}

	out, err := client.Complete(context.Background(), CompletionRequest{SystemPrompt: "sys", UserPrompt: "usr"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Content != `{"summary":"ok"}` {
		t.Errorf("unexpected content %q", out.Content)
	}
	if out.PromptTokens != 120 || out.CompletionTokens != 30 {
		t.Errorf("unexpected usage %d/%d", out.PromptTokens, out.CompletionTokens)
	}
	if out.Model != "openai/gpt-4o-mini" {
		t.Errorf("unexpected model %q", out.Model)
	}
}

func TestComplete_DefaultsAndOverrides(t *testing.T) {
	svc := &mockChatService{resp: completionWith("hi")}
	client := &Client{chat: svc, model: "m", temperature: 0.7, maxTokens: 1024}

	if _, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "a"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := client.Complete(context.Background(), CompletionRequest{SystemPrompt: "s", UserPrompt: "b", Temperature: 0.2, MaxTokens: 300}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(svc.params) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(svc.params))
	}
	if got := svc.params[0].Temperature.Value; got != 0.7 {
		t.Errorf("default temperature = %v, want 0.7", got)
	}
	if got := svc.params[0].MaxTokens.Value; got != 1024 {
		t.Errorf("default max tokens = %v, want 1024", got)
	}
	if got := svc.params[1].Temperature.Value; got != 0.2 {
		t.Errorf("override temperature = %v, want 0.2", got)
	}
	if got := svc.params[1].MaxTokens.Value; got != 300 {
		t.Errorf("override max tokens = %v, want 300", got)
	}
	if len(svc.params[0].Messages) != 1 {
		t.Errorf("expected only the user message, got %d", len(svc.params[0].Messages))
	}
	if len(svc.params[1].Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(svc.params[1].Messages))
	}
}

func TestComplete_ModelFallsBackToConfigured(t *testing.T) {
	resp := completionWith("x")
	resp.Model = ""
	client := &Client{chat: &mockChatService{resp: resp}, model: "configured"}
	out, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "u"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Model != "configured" {
		t.Errorf("expected configured model, got %q", out.Model)
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "usr"})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}}}
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "usr"})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestComplete_EmptyContent(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completionWith("")}}
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "usr"})
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected empty content error, got %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.text); got != c.want {
			t.Errorf("EstimateTokens(len=%d) = %d, want %d", len(c.text), got, c.want)
		}
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("anthropic/claude-3-haiku"), WithBaseURL("http://localhost:1"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.Model() != "anthropic/claude-3-haiku" {
		t.Errorf("unexpected model %q", cli.Model())
	}
	if cli.temperature != DefaultTemperature || cli.maxTokens != DefaultMaxTokens {
		t.Errorf("defaults not applied: %v/%d", cli.temperature, cli.maxTokens)
	}
}
