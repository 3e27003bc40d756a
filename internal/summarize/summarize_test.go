package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagedialogue/sage/internal/credits"
	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
)

type fakeCompleter struct {
	completion genai.Completion
	err        error
	requests   []genai.CompletionRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req genai.CompletionRequest) (genai.Completion, error) {
	f.requests = append(f.requests, req)
	return f.completion, f.err
}

func seedConversation(t *testing.T, st *store.InMemoryStore, userID string, credit int, msgs ...models.Message) string {
	t.Helper()
	ctx := context.Background()
	_, err := st.EnsureUser(ctx, userID, credit)
	require.NoError(t, err)
	conv := &models.Conversation{UserID: userID, IsActive: true}
	require.NoError(t, st.CreateConversation(ctx, conv))
	if len(msgs) > 0 {
		require.NoError(t, st.AddMessages(ctx, conv.ID, msgs))
	}
	return conv.ID
}

func twoTurns() []models.Message {
	return []models.Message{
		{Role: models.RoleUser, Content: "I keep procrastinating on my thesis"},
		{Role: models.RoleAssistant, Content: "What do you think you are avoiding?"},
	}
}

func newTestSummarizer(c genai.Completer, st *store.InMemoryStore) *Summarizer {
	return NewSummarizer(c, st, st, credits.NewLedger(st, st))
}

func TestRenderTranscript(t *testing.T) {
	got := RenderTranscript(twoTurns())
	want := "User: I keep procrastinating on my thesis\n\nSage: What do you think you are avoiding?"
	assert.Equal(t, want, got)
	assert.Equal(t, "Analyze this conversation:\n\n"+want, BuildUserPrompt(got))
}

func TestParseExtraction(t *testing.T) {
	t.Run("wrapped JSON", func(t *testing.T) {
		out := ParseExtraction("Here you go:\n```json\n{\"summary\":\"S\",\"insights\":[{\"content\":\"I\",\"type\":\"assumption\"}],\"userPatterns\":[{\"content\":\"P\",\"category\":\"goal\",\"confidence\":0.8}]}\n```")
		assert.Equal(t, "S", out.Summary)
		require.Len(t, out.Insights, 1)
		assert.Equal(t, models.InsightAssumption, out.Insights[0].Type)
		require.Len(t, out.UserPatterns, 1)
		assert.InDelta(t, 0.8, out.UserPatterns[0].Confidence, 1e-9)
	})

	t.Run("plain prose", func(t *testing.T) {
		text := "The user explored their fear of failure."
		out := ParseExtraction(text)
		assert.Equal(t, text, out.Summary)
		assert.Empty(t, out.Insights)
		assert.Empty(t, out.UserPatterns)
	})

	t.Run("broken JSON", func(t *testing.T) {
		text := `{"summary": "half`
		out := ParseExtraction(text + "}")
		assert.Equal(t, text+"}", out.Summary)
		assert.NotNil(t, out.Insights)
	})

	t.Run("missing lists", func(t *testing.T) {
		out := ParseExtraction(`{"summary":"only"}`)
		assert.Equal(t, "only", out.Summary)
		assert.NotNil(t, out.Insights)
		assert.NotNil(t, out.UserPatterns)
	})
}

func TestSummarize_Success(t *testing.T) {
	st := store.NewInMemoryStore()
	convID := seedConversation(t, st, "u1", 100, twoTurns()...)
	fc := &fakeCompleter{completion: genai.Completion{
		Content:          `{"summary":"Thesis avoidance.","insights":[{"content":"Fear of judgement","type":"realization"}],"userPatterns":[]}`,
		Model:            "openai/gpt-4o-mini",
		PromptTokens:     500,
		CompletionTokens: 100,
	}}

	res, err := newTestSummarizer(fc, st).Summarize(context.Background(), "u1", convID)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, "Thesis avoidance.", res.Summary)
	assert.Len(t, res.Insights, 1)
	assert.Equal(t, 600, res.TokensUsed)
	assert.Equal(t, 60, res.CreditsUsed)
	assert.Equal(t, "openai/gpt-4o-mini", res.Model)

	require.Len(t, fc.requests, 1)
	req := fc.requests[0]
	assert.Equal(t, ExtractionPrompt, req.SystemPrompt)
	assert.True(t, strings.HasPrefix(req.UserPrompt, "Analyze this conversation:\n\nUser: "))
	assert.Equal(t, Temperature, req.Temperature)
	assert.Equal(t, MaxTokens, req.MaxTokens)
}

func TestSummarize_EstimatesTokensWhenUsageMissing(t *testing.T) {
	st := store.NewInMemoryStore()
	convID := seedConversation(t, st, "u1", 100, twoTurns()...)
	content := "plain text summary"
	fc := &fakeCompleter{completion: genai.Completion{Content: content}}

	res, err := newTestSummarizer(fc, st).Summarize(context.Background(), "u1", convID)
	require.NoError(t, err)

	transcript := RenderTranscript(twoTurns())
	want := genai.EstimateTokens(transcript) + genai.EstimateTokens(content)
	assert.Equal(t, want, res.TokensUsed)
	assert.Equal(t, credits.CalculateCreditsUsed(want), res.CreditsUsed)
	assert.Equal(t, content, res.Summary)
}

func TestSummarize_SkipsOnFewMessages(t *testing.T) {
	st := store.NewInMemoryStore()
	convID := seedConversation(t, st, "u1", 100, twoTurns()[0])
	fc := &fakeCompleter{}

	res, err := newTestSummarizer(fc, st).Summarize(context.Background(), "u1", convID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonInsufficientMessages, res.Reason)
	assert.Empty(t, fc.requests)
}

func TestSummarize_SkipsForeignConversation(t *testing.T) {
	st := store.NewInMemoryStore()
	convID := seedConversation(t, st, "owner", 100, twoTurns()...)
	_, err := st.EnsureUser(context.Background(), "intruder", 100)
	require.NoError(t, err)

	res, err := newTestSummarizer(&fakeCompleter{}, st).Summarize(context.Background(), "intruder", convID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonInsufficientMessages, res.Reason)
}

func TestSummarize_SkipsOnLowCredits(t *testing.T) {
	st := store.NewInMemoryStore()
	convID := seedConversation(t, st, "u1", credits.SummaryMinCredits-1, twoTurns()...)
	fc := &fakeCompleter{}

	res, err := newTestSummarizer(fc, st).Summarize(context.Background(), "u1", convID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonInsufficientCredits, res.Reason)
	assert.Empty(t, fc.requests)
}

func TestSummarize_MissingCompleter(t *testing.T) {
	st := store.NewInMemoryStore()
	convID := seedConversation(t, st, "u1", 100, twoTurns()...)

	_, err := newTestSummarizer(nil, st).Summarize(context.Background(), "u1", convID)
	assert.True(t, errors.Is(err, genai.ErrMissingAPIKey))
}

func TestSummarize_UpstreamError(t *testing.T) {
	st := store.NewInMemoryStore()
	convID := seedConversation(t, st, "u1", 100, twoTurns()...)
	upstream := errors.New("503 service unavailable")

	_, err := newTestSummarizer(&fakeCompleter{err: upstream}, st).Summarize(context.Background(), "u1", convID)
	assert.True(t, errors.Is(err, upstream))
}
