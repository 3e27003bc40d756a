package summarize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagedialogue/sage/internal/credits"
	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
)

func voiceTranscript() []models.TranscriptEntry {
	return []models.TranscriptEntry{
		{Role: models.RoleUser, Content: "I think I quit because I was bored"},
		{Role: models.RoleAssistant, Content: "Bored of the work, or of who you were at work?"},
	}
}

func TestParseReflection(t *testing.T) {
	out := ParseReflection("```json\n{\"summary\":\"You decided to stay.\",\"keyPoints\":[\"You said the pay mattered less\"],\"reflections\":[\"What would make Monday easier?\"]}\n```")
	assert.Equal(t, "You decided to stay.", out.Summary)
	assert.Equal(t, []string{"You said the pay mattered less"}, out.KeyPoints)
	assert.Equal(t, []string{"What would make Monday easier?"}, out.Reflections)

	raw := "You talked about quitting."
	out = ParseReflection(raw)
	assert.Equal(t, raw, out.Summary)
	assert.NotNil(t, out.KeyPoints)
	assert.NotNil(t, out.Reflections)
}

func TestReflect_Success(t *testing.T) {
	st := store.NewInMemoryStore()
	_, err := st.EnsureUser(context.Background(), "u1", 100)
	require.NoError(t, err)
	fc := &fakeCompleter{completion: genai.Completion{
		Content:          `{"summary":"You were bored, not burnt out.","keyPoints":["Boredom"],"reflections":[]}`,
		Model:            "openai/gpt-4o-mini",
		PromptTokens:     200,
		CompletionTokens: 45,
	}}

	res, err := newTestSummarizer(fc, st).Reflect(context.Background(), "u1", voiceTranscript())
	require.NoError(t, err)
	assert.Equal(t, "You were bored, not burnt out.", res.Summary)
	assert.Equal(t, []string{"Boredom"}, res.KeyPoints)
	assert.Equal(t, 245, res.TokensUsed)
	assert.Equal(t, 25, res.CreditsUsed)
	assert.Equal(t, "openai/gpt-4o-mini", res.Model)

	require.Len(t, fc.requests, 1)
	assert.Equal(t, ReflectionPrompt, fc.requests[0].SystemPrompt)
	assert.Equal(t, "Analyze this conversation:\n\nUser: I think I quit because I was bored\n\nSage: Bored of the work, or of who you were at work?",
		fc.requests[0].UserPrompt)

	// Reflect reports the cost but does not charge it.
	balance, err := st.GetCredits(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance)
}

func TestReflect_Refusals(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	_, err := st.EnsureUser(ctx, "poor", credits.InsightsMinCredits-1)
	require.NoError(t, err)
	_, err = st.EnsureUser(ctx, "u1", 100)
	require.NoError(t, err)

	fc := &fakeCompleter{}
	_, err = newTestSummarizer(fc, st).Reflect(ctx, "poor", voiceTranscript())
	assert.True(t, errors.Is(err, credits.ErrInsufficientCredits))

	_, err = newTestSummarizer(fc, st).Reflect(ctx, "u1", nil)
	assert.True(t, errors.Is(err, models.ErrMissingTranscript))

	_, err = newTestSummarizer(nil, st).Reflect(ctx, "u1", voiceTranscript())
	assert.True(t, errors.Is(err, genai.ErrMissingAPIKey))

	assert.Empty(t, fc.requests)
}
