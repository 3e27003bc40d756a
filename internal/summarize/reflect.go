package summarize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sagedialogue/sage/internal/credits"
	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/models"
)

// ReflectionPrompt is the system instruction for transcript insights.
const ReflectionPrompt = `Extract the substance of this conversation. No fluff.

Return JSON:
{
  "summary": "What actually happened in this conversation - what did the person figure out or decide? Use their words where possible. 2 sentences max.",
  "keyPoints": ["Direct observations from the conversation - things they said or realized, not generic themes"],
  "reflections": ["Questions that came up but weren't fully answered, or natural next steps based on what they said"]
}

Rules:
- Quote or paraphrase what they actually said. "You mentioned X" not "The conversation explored X"
- No corporate speak: avoid "journey", "explore", "delve", "landscape", "unpacked", "framework"
- No cheerleading: avoid "great insight", "powerful realization", "meaningful progress"
- If they didn't reach a conclusion, say so. Don't fabricate resolution.
- 2-3 keyPoints max. Only include what's genuinely substantive.
- Reflections should be specific follow-up questions, not generic prompts like "What does this mean to you?"
- JSON only, no wrapper text`

// Reflection is the end-of-session takeaway shown to the user.
type Reflection struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"keyPoints"`
	Reflections []string `json:"reflections"`
}

// ParseReflection decodes a reply the same way ParseExtraction does. On
// failure the whole content becomes the summary.
func ParseReflection(content string) Reflection {
	var out Reflection
	if !decodeObject("summarize.ParseReflection", content, &out) {
		return Reflection{Summary: content, KeyPoints: []string{}, Reflections: []string{}}
	}
	if out.KeyPoints == nil {
		out.KeyPoints = []string{}
	}
	if out.Reflections == nil {
		out.Reflections = []string{}
	}
	return out
}

// ReflectionResult is a Reflection plus what producing it cost.
type ReflectionResult struct {
	Reflection
	TokensUsed  int
	CreditsUsed int
	Model       string
}

// Reflect asks the model for the takeaways of a transcript that has not been
// persisted. It returns credits.ErrInsufficientCredits when the user's balance
// is below credits.InsightsMinCredits. Nothing is charged here.
func (s *Summarizer) Reflect(ctx context.Context, userID string, transcript []models.TranscriptEntry) (ReflectionResult, error) {
	if err := s.ledger.Require(ctx, userID, credits.InsightsMinCredits); err != nil {
		return ReflectionResult{}, err
	}
	if s.completer == nil {
		return ReflectionResult{}, genai.ErrMissingAPIKey
	}
	if len(transcript) == 0 {
		return ReflectionResult{}, models.ErrMissingTranscript
	}

	msgs := make([]models.Message, 0, len(transcript))
	for _, e := range transcript {
		msgs = append(msgs, models.Message{Role: e.Role, Content: e.Content})
	}
	text := RenderTranscript(msgs)
	completion, err := s.completer.Complete(ctx, genai.CompletionRequest{
		SystemPrompt: ReflectionPrompt,
		UserPrompt:   BuildUserPrompt(text),
		Temperature:  Temperature,
		MaxTokens:    MaxTokens,
	})
	if err != nil {
		return ReflectionResult{}, fmt.Errorf("insights completion failed: %w", err)
	}

	tokens := countTokens(completion, text)
	res := ReflectionResult{
		Reflection:  ParseReflection(completion.Content),
		TokensUsed:  tokens,
		CreditsUsed: credits.CalculateCreditsUsed(tokens),
		Model:       completion.Model,
	}
	slog.Info("Summarizer.Reflect: insights generated", "userID", userID, "entries", len(transcript),
		"keyPoints", len(res.KeyPoints), "tokens", res.TokensUsed, "credits", res.CreditsUsed)
	return res, nil
}

// countTokens returns the reported token usage of c, estimating each side
// from text when the upstream omitted it.
func countTokens(c genai.Completion, prompt string) int {
	promptTokens := c.PromptTokens
	if promptTokens == 0 {
		promptTokens = genai.EstimateTokens(prompt)
	}
	completionTokens := c.CompletionTokens
	if completionTokens == 0 {
		completionTokens = genai.EstimateTokens(c.Content)
	}
	return promptTokens + completionTokens
}
