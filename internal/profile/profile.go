package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/store"
)

const (
	// MinProfileConfidence is the lowest confidence fed into the profile.
	MinProfileConfidence = 0.3
	// MaxProfileInsights caps how many insights the profile is built from.
	MaxProfileInsights = 20

	profileTemperature = 0.7
	profileMaxTokens   = 300
)

// Reasons reported when the profile is not regenerated.
const (
	ReasonNoInsights  = "no_insights"
	ReasonNoCompleter = "no_api_key"
	ReasonEmptyReply  = "empty_reply"
)

const profilePromptTemplate = `Based on these observations about a person from past conversations, write a single cohesive paragraph (3-5 sentences) summarizing what you know about them. Focus on their personality, goals, patterns, and what matters to them. Write in second person ("You tend to...").

Observations:
%s

Write a warm, insightful summary that feels personal, not clinical. Return only the paragraph, no JSON.`

// Outcome reports what Regenerate did.
type Outcome struct {
	Updated bool   `json:"updated"`
	Reason  string `json:"reason,omitempty"`
}

// Builder regenerates user profile paragraphs.
type Builder struct {
	completer genai.Completer
	insights  store.InsightRepo
	users     store.UserRepo
}

// NewBuilder creates a Builder. A nil completer makes Regenerate a no-op.
func NewBuilder(completer genai.Completer, insights store.InsightRepo, users store.UserRepo) *Builder {
	return &Builder{completer: completer, insights: insights, users: users}
}

// BuildPrompt renders observations as "- content" bullets inside the profile prompt.
func BuildPrompt(observations []string) string {
	lines := make([]string, len(observations))
	for i, o := range observations {
		lines[i] = "- " + o
	}
	return fmt.Sprintf(profilePromptTemplate, strings.Join(lines, "\n"))
}

// Regenerate rewrites the user's profile paragraph from their most confident
// insights. Upstream failures are returned; an empty reply leaves the stored
// profile unchanged.
func (b *Builder) Regenerate(ctx context.Context, userID string) (Outcome, error) {
	if b.completer == nil {
		slog.Debug("Builder.Regenerate: no completer configured, skipping", "userID", userID)
		return Outcome{Reason: ReasonNoCompleter}, nil
	}

	top, err := b.insights.ListUserInsights(ctx, userID, MinProfileConfidence, MaxProfileInsights)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to list user insights: %w", err)
	}
	if len(top) == 0 {
		return Outcome{Reason: ReasonNoInsights}, nil
	}

	observations := make([]string, len(top))
	for i, in := range top {
		observations[i] = in.Content
	}
	completion, err := b.completer.Complete(ctx, genai.CompletionRequest{
		UserPrompt:  BuildPrompt(observations),
		Temperature: profileTemperature,
		MaxTokens:   profileMaxTokens,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("profile completion failed: %w", err)
	}

	paragraph := strings.TrimSpace(completion.Content)
	if paragraph == "" {
		slog.Warn("Builder.Regenerate: empty profile reply, keeping previous", "userID", userID)
		return Outcome{Reason: ReasonEmptyReply}, nil
	}
	if err := b.users.SetProfileSummary(ctx, userID, paragraph); err != nil {
		return Outcome{}, fmt.Errorf("failed to save profile summary: %w", err)
	}
	slog.Info("Builder.Regenerate: profile summary updated", "userID", userID, "insights", len(top))
	return Outcome{Updated: true}, nil
}
