// Package profile maintains a user's cross-conversation insights and the
// profile paragraph derived from them.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
	"github.com/sagedialogue/sage/internal/summarize"
)

const (
	// MatchWindow is how many leading runes of a new pattern are searched for
	// in existing insights.
	MatchWindow = 50
	// DefaultConfidence is used when a pattern carries no confidence.
	DefaultConfidence = 0.5
)

// MergeStats counts what MergePatterns did.
type MergeStats struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// patternConfidence returns the clamped confidence of p, or DefaultConfidence
// when none was given. An explicit 0 counts as none.
func patternConfidence(p summarize.UserPattern) float64 {
	if p.Confidence == 0 {
		return DefaultConfidence
	}
	return ClampConfidence(p.Confidence)
}

// MergePatterns folds patterns into the user's insights. A pattern whose
// leading MatchWindow runes appear inside an existing insight updates that
// insight's confidence to the mean of both; otherwise a new insight is created.
// Patterns with empty content are skipped.
func MergePatterns(ctx context.Context, repo store.InsightRepo, userID string, patterns []summarize.UserPattern) (MergeStats, error) {
	var stats MergeStats
	for _, p := range patterns {
		content := strings.TrimSpace(p.Content)
		if content == "" {
			stats.Skipped++
			continue
		}
		confidence := patternConfidence(p)
		fragment := models.TruncateRunes(content, MatchWindow)

		existing, err := repo.FindUserInsightContaining(ctx, userID, fragment)
		if err != nil {
			return stats, fmt.Errorf("failed to look up user insight: %w", err)
		}
		if existing != nil {
			merged := ClampConfidence((existing.Confidence + confidence) / 2)
			if err := repo.UpdateUserInsightConfidence(ctx, existing.ID, merged); err != nil {
				return stats, fmt.Errorf("failed to update user insight: %w", err)
			}
			slog.Debug("profile.MergePatterns: merged insight", "userID", userID, "insightID", existing.ID,
				"from", existing.Confidence, "to", merged)
			stats.Merged++
			continue
		}

		in := &models.UserInsight{
			UserID:     userID,
			Content:    content,
			Category:   models.NormalizeInsightCategory(p.Category),
			Confidence: confidence,
		}
		if err := repo.CreateUserInsight(ctx, in); err != nil {
			return stats, fmt.Errorf("failed to create user insight: %w", err)
		}
		stats.Created++
	}
	return stats, nil
}
