package models

import "time"

// InsightType classifies a conversation-scoped insight.
type InsightType string

const (
	InsightRealization InsightType = "realization"
	InsightAssumption  InsightType = "assumption"
	InsightPattern     InsightType = "pattern"
	InsightQuestion    InsightType = "question"
)

// NormalizeInsightType maps unknown or empty types to realization.
func NormalizeInsightType(t InsightType) InsightType {
	switch t {
	case InsightRealization, InsightAssumption, InsightPattern, InsightQuestion:
		return t
	default:
		return InsightRealization
	}
}

// ConversationInsight is a specific realization or observation extracted from
// one conversation. It is never mutated after creation.
type ConversationInsight struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           InsightType `json:"type"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// InsightCategory classifies a cross-conversation user insight.
type InsightCategory string

const (
	CategoryPattern    InsightCategory = "pattern"
	CategoryPreference InsightCategory = "preference"
	CategoryGoal       InsightCategory = "goal"
	CategoryBehavior   InsightCategory = "behavior"
)

// NormalizeInsightCategory maps unknown or empty categories to pattern.
func NormalizeInsightCategory(c InsightCategory) InsightCategory {
	switch c {
	case CategoryPattern, CategoryPreference, CategoryGoal, CategoryBehavior:
		return c
	default:
		return CategoryPattern
	}
}

// UserInsight is a durable, confidence-weighted observation about a user.
// Confidence is a running estimate in [0,1].
type UserInsight struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Content    string          `json:"content"`
	Category   InsightCategory `json:"category"`
	Confidence float64         `json:"confidence"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
