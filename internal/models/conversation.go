// Package models defines conversation and message structures for Sage.
package models

import (
	"strings"
	"time"
)

// DialoguePhase describes where a live conversation is in its questioning arc.
type DialoguePhase string

const (
	PhaseOpening      DialoguePhase = "opening"
	PhaseExploring    DialoguePhase = "exploring"
	PhaseExamining    DialoguePhase = "examining"
	PhaseChallenging  DialoguePhase = "challenging"
	PhaseExpanding    DialoguePhase = "expanding"
	PhaseSynthesizing DialoguePhase = "synthesizing"
	PhaseConcluding   DialoguePhase = "concluding"

	// PhaseVoice tags messages that were persisted from a voice transcript.
	PhaseVoice DialoguePhase = "voice"
)

// DialoguePhases lists the dialogue phases in their canonical order.
var DialoguePhases = []DialoguePhase{
	PhaseOpening,
	PhaseExploring,
	PhaseExamining,
	PhaseChallenging,
	PhaseExpanding,
	PhaseSynthesizing,
	PhaseConcluding,
}

// IsValidDialoguePhase reports whether p is one of the ordered dialogue phases.
func IsValidDialoguePhase(p DialoguePhase) bool {
	for _, phase := range DialoguePhases {
		if phase == p {
			return true
		}
	}
	return false
}

// NextPhase returns the phase after p, or p itself when it is the last one.
func NextPhase(p DialoguePhase) DialoguePhase {
	for i, phase := range DialoguePhases {
		if phase == p && i+1 < len(DialoguePhases) {
			return DialoguePhases[i+1]
		}
	}
	return p
}

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValidRole reports whether r is a supported speaker role.
func IsValidRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant
}

// DefaultConversationTitle is used when a conversation is created without any text.
const DefaultConversationTitle = "New conversation"

// Conversation represents one dialogue session.
type Conversation struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Title     string        `json:"title"`
	Summary   *string       `json:"summary"`
	Phase     DialoguePhase `json:"phase"`
	IsActive  bool          `json:"isActive"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`

	// MessageCount is populated by listing queries only.
	MessageCount int `json:"messageCount,omitempty"`
}

// HasSummary reports whether the lifecycle pipeline has written a summary.
func (c *Conversation) HasSummary() bool {
	return c.Summary != nil && *c.Summary != ""
}

// ConversationUpdate carries the optional fields of a conversation patch.
type ConversationUpdate struct {
	Title    *string        `json:"title,omitempty"`
	Phase    *DialoguePhase `json:"phase,omitempty"`
	IsActive *bool          `json:"isActive,omitempty"`
}

// Validate validates a ConversationUpdate.
func (u *ConversationUpdate) Validate() error {
	if u.Phase != nil && !IsValidDialoguePhase(*u.Phase) {
		return ErrInvalidPhase
	}
	return nil
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Title            string `json:"title,omitempty"`
	ProblemStatement string `json:"problemStatement,omitempty"`
}

// ResolveTitle picks the title for a new conversation.
func (r *CreateConversationRequest) ResolveTitle() string {
	if t := strings.TrimSpace(r.Title); t != "" {
		return t
	}
	if p := strings.TrimSpace(r.ProblemStatement); p != "" {
		return TruncateRunes(p, MaxTitleLength)
	}
	return DefaultConversationTitle
}

// TitleFromMessage derives a conversation title from its first user message,
// marking truncation with an ellipsis.
func TitleFromMessage(content string) string {
	content = strings.TrimSpace(content)
	title := TruncateRunes(content, MaxTitleLength)
	if title != content {
		title += "..."
	}
	return title
}

// Message is one turn in a conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	Phase          DialoguePhase `json:"phase,omitempty"`
	TokensUsed     int           `json:"tokensUsed"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// CreateMessageRequest is the body of POST /api/conversations/{id}/messages.
type CreateMessageRequest struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content"`
	Phase      DialoguePhase `json:"phase,omitempty"`
	TokensUsed int           `json:"tokensUsed,omitempty"`
}

// Validate validates a CreateMessageRequest.
func (r *CreateMessageRequest) Validate() error {
	if !IsValidRole(r.Role) {
		return ErrInvalidRole
	}
	if strings.TrimSpace(r.Content) == "" {
		return ErrEmptyContent
	}
	if len(r.Content) > MaxMessageContentLength {
		return ErrContentTooLong
	}
	if r.Phase != "" && r.Phase != PhaseVoice && !IsValidDialoguePhase(r.Phase) {
		return ErrInvalidPhase
	}
	return nil
}

// ConversationDetail is a conversation together with its transcript and insights.
type ConversationDetail struct {
	Conversation
	Messages []Message             `json:"messages"`
	Insights []ConversationInsight `json:"insights"`
}

// SessionContext is what a new session is primed with.
type SessionContext struct {
	RecentSummaries    []Conversation      `json:"recentSummaries"`
	ProfileSummary     *string             `json:"profileSummary"`
	ActiveConversation *ConversationDetail `json:"activeConversation"`
}

// TruncateRunes returns at most n runes of s.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
