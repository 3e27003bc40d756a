package store

import (
	"context"
	"time"

	"github.com/sagedialogue/sage/internal/models"
)

// ConversationRepo persists conversations. Reads are owner-scoped: a
// conversation is only visible to the user that owns it.
type ConversationRepo interface {
	// CreateConversation inserts c, assigning an ID and timestamps when unset.
	// When c.IsActive is true every other active conversation of the same user
	// is deactivated in the same transaction.
	CreateConversation(ctx context.Context, c *models.Conversation) error

	// GetConversation returns nil, nil when the conversation does not exist or
	// belongs to another user.
	GetConversation(ctx context.Context, userID, id string) (*models.Conversation, error)

	// ListConversations returns up to limit conversations with message counts,
	// most recently updated first.
	ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)

	// ListSummarizedConversations returns the most recently updated
	// conversations that carry a summary.
	ListSummarizedConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)

	// GetActiveConversation returns the user's active conversation or nil.
	GetActiveConversation(ctx context.Context, userID string) (*models.Conversation, error)

	// UpdateConversation applies a partial update. Activating a conversation
	// deactivates the user's other conversations in the same transaction.
	// Returns ErrConversationNotFound for unknown or foreign conversations.
	UpdateConversation(ctx context.Context, userID, id string, upd models.ConversationUpdate) (*models.Conversation, error)

	// SetConversationSummary overwrites the summary.
	SetConversationSummary(ctx context.Context, id, summary string) error

	// DeactivateConversation sets is_active to false. Setting it twice is a no-op.
	DeactivateConversation(ctx context.Context, id string) error

	// DeactivateStaleConversations deactivates active conversations not
	// updated since idleSince and returns how many were changed.
	DeactivateStaleConversations(ctx context.Context, idleSince time.Time) (int, error)

	// DeleteConversation removes a conversation with its messages and
	// insights. Returns false when nothing was deleted.
	DeleteConversation(ctx context.Context, userID, id string) (bool, error)

	// CountConversations returns how many conversations the user owns.
	CountConversations(ctx context.Context, userID string) (int, error)
}

// MessageRepo persists conversation messages in canonical transcript order.
type MessageRepo interface {
	// AddMessage appends one message and touches the conversation's updated_at.
	AddMessage(ctx context.Context, m *models.Message) error

	// AddMessages appends msgs in order inside a single transaction.
	AddMessages(ctx context.Context, conversationID string, msgs []models.Message) error

	// ListMessages returns messages in insertion order. limit <= 0 returns all.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// CountMessages returns the number of messages in a conversation.
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// InsightRepo persists conversation insights and user insights.
type InsightRepo interface {
	// AddConversationInsights bulk-creates insights in one transaction.
	AddConversationInsights(ctx context.Context, insights []models.ConversationInsight) error

	// ListConversationInsights returns a conversation's insights, oldest first.
	ListConversationInsights(ctx context.Context, conversationID string) ([]models.ConversationInsight, error)

	// FindUserInsightContaining returns the oldest insight of the user whose
	// content contains fragment, or nil when none does.
	FindUserInsightContaining(ctx context.Context, userID, fragment string) (*models.UserInsight, error)

	// CreateUserInsight inserts a new user insight.
	CreateUserInsight(ctx context.Context, in *models.UserInsight) error

	// UpdateUserInsightConfidence replaces the confidence of one insight.
	UpdateUserInsightConfidence(ctx context.Context, id string, confidence float64) error

	// ListUserInsights returns insights with confidence >= minConfidence,
	// highest confidence first. limit <= 0 returns all.
	ListUserInsights(ctx context.Context, userID string, minConfidence float64, limit int) ([]models.UserInsight, error)
}

// UserRepo persists user accounts, balances and profile summaries.
type UserRepo interface {
	// EnsureUser creates the user with initialCredits if absent and returns it.
	EnsureUser(ctx context.Context, userID string, initialCredits int) (*models.User, error)

	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, userID string) (*models.User, error)

	// UpdateUserName sets or clears the display name.
	UpdateUserName(ctx context.Context, userID string, name *string) (*models.User, error)

	// GetCredits returns the balance, 0 for unknown users.
	GetCredits(ctx context.Context, userID string) (int, error)

	// AddCredits increments the balance and returns the new balance.
	AddCredits(ctx context.Context, userID string, credits int) (int, error)

	// SetProfileSummary overwrites the user's profile paragraph.
	SetProfileSummary(ctx context.Context, userID, summary string) error
}

// DeductStatus is the outcome of a check-and-deduct.
type DeductStatus string

const (
	// DeductApplied means the balance was decremented and a ledger entry written.
	DeductApplied DeductStatus = "applied"
	// DeductInsufficient means the balance was too low; nothing was written.
	DeductInsufficient DeductStatus = "insufficient_credits"
	// DeductAlreadySettled means a ledger entry already exists for the
	// settlement key; nothing was written.
	DeductAlreadySettled DeductStatus = "already_settled"
)

// DeductResult reports what DeductCredits did.
type DeductResult struct {
	Status    DeductStatus
	Remaining int
	Entry     *models.UsageLedgerEntry
}

// LedgerRepo is the transactional credit ledger.
type LedgerRepo interface {
	// DeductCredits atomically checks the balance, decrements it and inserts
	// the ledger entry. The balance never goes negative and an entry is
	// written if and only if the balance was decremented.
	DeductCredits(ctx context.Context, entry models.UsageLedgerEntry) (DeductResult, error)

	// ListUsage returns the newest ledger entries first.
	ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageLedgerEntry, error)
}
