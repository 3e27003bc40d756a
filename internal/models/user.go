package models

import (
	"errors"
	"strings"
	"time"
)

// MaxUserNameLength bounds the display name accepted by PUT /api/user/profile.
const MaxUserNameLength = 200

// ErrUserNameTooLong is returned when a profile update carries an oversized name.
var ErrUserNameTooLong = errors.New("name exceeds maximum length")

// User is the account a conversation belongs to. Credits is the spendable
// balance; ProfileSummary is regenerated by the lifecycle pipeline.
type User struct {
	ID             string    `json:"id"`
	Name           *string   `json:"name"`
	Email          *string   `json:"email"`
	Credits        int       `json:"credits"`
	ProfileSummary *string   `json:"profileSummary"`
	CreatedAt      time.Time `json:"createdAt"`

	// ConversationCount is populated by profile reads only.
	ConversationCount int `json:"conversationCount"`
}

// UpdateProfileRequest is the body of PUT /api/user/profile.
type UpdateProfileRequest struct {
	Name *string `json:"name"`
}

// Validate validates an UpdateProfileRequest.
func (r *UpdateProfileRequest) Validate() error {
	if r.Name != nil && len(strings.TrimSpace(*r.Name)) > MaxUserNameLength {
		return ErrUserNameTooLong
	}
	return nil
}

// UsageType is the billable operation recorded in the ledger.
type UsageType string

const (
	UsageChat  UsageType = "chat"
	UsageVoice UsageType = "voice"
)

// UsageTypeFor maps a conversation modality to its ledger type.
func UsageTypeFor(t ConversationType) UsageType {
	if t == ConversationTypeVoice {
		return UsageVoice
	}
	return UsageChat
}

// UsageLedgerEntry is an immutable accounting record of one billable operation.
// SettlementKey, when set, identifies the operation being paid for: at most one
// entry exists per key. Lifecycle runs use their job ID, so a conversation that
// is reopened and ended again is charged for each run.
type UsageLedgerEntry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Type           UsageType `json:"type"`
	TokensUsed     int       `json:"tokensUsed"`
	CreditsUsed    int       `json:"creditsUsed"`
	ModelID        string    `json:"modelId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	SettlementKey  string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CreditsResponse is returned by GET /api/credits.
type CreditsResponse struct {
	Credits int                `json:"credits"`
	Usage   []UsageLedgerEntry `json:"usage"`
}
