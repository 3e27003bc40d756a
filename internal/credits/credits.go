// Package credits implements credit arithmetic and the usage ledger service.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
)

const (
	// FreeCredits is the balance a user is bootstrapped with.
	FreeCredits = 1000
	// SummaryMinCredits is the balance below which summarization is skipped.
	SummaryMinCredits = 5
	// InsightsMinCredits is the balance below which transcript insights are refused.
	InsightsMinCredits = 3
	// TokensPerCredit is how many tokens one credit buys.
	TokensPerCredit = 10
)

// ErrInsufficientCredits is returned when a balance is below what an operation needs.
var ErrInsufficientCredits = errors.New("insufficient credits")

// CalculateCreditsUsed converts a token count to credits, rounding up.
func CalculateCreditsUsed(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return int(math.Ceil(float64(tokens) / TokensPerCredit))
}

// Charge describes one billable operation. SettlementKey makes the charge
// idempotent: a second charge with the same key is not applied. An empty key
// charges every time.
type Charge struct {
	UserID         string
	ConversationID string
	SettlementKey  string
	Type           models.UsageType
	TokensUsed     int
	CreditsUsed    int
	ModelID        string
}

// Ledger applies charges against user balances.
type Ledger struct {
	users  store.UserRepo
	ledger store.LedgerRepo
}

// NewLedger creates a Ledger backed by the given repositories.
func NewLedger(users store.UserRepo, ledger store.LedgerRepo) *Ledger {
	return &Ledger{users: users, ledger: ledger}
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	return l.users.GetCredits(ctx, userID)
}

// Require returns ErrInsufficientCredits when the user's balance is below min.
func (l *Ledger) Require(ctx context.Context, userID string, min int) error {
	balance, err := l.users.GetCredits(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read credits: %w", err)
	}
	if balance < min {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, balance, min)
	}
	return nil
}

// Settle deducts a charge and records it in the ledger in one transaction.
// Charges with no tokens or no credits are not recorded. A charge that the
// balance cannot cover, or whose settlement key was already settled, is
// skipped rather than treated as an error.
func (l *Ledger) Settle(ctx context.Context, c Charge) (store.DeductResult, error) {
	if c.CreditsUsed <= 0 || c.TokensUsed <= 0 {
		return store.DeductResult{}, nil
	}
	res, err := l.ledger.DeductCredits(ctx, models.UsageLedgerEntry{
		UserID:         c.UserID,
		Type:           c.Type,
		TokensUsed:     c.TokensUsed,
		CreditsUsed:    c.CreditsUsed,
		ModelID:        c.ModelID,
		ConversationID: c.ConversationID,
		SettlementKey:  c.SettlementKey,
	})
	if err != nil {
		return store.DeductResult{}, fmt.Errorf("failed to deduct credits: %w", err)
	}
	switch res.Status {
	case store.DeductApplied:
		slog.Info("Ledger.Settle: credits deducted", "userID", c.UserID, "conversationID", c.ConversationID,
			"credits", c.CreditsUsed, "remaining", res.Remaining)
	case store.DeductInsufficient:
		slog.Warn("Ledger.Settle: insufficient credits, charge skipped", "userID", c.UserID,
			"conversationID", c.ConversationID, "credits", c.CreditsUsed, "balance", res.Remaining)
	case store.DeductAlreadySettled:
		slog.Info("Ledger.Settle: charge already settled", "userID", c.UserID, "conversationID", c.ConversationID,
			"settlementKey", c.SettlementKey)
	}
	return res, nil
}
