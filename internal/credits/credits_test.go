package credits

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagedialogue/sage/internal/models"
	"github.com/sagedialogue/sage/internal/store"
)

func TestCalculateCreditsUsed(t *testing.T) {
	cases := []struct {
		tokens int
		want   int
	}{
		{0, 0},
		{-5, 0},
		{1, 1},
		{10, 1},
		{11, 2},
		{600, 60},
		{1505, 151},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CalculateCreditsUsed(c.tokens), "tokens=%d", c.tokens)
	}
}

func TestLedgerRequire(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	_, err := st.EnsureUser(ctx, "u1", 4)
	require.NoError(t, err)
	l := NewLedger(st, st)

	err = l.Require(ctx, "u1", SummaryMinCredits)
	assert.True(t, errors.Is(err, ErrInsufficientCredits))

	_, err = st.AddCredits(ctx, "u1", 1)
	require.NoError(t, err)
	assert.NoError(t, l.Require(ctx, "u1", SummaryMinCredits))

	assert.True(t, errors.Is(l.Require(ctx, "nobody", SummaryMinCredits), ErrInsufficientCredits))
}

func TestLedgerSettle(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	_, err := st.EnsureUser(ctx, "u1", 100)
	require.NoError(t, err)
	l := NewLedger(st, st)

	charge := Charge{
		UserID:         "u1",
		ConversationID: "c1",
		SettlementKey:  "run-1",
		Type:           models.UsageVoice,
		TokensUsed:     600,
		CreditsUsed:    60,
		ModelID:        "openai/gpt-4o-mini",
	}
	res, err := l.Settle(ctx, charge)
	require.NoError(t, err)
	assert.Equal(t, store.DeductApplied, res.Status)
	assert.Equal(t, 40, res.Remaining)

	// Same settlement key again is a no-op.
	res, err = l.Settle(ctx, charge)
	require.NoError(t, err)
	assert.Equal(t, store.DeductAlreadySettled, res.Status)

	// Too expensive for the remaining balance.
	res, err = l.Settle(ctx, Charge{UserID: "u1", ConversationID: "c1", SettlementKey: "run-2", Type: models.UsageChat, TokensUsed: 500, CreditsUsed: 50})
	require.NoError(t, err)
	assert.Equal(t, store.DeductInsufficient, res.Status)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 40, balance)

	usage, err := st.ListUsage(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, models.UsageVoice, usage[0].Type)
	assert.Equal(t, "c1", usage[0].ConversationID)
}

func TestLedgerSettleZeroChargeIsNoop(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	_, err := st.EnsureUser(ctx, "u1", 10)
	require.NoError(t, err)
	l := NewLedger(st, st)

	res, err := l.Settle(ctx, Charge{UserID: "u1", ConversationID: "c1", TokensUsed: 0, CreditsUsed: 0})
	require.NoError(t, err)
	assert.Equal(t, store.DeductStatus(""), res.Status)

	usage, err := st.ListUsage(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, usage)
}
