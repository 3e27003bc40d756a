package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagedialogue/sage/internal/store"
)

// DefaultStaleGrace is how long an untouched conversation may stay active
// before the sweeper closes it.
const DefaultStaleGrace = 24 * time.Hour

// Sweeper closes active conversations that never received an end event.
// It only clears the active flag; nothing is summarized or billed.
type Sweeper struct {
	convs store.ConversationRepo
	grace time.Duration
	now   func() time.Time
}

// NewSweeper creates a Sweeper. A non-positive grace uses DefaultStaleGrace.
func NewSweeper(convs store.ConversationRepo, grace time.Duration) *Sweeper {
	if grace <= 0 {
		grace = DefaultStaleGrace
	}
	return &Sweeper{convs: convs, grace: grace, now: time.Now}
}

// SweepOnce deactivates conversations idle for longer than the grace period
// and returns how many were closed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.convs.DeactivateStaleConversations(ctx, s.now().Add(-s.grace))
	if err != nil {
		return 0, fmt.Errorf("stale conversation sweep failed: %w", err)
	}
	if n > 0 {
		slog.Info("Sweeper.SweepOnce: closed stale conversations", "count", n, "grace", s.grace)
	}
	return n, nil
}

// RecoverState runs one sweep at startup.
func (s *Sweeper) RecoverState(ctx context.Context) error {
	_, err := s.SweepOnce(ctx)
	return err
}
