// Package store provides the OutboxSender for delivering operator alerts.
package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultOutboxMaxAttempts bounds delivery attempts for a single outbox message.
const DefaultOutboxMaxAttempts = 8

// OutboxSendFunc is the callback that performs the actual delivery.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	retryBackoff   time.Duration
	maxAttempts    int
	claimLimit     int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		retryBackoff:   10 * time.Second,
		maxAttempts:    DefaultOutboxMaxAttempts,
		claimLimit:     10,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce claims and sends the currently due messages, returning how many were claimed.
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.RunOnce: claim failed", "error", err)
		return 0
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.RunOnce: sending message", "id", msg.ID, "recipient", msg.Recipient, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.RunOnce: send failed", "id", msg.ID, "attempts", msg.Attempts, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			nextAttempt := now.Add(s.retryBackoff * time.Duration(1<<msg.Attempts))
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), nextAttempt, s.maxAttempts); err != nil {
				slog.Error("OutboxSender.RunOnce: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.RunOnce: mark sent error", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.RunOnce: message sent", "id", msg.ID, "kind", msg.Kind)
	}
	return len(msgs)
}
