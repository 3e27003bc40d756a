package recovery

import (
	"context"

	"github.com/sagedialogue/sage/internal/store"
)

// JobRunnerRecovery requeues jobs that were running when the process stopped.
func JobRunnerRecovery(r *store.JobRunner) Recoverable {
	return RecoverFunc(func(ctx context.Context) error {
		return r.RecoverStaleJobs()
	})
}

// OutboxRecovery requeues outbox messages that were being sent when the process stopped.
func OutboxRecovery(s *store.OutboxSender) Recoverable {
	return RecoverFunc(func(ctx context.Context) error {
		return s.RecoverStaleMessages()
	})
}
