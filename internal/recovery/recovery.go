// Package recovery orchestrates startup recovery for Sage so a restart picks
// up where the previous process left off: runs interrupted mid-step are
// requeued, alerts stuck in sending are retried and conversations that never
// received an end event are closed.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a plain function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// RecoverState calls f.
func (f RecoverFunc) RecoverState(ctx context.Context) error { return f(ctx) }

type namedRecoverable struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []namedRecoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]namedRecoverable, 0)}
}

// RegisterRecoverable adds a component that can be recovered. Components are
// recovered in registration order.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.recoverables = append(rm.recoverables, namedRecoverable{name: name, r: r})
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, nr := range rm.recoverables {
		if err := nr.r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", nr.name, "error", err)
			errorCount++
			continue
		}
		slog.Debug("RecoveryManager.RecoverAll: component recovered", "component", nr.name)
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}
