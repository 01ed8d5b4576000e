// Package recovery reconciles persisted state at startup for BulkPipe.
//
// Send loops and live sessions exist only in memory, so after a restart the
// store may still show campaigns SENDING and sessions CONNECTED. Components
// registered with a RecoveryManager bring the store back in line before the
// API starts serving.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/BulkPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to reconcile component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store store.Store
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(st store.Store) *RecoveryRegistry {
	return &RecoveryRegistry{store: st}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// RecoveryManager orchestrates recovery of all registered components in registration order
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(st),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
