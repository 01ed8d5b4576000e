package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/BulkPipe/internal/models"
)

// InterruptedDetail is recorded on messages whose send was cut short by a restart.
const InterruptedDetail = "interrupted by restart"

// CampaignReconciler fails messages stuck in SENDING and parks QUEUED and
// SENDING campaigns as PAUSED so an operator can resume them explicitly.
type CampaignReconciler struct{}

func (CampaignReconciler) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	st := registry.GetStore()
	failed, err := st.FailStaleSendingMessages(ctx, InterruptedDetail)
	if err != nil {
		return fmt.Errorf("failed to fail interrupted messages: %w", err)
	}

	campaigns, err := st.ListCampaignsByState(ctx, models.ActiveCampaignStates...)
	if err != nil {
		return fmt.Errorf("failed to list active campaigns: %w", err)
	}
	paused := 0
	for _, c := range campaigns {
		applied, err := st.TransitionCampaign(ctx, c.ID, models.ActiveCampaignStates, models.CampaignPaused)
		if err != nil {
			return fmt.Errorf("failed to pause campaign %s: %w", c.ID, err)
		}
		if applied {
			paused++
			slog.Info("Recovering campaign as paused", "campaign_id", c.ID, "owner", c.OwnerID, "previous_state", c.State)
		}
	}
	slog.Info("Campaign reconciliation completed", "failed_messages", failed, "paused_campaigns", paused)
	return nil
}

// SessionReconciler marks every persisted session DISCONNECTED; no live handle survives a restart.
type SessionReconciler struct{}

func (SessionReconciler) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	n, err := registry.GetStore().ResetSessionStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset session states: %w", err)
	}
	slog.Info("Session reconciliation completed", "reset", n)
	return nil
}

// Connector opens an operator's session.
type Connector interface {
	Connect(ctx context.Context, owner string) error
}

// SessionRestorer reconnects, in the background, every operator whose
// session holds stored credentials. Register it after SessionReconciler.
type SessionRestorer struct {
	Connector Connector
}

func (r SessionRestorer) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	if r.Connector == nil {
		return fmt.Errorf("no session connector provided")
	}
	sessions, err := registry.GetStore().ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	restored := 0
	for _, s := range sessions {
		if !s.HasCredentials() {
			continue
		}
		restored++
		owner := s.OwnerID
		slog.Info("Restoring session", "owner", owner)
		go func() {
			if err := r.Connector.Connect(context.WithoutCancel(ctx), owner); err != nil {
				slog.Warn("Session restore failed", "owner", owner, "error", err)
			}
		}()
	}
	slog.Info("Session restore started", "sessions", restored)
	return nil
}

var (
	_ Recoverable = CampaignReconciler{}
	_ Recoverable = SessionReconciler{}
	_ Recoverable = SessionRestorer{}
)
