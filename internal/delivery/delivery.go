// Package delivery turns transport receipts into message state advances and
// campaign counter updates.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/events"
	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/store"
	"github.com/BTreeMap/BulkPipe/internal/whatsapp"
)

// Interceptor applies receipts to messages the queue has sent.
type Interceptor struct {
	store store.Store
	bus   events.Publisher
}

// NewInterceptor creates an Interceptor. A nil bus discards events.
func NewInterceptor(st store.Store, bus events.Publisher) *Interceptor {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Interceptor{store: st, bus: bus}
}

// StateForAck maps a receipt level to the message state it proves, if any.
func StateForAck(code whatsapp.AckCode) (models.MessageState, bool) {
	switch code {
	case whatsapp.AckDelivered:
		return models.MessageDelivered, true
	case whatsapp.AckRead:
		return models.MessageRead, true
	default:
		return "", false
	}
}

// HandleReceipt advances every known message named by the receipt. Unknown
// provider ids belong to traffic BulkPipe did not send and are ignored; a
// receipt that does not move a message forward changes nothing.
func (i *Interceptor) HandleReceipt(ctx context.Context, owner string, r whatsapp.ReceiptEvent) {
	to, ok := StateForAck(r.Code)
	if !ok {
		slog.Debug("Interceptor.HandleReceipt: ignoring receipt level", "owner", owner, "code", r.Code)
		return
	}
	at := r.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	for _, providerID := range r.MessageIDs {
		i.apply(ctx, owner, providerID, to, at)
	}
}

func (i *Interceptor) apply(ctx context.Context, owner, providerID string, to models.MessageState, at time.Time) {
	msg, err := i.store.GetMessageByProviderID(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("Interceptor.apply: lookup failed", "owner", owner, "provider_id", providerID, "error", err)
		return
	}

	applied, err := i.store.AdvanceMessageReceipt(ctx, msg.ID, to, at)
	if err != nil {
		slog.Error("Interceptor.apply: failed to advance message", "message_id", msg.ID, "to", to, "error", err)
		return
	}
	if !applied {
		slog.Debug("Interceptor.apply: receipt does not advance message", "message_id", msg.ID, "state", msg.State, "to", to)
		return
	}

	counter := models.CounterDelivered
	if to == models.MessageRead {
		counter = models.CounterRead
	}
	if err := i.store.IncrementCampaignCounter(ctx, msg.CampaignID, counter); err != nil {
		slog.Error("Interceptor.apply: failed to increment counter", "campaign_id", msg.CampaignID, "counter", counter, "error", err)
	}
	slog.Debug("Interceptor.apply: message advanced", "message_id", msg.ID, "campaign_id", msg.CampaignID, "to", to)
	i.bus.Publish(events.Event{
		Type:       events.TypeMessageReceipt,
		OwnerID:    owner,
		CampaignID: msg.CampaignID,
		MessageID:  msg.ID,
		State:      string(to),
		Time:       at,
	})
}
