// Package queue runs the per-operator campaign send loops.
//
// Each operator has a FIFO of campaigns served by at most one goroutine, so an
// operator's campaigns never interleave while different operators send
// concurrently. Every suspension in a loop is a cancellable sleep bound to the
// running campaign's context; Pause and Cancel cancel it immediately.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/antispam"
	"github.com/BTreeMap/BulkPipe/internal/events"
	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/store"
	"github.com/BTreeMap/BulkPipe/internal/whatsapp"
)

// Constants for the send loop
const (
	// CheckpointInterval is how often, in messages, the loop re-reads the campaign state.
	CheckpointInterval = 5
	// CancelledDetail is recorded on messages failed by Cancel.
	CancelledDetail = "campaign cancelled"
	// InvalidAddressDetail is recorded on messages whose destination cannot be addressed.
	InvalidAddressDetail = "invalid destination address"
)

var (
	// ErrCampaignNotFound is returned for unknown campaign ids.
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrInvalidTransition is returned when a control operation does not apply to the campaign's state.
	ErrInvalidTransition = errors.New("invalid campaign state transition")
)

var nonTerminalStates = []models.CampaignState{
	models.CampaignCreated, models.CampaignQueued, models.CampaignSending, models.CampaignPaused,
}

// Sessions is the part of the session registry the queue borrows handles from.
type Sessions interface {
	GetHandle(owner string) whatsapp.Handle
	ResetIdleTimer(owner string)
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Opts holds configuration options for the Queue.
type Opts struct {
	Sleep          SleepFunc
	Now            func() time.Time
	Bus            events.Publisher
	TypingDisabled bool
}

// Option defines a configuration option for the Queue.
type Option func(*Opts)

// WithSleep replaces the suspension function; tests use it to run loops without waiting.
func WithSleep(fn SleepFunc) Option {
	return func(o *Opts) {
		o.Sleep = fn
	}
}

// WithClock sets the time source used for the daily quota window.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithBus sets where campaign state events are published.
func WithBus(p events.Publisher) Option {
	return func(o *Opts) {
		o.Bus = p
	}
}

// WithoutTyping disables the presence and typing simulation before each send.
func WithoutTyping() Option {
	return func(o *Opts) {
		o.TypingDisabled = true
	}
}

type ownerQueue struct {
	pending []string
	running bool
}

// Queue schedules campaigns onto per-operator send loops.
type Queue struct {
	store    store.Store
	sessions Sessions
	opts     Opts

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	owners map[string]*ownerQueue
	active map[string]context.CancelFunc
	// campaigns paused by the daily limit, by id
	quotaPaused map[string]string
}

// NewQueue creates a Queue, applying any provided options.
func NewQueue(st store.Store, sessions Sessions, opts ...Option) *Queue {
	cfg := Opts{Sleep: SleepContext, Now: time.Now, Bus: events.Discard{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	base, stop := context.WithCancel(context.Background())
	return &Queue{
		store:    st,
		sessions: sessions,
		opts:     cfg,
		base:     base,
		stop:     stop,
		owners:   make(map[string]*ownerQueue),
		active:   make(map[string]context.CancelFunc),

		quotaPaused: make(map[string]string),
	}
}

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (q *Queue) publishState(owner, campaignID string, state models.CampaignState) {
	q.opts.Bus.Publish(events.Event{
		Type:       events.TypeCampaignState,
		OwnerID:    owner,
		CampaignID: campaignID,
		State:      string(state),
	})
}

func (q *Queue) transition(ctx context.Context, c *models.Campaign, from []models.CampaignState, to models.CampaignState) bool {
	applied, err := q.store.TransitionCampaign(ctx, c.ID, from, to)
	if err != nil {
		slog.Error("Queue.transition: failed to update campaign state", "campaign_id", c.ID, "to", to, "error", err)
		return false
	}
	if applied {
		slog.Debug("Queue.transition: campaign state changed", "campaign_id", c.ID, "to", to)
		q.publishState(c.OwnerID, c.ID, to)
	}
	return applied
}

func (q *Queue) getCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := q.store.GetCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}
	return c, nil
}

// Enqueue appends the campaign to the operator's FIFO and starts the
// operator's loop if none is running. A CREATED campaign moves to QUEUED.
func (q *Queue) Enqueue(ctx context.Context, campaignID, owner string) error {
	c, err := q.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if owner == "" {
		owner = c.OwnerID
	}
	if c.State == models.CampaignCreated {
		q.transition(ctx, c, []models.CampaignState{models.CampaignCreated}, models.CampaignQueued)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.base.Err() != nil {
		return fmt.Errorf("queue stopped")
	}
	oq, ok := q.owners[owner]
	if !ok {
		oq = &ownerQueue{}
		q.owners[owner] = oq
	}
	for _, id := range oq.pending {
		if id == campaignID {
			return nil
		}
	}
	oq.pending = append(oq.pending, campaignID)
	slog.Info("Queue.Enqueue: campaign queued", "campaign_id", campaignID, "owner", owner, "position", len(oq.pending), "loop_running", oq.running)
	if !oq.running {
		oq.running = true
		q.wg.Add(1)
		go q.runOwner(owner, oq)
	}
	return nil
}

func (q *Queue) runOwner(owner string, oq *ownerQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(oq.pending) == 0 || q.base.Err() != nil {
			oq.running = false
			oq.pending = nil
			delete(q.owners, owner)
			q.mu.Unlock()
			slog.Debug("Queue.runOwner: loop finished", "owner", owner)
			return
		}
		id := oq.pending[0]
		oq.pending = oq.pending[1:]
		ctx, cancel := context.WithCancel(q.base)
		q.active[id] = cancel
		q.mu.Unlock()

		q.runCampaign(ctx, id, owner)

		q.mu.Lock()
		delete(q.active, id)
		q.mu.Unlock()
		cancel()
	}
}

// runCampaign is one pass of the send loop over a campaign's pending messages.
func (q *Queue) runCampaign(ctx context.Context, id, owner string) {
	storeCtx := context.WithoutCancel(ctx)
	c, err := q.getCampaign(storeCtx, id)
	if err != nil {
		slog.Error("Queue.runCampaign: cannot load campaign", "campaign_id", id, "error", err)
		return
	}

	h := q.sessions.GetHandle(owner)
	if h == nil {
		slog.Warn("Queue.runCampaign: no live session, cancelling campaign", "campaign_id", id, "owner", owner)
		q.transition(storeCtx, c, []models.CampaignState{models.CampaignCreated, models.CampaignQueued, models.CampaignSending}, models.CampaignCancelled)
		return
	}
	if !q.transition(storeCtx, c, []models.CampaignState{models.CampaignCreated, models.CampaignQueued}, models.CampaignSending) {
		slog.Info("Queue.runCampaign: campaign no longer queued, skipping", "campaign_id", id)
		return
	}

	policy := antispam.NewPolicy(antispam.LoadConfig(storeCtx, q.store))
	cfg := policy.Config()

	pending, err := q.store.ListPendingMessages(storeCtx, id)
	if err != nil {
		slog.Error("Queue.runCampaign: failed to load pending messages", "campaign_id", id, "error", err)
		q.transition(storeCtx, c, []models.CampaignState{models.CampaignSending}, models.CampaignPaused)
		return
	}

	sent, err := q.store.CountSentSince(storeCtx, owner, store.StartOfDay(q.opts.Now()))
	if err != nil {
		slog.Error("Queue.runCampaign: failed to count today's sends", "owner", owner, "error", err)
		q.transition(storeCtx, c, []models.CampaignState{models.CampaignSending}, models.CampaignPaused)
		return
	}
	remaining := cfg.DailyLimit - sent
	if remaining <= 0 {
		slog.Warn("Queue.runCampaign: daily limit reached", "campaign_id", id, "owner", owner, "limit", cfg.DailyLimit)
		q.pauseForQuota(storeCtx, c)
		return
	}

	slog.Info("Queue.runCampaign: sending", "campaign_id", id, "owner", owner, "pending", len(pending), "quota_remaining", remaining)
	burst, target := 0, policy.BurstSize()
	for i, msg := range pending {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && i%CheckpointInterval == 0 {
			if !q.stillSending(storeCtx, id) {
				slog.Info("Queue.runCampaign: campaign state changed, stopping", "campaign_id", id)
				break
			}
		}
		if remaining <= 0 {
			slog.Warn("Queue.runCampaign: daily limit reached mid-campaign", "campaign_id", id, "owner", owner)
			q.pauseForQuota(storeCtx, c)
			break
		}
		if burst >= target {
			pause := policy.BurstPause()
			slog.Debug("Queue.runCampaign: burst pause", "campaign_id", id, "burst", burst, "pause", pause)
			if err := q.opts.Sleep(ctx, pause); err != nil {
				break
			}
			burst, target = 0, policy.BurstSize()
		}

		if q.sendOne(storeCtx, c, h, msg, policy) {
			remaining--
			burst++
		}

		if i < len(pending)-1 {
			if err := q.opts.Sleep(ctx, policy.Delay(len(msg.RenderedText))); err != nil {
				break
			}
		}
	}

	if ctx.Err() != nil {
		// Stop interrupted the loop; Pause and Cancel have already moved the campaign.
		q.transition(storeCtx, c, []models.CampaignState{models.CampaignSending}, models.CampaignPaused)
		return
	}
	if q.transition(storeCtx, c, []models.CampaignState{models.CampaignSending}, models.CampaignCompleted) {
		slog.Info("Queue.runCampaign: campaign completed", "campaign_id", id)
	}
}

func (q *Queue) pauseForQuota(ctx context.Context, c *models.Campaign) {
	if !q.transition(ctx, c, []models.CampaignState{models.CampaignSending}, models.CampaignPaused) {
		return
	}
	q.mu.Lock()
	q.quotaPaused[c.ID] = c.OwnerID
	q.mu.Unlock()
}

// forgetQuotaPause drops id from the quota-paused set. Operator actions call
// it so a later rollover leaves the campaign alone.
func (q *Queue) forgetQuotaPause(id string) {
	q.mu.Lock()
	delete(q.quotaPaused, id)
	q.mu.Unlock()
}

// ResumeQuotaPaused re-queues every campaign the daily limit paused that is
// still PAUSED, and returns how many were resumed. It is meant to run when
// the quota window rolls over.
func (q *Queue) ResumeQuotaPaused(ctx context.Context) int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.quotaPaused))
	for id := range q.quotaPaused {
		ids = append(ids, id)
	}
	q.quotaPaused = make(map[string]string)
	q.mu.Unlock()

	resumed := 0
	for _, id := range ids {
		if _, err := q.Resume(ctx, id); err != nil {
			if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrCampaignNotFound) {
				slog.Error("Queue.ResumeQuotaPaused: failed to resume campaign", "campaign_id", id, "error", err)
			}
			continue
		}
		resumed++
	}
	slog.Info("Queue.ResumeQuotaPaused: quota window rolled over", "resumed", resumed, "candidates", len(ids))
	return resumed
}

// QuotaPaused returns the ids of campaigns currently held by the daily limit.
func (q *Queue) QuotaPaused() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.quotaPaused))
	for id := range q.quotaPaused {
		ids = append(ids, id)
	}
	return ids
}

func (q *Queue) stillSending(ctx context.Context, id string) bool {
	c, err := q.store.GetCampaign(ctx, id)
	if err != nil {
		slog.Error("Queue.stillSending: failed to re-read campaign", "campaign_id", id, "error", err)
		return false
	}
	return c.State == models.CampaignSending || c.State == models.CampaignQueued
}

// sendOne makes the single send attempt for msg and reports whether it reached SENT.
// ctx is never cancelled by Pause or Cancel, so an attempt in flight completes.
func (q *Queue) sendOne(ctx context.Context, c *models.Campaign, h whatsapp.Handle, msg models.Message, policy *antispam.Policy) bool {
	applied, err := q.store.MarkMessageSending(ctx, msg.ID)
	if err != nil {
		slog.Error("Queue.sendOne: failed to mark message sending", "message_id", msg.ID, "error", err)
		return false
	}
	if !applied {
		slog.Debug("Queue.sendOne: message no longer pending", "message_id", msg.ID)
		return false
	}

	to, err := whatsapp.ToJID(msg.Destination)
	if err != nil {
		q.fail(ctx, c, msg, InvalidAddressDetail)
		return false
	}

	if !q.opts.TypingDisabled {
		q.simulateTyping(ctx, h, to, msg.RenderedText, policy)
	}

	res, err := h.SendText(ctx, to, msg.RenderedText)
	if err != nil {
		slog.Warn("Queue.sendOne: send failed", "campaign_id", c.ID, "message_id", msg.ID, "error", err)
		q.fail(ctx, c, msg, err.Error())
		return false
	}

	at := res.Timestamp
	if at.IsZero() {
		at = q.opts.Now()
	}
	applied, err = q.store.MarkMessageSent(ctx, msg.ID, res.ID, at)
	if err != nil {
		slog.Error("Queue.sendOne: failed to record sent message", "message_id", msg.ID, "provider_id", res.ID, "error", err)
		return false
	}
	if !applied {
		slog.Warn("Queue.sendOne: message was failed while in flight", "message_id", msg.ID, "provider_id", res.ID)
		return false
	}
	if err := q.store.IncrementCampaignCounter(ctx, c.ID, models.CounterSent); err != nil {
		slog.Error("Queue.sendOne: failed to increment sent counter", "campaign_id", c.ID, "error", err)
	}
	q.sessions.ResetIdleTimer(c.OwnerID)
	slog.Debug("Queue.sendOne: message sent", "campaign_id", c.ID, "message_id", msg.ID, "provider_id", res.ID)
	return true
}

func (q *Queue) fail(ctx context.Context, c *models.Campaign, msg models.Message, detail string) {
	applied, err := q.store.MarkMessageFailed(ctx, msg.ID, store.TruncateDetail(detail))
	if err != nil {
		slog.Error("Queue.fail: failed to mark message failed", "message_id", msg.ID, "error", err)
		return
	}
	if !applied {
		return
	}
	if err := q.store.IncrementCampaignCounter(ctx, c.ID, models.CounterFailed); err != nil {
		slog.Error("Queue.fail: failed to increment failed counter", "campaign_id", c.ID, "error", err)
	}
}

// simulateTyping is best effort: every failure is logged and the send proceeds.
func (q *Queue) simulateTyping(ctx context.Context, h whatsapp.Handle, to, text string, policy *antispam.Policy) {
	if err := h.SubscribePresence(ctx, to); err != nil {
		slog.Debug("Queue.simulateTyping: presence subscribe failed", "to", to, "error", err)
		return
	}
	if err := h.SendTyping(ctx, to, true); err != nil {
		slog.Debug("Queue.simulateTyping: composing failed", "to", to, "error", err)
		return
	}
	if err := q.opts.Sleep(ctx, policy.TypingDelay(len(text))); err != nil {
		return
	}
	if err := h.SendTyping(ctx, to, false); err != nil {
		slog.Debug("Queue.simulateTyping: paused failed", "to", to, "error", err)
	}
}

// interrupt cancels the running loop iteration of a campaign, if any, and
// drops it from its operator's FIFO.
func (q *Queue) interrupt(c *models.Campaign) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cancel, ok := q.active[c.ID]; ok {
		cancel()
	}
	if oq, ok := q.owners[c.OwnerID]; ok {
		kept := oq.pending[:0]
		for _, id := range oq.pending {
			if id != c.ID {
				kept = append(kept, id)
			}
		}
		oq.pending = kept
	}
}

// Pause stops a campaign that has not finished. Messages already sent stay
// sent; the rest stay PENDING until Resume.
func (q *Queue) Pause(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := q.getCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	from := []models.CampaignState{models.CampaignCreated, models.CampaignQueued, models.CampaignSending}
	if !q.transition(ctx, c, from, models.CampaignPaused) {
		return nil, fmt.Errorf("%w: cannot pause a %s campaign", ErrInvalidTransition, c.State)
	}
	q.forgetQuotaPause(id)
	q.interrupt(c)
	slog.Info("Queue.Pause: campaign paused", "campaign_id", id)
	return q.getCampaign(ctx, id)
}

// Resume re-queues a paused campaign; sending continues with its pending messages.
func (q *Queue) Resume(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := q.getCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !q.transition(ctx, c, []models.CampaignState{models.CampaignPaused}, models.CampaignQueued) {
		return nil, fmt.Errorf("%w: cannot resume a %s campaign", ErrInvalidTransition, c.State)
	}
	q.forgetQuotaPause(id)
	if err := q.Enqueue(ctx, id, c.OwnerID); err != nil {
		return nil, err
	}
	slog.Info("Queue.Resume: campaign resumed", "campaign_id", id)
	return q.getCampaign(ctx, id)
}

// Cancel ends a campaign for good and fails every message not yet sent. A
// send already in flight completes, but its result is not recorded as SENT.
func (q *Queue) Cancel(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := q.getCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State.IsTerminal() || !q.transition(ctx, c, nonTerminalStates, models.CampaignCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel a %s campaign", ErrInvalidTransition, c.State)
	}
	q.forgetQuotaPause(id)
	q.interrupt(c)
	n, err := q.store.FailOpenMessages(ctx, id, CancelledDetail)
	if err != nil {
		return nil, fmt.Errorf("failed to fail open messages: %w", err)
	}
	slog.Info("Queue.Cancel: campaign cancelled", "campaign_id", id, "failed_messages", n)
	return q.getCampaign(ctx, id)
}

// Running reports whether a send loop is active for owner.
func (q *Queue) Running(owner string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	oq, ok := q.owners[owner]
	return ok && oq.running
}

// Stop interrupts every loop and waits for them to exit. Campaigns caught
// mid-send are left PAUSED.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stop()
	q.mu.Unlock()
	q.wg.Wait()
	slog.Info("Queue.Stop: all send loops stopped")
}
