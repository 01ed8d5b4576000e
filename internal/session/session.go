// Package session owns the live WhatsApp handle of every operator.
//
// A Manager keeps one registry entry per operator. The entry holds the live
// handle, the latest pairing code, and the idle and reconnect timers, all guarded by
// the entry's own mutex so operators never contend with each other. Handle
// events are tagged with the generation that opened the handle; events from a
// superseded handle are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/events"
	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/store"
	"github.com/BTreeMap/BulkPipe/internal/whatsapp"
)

// Session defaults
const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultReconnectDelay = 3 * time.Second
)

// ErrNotConnected is returned when an operation needs a linked session.
var ErrNotConnected = errors.New("session not connected")

// Sealer encrypts credential snapshots for storage.
type Sealer interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(encoded string) ([]byte, error)
}

// ReceiptHandler consumes delivery receipts from live handles.
type ReceiptHandler interface {
	HandleReceipt(ctx context.Context, owner string, r whatsapp.ReceiptEvent)
}

// Opts holds configuration options for the Manager.
type Opts struct {
	IdleTimeout    time.Duration
	ReconnectDelay time.Duration
	Sealer         Sealer
	Bus            *events.Bus
	Receipts       ReceiptHandler
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithIdleTimeout sets how long a connected session may go without sending. Zero disables eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.IdleTimeout = d
	}
}

// WithReconnectDelay sets the fixed delay before reconnecting after a transient close.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.ReconnectDelay = d
	}
}

// WithSealer sets the credential vault. Without one, credentials are never persisted.
func WithSealer(s Sealer) Option {
	return func(o *Opts) {
		o.Sealer = s
	}
}

// WithBus sets the event bus session events are published on.
func WithBus(b *events.Bus) Option {
	return func(o *Opts) {
		o.Bus = b
	}
}

// WithReceiptHandler sets the consumer of delivery receipts.
func WithReceiptHandler(h ReceiptHandler) Option {
	return func(o *Opts) {
		o.Receipts = h
	}
}

type entry struct {
	mu        sync.Mutex
	handle    whatsapp.Handle
	dialing   bool
	gen       uint64
	qr        string
	idle      *time.Timer
	idleSeq   uint64
	reconnect *time.Timer
}

// Manager is the registry of operator sessions.
type Manager struct {
	store  store.Store
	dialer whatsapp.Dialer
	opts   Opts

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a Manager, applying any provided options.
func NewManager(st store.Store, dialer whatsapp.Dialer, opts ...Option) *Manager {
	cfg := Opts{IdleTimeout: DefaultIdleTimeout, ReconnectDelay: DefaultReconnectDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	slog.Debug("session.NewManager: created", "idle_timeout", cfg.IdleTimeout, "reconnect_delay", cfg.ReconnectDelay, "sealer", cfg.Sealer != nil)
	return &Manager{store: st, dialer: dialer, opts: cfg, entries: make(map[string]*entry)}
}

func (m *Manager) entryFor(owner string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[owner]
	if !ok {
		e = &entry{}
		m.entries[owner] = e
	}
	return e
}

func (m *Manager) lookup(owner string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[owner]
}

func (m *Manager) publish(e events.Event) {
	m.opts.Bus.Publish(e)
}

func (m *Manager) setState(ctx context.Context, owner string, state models.SessionState, account string) {
	if err := m.store.UpsertSessionState(ctx, owner, state, account); err != nil {
		slog.Error("Manager.setState: failed to persist session state", "owner", owner, "state", state, "error", err)
	}
}

// Connect links the operator's session. It is a no-op that re-announces the
// connection when the session is already connected, and a no-op while a
// connection attempt is in progress.
func (m *Manager) Connect(ctx context.Context, owner string) error {
	if owner == "" {
		return models.ErrEmptyOwner
	}
	e := m.entryFor(owner)
	e.mu.Lock()
	if e.handle != nil {
		account := e.handle.AccountID()
		e.mu.Unlock()
		if account != "" {
			slog.Debug("Manager.Connect: already connected", "owner", owner)
			m.publish(events.Event{Type: events.TypeSessionConnected, OwnerID: owner, AccountID: account, State: string(models.SessionConnected)})
		}
		return nil
	}
	e.mu.Unlock()
	return m.open(ctx, owner, true, false)
}

// open dials and connects a fresh handle. restore loads stored credentials into
// the working area first. retry reschedules the attempt on failure instead of
// giving up.
func (m *Manager) open(ctx context.Context, owner string, restore, retry bool) error {
	e := m.entryFor(owner)
	e.mu.Lock()
	if e.handle != nil || e.dialing {
		e.mu.Unlock()
		return nil
	}
	stopTimer(e.reconnect)
	e.dialing = true
	e.gen++
	gen := e.gen
	e.qr = ""
	e.mu.Unlock()

	slog.Info("Manager.open: connecting", "owner", owner, "restore", restore, "retry", retry)
	m.setState(ctx, owner, models.SessionConnecting, "")
	m.publish(events.Event{Type: events.TypeSessionConnecting, OwnerID: owner, State: string(models.SessionConnecting)})

	var creds []byte
	if restore {
		creds = m.restoreCredentials(ctx, owner)
	}

	h, err := m.dialer.Dial(ctx, owner, creds, func(ev whatsapp.Event) {
		m.handleEvent(owner, gen, ev)
	})
	if err != nil {
		m.abort(ctx, owner, gen, retry, err)
		return fmt.Errorf("failed to open transport for %s: %w", owner, err)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		slog.Debug("Manager.open: superseded while dialing", "owner", owner)
		h.Close()
		return nil
	}
	e.handle = h
	e.dialing = false
	e.mu.Unlock()

	if err := h.Connect(ctx); err != nil {
		h.Close()
		m.abort(ctx, owner, gen, retry, err)
		return fmt.Errorf("failed to connect %s: %w", owner, err)
	}
	return nil
}

func (m *Manager) abort(ctx context.Context, owner string, gen uint64, retry bool, cause error) {
	e := m.entryFor(owner)
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.handle = nil
	e.dialing = false
	if retry {
		m.scheduleReconnectLocked(owner, e)
		e.mu.Unlock()
		slog.Warn("Manager.abort: connection attempt failed, will retry", "owner", owner, "delay", m.opts.ReconnectDelay, "error", cause)
		return
	}
	e.gen++
	e.mu.Unlock()
	slog.Error("Manager.abort: connection attempt failed", "owner", owner, "error", cause)
	m.setState(ctx, owner, models.SessionDisconnected, "")
	m.publish(events.Event{Type: events.TypeSessionDisconnected, OwnerID: owner, State: string(models.SessionDisconnected), Reason: events.ReasonError})
}

func (m *Manager) scheduleReconnectLocked(owner string, e *entry) {
	stopTimer(e.reconnect)
	e.gen++
	gen := e.gen
	e.reconnect = time.AfterFunc(m.opts.ReconnectDelay, func() {
		e.mu.Lock()
		current := e.gen == gen
		e.mu.Unlock()
		if !current {
			return
		}
		slog.Debug("Manager: reconnecting", "owner", owner)
		if err := m.open(context.Background(), owner, false, true); err != nil {
			slog.Debug("Manager: reconnect attempt failed", "owner", owner, "error", err)
		}
	})
}

func (m *Manager) handleEvent(owner string, gen uint64, ev whatsapp.Event) {
	ctx := context.Background()
	e := m.lookup(owner)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		slog.Debug("Manager.handleEvent: dropping event from superseded handle", "owner", owner, "event", whatsapp.EventName(ev))
		return
	}

	switch v := ev.(type) {
	case whatsapp.QREvent:
		e.qr = v.Code
		e.mu.Unlock()
		m.setState(ctx, owner, models.SessionQRPending, "")
		m.publish(events.Event{Type: events.TypeSessionQR, OwnerID: owner, State: string(models.SessionQRPending), QRCode: v.Code})

	case whatsapp.ConnectedEvent:
		e.qr = ""
		h := e.handle
		m.armIdleLocked(owner, e)
		e.mu.Unlock()
		slog.Info("Manager: session connected", "owner", owner, "account", v.AccountID)
		m.setState(ctx, owner, models.SessionConnected, v.AccountID)
		if h != nil {
			m.persistCredentials(ctx, owner, h)
		}
		m.publish(events.Event{Type: events.TypeSessionConnected, OwnerID: owner, State: string(models.SessionConnected), AccountID: v.AccountID})

	case whatsapp.CredentialsUpdatedEvent:
		h := e.handle
		e.mu.Unlock()
		if h != nil {
			m.persistCredentials(ctx, owner, h)
		}

	case whatsapp.ClosedEvent:
		h := e.handle
		e.handle = nil
		e.dialing = false
		e.qr = ""
		stopTimer(e.idle)
		if v.LoggedOut {
			e.gen++
		} else {
			m.scheduleReconnectLocked(owner, e)
		}
		e.mu.Unlock()
		if h != nil {
			// Close re-enters the transport; never run it on the transport's event goroutine.
			go h.Close()
		}
		if v.LoggedOut {
			slog.Warn("Manager: session logged out", "owner", owner, "reason", v.Reason)
			m.setState(ctx, owner, models.SessionDisconnected, "")
			m.purge(ctx, owner)
			m.publish(events.Event{Type: events.TypeSessionDisconnected, OwnerID: owner, State: string(models.SessionDisconnected), Reason: events.ReasonLogout})
			return
		}
		slog.Warn("Manager: connection closed, reconnecting", "owner", owner, "reason", v.Reason, "delay", m.opts.ReconnectDelay)
		m.setState(ctx, owner, models.SessionConnecting, "")
		m.publish(events.Event{Type: events.TypeSessionConnecting, OwnerID: owner, State: string(models.SessionConnecting), Reason: v.Reason})

	case whatsapp.ReceiptEvent:
		e.mu.Unlock()
		if m.opts.Receipts != nil {
			m.opts.Receipts.HandleReceipt(ctx, owner, v)
		}

	default:
		e.mu.Unlock()
	}
}

// Disconnect logs the operator out and forgets its credentials. Logout
// failures are logged and do not stop the teardown.
func (m *Manager) Disconnect(ctx context.Context, owner string) error {
	if owner == "" {
		return models.ErrEmptyOwner
	}
	var h whatsapp.Handle
	if e := m.lookup(owner); e != nil {
		e.mu.Lock()
		e.gen++
		h = e.handle
		e.handle = nil
		e.dialing = false
		e.qr = ""
		stopTimer(e.idle)
		stopTimer(e.reconnect)
		e.mu.Unlock()
	}
	if h != nil {
		if err := h.Logout(ctx); err != nil {
			slog.Warn("Manager.Disconnect: logout failed, continuing teardown", "owner", owner, "error", err)
		}
		h.Close()
	}
	if err := m.store.UpsertSessionState(ctx, owner, models.SessionDisconnected, ""); err != nil {
		return fmt.Errorf("failed to persist disconnected state: %w", err)
	}
	m.purge(ctx, owner)
	slog.Info("Manager.Disconnect: session disconnected", "owner", owner)
	m.publish(events.Event{Type: events.TypeSessionDisconnected, OwnerID: owner, State: string(models.SessionDisconnected), Reason: events.ReasonManual})
	return nil
}

func (m *Manager) purge(ctx context.Context, owner string) {
	if err := m.store.ClearSessionCredentials(ctx, owner); err != nil {
		slog.Error("Manager.purge: failed to clear stored credentials", "owner", owner, "error", err)
	}
	if err := m.dialer.Purge(owner); err != nil {
		slog.Error("Manager.purge: failed to remove working session material", "owner", owner, "error", err)
	}
}

// GetHandle returns the operator's live handle, or nil.
func (m *Manager) GetHandle(owner string) whatsapp.Handle {
	e := m.lookup(owner)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return nil
	}
	return e.handle
}

// IsConnected reports whether a live handle exists and is authenticated.
func (m *Manager) IsConnected(owner string) bool {
	h := m.GetHandle(owner)
	return h != nil && h.AccountID() != ""
}

// QRCode returns the most recent unconsumed pairing code for the operator.
func (m *Manager) QRCode(owner string) string {
	e := m.lookup(owner)
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.qr
}

// ResetIdleTimer defers idle eviction of a connected session.
func (m *Manager) ResetIdleTimer(owner string) {
	e := m.lookup(owner)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != nil {
		m.armIdleLocked(owner, e)
	}
}

func (m *Manager) armIdleLocked(owner string, e *entry) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	stopTimer(e.idle)
	e.idleSeq++
	seq, gen := e.idleSeq, e.gen
	e.idle = time.AfterFunc(m.opts.IdleTimeout, func() {
		m.evictIdle(owner, gen, seq)
	})
}

// evictIdle keeps the stored credentials so the operator can reconnect without re-pairing.
func (m *Manager) evictIdle(owner string, gen, seq uint64) {
	e := m.lookup(owner)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.gen != gen || e.idleSeq != seq || e.handle == nil {
		e.mu.Unlock()
		return
	}
	h := e.handle
	e.handle = nil
	e.gen++
	e.qr = ""
	e.mu.Unlock()

	ctx := context.Background()
	slog.Info("Manager.evictIdle: closing idle session", "owner", owner, "idle_timeout", m.opts.IdleTimeout)
	m.persistCredentials(ctx, owner, h)
	h.Close()
	m.setState(ctx, owner, models.SessionDisconnected, "")
	m.publish(events.Event{Type: events.TypeSessionDisconnected, OwnerID: owner, State: string(models.SessionDisconnected), Reason: events.ReasonIdle})
}

// GetStatus combines the persisted session with the live connectivity flag.
func (m *Manager) GetStatus(ctx context.Context, owner string) (*models.SessionStatus, error) {
	status := &models.SessionStatus{OwnerID: owner, State: models.SessionDisconnected}
	sess, err := m.store.GetSession(ctx, owner)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	default:
		status.State = sess.State
		status.LinkedAccountID = sess.LinkedAccountID
		if !sess.LastUsedAt.IsZero() {
			t := sess.LastUsedAt
			status.LastUsedAt = &t
		}
	}
	status.Live = m.IsConnected(owner)
	status.QRCode = m.QRCode(owner)
	return status, nil
}

// Subscribe returns a subscription to the operator's session and campaign events.
func (m *Manager) Subscribe(owner string) *events.Subscription {
	return m.opts.Bus.Subscribe(owner)
}

// Shutdown persists credentials and closes every live handle. Stored
// credentials are kept so sessions can be restored on the next start.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	owners := make(map[string]*entry, len(m.entries))
	for owner, e := range m.entries {
		owners[owner] = e
	}
	m.mu.Unlock()

	for owner, e := range owners {
		e.mu.Lock()
		e.gen++
		h := e.handle
		e.handle = nil
		e.dialing = false
		stopTimer(e.idle)
		stopTimer(e.reconnect)
		e.mu.Unlock()
		if h == nil {
			continue
		}
		m.persistCredentials(ctx, owner, h)
		h.Close()
		m.setState(ctx, owner, models.SessionDisconnected, "")
	}
	slog.Info("Manager.Shutdown: all sessions closed", "count", len(owners))
}

func (m *Manager) persistCredentials(ctx context.Context, owner string, h whatsapp.Handle) {
	if m.opts.Sealer == nil {
		return
	}
	raw, err := h.Credentials(ctx)
	if err != nil {
		slog.Warn("Manager.persistCredentials: failed to snapshot credentials", "owner", owner, "error", err)
		return
	}
	sealed, err := m.opts.Sealer.Encrypt(raw)
	if err != nil {
		slog.Warn("Manager.persistCredentials: failed to encrypt credentials", "owner", owner, "error", err)
		return
	}
	if err := m.store.SaveSessionCredentials(ctx, owner, sealed); err != nil {
		slog.Warn("Manager.persistCredentials: failed to save credentials", "owner", owner, "error", err)
		return
	}
	slog.Debug("Manager.persistCredentials: credentials saved", "owner", owner, "bytes", len(raw))
}

func (m *Manager) restoreCredentials(ctx context.Context, owner string) []byte {
	if m.opts.Sealer == nil {
		return nil
	}
	sess, err := m.store.GetSession(ctx, owner)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Manager.restoreCredentials: failed to load session", "owner", owner, "error", err)
		}
		return nil
	}
	if !sess.HasCredentials() {
		return nil
	}
	raw, err := m.opts.Sealer.Decrypt(sess.EncryptedCredentials)
	if err != nil {
		slog.Warn("Manager.restoreCredentials: stored credentials unusable, pairing required", "owner", owner, "error", err)
		return nil
	}
	return raw
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
