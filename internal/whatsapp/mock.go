package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrHandleClosed is returned by MockHandle operations after Close.
var ErrHandleClosed = errors.New("handle closed")

// MockDialer implements Dialer without any network access.
// In tests, use whatsapp.NewMockDialer() instead of NewWhatsmeowDialer to avoid real WhatsApp connections.
type MockDialer struct {
	mu      sync.Mutex
	handles map[string][]*MockHandle
	purged  []string

	// AutoConnect makes Connect emit a ConnectedEvent for the owner's account immediately.
	AutoConnect bool
	// DialErr, when set, is returned from every Dial.
	DialErr error
	// OnDial is called with each new handle before it is returned.
	OnDial func(h *MockHandle)
}

// NewMockDialer returns a MockDialer whose handles connect immediately.
func NewMockDialer() *MockDialer {
	return &MockDialer{handles: map[string][]*MockHandle{}, AutoConnect: true}
}

// Dial creates a MockHandle for owner.
func (d *MockDialer) Dial(ctx context.Context, owner string, creds []byte, onEvent func(Event)) (Handle, error) {
	d.mu.Lock()
	if d.DialErr != nil {
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	h := &MockHandle{
		Owner:       owner,
		Restored:    creds,
		onEvent:     onEvent,
		account:     "acct-" + owner,
		autoConnect: d.AutoConnect,
	}
	d.handles[owner] = append(d.handles[owner], h)
	hook := d.OnDial
	d.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return h, nil
}

// Purge records the purge.
func (d *MockDialer) Purge(owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, owner)
	return nil
}

// Last returns the most recent handle dialed for owner, or nil.
func (d *MockDialer) Last(owner string) *MockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs := d.handles[owner]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// DialCount returns how many handles were dialed for owner.
func (d *MockDialer) DialCount(owner string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles[owner])
}

// Purged returns the owners purged so far.
func (d *MockDialer) Purged() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.purged...)
}

// SentMessage records one MockHandle send.
type SentMessage struct {
	To   string
	Body string
	ID   string
	At   time.Time
}

// MockHandle implements Handle in memory and lets tests inject transport events.
type MockHandle struct {
	Owner    string
	Restored []byte

	mu          sync.Mutex
	onEvent     func(Event)
	account     string
	autoConnect bool
	linked      bool
	connects    int
	closed      bool
	loggedOut   bool
	sent        []SentMessage
	presence    []string

	// SendErr, when set, decides the outcome of each send.
	SendErr func(to, body string) error
	// OnSend is called after every successful send with the running count.
	OnSend func(n int, to, body string)
	// PresenceErr is returned by presence and typing calls.
	PresenceErr error
	// LogoutErr is returned by Logout.
	LogoutErr error
}

// Emit delivers an event to the handle's owner as if the transport produced it.
func (h *MockHandle) Emit(e Event) {
	h.mu.Lock()
	if c, ok := e.(ConnectedEvent); ok {
		h.linked = true
		if c.AccountID != "" {
			h.account = c.AccountID
		}
	}
	if _, ok := e.(ClosedEvent); ok {
		h.linked = false
	}
	fn := h.onEvent
	h.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (h *MockHandle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.connects++
	auto := h.autoConnect
	account := h.account
	h.mu.Unlock()
	if auto {
		h.Emit(ConnectedEvent{AccountID: account})
	}
	return nil
}

func (h *MockHandle) AccountID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.linked || h.closed {
		return ""
	}
	return h.account
}

func (h *MockHandle) SendText(ctx context.Context, to, body string) (SendResult, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return SendResult{}, ErrHandleClosed
	}
	sendErr := h.SendErr
	h.mu.Unlock()
	if sendErr != nil {
		if err := sendErr(to, body); err != nil {
			return SendResult{}, err
		}
	}

	h.mu.Lock()
	n := len(h.sent) + 1
	res := SendResult{ID: fmt.Sprintf("3EB0%s%04d", h.Owner, n), Timestamp: time.Now()}
	h.sent = append(h.sent, SentMessage{To: to, Body: body, ID: res.ID, At: res.Timestamp})
	onSend := h.OnSend
	h.mu.Unlock()
	if onSend != nil {
		onSend(n, to, body)
	}
	return res, nil
}

func (h *MockHandle) SubscribePresence(ctx context.Context, to string) error {
	return h.recordPresence("subscribe:" + to)
}

func (h *MockHandle) SendTyping(ctx context.Context, to string, composing bool) error {
	if composing {
		return h.recordPresence("composing:" + to)
	}
	return h.recordPresence("paused:" + to)
}

func (h *MockHandle) recordPresence(entry string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = append(h.presence, entry)
	return h.PresenceErr
}

func (h *MockHandle) Credentials(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	return []byte("mock-session:" + h.Owner), nil
}

func (h *MockHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return h.LogoutErr
}

func (h *MockHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.linked = false
}

// Sent returns a copy of the messages sent through the handle.
func (h *MockHandle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SentMessage(nil), h.sent...)
}

// Presence returns the recorded presence calls.
func (h *MockHandle) Presence() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.presence...)
}

// Closed reports whether Close was called.
func (h *MockHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// LoggedOut reports whether Logout was called.
func (h *MockHandle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// Connects returns how many times Connect was called.
func (h *MockHandle) Connects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

var (
	_ Dialer = (*MockDialer)(nil)
	_ Handle = (*MockHandle)(nil)
)
