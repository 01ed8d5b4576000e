package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/events"
	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/store"
	"github.com/BTreeMap/BulkPipe/internal/testutil"
	"github.com/BTreeMap/BulkPipe/internal/vault"
	"github.com/BTreeMap/BulkPipe/internal/whatsapp"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func sessionState(t *testing.T, st store.Store, owner string) models.SessionState {
	t.Helper()
	s, err := st.GetSession(context.Background(), owner)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	return s.State
}

func newTestManager(opts ...Option) (*Manager, *store.InMemoryStore, *whatsapp.MockDialer) {
	st := store.NewInMemoryStore()
	dialer := whatsapp.NewMockDialer()
	all := append([]Option{WithSealer(vault.New(testSecret)), WithReconnectDelay(10 * time.Millisecond), WithIdleTimeout(0)}, opts...)
	return NewManager(st, dialer, all...), st, dialer
}

func TestConnectPairingFlow(t *testing.T) {
	ctx := context.Background()
	m, st, dialer := newTestManager()
	dialer.AutoConnect = false
	sub := m.Subscribe("op")
	defer sub.Cancel()

	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if e := nextEvent(t, sub); e.Type != events.TypeSessionConnecting {
		t.Fatalf("first event = %s, want connecting", e.Type)
	}
	if sessionState(t, st, "op") != models.SessionConnecting {
		t.Errorf("state = %s, want CONNECTING", sessionState(t, st, "op"))
	}
	if m.IsConnected("op") {
		t.Error("unpaired session must not report connected")
	}

	h := dialer.Last("op")
	h.Emit(whatsapp.QREvent{Code: "2@pairing"})
	if e := nextEvent(t, sub); e.Type != events.TypeSessionQR || e.QRCode != "2@pairing" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if m.QRCode("op") != "2@pairing" || sessionState(t, st, "op") != models.SessionQRPending {
		t.Errorf("QR not recorded: code=%q state=%s", m.QRCode("op"), sessionState(t, st, "op"))
	}

	h.Emit(whatsapp.ConnectedEvent{AccountID: "5215550001111"})
	if e := nextEvent(t, sub); e.Type != events.TypeSessionConnected || e.AccountID != "5215550001111" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if !m.IsConnected("op") {
		t.Fatal("expected connected session")
	}
	if m.QRCode("op") != "" {
		t.Error("QR should be cleared once connected")
	}
	sess, _ := st.GetSession(ctx, "op")
	if sess.State != models.SessionConnected || sess.LinkedAccountID != "5215550001111" {
		t.Errorf("unexpected session: %+v", sess)
	}
	plain, err := vault.New(testSecret).Decrypt(sess.EncryptedCredentials)
	if err != nil || string(plain) != "mock-session:op" {
		t.Errorf("stored credentials = %q, %v", plain, err)
	}

	status, err := m.GetStatus(ctx, "op")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Live || status.State != models.SessionConnected || status.LastUsedAt == nil {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, dialer := newTestManager()
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe("op")
	defer sub.Cancel()
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	if dialer.DialCount("op") != 1 {
		t.Errorf("DialCount = %d, want 1", dialer.DialCount("op"))
	}
	if e := nextEvent(t, sub); e.Type != events.TypeSessionConnected {
		t.Errorf("repeated connect should re-announce connection, got %s", e.Type)
	}
}

func TestTransientCloseReconnects(t *testing.T) {
	ctx := context.Background()
	m, st, dialer := newTestManager()
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	first := dialer.Last("op")
	first.Emit(whatsapp.ClosedEvent{Reason: "stream replaced"})

	testutil.WaitFor(t, "reconnect", func() bool { return dialer.DialCount("op") == 2 && m.IsConnected("op") })
	testutil.WaitFor(t, "old handle close", first.Closed)
	if second := dialer.Last("op"); second.Restored != nil {
		t.Error("reconnect should reuse the working area, not restore stored credentials")
	}
	if sessionState(t, st, "op") != models.SessionConnected {
		t.Errorf("state = %s, want CONNECTED", sessionState(t, st, "op"))
	}

	// Late events from the replaced handle are ignored.
	first.Emit(whatsapp.ClosedEvent{LoggedOut: true})
	if !m.IsConnected("op") {
		t.Error("event from superseded handle tore down the live session")
	}
}

func TestLogoutCloseIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, st, dialer := newTestManager()
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe("op")
	defer sub.Cancel()
	dialer.Last("op").Emit(whatsapp.ClosedEvent{LoggedOut: true, Reason: "logged out"})

	e := nextEvent(t, sub)
	if e.Type != events.TypeSessionDisconnected || e.Reason != events.ReasonLogout {
		t.Fatalf("unexpected event: %+v", e)
	}
	sess, _ := st.GetSession(ctx, "op")
	if sess.State != models.SessionDisconnected || sess.HasCredentials() {
		t.Errorf("unexpected session after logout: %+v", sess)
	}
	if purged := dialer.Purged(); len(purged) != 1 || purged[0] != "op" {
		t.Errorf("Purged = %v", purged)
	}
	time.Sleep(50 * time.Millisecond)
	if dialer.DialCount("op") != 1 {
		t.Error("logout must never trigger a reconnect")
	}
	if m.GetHandle("op") != nil {
		t.Error("handle should be gone after logout")
	}
}

func TestDisconnectSwallowsLogoutFailure(t *testing.T) {
	ctx := context.Background()
	m, st, dialer := newTestManager()
	dialer.OnDial = func(h *whatsapp.MockHandle) { h.LogoutErr = errors.New("socket gone") }
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	h := dialer.Last("op")
	if err := m.Disconnect(ctx, "op"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if !h.LoggedOut() || !h.Closed() {
		t.Error("handle should be logged out and closed")
	}
	sess, _ := st.GetSession(ctx, "op")
	if sess.State != models.SessionDisconnected || sess.HasCredentials() {
		t.Errorf("unexpected session: %+v", sess)
	}
	if m.IsConnected("op") {
		t.Error("session still connected after Disconnect")
	}
}

func TestIdleEvictionKeepsCredentials(t *testing.T) {
	ctx := context.Background()
	m, st, dialer := newTestManager(WithIdleTimeout(30 * time.Millisecond))
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	h := dialer.Last("op")
	testutil.WaitFor(t, "idle eviction", func() bool { return m.GetHandle("op") == nil })
	if !h.Closed() {
		t.Error("evicted handle should be closed")
	}
	sess, _ := st.GetSession(ctx, "op")
	if sess.State != models.SessionDisconnected || !sess.HasCredentials() {
		t.Errorf("unexpected session after eviction: %+v", sess)
	}
}

func TestResetIdleTimerDefersEviction(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(WithIdleTimeout(60 * time.Millisecond))
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		m.ResetIdleTimer("op")
	}
	if !m.IsConnected("op") {
		t.Fatal("session evicted despite activity")
	}
	testutil.WaitFor(t, "eviction after activity stops", func() bool { return !m.IsConnected("op") })
}

func TestConnectRestoresStoredCredentials(t *testing.T) {
	ctx := context.Background()
	m, st, dialer := newTestManager()
	sealed, err := vault.New(testSecret).Encrypt([]byte("saved-image"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSessionCredentials(ctx, "op", sealed); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSessionCredentials(ctx, "broken", "garbage"); err != nil {
		t.Fatal(err)
	}

	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	if got := string(dialer.Last("op").Restored); got != "saved-image" {
		t.Errorf("Restored = %q, want saved-image", got)
	}

	if err := m.Connect(ctx, "broken"); err != nil {
		t.Fatalf("corrupt credentials must not fail Connect: %v", err)
	}
	if dialer.Last("broken").Restored != nil {
		t.Error("corrupt credentials should not be restored")
	}
	if !m.IsConnected("broken") {
		t.Error("session should proceed without restored credentials")
	}
}

func TestConnectDialFailure(t *testing.T) {
	ctx := context.Background()
	m, st, dialer := newTestManager()
	dialer.DialErr = errors.New("disk full")
	if err := m.Connect(ctx, "op"); err == nil {
		t.Fatal("expected error")
	}
	if sessionState(t, st, "op") != models.SessionDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", sessionState(t, st, "op"))
	}
	dialer.DialErr = nil
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if !m.IsConnected("op") {
		t.Error("expected recovery on retry")
	}
}

type receiptRecorder struct {
	mu  sync.Mutex
	got []whatsapp.ReceiptEvent
}

func (r *receiptRecorder) HandleReceipt(ctx context.Context, owner string, ev whatsapp.ReceiptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
}

func TestReceiptsAreForwarded(t *testing.T) {
	rec := &receiptRecorder{}
	m, _, dialer := newTestManager(WithReceiptHandler(rec))
	if err := m.Connect(context.Background(), "op"); err != nil {
		t.Fatal(err)
	}
	dialer.Last("op").Emit(whatsapp.ReceiptEvent{MessageIDs: []string{"3EB0X"}, Code: whatsapp.AckRead})
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.got) != 1 || rec.got[0].MessageIDs[0] != "3EB0X" {
		t.Errorf("receipts = %+v", rec.got)
	}
}

func TestOwnersAreIndependent(t *testing.T) {
	ctx := context.Background()
	m, _, dialer := newTestManager()
	for _, owner := range []string{"a", "b"} {
		if err := m.Connect(ctx, owner); err != nil {
			t.Fatal(err)
		}
	}
	dialer.Last("a").Emit(whatsapp.ClosedEvent{LoggedOut: true})
	if m.IsConnected("a") || !m.IsConnected("b") {
		t.Errorf("connected: a=%v b=%v", m.IsConnected("a"), m.IsConnected("b"))
	}
}

func TestShutdownClosesHandles(t *testing.T) {
	ctx := context.Background()
	m, st, dialer := newTestManager()
	if err := m.Connect(ctx, "op"); err != nil {
		t.Fatal(err)
	}
	m.Shutdown(ctx)
	if !dialer.Last("op").Closed() {
		t.Error("handle not closed")
	}
	sess, _ := st.GetSession(ctx, "op")
	if sess.State != models.SessionDisconnected || !sess.HasCredentials() {
		t.Errorf("unexpected session after shutdown: %+v", sess)
	}
}

func TestGetStatusUnknownOwner(t *testing.T) {
	m, _, _ := newTestManager()
	status, err := m.GetStatus(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if status.State != models.SessionDisconnected || status.Live {
		t.Errorf("unexpected status: %+v", status)
	}
}
