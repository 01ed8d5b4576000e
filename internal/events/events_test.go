package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBusFiltersByOwner(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe("")
	alice := bus.Subscribe("alice")
	bob := bus.Subscribe("bob")
	defer all.Cancel()
	defer alice.Cancel()
	defer bob.Cancel()

	bus.Publish(Event{Type: TypeSessionQR, OwnerID: "alice", QRCode: "2@x"})

	if e := receive(t, all); e.OwnerID != "alice" || e.Time.IsZero() {
		t.Errorf("unexpected event on wildcard subscription: %+v", e)
	}
	if e := receive(t, alice); e.QRCode != "2@x" {
		t.Errorf("unexpected event for alice: %+v", e)
	}
	select {
	case e := <-bob.C:
		t.Errorf("bob received alice's event: %+v", e)
	default:
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	sub := bus.Subscribe("op")
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: TypeCampaignState, OwnerID: "op"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(sub.C) != 1 {
		t.Errorf("expected exactly one buffered event, got %d", len(sub.C))
	}
}

func TestSubscriptionCancel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("op")
	if bus.Len() != 1 {
		t.Fatalf("Len = %d, want 1", bus.Len())
	}
	sub.Cancel()
	sub.Cancel()
	if bus.Len() != 0 {
		t.Errorf("Len after cancel = %d, want 0", bus.Len())
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after Cancel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(Event{Type: TypeSessionConnected, OwnerID: "op"})
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Send(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestForwardKeepsGoingAfterSinkErrors(t *testing.T) {
	bus := NewBus()
	sink := &recordingSink{err: errors.New("unreachable")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub := bus.Subscribe("")
	go func() {
		Forward(ctx, sub, sink)
		close(done)
	}()

	bus.Publish(Event{Type: TypeCampaignState, OwnerID: "a"})
	bus.Publish(Event{Type: TypeMessageReceipt, OwnerID: "b"})

	deadline := time.Now().Add(time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 2 {
		t.Fatalf("sink received %d events, want 2", sink.count())
	}
	cancel()
	<-done
	if bus.Len() != 0 {
		t.Error("Forward should cancel its subscription on exit")
	}
}

func TestWebhookSink(t *testing.T) {
	var got Event
	var secret string
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		secret = r.Header.Get(SecretHeader)
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret", time.Second)
	e := Event{Type: TypeCampaignState, OwnerID: "op", CampaignID: "cmp_1", State: "COMPLETED", Time: time.Now()}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if secret != "s3cret" {
		t.Errorf("secret header = %q", secret)
	}
	if got.CampaignID != "cmp_1" || got.State != "COMPLETED" || got.Type != TypeCampaignState {
		t.Errorf("unexpected payload: %+v", got)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", time.Second)
	if err := sink.Send(context.Background(), Event{Type: TypeSessionConnected}); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestTerminalQRSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTerminalQRSink(&buf)
	if err := sink.Send(context.Background(), Event{Type: TypeSessionConnected, OwnerID: "op"}); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatal("non-QR events should not render")
	}
	if err := sink.Send(context.Background(), Event{Type: TypeSessionQR, OwnerID: "op", QRCode: "2@abc"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "operator op") {
		t.Errorf("missing header in output: %q", buf.String())
	}
}

func TestNewAMQPSinkInvalidURL(t *testing.T) {
	if _, err := NewAMQPSink("not a url", ""); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestAMQPSinkPublish(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set, skipping broker test")
	}
	sink, err := NewAMQPSink(url, "bulkpipe.events.test")
	if err != nil {
		t.Fatalf("NewAMQPSink failed: %v", err)
	}
	defer sink.Close()
	if err := sink.Send(context.Background(), Event{Type: TypeMessageReceipt, OwnerID: "op", Time: time.Now()}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}
