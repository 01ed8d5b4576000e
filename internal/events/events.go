// Package events carries session, campaign and receipt notifications from the
// BulkPipe core to interested observers: SSE streams, webhooks and AMQP.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type identifies an event kind. It doubles as the AMQP routing key.
type Type string

const (
	TypeSessionConnecting   Type = "session.connecting"
	TypeSessionQR           Type = "session.qr"
	TypeSessionConnected    Type = "session.connected"
	TypeSessionDisconnected Type = "session.disconnected"
	TypeCampaignState       Type = "campaign.state"
	TypeMessageReceipt      Type = "message.receipt"
)

// Disconnect reasons carried by TypeSessionDisconnected events.
const (
	ReasonLogout = "logout"
	ReasonIdle   = "idle"
	ReasonManual = "manual"
	ReasonError  = "error"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 64

// Event is a single notification. Fields not relevant to the Type are left empty.
type Event struct {
	Type       Type      `json:"type"`
	OwnerID    string    `json:"owner_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	QRCode     string    `json:"qr_code,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Opts holds configuration options for the Bus.
type Opts struct {
	BufferSize int
}

// Option defines a configuration option for the Bus.
type Option func(*Opts)

// WithBufferSize sets the channel capacity of new subscriptions.
func WithBufferSize(n int) Option {
	return func(o *Opts) {
		o.BufferSize = n
	}
}

// Bus fans events out to subscriptions filtered by owner.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
}

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	cfg := Opts{BufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: cfg.BufferSize}
}

// Subscription receives events on C until Cancel is called.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	id    uint64
	owner string
	bus   *Bus
	once  sync.Once
}

// Subscribe registers an observer for owner's events; an empty owner receives every event.
func (b *Bus) Subscribe(owner string) *Subscription {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.nextID++
	s := &Subscription{C: ch, ch: ch, id: b.nextID, owner: owner, bus: b}
	b.subs[s.id] = s
	b.mu.Unlock()
	slog.Debug("Bus.Subscribe: subscription added", "owner", owner, "id", s.id)
	return s
}

// Cancel removes the subscription and closes C. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
		slog.Debug("Subscription.Cancel: subscription removed", "owner", s.owner, "id", s.id)
	})
}

// Publish delivers e to every matching subscription without blocking.
// A subscription whose buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.owner != "" && s.owner != e.OwnerID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			slog.Warn("Bus.Publish: subscriber buffer full, dropping event", "type", e.Type, "owner", e.OwnerID, "subscription", s.id)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Sink consumes events outside the process.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Forward pumps sub into sink until ctx is done or the subscription is cancelled.
// Sink failures are logged and do not stop forwarding.
func Forward(ctx context.Context, sub *Subscription, sink Sink) {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sink.Send(ctx, e); err != nil {
				slog.Warn("events.Forward: sink delivery failed", "type", e.Type, "owner", e.OwnerID, "sink", sinkName(sink), "error", err)
			}
		}
	}
}

func sinkName(s Sink) string {
	switch s.(type) {
	case *WebhookSink:
		return "webhook"
	case *AMQPSink:
		return "amqp"
	case *TerminalQRSink:
		return "terminal"
	default:
		return "custom"
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Discard{}
)
