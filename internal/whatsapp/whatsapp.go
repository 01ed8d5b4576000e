// Package whatsapp wraps the Whatsmeow client for per-operator WhatsApp sessions in BulkPipe.
//
// A Dialer opens one Handle per operator. Handles report pairing codes, connection
// changes, credential rotation and delivery receipts through a single event callback.
package whatsapp

import (
	"context"
	"errors"
	"strings"
	"time"
)

// JIDSuffix is the WhatsApp JID suffix for regular users
const JIDSuffix = "s.whatsapp.net"

// ErrInvalidAddress is returned when a destination has no usable digits.
var ErrInvalidAddress = errors.New("invalid destination address")

// AckCode is the numeric receipt level reported by the transport.
type AckCode int

const (
	AckServer    AckCode = 2
	AckDelivered AckCode = 3
	AckRead      AckCode = 4
	AckPlayed    AckCode = 5
)

// Event is emitted by a Handle. The concrete types below are the only implementations.
type Event interface {
	eventName() string
}

// QREvent carries a pairing code to be shown to the operator.
type QREvent struct {
	Code string
}

// ConnectedEvent reports an authenticated connection.
type ConnectedEvent struct {
	AccountID string
}

// CredentialsUpdatedEvent reports that the device keys changed and should be persisted.
type CredentialsUpdatedEvent struct{}

// ClosedEvent reports that the connection is gone. LoggedOut is set when the
// account unlinked this device; such closes must not be retried.
type ClosedEvent struct {
	LoggedOut bool
	Reason    string
}

// ReceiptEvent reports a delivery or read acknowledgement for sent messages.
type ReceiptEvent struct {
	MessageIDs []string
	Code       AckCode
	From       string
	Timestamp  time.Time
}

func (QREvent) eventName() string                 { return "qr" }
func (ConnectedEvent) eventName() string          { return "connected" }
func (CredentialsUpdatedEvent) eventName() string { return "credentials" }
func (ClosedEvent) eventName() string             { return "closed" }
func (ReceiptEvent) eventName() string            { return "receipt" }

// EventName returns a short name for logging.
func EventName(e Event) string {
	if e == nil {
		return "nil"
	}
	return e.eventName()
}

// SendResult is what the transport reports for an accepted message.
type SendResult struct {
	ID        string
	Timestamp time.Time
}

// Handle is one live transport connection owned by a session registry.
type Handle interface {
	// Connect opens the connection. Unpaired handles emit QREvents until linked.
	Connect(ctx context.Context) error
	// AccountID is the linked account's user part, or "" while unauthenticated.
	AccountID() string
	SendText(ctx context.Context, to, body string) (SendResult, error)
	SubscribePresence(ctx context.Context, to string) error
	// SendTyping shows ("composing") or clears ("paused") the typing indicator.
	SendTyping(ctx context.Context, to string, composing bool) error
	// Credentials snapshots the session's key material.
	Credentials(ctx context.Context) ([]byte, error)
	Logout(ctx context.Context) error
	Close()
}

// Dialer creates handles. creds, when non-nil, replaces the working session
// material before the handle is opened; nil reuses whatever the working area holds.
type Dialer interface {
	Dial(ctx context.Context, owner string, creds []byte, onEvent func(Event)) (Handle, error)
	// Purge deletes the owner's working session material.
	Purge(owner string) error
}

// ToJID formats a phone number into a user JID string, e.g. "+52 1 555-000" -> "52155500@s.whatsapp.net".
// Values that already contain a server part are returned unchanged.
func ToJID(address string) (string, error) {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "@") {
		return address, nil
	}
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalidAddress
	}
	return b.String() + "@" + JIDSuffix, nil
}
