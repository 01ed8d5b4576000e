// Package store provides storage backends for BulkPipe.
//
// It persists operator sessions, campaigns, messages and pacing settings, with
// SQLite, PostgreSQL and in-memory implementations of the same Store interface.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DefaultListLimit bounds campaign listings when the caller gives no limit.
const DefaultListLimit = 50

// SessionRepo persists operator sessions.
type SessionRepo interface {
	GetSession(ctx context.Context, ownerID string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	// UpsertSessionState creates the session if needed and records its state.
	// An empty linkedAccount keeps the stored value. last_used_at is refreshed.
	UpsertSessionState(ctx context.Context, ownerID string, state models.SessionState, linkedAccount string) error
	SaveSessionCredentials(ctx context.Context, ownerID string, encrypted string) error
	ClearSessionCredentials(ctx context.Context, ownerID string) error
	// ResetSessionStates forces every session that is not DISCONNECTED to DISCONNECTED.
	ResetSessionStates(ctx context.Context) (int64, error)
}

// CampaignRepo persists campaigns.
type CampaignRepo interface {
	// CreateCampaign inserts the campaign and all of its messages in one transaction.
	CreateCampaign(ctx context.Context, c *models.Campaign, msgs []models.Message) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, ownerID string, limit int) ([]models.Campaign, error)
	ListCampaignsByState(ctx context.Context, states ...models.CampaignState) ([]models.Campaign, error)
	// TransitionCampaign moves the campaign to `to` only if its current state is one of `from`.
	// It reports whether the transition was applied.
	TransitionCampaign(ctx context.Context, id string, from []models.CampaignState, to models.CampaignState) (bool, error)
	IncrementCampaignCounter(ctx context.Context, id string, counter models.CampaignCounter) error
}

// MessageRepo persists campaign messages. Every Mark/Advance call is a
// conditional update that reports whether it was applied.
type MessageRepo interface {
	ListMessages(ctx context.Context, campaignID string) ([]models.Message, error)
	ListPendingMessages(ctx context.Context, campaignID string) ([]models.Message, error)
	GetMessageByProviderID(ctx context.Context, providerID string) (*models.Message, error)
	// MarkMessageSending moves PENDING to SENDING.
	MarkMessageSending(ctx context.Context, id string) (bool, error)
	// MarkMessageSent moves SENDING to SENT and records the provider id and send time.
	MarkMessageSent(ctx context.Context, id, providerID string, at time.Time) (bool, error)
	// MarkMessageFailed moves PENDING or SENDING to FAILED.
	MarkMessageFailed(ctx context.Context, id, detail string) (bool, error)
	// AdvanceMessageReceipt moves a sent message forward to DELIVERED or READ
	// if it is currently at an earlier point of the SENT path.
	AdvanceMessageReceipt(ctx context.Context, id string, to models.MessageState, at time.Time) (bool, error)
	// FailOpenMessages fails every PENDING or SENDING message of a campaign and
	// adds them to its failed_count.
	FailOpenMessages(ctx context.Context, campaignID, detail string) (int64, error)
	// FailStaleSendingMessages fails every SENDING message across all campaigns.
	FailStaleSendingMessages(ctx context.Context, detail string) (int64, error)
	// CountSentSince counts the owner's messages whose sent_at is at or after since.
	CountSentSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// SettingsRepo persists raw key/value settings.
type SettingsRepo interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	PutSettings(ctx context.Context, values map[string]string) error
}

// Store is the full persistence surface used by BulkPipe.
type Store interface {
	SessionRepo
	CampaignRepo
	MessageRepo
	SettingsRepo
	// Stats aggregates dispatch figures; sentSince is the start of "today".
	Stats(ctx context.Context, sentSince time.Time) (models.Stats, error)
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres", "memory" or "sqlite3" for a connection string.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "" || trimmed == "memory" || trimmed == ":memory:":
		return "memory"
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"),
		strings.Contains(trimmed, "host="), strings.Contains(trimmed, "dbname="):
		return "postgres"
	default:
		return "sqlite3"
	}
}

// Open returns the Store implementation matching the DSN type.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// TruncateDetail bounds an error string to models.MaxErrorDetailLength runes.
func TruncateDetail(detail string) string {
	r := []rune(detail)
	if len(r) <= models.MaxErrorDetailLength {
		return detail
	}
	return string(r[:models.MaxErrorDetailLength])
}
