package whatsapp

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultStateDir is the default parent of the per-operator session databases
	DefaultStateDir = "/var/lib/bulkpipe"
	// SessionsDirName is the subdirectory holding one whatsmeow database per operator
	SessionsDirName = "sessions"
	// DefaultLogLevel is the whatsmeow log level
	DefaultLogLevel = "WARN"
)

var safeOwner = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Opts holds configuration options for the whatsmeow dialer.
type Opts struct {
	StateDir string // directory under which per-operator session databases live
	LogLevel string // whatsmeow log level (DEBUG, INFO, WARN, ERROR)
}

// Option defines a configuration option for the whatsmeow dialer.
type Option func(*Opts)

// WithStateDir sets the state directory for session databases.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// WithLogLevel sets the whatsmeow log level.
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = level
	}
}

// WhatsmeowDialer opens whatsmeow clients, each backed by its own SQLite working database.
type WhatsmeowDialer struct {
	dir      string
	logLevel string
}

// NewWhatsmeowDialer creates a dialer, applying any provided options for customization.
func NewWhatsmeowDialer(opts ...Option) (*WhatsmeowDialer, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	dir := filepath.Join(cfg.StateDir, SessionsDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory %s: %w", dir, err)
	}
	slog.Debug("WhatsmeowDialer created", "dir", dir, "log_level", cfg.LogLevel)
	return &WhatsmeowDialer{dir: dir, logLevel: cfg.LogLevel}, nil
}

func (d *WhatsmeowDialer) workingPath(owner string) string {
	name := owner
	if !safeOwner.MatchString(owner) {
		name = "x" + hex.EncodeToString([]byte(owner))
	}
	return filepath.Join(d.dir, name+".db")
}

// Dial opens the owner's working database, restoring creds into it first when given.
func (d *WhatsmeowDialer) Dial(ctx context.Context, owner string, creds []byte, onEvent func(Event)) (Handle, error) {
	path := d.workingPath(owner)
	if creds != nil {
		if err := d.Purge(owner); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, creds, 0600); err != nil {
			return nil, fmt.Errorf("failed to restore session material for %s: %w", owner, err)
		}
		slog.Debug("WhatsmeowDialer.Dial: restored session material", "owner", owner, "bytes", len(creds))
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Stdout("Database", d.logLevel, true))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		slog.Error("WhatsmeowDialer.Dial: failed to upgrade session database", "owner", owner, "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLog.Stdout("Client/"+owner, d.logLevel, true))
	// Reconnection is driven by the session registry.
	cli.EnableAutoReconnect = false

	hctx, cancel := context.WithCancel(context.Background())
	h := &whatsmeowHandle{owner: owner, cli: cli, db: db, onEvent: onEvent, ctx: hctx, cancel: cancel}
	cli.AddEventHandler(h.handleEvent)
	slog.Debug("WhatsmeowDialer.Dial: client created", "owner", owner, "paired", device.ID != nil)
	return h, nil
}

// Purge removes the owner's working database files.
func (d *WhatsmeowDialer) Purge(owner string) error {
	path := d.workingPath(owner)
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

type whatsmeowHandle struct {
	owner   string
	cli     *whatsmeow.Client
	db      *sql.DB
	onEvent func(Event)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (h *whatsmeowHandle) emit(e Event) {
	if h.onEvent != nil {
		h.onEvent(e)
	}
}

func (h *whatsmeowHandle) Connect(ctx context.Context) error {
	if h.cli.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow", "owner", h.owner)
		qrChan, err := h.cli.GetQRChannel(h.ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		if err := h.cli.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "owner", h.owner, "error", err)
			return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		go h.pumpQR(qrChan)
		return nil
	}
	slog.Debug("WhatsApp already paired, connecting to server", "owner", h.owner)
	if err := h.cli.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp server", "owner", h.owner, "error", err)
		return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	return nil
}

func (h *whatsmeowHandle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			slog.Debug("WhatsApp login event code received", "owner", h.owner)
			h.emit(QREvent{Code: item.Code})
		case "success":
			slog.Info("WhatsApp pairing succeeded", "owner", h.owner)
		default:
			slog.Warn("WhatsApp login ended without pairing", "owner", h.owner, "event", item.Event)
			h.emit(ClosedEvent{Reason: "pairing " + item.Event})
		}
	}
}

func (h *whatsmeowHandle) handleEvent(evt interface{}) {
	if e, ok := translateEvent(evt, h.storeUser); ok {
		h.emit(e)
	}
}

func (h *whatsmeowHandle) storeUser() string {
	if h.cli.Store == nil || h.cli.Store.ID == nil {
		return ""
	}
	return h.cli.Store.ID.User
}

// translateEvent maps a whatsmeow event to a transport Event.
func translateEvent(evt interface{}, accountID func() string) (Event, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return ConnectedEvent{AccountID: accountID()}, true
	case *events.PairSuccess:
		return CredentialsUpdatedEvent{}, true
	case *events.LoggedOut:
		return ClosedEvent{LoggedOut: true, Reason: fmt.Sprint("logged out: ", v.Reason)}, true
	case *events.ConnectFailure:
		return ClosedEvent{LoggedOut: v.Reason.IsLoggedOut(), Reason: fmt.Sprint("connect failure: ", v.Reason)}, true
	case *events.StreamReplaced:
		return ClosedEvent{Reason: "stream replaced"}, true
	case *events.Disconnected:
		return ClosedEvent{Reason: "disconnected"}, true
	case *events.Receipt:
		code, ok := ackCode(v.Type)
		if !ok {
			return nil, false
		}
		ids := make([]string, len(v.MessageIDs))
		for i, id := range v.MessageIDs {
			ids[i] = string(id)
		}
		return ReceiptEvent{MessageIDs: ids, Code: code, From: v.Sender.User, Timestamp: v.Timestamp}, true
	default:
		return nil, false
	}
}

func ackCode(t events.ReceiptType) (AckCode, bool) {
	switch t {
	case events.ReceiptTypeDelivered:
		return AckDelivered, true
	case events.ReceiptTypeRead:
		return AckRead, true
	case events.ReceiptTypePlayed:
		return AckPlayed, true
	default:
		return 0, false
	}
}

func (h *whatsmeowHandle) AccountID() string {
	if !h.cli.IsLoggedIn() {
		return ""
	}
	return h.storeUser()
}

func (h *whatsmeowHandle) SendText(ctx context.Context, to, body string) (SendResult, error) {
	if body == "" {
		return SendResult{}, fmt.Errorf("message body cannot be empty")
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return SendResult{}, fmt.Errorf("invalid recipient %s: %w", to, err)
	}
	resp, err := h.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "owner", h.owner, "error", err, "to", to)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return SendResult{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (h *whatsmeowHandle) SubscribePresence(ctx context.Context, to string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return err
	}
	return h.cli.SubscribePresence(ctx, jid)
}

func (h *whatsmeowHandle) SendTyping(ctx context.Context, to string, composing bool) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if composing {
		state = types.ChatPresenceComposing
	}
	return h.cli.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// Credentials serializes the working database into a single in-memory image.
func (h *whatsmeowHandle) Credentials(ctx context.Context) ([]byte, error) {
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get session database connection: %w", err)
	}
	defer conn.Close()
	var image []byte
	err = conn.Raw(func(dc interface{}) error {
		sc, ok := dc.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dc)
		}
		b, err := sc.Serialize("main")
		image = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session database: %w", err)
	}
	return image, nil
}

func (h *whatsmeowHandle) Logout(ctx context.Context) error {
	if h.cli.Store.ID == nil {
		return nil
	}
	return h.cli.Logout(ctx)
}

func (h *whatsmeowHandle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.cli.Disconnect()
		if err := h.db.Close(); err != nil {
			slog.Warn("whatsmeowHandle.Close: failed to close session database", "owner", h.owner, "error", err)
		}
		slog.Debug("whatsmeowHandle.Close: closed", "owner", h.owner)
	})
}

var (
	_ Dialer = (*WhatsmeowDialer)(nil)
	_ Handle = (*whatsmeowHandle)(nil)
)
