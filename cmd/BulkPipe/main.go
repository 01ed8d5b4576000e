package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/BulkPipe/internal/api"
	"github.com/BTreeMap/BulkPipe/internal/delivery"
	"github.com/BTreeMap/BulkPipe/internal/events"
	"github.com/BTreeMap/BulkPipe/internal/lockfile"
	"github.com/BTreeMap/BulkPipe/internal/queue"
	"github.com/BTreeMap/BulkPipe/internal/recovery"
	"github.com/BTreeMap/BulkPipe/internal/scheduler"
	"github.com/BTreeMap/BulkPipe/internal/session"
	"github.com/BTreeMap/BulkPipe/internal/store"
	"github.com/BTreeMap/BulkPipe/internal/util"
	"github.com/BTreeMap/BulkPipe/internal/vault"
	"github.com/BTreeMap/BulkPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for BulkPipe state data
	DefaultStateDir = "/var/lib/bulkpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "bulkpipe.db"
	// DefaultLogLevel is used when LOG_LEVEL is unset or invalid
	DefaultLogLevel = "DEBUG"
	// ShutdownTimeout bounds the final credential flush
	ShutdownTimeout = 15 * time.Second
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(os.Stdout, config.LogLevel)

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping BulkPipe", "state_dir", flags.StateDir, "api_addr", flags.APIAddr, "dsn_type", store.DetectDSNType(flags.DSN))
	if err := run(ctx, flags); err != nil {
		slog.Error("BulkPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("BulkPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DSN               string
	APIAddr           string
	ServiceSecret     string
	EncryptionKey     string
	IdleTimeout       time.Duration
	ReconnectDelay    time.Duration
	RestoreSessions   bool
	EventWebhookURL   string
	AMQPURL           string
	AMQPExchange      string
	WhatsmeowLogLevel string
	LogLevel          string
	QuotaResetSpec    string
}

// Flags holds the final configuration after command line overrides.
type Flags struct {
	Config
	QRTerminal bool
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("BULKPIPE_STATE_DIR"),
		DSN:               os.Getenv("DATABASE_DSN"),
		APIAddr:           os.Getenv("API_ADDR"),
		ServiceSecret:     os.Getenv("WA_SERVICE_SECRET"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		IdleTimeout:       util.ParseDurationEnv("IDLE_TIMEOUT", session.DefaultIdleTimeout),
		ReconnectDelay:    util.ParseDurationEnv("RECONNECT_DELAY", session.DefaultReconnectDelay),
		RestoreSessions:   util.ParseBoolEnv("RESTORE_SESSIONS", false),
		EventWebhookURL:   os.Getenv("EVENT_WEBHOOK_URL"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		AMQPExchange:      os.Getenv("AMQP_EXCHANGE"),
		WhatsmeowLogLevel: os.Getenv("WHATSMEOW_LOG_LEVEL"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		QuotaResetSpec:    os.Getenv("QUOTA_RESET_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BULKPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DSN == "" {
		config.DSN = os.Getenv("DATABASE_URL")
	}
	if config.DSN == "" {
		config.DSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DSN)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultServerAddress
	}
	if config.AMQPExchange == "" {
		config.AMQPExchange = events.DefaultExchange
	}
	if config.WhatsmeowLogLevel == "" {
		config.WhatsmeowLogLevel = whatsapp.DefaultLogLevel
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.QuotaResetSpec == "" {
		config.QuotaResetSpec = scheduler.DefaultQuotaResetSpec
	}

	slog.Debug("environment variables loaded",
		"BULKPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DSN != "",
		"API_ADDR", config.APIAddr,
		"WA_SERVICE_SECRET_SET", config.ServiceSecret != "",
		"ENCRYPTION_KEY_SET", config.EncryptionKey != "",
		"IDLE_TIMEOUT", config.IdleTimeout,
		"RECONNECT_DELAY", config.ReconnectDelay,
		"RESTORE_SESSIONS", config.RestoreSessions,
		"EVENT_WEBHOOK_URL_SET", config.EventWebhookURL != "",
		"AMQP_URL_SET", config.AMQPURL != "",
		"AMQP_EXCHANGE", config.AMQPExchange,
		"QUOTA_RESET_SCHEDULE", config.QuotaResetSpec)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("bulkpipe", flag.ContinueOnError)
	f := Flags{Config: config}

	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for BulkPipe data (overrides $BULKPIPE_STATE_DIR)")
	fs.StringVar(&f.DSN, "db-dsn", config.DSN, "postgres DSN, sqlite path or 'memory' (overrides $DATABASE_DSN or $DATABASE_URL)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.DurationVar(&f.IdleTimeout, "idle-timeout", config.IdleTimeout, "close sessions idle this long, 0 disables (overrides $IDLE_TIMEOUT)")
	fs.DurationVar(&f.ReconnectDelay, "reconnect-delay", config.ReconnectDelay, "delay before reconnecting a dropped session (overrides $RECONNECT_DELAY)")
	fs.BoolVar(&f.RestoreSessions, "restore-sessions", config.RestoreSessions, "reconnect sessions with stored credentials at startup (overrides $RESTORE_SESSIONS)")
	fs.StringVar(&f.EventWebhookURL, "event-webhook-url", config.EventWebhookURL, "URL receiving lifecycle events (overrides $EVENT_WEBHOOK_URL)")
	fs.StringVar(&f.AMQPURL, "amqp-url", config.AMQPURL, "AMQP broker receiving lifecycle events (overrides $AMQP_URL)")
	fs.StringVar(&f.AMQPExchange, "amqp-exchange", config.AMQPExchange, "AMQP topic exchange (overrides $AMQP_EXCHANGE)")
	fs.StringVar(&f.QuotaResetSpec, "quota-reset-schedule", config.QuotaResetSpec, "cron expression resuming quota-paused campaigns, 'off' disables (overrides $QUOTA_RESET_SCHEDULE)")
	fs.BoolVar(&f.QRTerminal, "qr-terminal", false, "print pairing QR codes to the terminal")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// A DSN defaulted from the env state dir follows a state dir given on the command line.
	if f.DSN == config.DSN && config.DSN == filepath.Join(config.StateDir, DefaultDBFileName) && f.StateDir != config.StateDir {
		f.DSN = filepath.Join(f.StateDir, DefaultDBFileName)
		slog.Debug("Updated DSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", f.StateDir)
	}

	slog.Debug("flags parsed",
		"state_dir", f.StateDir,
		"dsn_type", store.DetectDSNType(f.DSN),
		"api_addr", f.APIAddr,
		"idle_timeout", f.IdleTimeout,
		"restore_sessions", f.RestoreSessions,
		"qr_terminal", f.QRTerminal)
	return f, nil
}

// validateConfig rejects settings the service cannot start with.
func validateConfig(f Flags) error {
	if f.ServiceSecret == "" {
		return errors.New("WA_SERVICE_SECRET must be set")
	}
	if f.EncryptionKey != "" && len(f.EncryptionKey) < vault.KeyLength {
		return vault.ErrSecretTooShort
	}
	if f.RestoreSessions && f.EncryptionKey == "" {
		return errors.New("RESTORE_SESSIONS requires ENCRYPTION_KEY")
	}
	return nil
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the database's directory
func ensureDirectoriesExist(f Flags) error {
	if err := os.MkdirAll(f.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", f.StateDir, err)
	}
	if store.DetectDSNType(f.DSN) == "sqlite3" {
		dir := filepath.Dir(strings.TrimPrefix(f.DSN, "file:"))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildSessionOptions constructs session registry options
func buildSessionOptions(f Flags, bus *events.Bus, receipts session.ReceiptHandler) []session.Option {
	opts := []session.Option{
		session.WithIdleTimeout(f.IdleTimeout),
		session.WithReconnectDelay(f.ReconnectDelay),
		session.WithBus(bus),
		session.WithReceiptHandler(receipts),
	}
	if f.EncryptionKey != "" {
		opts = append(opts, session.WithSealer(vault.New(f.EncryptionKey)))
	} else {
		slog.Warn("No ENCRYPTION_KEY set, session credentials will not be persisted")
	}
	return opts
}

// buildSinks constructs the configured event sinks
func buildSinks(f Flags, out io.Writer) ([]events.Sink, error) {
	var sinks []events.Sink
	if f.EventWebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(f.EventWebhookURL, f.ServiceSecret, events.DefaultWebhookTimeout))
	}
	if f.AMQPURL != "" {
		sink, err := events.NewAMQPSink(f.AMQPURL, f.AMQPExchange)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if f.QRTerminal {
		sinks = append(sinks, events.NewTerminalQRSink(out))
	}
	return sinks, nil
}

func closeSinks(sinks []events.Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			slog.Warn("closeSinks: failed to close sink", "error", err)
		}
	}
}

// buildScheduler registers the housekeeping jobs. It returns nil when every job is disabled.
func buildScheduler(f Flags, q *queue.Queue) (*scheduler.Scheduler, error) {
	if f.QuotaResetSpec == "" || strings.EqualFold(f.QuotaResetSpec, "off") {
		slog.Info("Quota rollover job disabled, quota-paused campaigns must be resumed manually")
		return nil, nil
	}
	s := scheduler.NewScheduler()
	err := s.AddJob("quota-reset", f.QuotaResetSpec, func() {
		q.ResumeQuotaPaused(context.Background())
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// run wires the components and serves until ctx is cancelled.
func run(ctx context.Context, f Flags) error {
	if err := validateConfig(f); err != nil {
		return err
	}
	if err := ensureDirectoriesExist(f); err != nil {
		return err
	}

	lock, err := lockfile.Acquire(f.StateDir, f.APIAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(f.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	dialer, err := whatsapp.NewWhatsmeowDialer(
		whatsapp.WithStateDir(f.StateDir),
		whatsapp.WithLogLevel(f.WhatsmeowLogLevel),
	)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	interceptor := delivery.NewInterceptor(st, bus)
	sessions := session.NewManager(st, dialer, buildSessionOptions(f, bus, interceptor)...)
	sendQueue := queue.NewQueue(st, sessions, queue.WithBus(bus))

	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable(recovery.CampaignReconciler{})
	rm.RegisterRecoverable(recovery.SessionReconciler{})
	if f.RestoreSessions {
		rm.RegisterRecoverable(recovery.SessionRestorer{Connector: sessions})
	}
	if err := rm.RecoverAll(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	sched, err := buildScheduler(f, sendQueue)
	if err != nil {
		return err
	}
	if sched != nil {
		sched.Start()
	}

	sinks, err := buildSinks(f, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to set up event sinks: %w", err)
	}
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, sink := range sinks {
		wg.Add(1)
		go func(s events.Sink) {
			defer wg.Done()
			events.Forward(sinkCtx, bus.Subscribe(""), s)
		}(sink)
	}

	server := api.NewServer(st, sessions, sendQueue, api.WithAddr(f.APIAddr), api.WithSecret(f.ServiceSecret))
	runErr := server.Run(ctx)

	slog.Info("Shutting down BulkPipe")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	sendQueue.Stop()
	sessions.Shutdown(shutdownCtx)
	cancel()
	stopSinks()
	wg.Wait()
	closeSinks(sinks)
	return runErr
}
