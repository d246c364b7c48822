package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/BTreeMap/OutreachPipe/internal/activity"
	"github.com/BTreeMap/OutreachPipe/internal/api"
	"github.com/BTreeMap/OutreachPipe/internal/email"
	"github.com/BTreeMap/OutreachPipe/internal/gate"
	"github.com/BTreeMap/OutreachPipe/internal/lockfile"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/outreach"
	"github.com/BTreeMap/OutreachPipe/internal/scheduler"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/BTreeMap/OutreachPipe/internal/whatsapp"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OutreachPipe state data
	DefaultStateDir = "/var/lib/outreachpipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "outreachpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// shutdownTimeout bounds the HTTP drain on exit.
	shutdownTimeout = 10 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	if err := validateConfig(config); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping OutreachPipe", "state_dir", config.StateDir, "api_addr", config.APIAddr,
		"cron", config.Cron, "timezone", config.Timezone, "whatsmeow", config.WhatsmeowEnabled)
	if err := run(ctx, config); err != nil {
		slog.Error("OutreachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OutreachPipe exited successfully")
}

// Config holds the resolved configuration: environment first, then flags.
type Config struct {
	StateDir    string        `validate:"required"`
	DatabaseDSN string        `validate:"required"`
	APIAddr     string        `validate:"required"`
	Cron        string        `validate:"required"`
	Timezone    string        `validate:"required,timezone"`
	BatchLimit  int           `validate:"gte=0"`
	StaleAfter  time.Duration `validate:"gt=0"`
	PhoneRegion string        `validate:"len=2,uppercase"`
	SendRate    float64       `validate:"gte=0"`

	SMTPHost      string
	SMTPPort      int `validate:"omitempty,min=1,max=65535"`
	SMTPUsername  string
	SMTPPassword  string
	SMTPFromEmail string `validate:"omitempty,email"`
	SMTPFromName  string

	WhatsmeowEnabled bool
	WhatsAppDSN      string `validate:"required_if=WhatsmeowEnabled true"`
	QROutput         string
	NumericCode      bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StateDir:    util.GetEnv("OUTREACH_STATE_DIR", DefaultStateDir),
		DatabaseDSN: util.GetEnv("DATABASE_URL", ""),
		APIAddr:     util.GetEnv("API_ADDR", api.DefaultAddr),
		Cron:        util.GetEnv("OUTREACH_CRON", scheduler.DefaultSpec),
		Timezone:    util.GetEnv("OUTREACH_TIMEZONE", outreach.DefaultTimezone),
		BatchLimit:  util.ParseIntEnv("OUTREACH_BATCH_LIMIT", outreach.DefaultBatchLimit),
		StaleAfter:  util.ParseDurationEnv("OUTREACH_STALE_AFTER", outreach.DefaultStaleAfter),
		PhoneRegion: util.GetEnv("OUTREACH_PHONE_REGION", messaging.DefaultRegion),
		SendRate:    util.ParseFloatEnv("OUTREACH_SEND_RATE", messaging.DefaultSendRate),

		SMTPHost:      util.GetEnv("SMTP_HOST", ""),
		SMTPPort:      util.ParseIntEnv("SMTP_PORT", 0),
		SMTPUsername:  util.GetEnv("SMTP_USERNAME", ""),
		SMTPPassword:  os.Getenv("SMTP_PASSWORD"),
		SMTPFromEmail: util.GetEnv("SMTP_FROM_EMAIL", ""),
		SMTPFromName:  util.GetEnv("SMTP_FROM_NAME", ""),

		WhatsmeowEnabled: util.ParseBoolEnv("WHATSMEOW_ENABLED", false),
		WhatsAppDSN:      util.GetEnv("WHATSAPP_DB_DSN", ""),
	}
	applyStateDirDefaults(&config)

	slog.Debug("environment variables loaded",
		"OUTREACH_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"API_ADDR", config.APIAddr,
		"OUTREACH_CRON", config.Cron,
		"OUTREACH_TIMEZONE", config.Timezone,
		"SMTP_HOST_SET", config.SMTPHost != "",
		"WHATSMEOW_ENABLED", config.WhatsmeowEnabled)
	return config
}

// applyStateDirDefaults places unset database paths inside the state directory.
func applyStateDirDefaults(config *Config) {
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL set, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// parseCommandLineFlags applies flags over the environment configuration.
func parseCommandLineFlags(args []string, config Config) (Config, error) {
	env := config
	fs := flag.NewFlagSet("OutreachPipe", flag.ContinueOnError)
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for OutreachPipe data (overrides $OUTREACH_STATE_DIR)")
	fs.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "Postgres DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.Cron, "cron", config.Cron, "outreach tick cadence (overrides $OUTREACH_CRON)")
	fs.StringVar(&config.Timezone, "timezone", config.Timezone, "zone for the cron cadence and default working hours (overrides $OUTREACH_TIMEZONE)")
	fs.BoolVar(&config.WhatsmeowEnabled, "whatsmeow", config.WhatsmeowEnabled, "enable the whatsmeow transport (overrides $WHATSMEOW_ENABLED)")
	fs.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "use numeric login code instead of QR code")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// Database paths derived from the old state directory follow a new one.
	if config.StateDir != env.StateDir {
		if config.DatabaseDSN == filepath.Join(env.StateDir, DefaultAppDBFileName) {
			config.DatabaseDSN = ""
		}
		if config.WhatsAppDSN == "file:"+filepath.Join(env.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			config.WhatsAppDSN = ""
		}
		applyStateDirDefaults(&config)
		slog.Debug("Updated database paths for state directory", "state_dir", config.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseDSN != "",
		"apiAddr", config.APIAddr,
		"cron", config.Cron,
		"whatsmeow", config.WhatsmeowEnabled,
		"qrOutput", config.QROutput,
		"numeric", config.NumericCode)
	return config, nil
}

// validateConfig checks the resolved configuration before anything is wired.
func validateConfig(config Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return errors.Join(msgs...)
		}
		return err
	}
	if config.SMTPHost != "" && config.SMTPFromEmail == "" {
		slog.Warn("SMTP host set without SMTP_FROM_EMAIL, welcome emails disabled")
	}
	return nil
}

// ensureDirectoriesExist creates the directory of a file-based database.
func ensureDirectoriesExist(config Config) error {
	if store.DetectDSNType(config.DatabaseDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(config.DatabaseDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(config.DatabaseDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseDSN)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseDSN)}
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
	}
	return waOpts
}

// buildEmailSender returns the SMTP sender when SMTP is configured, a no-op otherwise.
func buildEmailSender(config Config) (email.Sender, error) {
	smtp := email.SMTPConfig{
		Host:      config.SMTPHost,
		Port:      config.SMTPPort,
		Username:  config.SMTPUsername,
		Password:  config.SMTPPassword,
		FromEmail: config.SMTPFromEmail,
		FromName:  config.SMTPFromName,
	}
	if !smtp.Configured() {
		slog.Info("SMTP not configured, welcome emails disabled")
		return email.NoopSender{}, nil
	}
	return email.NewSMTPSender(smtp)
}

// run wires every component and blocks until ctx is cancelled or the API fails.
func run(ctx context.Context, config Config) error {
	if err := ensureDirectoriesExist(config); err != nil {
		return err
	}
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %s: %w", config.Timezone, err)
	}

	st, err := store.Open(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pool := twiliowhatsapp.NewPool()
	router := messaging.NewRouter()
	router.Register(models.TransportTwilio, messaging.NewTwilioDispatcher(pool, config.SendRate))

	if config.WhatsmeowEnabled {
		lock, err := lockfile.Acquire(config.StateDir, lockfile.SessionLockName, "whatsmeow session")
		if err != nil {
			return err
		}
		defer lock.Release()
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return fmt.Errorf("start whatsmeow: %w", err)
		}
		defer wa.Close()
		router.Register(models.TransportWhatsmeow, messaging.NewWhatsmeowDispatcher(wa))
	}

	sender, err := buildEmailSender(config)
	if err != nil {
		return err
	}
	welcome := email.NewTrigger(st, sender)
	defer welcome.Wait()

	processor := outreach.NewProcessor(st,
		gate.New(gate.NewProviderLookup(pool)),
		router,
		activity.NewLogger(st, st),
		outreach.WithWelcomeTrigger(welcome),
		outreach.WithTemplateSource(pool),
		outreach.WithLocation(loc),
		outreach.WithPhoneRegion(config.PhoneRegion),
	)
	sched := outreach.NewScheduler(st, processor,
		outreach.WithBatchLimit(config.BatchLimit),
		outreach.WithStaleAfter(config.StaleAfter),
	)

	if n, err := sched.RecoverStale(ctx); err != nil {
		slog.Error("Startup recovery failed", "error", err)
	} else {
		slog.Info("Startup recovery complete", "released", n)
	}

	cron := scheduler.NewScheduler(scheduler.WithLocation(loc))
	if err := cron.AddJob(config.Cron, func() { sched.Tick(ctx) }); err != nil {
		cron.Stop()
		return err
	}

	server := api.NewServer(config.APIAddr, sched, st, st)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		// Let a running tick finish before the store closes.
		cron.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
