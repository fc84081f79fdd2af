package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/crm"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultWhatsmeowDBFileName is the linked-device session database filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
)

func main() {
	config, err := loadEnvironmentConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(flags.logLevel)

	if err := validateConfig(config, flags); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	var lock *lockfile.Lock
	if needsStateLock(flags) {
		lock, err = lockfile.AcquireLock(flags.stateDir)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
	}

	cloudOpts := buildCloudOptions(config)
	twilioOpts := buildTwilioOptions(config)
	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	crmOpts := buildCRMOptions(config)
	apiOpts := buildAPIOptions(config, flags)

	slog.Info("Bootstrapping LeadPipe", "provider", flags.provider, "addr", flags.apiAddr)
	slog.Debug("Final configuration",
		"state_dir", flags.stateDir,
		"dsn_set", flags.dbDSN != "",
		"airtable_configured", config.AirtableAPIKey != "" && config.AirtableBaseID != "",
		"session_idle_timeout", config.SessionIdleTimeout)
	if err := api.Run(cloudOpts, twilioOpts, waOpts, storeOpts, crmOpts, apiOpts); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	lock.Release()
	slog.Info("LeadPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	VerifyToken     string `env:"VERIFY_TOKEN"`
	WhatsAppToken   string `env:"WHATSAPP_TOKEN"`
	PhoneNumberID   string `env:"PHONE_NUMBER_ID"`
	GraphAPIVersion string `env:"GRAPH_API_VERSION" envDefault:"v19.0"`
	GraphAPIBaseURL string `env:"GRAPH_API_BASE_URL"`
	AppSecret       string `env:"APP_SECRET"`

	AirtableAPIKey string `env:"AIRTABLE_API_KEY"`
	AirtableBaseID string `env:"AIRTABLE_BASE_ID"`
	AirtableTable  string `env:"AIRTABLE_TABLE" envDefault:"Leads"`
	AirtableAPIURL string `env:"AIRTABLE_API_URL"`

	Port     string `env:"PORT" envDefault:"3000"`
	Provider string `env:"MESSAGING_PROVIDER" envDefault:"cloud"`

	TwilioAccountSID  string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber  string `env:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL  string `env:"TWILIO_WEBHOOK_URL"`
	TwilioValidateSig bool   `env:"TWILIO_VALIDATE_SIGNATURE"`

	DatabaseURL    string `env:"DATABASE_URL"`
	StateDir       string `env:"LEADPIPE_STATE_DIR" envDefault:"/var/lib/leadpipe"`
	WhatsmeowDBDSN string `env:"WHATSMEOW_DB_DSN"`

	SessionIdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"24h"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"10m"`
	DedupRetention       time.Duration `env:"DEDUP_RETENTION" envDefault:"72h"`

	AdminToken string `env:"ADMIN_TOKEN"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"debug"`
}

// Flags holds command line flag values
type Flags struct {
	qrOutput string
	numeric  bool
	stateDir string
	dbDSN    string
	waDSN    string
	provider models.Provider
	apiAddr  string
	logLevel string
}

// initializeLogger sets up structured text logging at level. Unknown levels fall back to info.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	if level != "" && !strings.EqualFold(level, lvl.String()) {
		slog.Warn("unknown LOG_LEVEL, using info", "value", level)
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{reflect.TypeOf(false): parseBool},
	}
	if err := env.ParseWithOptions(&config, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.WhatsmeowDBDSN == "" {
		config.WhatsmeowDBDSN = defaultWhatsmeowDSN(config.StateDir)
		slog.Debug("No WHATSMEOW_DB_DSN set, defaulting to SQLite in state dir", "dsn", config.WhatsmeowDBDSN)
	}

	slog.Debug("environment variables loaded",
		"VERIFY_TOKEN_SET", config.VerifyToken != "",
		"WHATSAPP_TOKEN_SET", config.WhatsAppToken != "",
		"PHONE_NUMBER_ID", config.PhoneNumberID,
		"APP_SECRET_SET", config.AppSecret != "",
		"AIRTABLE_API_KEY_SET", config.AirtableAPIKey != "",
		"AIRTABLE_TABLE", config.AirtableTable,
		"MESSAGING_PROVIDER", config.Provider,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LEADPIPE_STATE_DIR", config.StateDir,
		"ADMIN_TOKEN_SET", config.AdminToken != "")

	return config, nil
}

// parseBool accepts true/1/yes/on and false/0/no/off, case-insensitively.
func parseBool(v string) (interface{}, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off", "":
		return false, nil
	}
	return nil, fmt.Errorf("invalid boolean %q", v)
}

func defaultWhatsmeowDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsmeowDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("LeadPipe", flag.ContinueOnError)
	qrOutput := fs.String("qr-output", "", "path to write the linked-device login QR code")
	numeric := fs.Bool("numeric-code", false, "use a numeric login code instead of a QR code")
	stateDir := fs.String("state-dir", config.StateDir, "state directory for LeadPipe data (overrides $LEADPIPE_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseURL, "lead archive DSN, postgres or sqlite path; empty keeps leads in memory (overrides $DATABASE_URL)")
	waDSN := fs.String("whatsmeow-dsn", config.WhatsmeowDBDSN, "linked-device session DSN (overrides $WHATSMEOW_DB_DSN)")
	provider := fs.String("provider", config.Provider, "messaging provider: cloud, twilio or whatsmeow (overrides $MESSAGING_PROVIDER)")
	apiAddr := fs.String("api-addr", ":"+config.Port, "API server address (overrides $PORT)")
	logLevel := fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	flags := Flags{
		qrOutput: *qrOutput,
		numeric:  *numeric,
		stateDir: *stateDir,
		dbDSN:    *dbDSN,
		waDSN:    *waDSN,
		provider: models.Provider(strings.ToLower(*provider)),
		apiAddr:  *apiAddr,
		logLevel: *logLevel,
	}

	// Follow a -state-dir override when the session DSN was never set explicitly.
	if flags.waDSN == defaultWhatsmeowDSN(config.StateDir) && flags.stateDir != config.StateDir {
		flags.waDSN = defaultWhatsmeowDSN(flags.stateDir)
		slog.Debug("Updated whatsmeow DSN based on state directory", "new_state_dir", flags.stateDir)
	}
	return flags, nil
}

// validateConfig rejects combinations that would fail only at the first delivery.
func validateConfig(config Config, flags Flags) error {
	switch flags.provider {
	case models.ProviderCloud, models.ProviderTwilio, models.ProviderWhatsmeow:
	default:
		return fmt.Errorf("unknown MESSAGING_PROVIDER %q", flags.provider)
	}
	if config.TwilioValidateSig && config.TwilioWebhookURL == "" {
		return errors.New("TWILIO_VALIDATE_SIGNATURE requires TWILIO_WEBHOOK_URL")
	}
	if config.SessionIdleTimeout < 0 || config.SessionSweepInterval < 0 {
		return errors.New("session durations must not be negative")
	}
	if config.DedupRetention < 0 {
		return errors.New("DEDUP_RETENTION must not be negative")
	}
	if flags.provider == models.ProviderCloud && config.VerifyToken == "" {
		slog.Warn("VERIFY_TOKEN not set, webhook verification will always be refused")
	}
	return nil
}

// sqlitePath returns the filesystem path of a SQLite DSN, or "" for non-SQLite DSNs.
func sqlitePath(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// ensureDirectoriesExist creates the parent directories of file-based databases.
func ensureDirectoriesExist(flags Flags) error {
	dsns := []string{flags.dbDSN}
	if flags.provider == models.ProviderWhatsmeow {
		dsns = append(dsns, flags.waDSN)
	}
	for _, dsn := range dsns {
		p := sqlitePath(dsn)
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// needsStateLock reports whether this instance keeps files another instance must not share.
func needsStateLock(flags Flags) bool {
	return flags.provider == models.ProviderWhatsmeow || sqlitePath(flags.dbDSN) != ""
}

// buildCloudOptions constructs WhatsApp Cloud API options
func buildCloudOptions(config Config) []messaging.CloudOption {
	opts := []messaging.CloudOption{
		messaging.WithAccessToken(config.WhatsAppToken),
		messaging.WithPhoneNumberID(config.PhoneNumberID),
	}
	if config.GraphAPIVersion != "" {
		opts = append(opts, messaging.WithAPIVersion(config.GraphAPIVersion))
	}
	if config.GraphAPIBaseURL != "" {
		opts = append(opts, messaging.WithBaseURL(config.GraphAPIBaseURL))
	}
	return opts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
		twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
	}
}

// buildWhatsAppOptions constructs linked-device options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(flags.waDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
}

// buildCRMOptions constructs Airtable options
func buildCRMOptions(config Config) []crm.Option {
	opts := []crm.Option{
		crm.WithAPIKey(config.AirtableAPIKey),
		crm.WithBaseID(config.AirtableBaseID),
		crm.WithTable(config.AirtableTable),
	}
	if config.AirtableAPIURL != "" {
		opts = append(opts, crm.WithAPIURL(config.AirtableAPIURL))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(flags.apiAddr),
		api.WithProvider(flags.provider),
		api.WithVerifyToken(config.VerifyToken),
		api.WithSessionExpiry(config.SessionIdleTimeout, config.SessionSweepInterval),
		api.WithDedupRetention(config.DedupRetention),
	}
	if config.AppSecret != "" {
		apiOpts = append(apiOpts, api.WithAppSecret(config.AppSecret))
	}
	if config.AdminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(config.AdminToken))
	}
	if config.TwilioValidateSig {
		apiOpts = append(apiOpts, api.WithTwilioSignatureValidation(config.TwilioAuthToken, config.TwilioWebhookURL))
	}
	return apiOpts
}
