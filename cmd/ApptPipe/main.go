package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ApptPipe/internal/api"
	"github.com/BTreeMap/ApptPipe/internal/botframework"
	"github.com/BTreeMap/ApptPipe/internal/calendar"
	"github.com/BTreeMap/ApptPipe/internal/flow"
	"github.com/BTreeMap/ApptPipe/internal/lockfile"
	"github.com/BTreeMap/ApptPipe/internal/messaging"
	"github.com/BTreeMap/ApptPipe/internal/paramstore"
	"github.com/BTreeMap/ApptPipe/internal/session"
	"github.com/BTreeMap/ApptPipe/internal/store"
	"github.com/BTreeMap/ApptPipe/internal/twiliosms"
	"github.com/BTreeMap/ApptPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ApptPipe state data
	DefaultStateDir = "/var/lib/apptpipe"
	// DefaultDedupRetention keeps inbound message ids long enough to catch channel redeliveries
	DefaultDedupRetention = 72 * time.Hour
)

// logLevel is shared by the default handler so LOG_LEVEL can apply after .env is loaded
var logLevel = new(slog.LevelVar)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()
	setLogLevel(config.LogLevel)

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resolve ssm: references before any module sees them
	if err := resolveSecrets(ctx, &config, &flags, newParamStore); err != nil {
		slog.Error("Failed to resolve parameter store references", "error", err)
		os.Exit(1)
	}

	// Ensure required directories exist and claim the state directory
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}
	lock, err := acquireStateLock(flags)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	// Build module options
	modules, err := buildModules(config, flags)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		lock.Release()
		os.Exit(1)
	}

	// Start the service
	slog.Info("Bootstrapping ApptPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "dsn_set", flags.dbDSN != "", "api_addr", flags.apiAddr)
	if err := api.Run(ctx, modules); err != nil {
		slog.Error("ApptPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("ApptPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel    string
	StateDir    string
	DatabaseURL string
	APIAddr     string

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioFromNumber        string
	TwilioValidateSignature bool
	TwilioWebhookURL        string

	MicrosoftAppID       string
	MicrosoftAppPassword string
	TenantID             string

	GraphAccessToken    string
	CalendarAuthMode    string
	CalendarUserID      string
	GraphBaseURL        string
	CalendarTimeZone    string
	AppointmentDuration time.Duration
	AttendeeEmail       string
	AttendeeName        string
	EventTimeout        time.Duration

	SessionMaxEntries int
	SessionTTL        time.Duration
	DispatchTimeout   time.Duration

	DedupRetention     time.Duration
	DedupPruneSchedule string
}

// Flags holds command line flag values
type Flags struct {
	stateDir string
	dbDSN    string
	apiAddr  string
}

// initializeLogger sets up structured logging, debug level until LOG_LEVEL is known
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// setLogLevel applies a LOG_LEVEL value; empty or unknown values keep debug.
func setLogLevel(value string) {
	if value == "" {
		return
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		slog.Warn("invalid LOG_LEVEL, keeping current level", "value", value, "level", logLevel.Level())
		return
	}
	logLevel.Set(level)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:    os.Getenv("LOG_LEVEL"),
		StateDir:    os.Getenv("APPTPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     os.Getenv("API_ADDR"),

		TwilioAccountSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:         os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:        os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioValidateSignature: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", false),
		TwilioWebhookURL:        os.Getenv("TWILIO_WEBHOOK_URL"),

		MicrosoftAppID:       os.Getenv("MICROSOFT_APP_ID"),
		MicrosoftAppPassword: os.Getenv("MICROSOFT_APP_PASSWORD"),
		TenantID:             os.Getenv("TENANT_ID"),

		GraphAccessToken:    os.Getenv("MS_GRAPH_ACCESS_TOKEN"),
		CalendarAuthMode:    os.Getenv("CALENDAR_AUTH_MODE"),
		CalendarUserID:      os.Getenv("CALENDAR_USER_ID"),
		GraphBaseURL:        os.Getenv("GRAPH_BASE_URL"),
		CalendarTimeZone:    os.Getenv("CALENDAR_TIME_ZONE"),
		AppointmentDuration: util.ParseDurationEnv("APPOINTMENT_DURATION", calendar.DefaultDuration),
		AttendeeEmail:       os.Getenv("CALENDAR_ATTENDEE_EMAIL"),
		AttendeeName:        os.Getenv("CALENDAR_ATTENDEE_NAME"),
		EventTimeout:        util.ParseDurationEnv("CALENDAR_EVENT_TIMEOUT", flow.DefaultEventTimeout),

		SessionMaxEntries: util.ParseIntEnv("SESSION_MAX_ENTRIES", session.DefaultMaxEntries),
		SessionTTL:        util.ParseDurationEnv("SESSION_TTL", session.DefaultTTL),
		DispatchTimeout:   util.ParseDurationEnv("DISPATCH_TIMEOUT", messaging.DefaultDispatchTimeout),

		DedupRetention:     util.ParseDurationEnv("DEDUP_RETENTION", DefaultDedupRetention),
		DedupPruneSchedule: os.Getenv("DEDUP_PRUNE_SCHEDULE"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No APPTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = store.DefaultSQLitePath(config.StateDir)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"APPTPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"TWILIO_FROM_NUMBER", config.TwilioFromNumber,
		"TWILIO_VALIDATE_SIGNATURE", config.TwilioValidateSignature,
		"MICROSOFT_APP_ID_SET", config.MicrosoftAppID != "",
		"MICROSOFT_APP_PASSWORD_SET", config.MicrosoftAppPassword != "",
		"TENANT_ID_SET", config.TenantID != "",
		"MS_GRAPH_ACCESS_TOKEN_SET", config.GraphAccessToken != "",
		"CALENDAR_AUTH_MODE", config.CalendarAuthMode,
		"CALENDAR_TIME_ZONE", config.CalendarTimeZone,
		"APPOINTMENT_DURATION", config.AppointmentDuration,
		"CALENDAR_EVENT_TIMEOUT", config.EventTimeout,
		"SESSION_MAX_ENTRIES", config.SessionMaxEntries,
		"SESSION_TTL", config.SessionTTL,
		"DISPATCH_TIMEOUT", config.DispatchTimeout,
		"DEDUP_RETENTION", config.DedupRetention,
		"DEDUP_PRUNE_SCHEDULE", config.DedupPruneSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	stateDir := flag.String("state-dir", config.StateDir, "state directory for ApptPipe data (overrides $APPTPIPE_STATE_DIR)")
	dbDSN := flag.String("db-dsn", config.DatabaseURL, "audit store DSN, a SQLite path or postgres:// URL (overrides $DATABASE_URL)")
	apiAddr := flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	flag.Parse()

	flags := Flags{stateDir: *stateDir, dbDSN: *dbDSN, apiAddr: *apiAddr}
	slog.Debug("flags parsed", "stateDir", flags.stateDir, "dbDSN_set", flags.dbDSN != "", "apiAddr", flags.apiAddr)
	return applyStateDir(config, flags)
}

// applyStateDir moves the default SQLite file along with an overridden state directory.
func applyStateDir(config Config, flags Flags) Flags {
	if flags.dbDSN == config.DatabaseURL && config.DatabaseURL == store.DefaultSQLitePath(config.StateDir) && flags.stateDir != config.StateDir {
		flags.dbDSN = store.DefaultSQLitePath(flags.stateDir)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.stateDir)
	}
	return flags
}

func newParamStore(ctx context.Context) (paramstore.Getter, error) {
	return paramstore.NewFromEnvironment(ctx)
}

// resolveSecrets replaces ssm: references in config and flags. The parameter store client
// is only created when at least one reference is present.
func resolveSecrets(ctx context.Context, config *Config, flags *Flags, newGetter func(context.Context) (paramstore.Getter, error)) error {
	values := map[string]*string{
		"DATABASE_URL":           &flags.dbDSN,
		"TWILIO_ACCOUNT_SID":     &config.TwilioAccountSID,
		"TWILIO_AUTH_TOKEN":      &config.TwilioAuthToken,
		"TWILIO_FROM_NUMBER":     &config.TwilioFromNumber,
		"TWILIO_WEBHOOK_URL":     &config.TwilioWebhookURL,
		"MICROSOFT_APP_ID":       &config.MicrosoftAppID,
		"MICROSOFT_APP_PASSWORD": &config.MicrosoftAppPassword,
		"TENANT_ID":              &config.TenantID,
		"MS_GRAPH_ACCESS_TOKEN":  &config.GraphAccessToken,
		"CALENDAR_USER_ID":       &config.CalendarUserID,
	}
	referenced := 0
	for _, v := range values {
		if paramstore.IsReference(*v) {
			referenced++
		}
	}
	if referenced == 0 {
		return nil
	}

	slog.Debug("resolving parameter store references", "count", referenced)
	getter, err := newGetter(ctx)
	if err != nil {
		return err
	}
	return paramstore.ResolveAll(ctx, getter, values)
}

// sqliteDir returns the directory holding a file-based DSN, or "" for Postgres or an empty DSN.
func sqliteDir(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return filepath.Dir(path)
}

// ensureDirectoriesExist creates the directory of a file-based DSN
func ensureDirectoriesExist(flags Flags) error {
	stateDir := sqliteDir(flags.dbDSN)
	if stateDir == "" {
		return nil
	}
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// acquireStateLock locks the SQLite directory; Postgres and in-memory stores need no lock.
func acquireStateLock(flags Flags) (*lockfile.Lock, error) {
	dir := sqliteDir(flags.dbDSN)
	if dir == "" {
		return nil, nil
	}
	return lockfile.Acquire(dir)
}

// buildModules assembles every module's options
func buildModules(config Config, flags Flags) (api.Modules, error) {
	smsOpts, err := buildSMSOptions(config)
	if err != nil {
		return api.Modules{}, err
	}
	return api.Modules{
		StoreDSN:    flags.dbDSN,
		Session:     buildSessionOptions(config),
		Credentials: buildCalendarCredentials(config),
		Calendar:    buildCalendarOptions(config),
		Flow:        buildFlowOptions(config),
		Twilio:      buildTwilioOptions(config),
		SMS:         smsOpts,
		BotAppID:    config.MicrosoftAppID,
		Connector:   buildConnectorOptions(config),
		Dispatcher:  buildDispatcherOptions(config),
		API:         buildAPIOptions(flags),

		DedupRetention: config.DedupRetention,
		PruneSchedule:  config.DedupPruneSchedule,
	}, nil
}

// buildSessionOptions constructs session store options
func buildSessionOptions(config Config) []session.Option {
	return []session.Option{
		session.WithMaxEntries(config.SessionMaxEntries),
		session.WithTTL(config.SessionTTL),
	}
}

// buildCalendarCredentials selects the calendar credential strategy
func buildCalendarCredentials(config Config) calendar.CredentialOpts {
	return calendar.CredentialOpts{
		Mode:         calendar.AuthMode(strings.ToLower(strings.TrimSpace(config.CalendarAuthMode))),
		StaticToken:  config.GraphAccessToken,
		TenantID:     config.TenantID,
		ClientID:     config.MicrosoftAppID,
		ClientSecret: config.MicrosoftAppPassword,
	}
}

// buildCalendarOptions constructs calendar client options
func buildCalendarOptions(config Config) []calendar.Option {
	var opts []calendar.Option
	if config.GraphBaseURL != "" {
		opts = append(opts, calendar.WithBaseURL(config.GraphBaseURL))
	}
	if config.CalendarUserID != "" {
		opts = append(opts, calendar.WithUserID(config.CalendarUserID))
	}
	if config.CalendarTimeZone != "" {
		opts = append(opts, calendar.WithTimeZone(config.CalendarTimeZone))
	}
	if config.AppointmentDuration > 0 {
		opts = append(opts, calendar.WithDuration(config.AppointmentDuration))
	}
	if config.AttendeeEmail != "" {
		opts = append(opts, calendar.WithAttendee(config.AttendeeEmail, config.AttendeeName))
	}
	return opts
}

// buildFlowOptions constructs script sequencer options
func buildFlowOptions(config Config) []flow.Option {
	return []flow.Option{flow.WithEventTimeout(config.EventTimeout)}
}

// buildTwilioOptions constructs Twilio REST client options
func buildTwilioOptions(config Config) []twiliosms.Option {
	var opts []twiliosms.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliosms.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliosms.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliosms.WithFromNumber(config.TwilioFromNumber))
	}
	return opts
}

// buildSMSOptions enables webhook signature validation when requested
func buildSMSOptions(config Config) ([]messaging.SMSOption, error) {
	if !config.TwilioValidateSignature {
		return nil, nil
	}
	if config.TwilioAuthToken == "" {
		return nil, errors.New("TWILIO_VALIDATE_SIGNATURE requires TWILIO_AUTH_TOKEN")
	}
	if config.TwilioWebhookURL == "" {
		return nil, errors.New("TWILIO_VALIDATE_SIGNATURE requires TWILIO_WEBHOOK_URL")
	}
	return []messaging.SMSOption{
		messaging.WithSignatureValidation(twiliosms.NewSignatureValidator(config.TwilioAuthToken), config.TwilioWebhookURL),
	}, nil
}

// buildConnectorOptions constructs Bot Framework connector options
func buildConnectorOptions(config Config) []botframework.ConnectorOption {
	if config.MicrosoftAppID == "" || config.MicrosoftAppPassword == "" {
		return nil
	}
	return []botframework.ConnectorOption{botframework.WithCredentials(config.MicrosoftAppID, config.MicrosoftAppPassword)}
}

// buildDispatcherOptions constructs dispatcher options
func buildDispatcherOptions(config Config) []messaging.DispatcherOption {
	return []messaging.DispatcherOption{messaging.WithDispatchTimeout(config.DispatchTimeout)}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	return apiOpts
}
