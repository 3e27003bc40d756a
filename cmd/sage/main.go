// Command sage runs the Sage backend: the HTTP API, the lifecycle job runner
// that summarizes ended conversations, the operator alert outbox and the
// sweeper that closes abandoned conversations.
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/sagedialogue/sage/internal/alert"
	"github.com/sagedialogue/sage/internal/api"
	"github.com/sagedialogue/sage/internal/genai"
	"github.com/sagedialogue/sage/internal/lifecycle"
	"github.com/sagedialogue/sage/internal/lockfile"
	"github.com/sagedialogue/sage/internal/recovery"
	"github.com/sagedialogue/sage/internal/scheduler"
	"github.com/sagedialogue/sage/internal/store"
	"github.com/sagedialogue/sage/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Sage state data
	DefaultStateDir = "/var/lib/sage"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "sage.db"
	// envPrefix prefixes every variable; unprefixed names are accepted as fallbacks.
	envPrefix = "SAGE"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config, err := loadEnvironmentConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := applyCommandLineFlags(flag.CommandLine, os.Args[1:], &config); err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Sage", "stateDir", config.StateDir, "dbType", store.DetectDSNType(config.DatabaseURL),
		"apiAddr", config.APIAddr, "model", config.SummaryModel)
	if err := run(ctx, config); err != nil {
		slog.Error("Sage failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Sage exited successfully")
}

// Config holds the process configuration. Every key is read as SAGE_<key>
// first and as the bare <key> second, so DATABASE_URL and OPENROUTER_API_KEY
// work unprefixed.
type Config struct {
	StateDir    string `envconfig:"STATE_DIR" default:"/var/lib/sage"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	APIAddr     string `envconfig:"API_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"debug"`

	OpenRouterAPIKey string        `envconfig:"OPENROUTER_API_KEY"`
	LLMBaseURL       string        `envconfig:"LLM_BASE_URL" default:"https://openrouter.ai/api/v1"`
	SummaryModel     string        `envconfig:"SUMMARY_MODEL" default:"openai/gpt-4o-mini"`
	LLMTimeout       time.Duration `envconfig:"LLM_TIMEOUT" default:"30s"`
	LLMMaxRetries    int           `envconfig:"LLM_MAX_RETRIES" default:"2"`
	LLMDebug         bool          `envconfig:"LLM_DEBUG" default:"false"`
	SiteURL          string        `envconfig:"SITE_URL"`

	JobPollInterval    time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"2s"`
	JobRetryBackoff    time.Duration `envconfig:"JOB_RETRY_BACKOFF" default:"30s"`
	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"10s"`
	StaleGrace         time.Duration `envconfig:"STALE_GRACE" default:"24h"`
	SweepSchedule      string        `envconfig:"SWEEP_SCHEDULE" default:"@every 15m"`

	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER"`
	AlertToNumber    string `envconfig:"ALERT_TO_NUMBER"`
}

// initializeLogger installs the default structured logger. LOG_JSON switches
// from the text handler to JSON.
func initializeLogger(level string) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if util.ParseBoolEnv("LOG_JSON", false) {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// parseLogLevel maps a level name to slog.Level, defaulting to debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from the environment and an
// optional .env file.
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := envconfig.Process(envPrefix, &config); err != nil {
		return Config{}, fmt.Errorf("invalid environment configuration: %w", err)
	}
	config.resolveDefaults()

	slog.Debug("environment variables loaded",
		"stateDir", config.StateDir,
		"databaseURL_set", config.DatabaseURL != "",
		"openrouterAPIKey_set", config.OpenRouterAPIKey != "",
		"llmBaseURL", config.LLMBaseURL,
		"summaryModel", config.SummaryModel,
		"apiAddr", config.APIAddr,
		"twilio_set", config.TwilioAccountSID != "",
		"alertTo_set", config.AlertToNumber != "")
	return config, nil
}

// resolveDefaults fills in values derived from other settings.
func (c *Config) resolveDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	// If no database URL is provided, default to SQLite in the state directory
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
		slog.Debug("No database URL provided, defaulting to SQLite", "sqlitePath", c.DatabaseURL)
	}
}

// applyCommandLineFlags parses args into config; flags override the environment.
func applyCommandLineFlags(fs *flag.FlagSet, args []string, config *Config) error {
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	envStateDir := config.StateDir

	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for Sage data (overrides $SAGE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)")
	fs.StringVar(&config.OpenRouterAPIKey, "openrouter-api-key", config.OpenRouterAPIKey, "OpenRouter API key (overrides $OPENROUTER_API_KEY)")
	fs.StringVar(&config.SummaryModel, "model", config.SummaryModel, "summarization model (overrides $SAGE_SUMMARY_MODEL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.BoolVar(&config.LLMDebug, "llm-debug", config.LLMDebug, "write every completion exchange under <state-dir>/debug")

	if err := fs.Parse(args); err != nil {
		return err
	}

	// Follow a moved state directory unless the DSN was set explicitly.
	if config.DatabaseURL == defaultDSN && config.StateDir != envStateDir {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("Updated database DSN based on state directory", "stateDir", config.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"databaseURL_set", config.DatabaseURL != "",
		"openrouterAPIKey_set", config.OpenRouterAPIKey != "",
		"apiAddr", config.APIAddr,
		"logLevel", config.LogLevel)
	return nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	opts := []genai.Option{
		genai.WithAPIKey(config.OpenRouterAPIKey),
		genai.WithBaseURL(config.LLMBaseURL),
		genai.WithModel(config.SummaryModel),
		genai.WithTimeout(config.LLMTimeout),
		genai.WithMaxRetries(config.LLMMaxRetries),
		genai.WithDebugMode(config.LLMDebug),
		genai.WithStateDir(config.StateDir),
	}
	if config.SiteURL != "" {
		opts = append(opts, genai.WithSiteURL(config.SiteURL))
	}
	return opts
}

// buildCompleter creates the completion client. A missing API key is not a
// startup error: the API keeps serving and lifecycle runs fail permanently.
func buildCompleter(config Config) (genai.Completer, error) {
	client, err := genai.NewClient(buildGenAIOptions(config)...)
	if errors.Is(err, genai.ErrMissingAPIKey) {
		slog.Warn("OPENROUTER_API_KEY not set; conversation summaries are disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}
	return client, nil
}

// buildAlertSender picks Twilio SMS when credentials are configured and the
// log otherwise.
func buildAlertSender(config Config) (alert.Sender, error) {
	if config.TwilioAccountSID == "" || config.TwilioAuthToken == "" {
		slog.Debug("Twilio not configured; operator alerts go to the log")
		return alert.LogSender{}, nil
	}
	sender, err := alert.NewTwilioSender(
		alert.WithAccountSID(config.TwilioAccountSID),
		alert.WithAuthToken(config.TwilioAuthToken),
		alert.WithFromNumber(config.TwilioFromNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio sender: %w", err)
	}
	return sender, nil
}

// run wires every module and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, config Config) error {
	if store.DetectDSNType(config.DatabaseURL) == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(config.DatabaseURL), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		lock, err := lockfile.AcquireLock(config.StateDir, lockfile.WithDatabase(config.DatabaseURL))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	completer, err := buildCompleter(config)
	if err != nil {
		return err
	}
	sender, err := buildAlertSender(config)
	if err != nil {
		return err
	}

	runner := store.NewJobRunner(st, config.JobPollInterval, store.WithRetryBackoff(config.JobRetryBackoff))
	pipeline := lifecycle.NewPipeline(st, completer, lifecycle.WithAlertRecipient(config.AlertToNumber))
	pipeline.Register(runner)

	outbox := store.NewOutboxSender(st, alert.OutboxSendFunc(sender, config.AlertToNumber), config.OutboxPollInterval)
	sweeper := lifecycle.NewSweeper(st, config.StaleGrace)

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable("jobs", recovery.JobRunnerRecovery(runner))
	rm.RegisterRecoverable("outbox", recovery.OutboxRecovery(outbox))
	rm.RegisterRecoverable("conversations", sweeper)
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddContextJob(ctx, "stale-conversation-sweep", config.SweepSchedule, func(ctx context.Context) error {
		_, err := sweeper.SweepOnce(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", config.SweepSchedule, err)
	}

	server := api.NewServer(st, api.WithAddr(config.APIAddr), api.WithCompleter(completer))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	return g.Wait()
}
