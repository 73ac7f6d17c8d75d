package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sentra-hq/salesbridge/internal/api"
	"github.com/sentra-hq/salesbridge/internal/flow"
	"github.com/sentra-hq/salesbridge/internal/genai"
	"github.com/sentra-hq/salesbridge/internal/identity"
	"github.com/sentra-hq/salesbridge/internal/lockfile"
	"github.com/sentra-hq/salesbridge/internal/mcp"
	"github.com/sentra-hq/salesbridge/internal/messaging"
	"github.com/sentra-hq/salesbridge/internal/models"
	"github.com/sentra-hq/salesbridge/internal/recovery"
	"github.com/sentra-hq/salesbridge/internal/scheduler"
	"github.com/sentra-hq/salesbridge/internal/store"
	"github.com/sentra-hq/salesbridge/internal/twilio"
	"github.com/sentra-hq/salesbridge/internal/util"
	"github.com/sentra-hq/salesbridge/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for salesbridge state data
	DefaultStateDir = "/var/lib/salesbridge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "salesbridge.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultRecoverySchedule runs the stale-inbound sweep every ten minutes
	DefaultRecoverySchedule = "*/10 * * * *"
	// BackendWhatsApp selects the whatsmeow messaging backend
	BackendWhatsApp = "whatsapp"
	// BackendTwilio selects the Twilio messaging backend
	BackendTwilio = "twilio"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One instance per state directory; the whatsmeow session does not
	// tolerate concurrent writers.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(config, flags); err != nil {
		slog.Error("salesbridge failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("salesbridge exited successfully")
}

func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(store.WithDSN(*flags.dbDSN))
	if err != nil {
		return err
	}
	defer st.Close()

	cfg := buildModelConfig(config, flags)

	var client genai.ClientInterface
	if cfg.Enabled {
		genaiClient, err := genai.NewClient(buildGenAIOptions(cfg)...)
		if err != nil {
			return err
		}
		client = genaiClient
	} else {
		slog.Warn("Generation disabled, every message will receive the fallback reply")
	}

	var toolSource mcp.ToolSource
	if cfg.ToolAccess && cfg.ToolServerURL != "" {
		mcpClient, err := mcp.Connect(ctx, mcp.Opts{ServerURL: cfg.ToolServerURL})
		if err != nil {
			return err
		}
		defer mcpClient.Close()
		if err := mcpClient.Ping(ctx); err != nil {
			return err
		}
		slog.Info("Tool server connected", "url", cfg.ToolServerURL)
		toolSource = mcpClient
	}

	svc, twilioSvc, err := buildMessagingService(config, flags)
	if err != nil {
		return err
	}
	defer svc.Stop()

	pipeline := flow.NewPipeline(st, identity.NewResolver(st), flow.NewInvoker(client, toolSource), svc, cfg)

	// Replay anything a previous run left unanswered, then keep sweeping.
	sweeper := recovery.NewSweeper(st, pipeline)
	if recovered, err := sweeper.Sweep(ctx); err != nil {
		slog.Warn("Startup recovery sweep failed", "error", err)
	} else if recovered > 0 {
		slog.Info("Startup recovery sweep finished", "recovered", recovered)
	}
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(config.RecoveryCron, func() {
		if _, err := sweeper.Sweep(ctx); err != nil {
			slog.Warn("Scheduled recovery sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	dispatcher := messaging.NewDispatcher(svc, pipeline)
	go dispatcher.Run(ctx)

	apiSrv := api.NewServer(st, pipeline, cfg, buildAPIOptions(flags)...)
	if twilioSvc != nil {
		apiSrv.Handle("/webhook/twilio", http.HandlerFunc(twilioSvc.WebhookHandler))
	}
	errCh := make(chan error, 1)
	go func() { errCh <- apiSrv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return apiSrv.Shutdown(shutdownCtx)
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseDSN     string
	WhatsAppDSN     string
	OpenAIKey       string
	OpenAIBaseURL   string
	Model           string
	APIAddr         string
	Backend         string
	MCPServerURL    string
	BusinessContext string
	RecoveryCron    string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	model     *string
	apiAddr   *string
	backend   *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("SALESBRIDGE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		StateDir:        util.GetEnvOrDefault("SALESBRIDGE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:     os.Getenv("DATABASE_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		Model:           util.GetEnvOrDefault("SALESBRIDGE_MODEL", genai.DefaultModel),
		APIAddr:         os.Getenv("API_ADDR"),
		Backend:         os.Getenv("MESSAGING_BACKEND"),
		MCPServerURL:    os.Getenv("MCP_SERVER_URL"),
		BusinessContext: os.Getenv("SALESBRIDGE_BUSINESS_CONTEXT"),
		RecoveryCron:    util.GetEnvOrDefault("RECOVERY_SCHEDULE", DefaultRecoverySchedule),
	}

	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}
	if config.Backend == "" {
		// Twilio credentials in the environment select the Twilio backend.
		if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
			config.Backend = BackendTwilio
		} else {
			config.Backend = BackendWhatsApp
		}
	}

	slog.Debug("environment variables loaded",
		"SALESBRIDGE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SALESBRIDGE_MODEL", config.Model,
		"MESSAGING_BACKEND", config.Backend,
		"MCP_SERVER_URL_SET", config.MCPServerURL != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for salesbridge data (overrides $SALESBRIDGE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseDSN, "database DSN for the conversation store (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:     flag.String("model", config.Model, "model id for reply generation (overrides $SALESBRIDGE_MODEL)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:   flag.String("backend", config.Backend, "messaging backend: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
	}

	flag.Parse()

	// Keep the conversation store next to an overridden state directory
	// unless the DSN was set explicitly.
	if *flags.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildModelConfig assembles the pipeline configuration from environment and flags
func buildModelConfig(config Config, flags Flags) models.ModelConfig {
	cfg := models.ModelConfig{
		Enabled:            util.ParseBoolEnv("SALESBRIDGE_ENABLED", true),
		APIKey:             *flags.openaiKey,
		BaseURL:            config.OpenAIBaseURL,
		Model:              *flags.model,
		MaxTokens:          util.ParseIntEnv("SALESBRIDGE_MAX_TOKENS", 0),
		FallbackMessage:    os.Getenv("SALESBRIDGE_FALLBACK_MESSAGE"),
		ToolAccess:         util.ParseBoolEnv("SALESBRIDGE_TOOL_ACCESS", false),
		ToolServerURL:      config.MCPServerURL,
		HistoryWindow:      util.ParseIntEnv("SALESBRIDGE_HISTORY_WINDOW", 0),
		RequestTimeout:     util.ParseDurationEnv("SALESBRIDGE_REQUEST_TIMEOUT", 0),
		MaxRetries:         util.ParseIntEnv("SALESBRIDGE_MAX_RETRIES", -1),
		RetryBackoff:       util.ParseDurationEnv("SALESBRIDGE_RETRY_BACKOFF", 0),
		BusinessContext:    config.BusinessContext,
		DefaultCountryCode: os.Getenv("DEFAULT_COUNTRY_CODE"),
	}
	return cfg.Normalized()
}

// buildGenAIOptions constructs GenAI client options
func buildGenAIOptions(cfg models.ModelConfig) []genai.Option {
	var opts []genai.Option
	if cfg.APIKey != "" {
		opts = append(opts, genai.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, genai.WithModel(cfg.Model))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, genai.WithMaxTokens(int64(cfg.MaxTokens)))
	}
	return opts
}

// buildMessagingService constructs the configured messaging backend. The
// Twilio service is returned separately so its webhook can be mounted.
func buildMessagingService(config Config, flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch strings.ToLower(*flags.backend) {
	case BackendTwilio:
		tc, err := twilio.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(tc)
		return svc, svc, nil
	default:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		wa, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(wa), nil, nil
	}
}

// buildAPIOptions constructs API server options
func buildAPIOptions(flags Flags) []api.Option {
	var opts []api.Option
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	return opts
}
