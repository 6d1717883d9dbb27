package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/dockbrain/internal/api"
	"github.com/basket/dockbrain/internal/audit"
	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/channels"
	"github.com/basket/dockbrain/internal/config"
	"github.com/basket/dockbrain/internal/cron"
	"github.com/basket/dockbrain/internal/engine"
	"github.com/basket/dockbrain/internal/gateway"
	otelPkg "github.com/basket/dockbrain/internal/otel"
	"github.com/basket/dockbrain/internal/persistence"
	"github.com/basket/dockbrain/internal/telemetry"
	"github.com/basket/dockbrain/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the assistant daemon
  %s pair [-admin]   Mint a pairing token and print it
  %s version         Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DOCKBRAIN_HOME          Data directory (default: ~/.dockbrain)
  DOCKBRAIN_ADMIN_TOKEN   Bearer token for the admin API
  TELEGRAM_TOKEN          Telegram bot token (enables the channel)
  OLLAMA_BASE_URL         Ollama endpoint override
  OPENAI_API_KEY          Key for OpenAI-compatible providers
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "pair":
			os.Exit(runPairCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// File-only logs when attached to a terminal would drown the console.
	quiet := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("DOCKBRAIN_VERBOSE") == ""

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(config.DatabasePath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	recovered, err := store.RecoverStuckTasks(ctx)
	if err != nil {
		fatalStartup(logger, "E_TASK_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "recovered", recovered)

	auditLog := audit.New(store, logger)
	perms := auth.NewManager(store, logger)
	pairing := auth.NewPairing(store, perms, auditLog, logger,
		time.Duration(cfg.Pairing.TokenTTLMinutes)*time.Minute)

	registry := buildRegistry(cfg, store, logger)

	provider, err := buildProvider(cfg)
	if err != nil {
		fatalStartup(logger, "E_LLM_PROVIDER", err)
	}
	logger.Info("llm provider ready", "provider", provider.Name())

	runtime := engine.NewRuntime(provider, logger, cfg.LLM.Temperature, cfg.LLM.MaxTokens)
	executor := engine.NewExecutor(registry, auditLog, metrics, logger)
	verifier := engine.NewVerifier(store, cfg.Tools.FilesWrite.Root, logger)
	eng := engine.New(store, perms, runtime, executor, verifier, registry, auditLog, metrics, logger,
		engine.Options{
			MaxRetries:  cfg.Engine.MaxRetries,
			TaskTimeout: time.Duration(cfg.Engine.TaskTimeoutSeconds) * time.Second,
		})

	var wg sync.WaitGroup

	var connector channels.Connector
	deliver := func(ctx context.Context, userID, taskID, text string) {
		if connector != nil {
			connector.Deliver(ctx, userID, taskID, text)
		}
	}

	gw := gateway.New(gateway.Config{
		QueueDepth:    cfg.Gateway.QueueDepth,
		Pacing:        time.Duration(cfg.Gateway.PacingMillis) * time.Millisecond,
		RatePerMinute: cfg.Gateway.RatePerMinute,
		DedupSweep:    time.Duration(cfg.Gateway.DedupSweepMillis) * time.Millisecond,
	}, store, pairing, eng, auditLog, metrics, deliver, logger)

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, gw, pairing, store, logger)
		connector = tg
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
				stop()
			}
		}()
	} else {
		logger.Warn("telegram channel disabled: no token configured")
	}

	// Started after the connector exists so completions always have a sink.
	gw.Start(ctx)

	scheduler := cron.NewScheduler(cron.Config{
		Store:   store,
		Pairing: pairing,
		Notify: func(ctx context.Context, userID, text string) {
			deliver(ctx, userID, "", text)
		},
		Logger: logger,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.API.Enabled {
		apiServer := api.New(store, pairing, gw, cfg.API.AdminToken, cfg.API.BindAddr, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("admin api stopped", "error", err)
				stop()
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-watcher.Events():
					// Live reload applies the log level; everything else
					// needs a restart.
					fresh, err := config.Load()
					if err != nil {
						logger.Warn("config changed on disk but failed to load", "error", err)
						continue
					}
					logLevel.Set(telemetry.ParseLevel(fresh.LogLevel))
					logger.Info("config reloaded", "log_level", fresh.LogLevel)
				}
			}
		}()
	}

	logger.Info("startup complete", "version", Version)
	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
}

// buildRegistry registers every tool enabled in config. Registration is not
// authorization: per-user grants still gate each invocation.
func buildRegistry(cfg config.Config, store *persistence.Store, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry(logger)

	if cfg.Tools.SystemInfo.Enabled {
		registry.Register(tools.NewSystemInfoTool())
	}
	if cfg.Tools.Reminders.Enabled {
		registry.Register(tools.NewRemindersTool(store, cfg.Tools.Reminders.MaxPerUser))
	}
	if cfg.Tools.FilesReadonly.Enabled {
		registry.Register(tools.NewFilesReadTool(
			cfg.Tools.FilesReadonly.Root,
			cfg.Tools.FilesReadonly.AllowedExts,
			cfg.Tools.FilesReadonly.MaxFileBytes))
	}
	if cfg.Tools.FilesWrite.Enabled {
		registry.Register(tools.NewFilesWriteTool(
			cfg.Tools.FilesWrite.Root,
			cfg.Tools.FilesWrite.AllowedExts,
			cfg.Tools.FilesWrite.MaxFileBytes))
	}
	if cfg.Tools.WebSandbox.Enabled {
		registry.Register(tools.NewWebSandboxTool(
			cfg.Tools.WebSandbox.AllowedDomains,
			time.Duration(cfg.Tools.WebSandbox.TimeoutSeconds)*time.Second,
			cfg.Tools.WebSandbox.MaxBodyBytes))
	}
	if cfg.Tools.SystemExec.Enabled {
		registry.Register(tools.NewSystemExecTool(
			cfg.Tools.SystemExec.AllowedBinaries,
			time.Duration(cfg.Tools.SystemExec.TimeoutSeconds)*time.Second))
	}
	return registry
}

func buildProvider(cfg config.Config) (engine.LLMProvider, error) {
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	switch cfg.LLM.Provider {
	case "ollama":
		return engine.NewOllamaProvider(cfg.LLM.OllamaBaseURL, cfg.LLM.OllamaModel, timeout), nil
	case "openai":
		if cfg.LLM.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but no api key configured")
		}
		return engine.NewOpenAIProvider(cfg.LLM.OpenAIBaseURL, cfg.LLM.OpenAIModel, cfg.LLM.OpenAIAPIKey, timeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (supported: ollama, openai)", cfg.LLM.Provider)
	}
}

// runPairCommand mints a pairing token directly against the store, for
// bootstrapping the first admin before the API has a token.
func runPairCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	admin := fs.Bool("admin", false, "mint an admin pairing token")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := persistence.Open(config.DatabasePath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "store open failed:", err)
		return 1
	}
	defer store.Close()

	auditLog := audit.New(store, logger)
	perms := auth.NewManager(store, logger)
	pairing := auth.NewPairing(store, perms, auditLog, logger,
		time.Duration(cfg.Pairing.TokenTTLMinutes)*time.Minute)

	role := persistence.RoleUser
	if *admin {
		role = persistence.RoleAdmin
	}
	token, expiresAt, err := pairing.CreateToken(ctx, role)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token creation failed:", err)
		return 1
	}
	fmt.Printf("Pairing token (%s): %s\nExpires: %s\nSend /pair %s to the bot.\n",
		role, token, expiresAt.Format(time.RFC3339), token)
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"dockbrain","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
