// Package main is the entry point for aimanager, the in-process
// service fabric for the personal assistant.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"aimanager/internal/buildinfo"
	"aimanager/internal/bus"
	"aimanager/internal/calendar"
	"aimanager/internal/config"
	"aimanager/internal/defaults"
	"aimanager/internal/dispatcher"
	"aimanager/internal/email"
	"aimanager/internal/llm"
	"aimanager/internal/llmsvc"
	"aimanager/internal/messages"
	"aimanager/internal/opstate"
	"aimanager/internal/persistence"
	"aimanager/internal/supervisor"
	"aimanager/internal/uigateway"
	"aimanager/internal/usage"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	var err error
	switch flag.Arg(0) {
	case "serve":
		err = runServe(logger)
	case "init":
		err = runInit(os.Stdout)
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
	if err != nil {
		logger.Error("command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("aimanager - in-process service fabric for a personal assistant")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the service fabric")
	fmt.Println("  init     Write a starter config/default.toml and persona.md")
	fmt.Println("  version  Show version")
}

func printVersion() {
	fmt.Println(buildinfo.String())
	for k, v := range buildinfo.BuildInfo() {
		fmt.Printf("  %-12s %s\n", k+":", v)
	}
}

// runInit writes the bundled default configuration and persona into
// the current directory's config/ and project root, without
// overwriting files that already exist.
func runInit(w *os.File) error {
	if err := os.MkdirAll("config", 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	for _, f := range []struct {
		path    string
		content []byte
	}{
		{filepath.Join("config", "default.toml"), defaults.ConfigTOML},
		{"persona.md", defaults.PersonaMD},
	} {
		wrote, err := writeIfMissing(f.path, f.content)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintln(w, "  wrote", filepath.ToSlash(f.path))
		} else {
			fmt.Fprintln(w, "  kept existing", filepath.ToSlash(f.path))
		}
	}
	fmt.Fprintln(w, "Edit config/user.toml to override any default.toml value.")
	return nil
}

func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	return true, os.WriteFile(path, content, 0o644)
}

func runServe(bootLogger *slog.Logger) error {
	bootLogger.Info("loading configuration")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logger.Info("starting aimanager", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	b := bus.New(
		bus.WithInboxCapacity(cfg.Bus.MessageQueueCapacity),
		bus.WithEventCapacity(cfg.Bus.BroadcastChannelCapacity),
	)

	policy := supervisor.RestartPolicy{
		MaxAttempts:       cfg.Supervisor.MaxRestartAttempts,
		BaseDelay:         time.Duration(cfg.Supervisor.RestartDelaySeconds * float64(time.Second)),
		BackoffMultiplier: cfg.Supervisor.BackoffMultiplier,
		MaxDelay:          time.Duration(cfg.Supervisor.MaxRestartDelaySeconds * float64(time.Second)),
	}
	super := supervisor.New(b, policy, logger)

	store, err := persistence.NewStore(cfg.Database.Path, b, logger)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer store.Close()

	usagePath := filepath.Join(filepath.Dir(cfg.Database.Path), "usage.db")
	usageStore, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	llmClient := createLLMClient(cfg, logger)
	llmSvc := llmsvc.New(b, llmClient, cfg.LLM.DefaultProvider, cfg.LLM.DefaultModel, logger).
		WithUsageTracking(usageStore, cfg.LLM.Pricing)

	gateway := uigateway.New(b, cfg.UI.ListenAddr, logger)

	extSvc, closeExternal, err := buildExternalService(cfg, b, logger)
	if err != nil {
		return fmt.Errorf("configure external collaborator: %w", err)
	}
	if closeExternal != nil {
		defer closeExternal()
	}

	core := dispatcher.New(b, b, logger)

	if err := super.StartService(messages.DataServiceID, store.Run); err != nil {
		return fmt.Errorf("start data service: %w", err)
	}
	if err := super.StartService(messages.LLMServiceID, llmSvc.Run); err != nil {
		return fmt.Errorf("start llm service: %w", err)
	}
	if err := super.StartService(messages.UIServiceID, gateway.Run); err != nil {
		return fmt.Errorf("start ui service: %w", err)
	}
	if err := super.StartService(messages.ExternalServiceID, extSvc.Run); err != nil {
		return fmt.Errorf("start external service: %w", err)
	}
	if err := super.StartService(messages.CoreServiceID, core.Run); err != nil {
		return fmt.Errorf("start core service: %w", err)
	}

	super.StartHealthMonitoring(time.Duration(cfg.Supervisor.HealthCheckIntervalSeconds) * time.Second)

	logger.Info("aimanager running", "ui_addr", cfg.UI.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	return super.ShutdownAll()
}

// createLLMClient wires an llm.MultiClient the way the teacher's CLI
// does: Ollama as the always-present fallback, Anthropic added only
// when an API key is configured, every cfg.LLM.Models entry (model
// name -> provider name) mapped in. No OpenAI client exists in this
// codebase.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaURL := cfg.LLM.OllamaURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	ollamaClient := llm.NewOllamaClient(ollamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if key, ok := cfg.LLMAPIKey("anthropic"); ok && key != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(key, logger))
		logger.Info("anthropic provider configured")
	}

	for model, provider := range cfg.LLM.Models {
		multi.AddModel(model, provider)
	}

	return multi
}

// buildExternalService constructs the combined calendar+email
// collaborator from whichever of the two integrations is enabled.
// Both, either, or neither may be configured; an unconfigured
// integration's handlers report ResponseError rather than panicking.
func buildExternalService(cfg *config.Config, b *bus.Bus, logger *slog.Logger) (*calendar.Service, func(), error) {
	var (
		mailSvc *email.Service
		closers []func()
	)

	var calClient *calendar.Client
	if cfg.ExternalServices.Calendar.Enabled {
		calCfg := calendar.Config{
			ServerURL: cfg.ExternalServices.Calendar.URL,
			Username:  cfg.ExternalServices.Calendar.Username,
			Password:  cfg.ExternalServices.Calendar.Password,
			Calendar:  cfg.ExternalServices.Calendar.Calendar,
		}
		if calCfg.Configured() {
			client, err := calendar.NewClient(context.Background(), calCfg)
			if err != nil {
				return nil, nil, fmt.Errorf("connect calendar: %w", err)
			}
			calClient = client
		}
	}

	if cfg.ExternalServices.Email.Enabled {
		acctName := cfg.ExternalServices.Email.Account
		if acctName == "" {
			acctName = "default"
		}
		mailCfg := email.Config{Accounts: []email.AccountConfig{{
			Name: acctName,
			IMAP: email.IMAPConfig{
				Host:     cfg.ExternalServices.Email.IMAPHost,
				Port:     cfg.ExternalServices.Email.IMAPPort,
				Username: cfg.ExternalServices.Email.Username,
				Password: cfg.ExternalServices.Email.Password,
				TLS:      true,
			},
		}}}
		if err := mailCfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("email configuration: %w", err)
		}

		manager := email.NewManager(mailCfg, logger)
		closers = append(closers, manager.Close)

		opstatePath := filepath.Join(filepath.Dir(cfg.Database.Path), "opstate.db")
		state, err := opstate.NewStore(opstatePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open opstate store: %w", err)
		}
		closers = append(closers, func() { state.Close() })

		interval := time.Duration(cfg.ExternalServices.Email.PollInterval) * time.Second
		mailSvc = email.NewService(b, manager, state, interval, logger)
	}

	// calendar.New's client parameter is an unexported interface;
	// passing a nil *calendar.Client directly (rather than a bare nil)
	// would produce a non-nil interface wrapping a nil pointer, so the
	// two cases are built as separate calls.
	var svc *calendar.Service
	if calClient != nil {
		svc = calendar.New(b, calClient, mailSvc, logger)
	} else {
		svc = calendar.New(b, nil, mailSvc, logger)
	}

	closeFn := func() {
		for _, c := range closers {
			c()
		}
	}
	return svc, closeFn, nil
}
