// Concierge is a personal assistant agent backed by a local model.
//
// It exposes a small HTTP API for chat and live event streaming, and a
// CLI for one-shot questions and note ingestion. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	concierge serve              Start the API server
//	concierge ask <question>     Ask a single question (for testing)
//	concierge ingest <dir>       Import markdown notes into the fact store
//	concierge version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/concierge-agent/concierge/internal/agent"
	"github.com/concierge-agent/concierge/internal/api"
	"github.com/concierge-agent/concierge/internal/buildinfo"
	"github.com/concierge-agent/concierge/internal/config"
	"github.com/concierge-agent/concierge/internal/contacts"
	"github.com/concierge-agent/concierge/internal/convstore"
	"github.com/concierge-agent/concierge/internal/events"
	"github.com/concierge-agent/concierge/internal/facts"
	"github.com/concierge-agent/concierge/internal/history"
	"github.com/concierge-agent/concierge/internal/llm"
	"github.com/concierge-agent/concierge/internal/notify"
	"github.com/concierge-agent/concierge/internal/reminders"
	"github.com/concierge-agent/concierge/internal/summarizer"
	"github.com/concierge-agent/concierge/internal/tools"
)

// main constructs the OS-level environment and delegates to [run], so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the argument surface here is
// tiny.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: concierge ask <question>")
		}
		return runAsk(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: concierge ingest <dir>")
		}
		return runIngest(stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Concierge - Personal Assistant Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: concierge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  ingest       Import markdown notes into the fact store")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// newLogger builds the process logger writing to w.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func configuredLevel(cfg *config.Config) slog.Level {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// runAsk boots a minimal agent (no server, no persistence, no
// scheduler) and answers a single question on stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath, question string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, configuredLevel(cfg))
	logger.Info("config loaded", "path", cfgPath)

	provider := llm.NewOllamaClient(cfg.Model.BaseURL, cfg.Model.Name, cfg.Model.MaxTools, logger)
	registry := buildRegistry(cfg, nil, logger)
	trimmer := history.New(cfg.Agent.HistoryBudget, cfg.Agent.SummarizeThreshold,
		summarizer.NewLLM(provider, logger), nil, logger)

	orch := agent.New(provider, registry, trimmer, cfg.Agent, agent.Options{Logger: logger})
	res, err := orch.Run(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, res.Text)
	return nil
}

// runIngest imports a directory of markdown notes into the fact store.
func runIngest(stdout io.Writer, configPath, dir string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, configuredLevel(cfg))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := facts.NewStore(filepath.Join(cfg.DataDir, "facts.db"))
	if err != nil {
		return fmt.Errorf("open fact store: %w", err)
	}
	defer store.Close()

	count, err := facts.NewIngester(store, logger).IngestDir(dir)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", dir, err)
	}
	fmt.Fprintf(stdout, "Ingested %d facts from %s\n", count, dir)
	return nil
}

// runServe is the primary operating mode: it wires every component,
// starts the API server, and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, configuredLevel(cfg))
	slog.SetDefault(logger)
	logger.Info("starting concierge", "version", buildinfo.Version,
		"config", cfgPath, "port", cfg.Listen.Port, "model", cfg.Model.Name)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.New()

	// --- Persistent stores ---
	factStore, err := facts.NewStore(filepath.Join(cfg.DataDir, "facts.db"))
	if err != nil {
		return fmt.Errorf("open fact store: %w", err)
	}
	defer factStore.Close()

	convStore, err := convstore.NewStore(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer convStore.Close()

	if cfg.NotesDir != "" {
		count, err := facts.NewIngester(factStore, logger).IngestDir(cfg.NotesDir)
		if err != nil {
			logger.Warn("notes ingestion failed", "dir", cfg.NotesDir, "error", err)
		} else {
			logger.Info("notes ingested", "dir", cfg.NotesDir, "facts", count)
		}
	}

	// --- Notifications ---
	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.Enabled {
		mqttNotifier := notify.NewMQTT(cfg.Notify, logger)
		if err := mqttNotifier.Start(ctx); err != nil {
			logger.Warn("MQTT notifier unavailable", "error", err)
		} else {
			notifier = mqttNotifier
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				mqttNotifier.Stop(stopCtx)
			}()
		}
	}

	// --- Reminder scheduler ---
	remStore, err := reminders.NewStore(filepath.Join(cfg.DataDir, "reminders.db"))
	if err != nil {
		return fmt.Errorf("open reminder store: %w", err)
	}
	defer remStore.Close()

	sched := reminders.NewScheduler(remStore, notifier, bus, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start reminder scheduler: %w", err)
	}
	defer sched.Stop()

	// --- Model provider and orchestrator ---
	provider := llm.NewOllamaClient(cfg.Model.BaseURL, cfg.Model.Name, cfg.Model.MaxTools, logger)
	registry := buildRegistry(cfg, sched, logger)
	trimmer := history.New(cfg.Agent.HistoryBudget, cfg.Agent.SummarizeThreshold,
		summarizer.NewLLM(provider, logger), bus, logger)

	orch := agent.New(provider, registry, trimmer, cfg.Agent, agent.Options{
		Facts:    facts.NewContextProvider(factStore, 10, logger),
		Bus:      bus,
		Store:    convStore,
		Prefetch: prefetchCalls(registry),
		Logger:   logger,
	})
	if err := orch.LoadConversation(); err != nil {
		logger.Warn("could not restore conversation", "error", err)
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen, orch, trimmer, bus, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	return nil
}

// buildRegistry registers every tool the configuration enables. sched
// may be nil for modes without a scheduler; the reminders tool is then
// withheld.
func buildRegistry(cfg *config.Config, sched *reminders.Scheduler, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry(cfg.DisabledTools, logger)

	registry.Register(tools.Calculator())
	registry.Register(tools.WebFetch(tools.NewFetcher()))

	if cfg.Weather.Latitude != 0 || cfg.Weather.Longitude != 0 {
		registry.Register(tools.Weather(tools.NewWeatherClient(cfg.Weather)))
	} else {
		logger.Info("weather tool disabled: no location configured")
	}

	if sched != nil {
		registry.Register(tools.Reminders(sched))
	}

	if cfg.Calendar.URL != "" {
		client, err := tools.NewCalendarClient(cfg.Calendar)
		if err != nil {
			logger.Warn("calendar tool disabled", "error", err)
		} else {
			registry.Register(tools.Calendar(client))
		}
	}

	if cfg.Contacts.VCardPath != "" {
		book, err := contacts.LoadFile(cfg.Contacts.VCardPath)
		if err != nil {
			logger.Warn("contacts tool disabled", "path", cfg.Contacts.VCardPath, "error", err)
		} else {
			registry.Register(tools.Contacts(book))
			logger.Info("contacts loaded", "count", book.Len())
		}
	}

	return registry
}

// prefetchCalls lists tool data gathered ahead of each model call.
// Today's weather is cheap and nearly always relevant to a household
// assistant.
func prefetchCalls(registry *tools.Registry) []agent.PrefetchCall {
	if !registry.Has("weather") {
		return nil
	}
	return []agent.PrefetchCall{
		{Label: "Today's weather", Tool: "weather", Arguments: `{"days": 1}`},
	}
}
