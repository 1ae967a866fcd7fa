// Tunzymd is a multi-tenant messaging bot host.
//
// It pairs phone numbers with the messaging platform through a web
// front end, keeps one bot session per paired number, and runs the
// command and moderation engine over each session's inbound messages.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tunzymd serve      Start the session host and pairing front end
//	tunzymd version    Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tunzyshop/tunzymd/internal/bot"
	"github.com/tunzyshop/tunzymd/internal/buildinfo"
	"github.com/tunzyshop/tunzymd/internal/config"
	"github.com/tunzyshop/tunzymd/internal/content"
	"github.com/tunzyshop/tunzymd/internal/gateway"
	"github.com/tunzyshop/tunzymd/internal/media"
	"github.com/tunzyshop/tunzymd/internal/ops"
	"github.com/tunzyshop/tunzymd/internal/session"
	"github.com/tunzyshop/tunzymd/internal/store"
	"github.com/tunzyshop/tunzymd/internal/web"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tunzymd command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which interferes with calling run concurrently from tests, and the
// argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "tunzymd - multi-tenant messaging bot host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tunzymd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve      Start the session host and pairing front end")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/tunzymd/config.yaml, /etc/tunzymd/config.yaml")
	return nil
}

// runServe is the primary operating mode: load config, open the store,
// resume sessions with stored credentials, and serve the pairing front
// end until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting tunzymd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial text logger only covers the startup banner.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "gateway", cfg.Gateway.URL)

	// SIGINT/SIGTERM cancel the same ctx every component runs under.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Settings store ---
	// Chat settings, warn counters and credential directories, all under
	// the data dir.
	st, err := store.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "data_dir", cfg.DataDir)

	// --- Command collaborators ---
	// Both are optional; their commands degrade to a notice when absent.
	var contentClient *content.Client
	if cfg.Content.Configured() {
		contentClient = content.NewClient(cfg.Content.BaseURL, cfg.Content.APIKey, logger)
		logger.Info("content api configured", "base_url", cfg.Content.BaseURL)
	} else {
		logger.Warn("content api not configured - .ai/.ig/.tiktok disabled")
	}

	var transcoder media.Transcoder
	if cfg.Transcoder.Configured() {
		transcoder = media.NewHTTPTranscoder(cfg.Transcoder.URL)
		logger.Info("transcoder configured", "url", cfg.Transcoder.URL)
	} else {
		logger.Warn("transcoder not configured - .s/.hd disabled")
	}

	dispatcher := bot.NewDispatcher(bot.Config{
		OwnerNumber:   cfg.Owner.Number,
		OwnerName:     cfg.Owner.Name,
		MenuImagePath: cfg.MenuImage,
		Store:         st,
		Content:       contentClient,
		Transcoder:    transcoder,
		Logger:        logger,
	})

	// --- Session layer ---
	registry := session.NewRegistry(logger)
	dial := func(dctx context.Context, identity, authDir string) (session.Transport, error) {
		return gateway.Dial(dctx, cfg.Gateway.URL, cfg.Gateway.Token, identity, authDir, logger)
	}
	coordinator := session.NewCoordinator(ctx, registry, dial, dispatcher, st, logger)

	// Resume every identity that still holds credential material.
	identities, err := st.Identities()
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	for _, id := range identities {
		if !st.HasCredentials(id) {
			continue
		}
		if err := coordinator.Resume(id); err != nil {
			logger.Warn("session resume failed", "identity", id, "error", err)
			continue
		}
		logger.Info("session resuming", "identity", id)
	}

	// --- MQTT status publisher ---
	if cfg.MQTT.Enabled {
		publisher := ops.NewPublisher(cfg.MQTT, registry, logger)
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Pairing front end ---
	front := web.NewServer(coordinator, registry, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler:           front.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)

		registry.StopAll()
	}()

	logger.Info("pairing front end listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("tunzymd stopped")
	return nil
}

// newLogger creates a structured logger writing to w at the given level
// and format ("text" or "json"; anything else falls back to text).
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
