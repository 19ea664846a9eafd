package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caseplane/caseplane/internal/caseplane"
	"github.com/caseplane/caseplane/internal/httpapi"
)

func main() {
	logger := buildLogger(os.Getenv("CASEPLANE_LOG_LEVEL"))
	slog.SetDefault(logger)

	addr := os.Getenv("CASEPLANE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, err := caseplane.BuildStateBackendFromDSN(os.Getenv("CASEPLANE_STATE_DSN"))
	if err != nil {
		logger.Error("failed to initialize state backend", "error", err)
		os.Exit(1)
	}

	store := caseplane.NewStoreWithOptions(caseplane.StoreOptions{
		Backend: backend,
		Logger:  logger,
	})
	defer store.Close()

	var configWatcher *caseplane.ConfigWatcher
	voiceAISecret := func() string { return os.Getenv("CASEPLANE_VOICEAI_WEBHOOK_SECRET") }
	engineURL := os.Getenv("CASEPLANE_ENGINE_URL")
	engineToken := os.Getenv("CASEPLANE_ENGINE_TOKEN")
	schemas := caseplane.NewSchemaRegistry()

	if configPath := os.Getenv("CASEPLANE_CONFIG"); configPath != "" {
		configWatcher, err = caseplane.NewConfigWatcher(configPath, logger)
		if err != nil {
			logger.Error("failed to load config file", "path", configPath, "error", err)
			os.Exit(1)
		}
		defer configWatcher.Close()
		voiceAISecret = configWatcher.VoiceAISecretSource()
		cfg := configWatcher.Current()
		if cfg.Engine.BaseURL != "" {
			engineURL = cfg.Engine.BaseURL
		}
		if cfg.Engine.AuthToken != "" {
			engineToken = cfg.Engine.AuthToken
		}
		for workflowName, schemaPath := range cfg.Schemas {
			raw, readErr := os.ReadFile(schemaPath)
			if readErr != nil {
				logger.Error("failed to read workflow schema", "workflow", workflowName, "path", schemaPath, "error", readErr)
				os.Exit(1)
			}
			if regErr := schemas.Register(workflowName, raw); regErr != nil {
				logger.Error("failed to register workflow schema", "workflow", workflowName, "error", regErr)
				os.Exit(1)
			}
		}
	}

	engine := caseplane.NewHTTPEngineClient(caseplane.HTTPEngineClientOptions{
		BaseURL:   engineURL,
		AuthToken: engineToken,
		UserAgent: "caseplane",
	})

	hub := caseplane.NewNotifierHub()
	resolver := caseplane.NewIdentityResolver(store, logger)
	dispatcher := caseplane.NewSignalDispatcher(store, engine, logger)
	ingestor := caseplane.NewEventIngestor(store, resolver, dispatcher, logger)
	controller := caseplane.NewExecutionController(store, engine, dispatcher, caseplane.ControllerOptions{
		Schemas:  schemas,
		Notifier: hub,
		Logger:   logger,
	})

	reconciler := caseplane.NewExecutionReconciler(store, engine, hub, caseplane.ReconcilerOptions{
		Interval: durationEnv(logger, "CASEPLANE_RECONCILE_INTERVAL", 2*time.Second),
		Logger:   logger,
	})

	caseplane.RegisterMetrics(prometheus.DefaultRegisterer)

	api := httpapi.NewServer(store, ingestor, controller, hub, httpapi.ServerConfig{
		VoiceAISecret:   voiceAISecret,
		SignatureMaxAge: durationEnv(logger, "CASEPLANE_SIGNATURE_MAX_AGE", 30*time.Minute),
		MaxBodyBytes:    int64Env(logger, "CASEPLANE_MAX_BODY_BYTES", 1<<20),
		Logger:          logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  120 * time.Second,
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reconciler.Start(rootCtx)
	defer reconciler.Stop()

	go func() {
		logger.Info("caseplane listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
}

func buildLogger(rawLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch rawLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		TimeFormat: time.Kitchen,
		Level:      level,
	})
	return slog.New(handler)
}

func int64Env(logger *slog.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(logger *slog.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
