// Package main is the entry point for the pylon proxy server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pylonproxy/pylon/internal/config"
	"github.com/pylonproxy/pylon/internal/dispatch"
	"github.com/pylonproxy/pylon/internal/handler"
	"github.com/pylonproxy/pylon/internal/metrics"
	"github.com/pylonproxy/pylon/internal/provider"
	"github.com/pylonproxy/pylon/internal/registry"
	"github.com/pylonproxy/pylon/internal/security"
	"github.com/pylonproxy/pylon/internal/ui"
	"github.com/pylonproxy/pylon/internal/usage"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pylon: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting pylon", slog.String("version", Version))

	models, err := cfg.BuildModels()
	if err != nil {
		logger.Error("failed to build model registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	reg := registry.New(models)
	logger.Info("model registry loaded", slog.Int("models", reg.Len()))

	store, err := usage.OpenStore(usage.StoreConfig{
		Path:        cfg.Database.Path,
		BusyTimeout: time.Duration(cfg.Database.BusyTimeoutMillis) * time.Millisecond,
	}, logger)
	if err != nil {
		logger.Error("failed to open usage ledger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	recorder := usage.MultiRecorder{store, m.Recorder(), ui.Recorder()}

	client := provider.NewOpenAIClient()
	dispatcher := dispatch.New(reg, client, recorder, dispatch.Defaults{
		Timeout: cfg.DispatchTimeout(),
		Retries: cfg.Defaults.Retries,
	},
		dispatch.WithLogger(logger),
		dispatch.WithSanitizer(security.RedactPayload),
	)

	api := handler.New(dispatcher, reg, store, handler.WithLogger(logger))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(handler.RecoveryMiddleware(logger))
	router.Use(handler.CORSMiddleware())
	router.Use(handler.RequestIDMiddleware())
	router.Use(handler.LoggingMiddleware(logger))
	router.Use(m.InFlight())

	api.Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	// Hot reload: changes to the config file swap the model registry in
	// place without restarting in-flight requests.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		err := config.Watch(watchCtx, *configPath, logger, func(next *config.Config) {
			nextModels, err := next.BuildModels()
			if err != nil {
				logger.Error("reloaded config has unresolved credentials, keeping previous models",
					slog.String("error", err.Error()))
				return
			}
			reg.Replace(nextModels)
			logger.Info("model registry replaced", slog.Int("models", reg.Len()))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Address(),
		Handler: router,
	}

	go func() {
		ui.PrintBanner(Version)
		ui.PrintStartupInfo(cfg.Server.Host, cfg.Server.Port, reg.Len())
		logger.Info("server starting", slog.String("address", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	ui.PrintShutdown()

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}

// setupLogger builds the process logger. All records pass through the
// credential redactor before they are written.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.Format == "text" {
		inner = slog.NewTextHandler(os.Stdout, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(security.NewRedactingHandler(inner))
	slog.SetDefault(logger)
	return logger
}
