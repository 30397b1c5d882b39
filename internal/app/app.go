// Package app manages the orchestrator application lifecycle: configuration,
// logging, service wiring, the HTTP server and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/api"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/config"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/telemetry"
)

// DefaultShutdownTimeout bounds the HTTP server drain on shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Options contains configuration for creating a new App.
type Options struct {
	ConfigPath string
	Version    string
}

// App holds the orchestrator service and its HTTP server.
type App struct {
	config     *config.Config
	logger     logger.Logger
	service    *orchestrator.Service
	httpServer *http.Server
	version    string
}

// New creates an App with all dependencies wired but not yet started.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	appLogger = appLogger.With(
		logger.String("service", "orchestrator"),
		logger.String("version", opts.Version),
	)

	provider := telemetry.NewProvider()
	service := orchestrator.NewService(cfg, appLogger, orchestrator.WithTelemetry(provider))

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.LoggerMiddleware(appLogger))
	api.SetupRoutes(router,
		api.NewJobHandler(service),
		api.NewScheduleHandler(service),
		api.NewOpsHandler(service),
		provider.Handler(),
	)

	return &App{
		config:  cfg,
		logger:  appLogger,
		service: service,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		version: opts.Version,
	}, nil
}

// Run initializes the orchestrator, serves the API and blocks until a
// shutdown signal or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	if err := a.service.Initialize(ctx, defaultProcessors(a.service, a.config, a.logger)); err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("API server listening",
			logger.String("address", a.config.Server.Address),
		)
		serverErr <- a.httpServer.ListenAndServe()
	}()

	return a.waitForShutdown(serverErr)
}

func (a *App) waitForShutdown(serverErr chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var shutdownErr error

	select {
	case sig := <-sigChan:
		a.logger.Info("shutting down gracefully",
			logger.String("signal", sig.String()),
		)
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", logger.Error(err))
			shutdownErr = err
		}
	}

	a.shutdownHTTPServer()
	if err := a.service.Close(); err != nil {
		a.logger.Error("orchestrator close error", logger.Error(err))
	}

	a.logger.Info("service stopped")
	return shutdownErr
}

func (a *App) shutdownHTTPServer() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown error", logger.Error(err))
	} else {
		a.logger.Info("HTTP server stopped")
	}
}

// Close flushes buffered log entries.
func (a *App) Close() error {
	return a.logger.Sync()
}

// Logger returns the application logger.
func (a *App) Logger() logger.Logger {
	return a.logger
}
