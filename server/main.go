// Command server runs the simulation service: the REST API on HTTP_PORT and
// live telemetry on WS_PORT.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"

	"github.com/ch0002ic/balanced-corridor-planner/internal/archive"
	"github.com/ch0002ic/balanced-corridor-planner/internal/config"
	"github.com/ch0002ic/balanced-corridor-planner/internal/dataset"
	"github.com/ch0002ic/balanced-corridor-planner/internal/hub"
	"github.com/ch0002ic/balanced-corridor-planner/internal/logbuf"
	"github.com/ch0002ic/balanced-corridor-planner/internal/logging"
	"github.com/ch0002ic/balanced-corridor-planner/internal/policy"
	"github.com/ch0002ic/balanced-corridor-planner/internal/reducer"
	"github.com/ch0002ic/balanced-corridor-planner/internal/relay"
	"github.com/ch0002ic/balanced-corridor-planner/internal/repository"
	"github.com/ch0002ic/balanced-corridor-planner/internal/supervisor"
	"github.com/ch0002ic/balanced-corridor-planner/internal/tracing"
	internalhttp "github.com/ch0002ic/balanced-corridor-planner/internal/transport/http"
	"github.com/ch0002ic/balanced-corridor-planner/internal/transport/http/api"
	"github.com/ch0002ic/balanced-corridor-planner/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Int("ws_port", cfg.WSPort).
		Str("database", cfg.DatabaseURL).
		Strs("command", cfg.SimCommand).
		Msg("starting simulation service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TraceExporter == "log" {
		tp := tracing.NewLogProvider(logger)
		otel.SetTracerProvider(tp)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("failed to flush spans")
			}
		}()
	}

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	if n, err := db.FailInterruptedRuns(ctx, "service restarted while the run was active"); err != nil {
		logger.Error().Err(err).Msg("failed to close interrupted runs")
	} else if n > 0 {
		logger.Warn().Int64("runs", n).Msg("marked interrupted runs as failed")
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	connectionHub := hub.New(logger)
	defer connectionHub.Close()

	if cfg.RedisAddr != "" {
		r, err := relay.New(ctx, cfg.RedisAddr,
			relay.WithChannel(cfg.RedisChannel),
			relay.WithLogger(logger),
			relay.WithBufferSize(cfg.SendBuffer),
		)
		if err != nil {
			logger.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("redis relay disabled")
		} else {
			defer r.Close()
			go r.Run(ctx, connectionHub)
			logger.Info().Str("channel", r.Channel()).Msg("relaying events to redis")
		}
	}

	stager := dataset.NewStager()
	catalog := archive.NewCatalog(db, logger)
	sup := supervisor.New(supervisor.Options{
		Command:       cfg.SimCommand,
		DataDir:       cfg.DataDir,
		Marker:        cfg.MarkerPrefix,
		StopGrace:     cfg.StopGrace,
		OutputGrace:   cfg.OutputGrace,
		LogView:       cfg.LogView,
		KnownFeatures: cfg.KnownFeatures,
		MaxRows:       cfg.MaxDatasetRows,
	}, supervisor.Deps{
		Stager:  stager,
		Logs:    logbuf.New(cfg.LogCapacity),
		Reducer: reducer.New(cfg.DefaultTotal, cfg.ResourceClasses),
		Store:   db,
		Archive: catalog,
		Hub:     connectionHub,
		Policy:  policyEngine,
		Tracer:  tracing.New(otel.GetTracerProvider()),
		Logger:  logger,
	})

	// REST server
	restServer := internalhttp.NewServer(api.NewHandler(sup, stager, catalog, connectionHub, cfg.MaxUploadBytes), logger)

	// WebSocket server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(logging.RequestLogger(logger.With().Str("component", "ws").Logger()))
	wsEcho.Use(middleware.Recover())
	ws.NewServer(cfg, connectionHub, sup, logger).Register(wsEcho)

	errCh := make(chan error, 2)
	start := func(name string, e *echo.Echo, port int) {
		addr := fmt.Sprintf(":%d", port)
		logger.Info().Str("addr", addr).Msgf("%s server listening", name)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go start("rest", restServer, cfg.HTTPPort)
	go start("websocket", wsEcho, cfg.WSPort)

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+5*time.Second)
	defer cancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("simulation did not stop in time")
	}
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown rest server gracefully")
	}
	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown websocket server gracefully")
	}

	logger.Info().Msg("simulation service stopped")
}
