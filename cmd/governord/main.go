package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"sandbox-governor/internal/api"
	"sandbox-governor/internal/audit"
	"sandbox-governor/internal/config"
	"sandbox-governor/internal/emergency"
	"sandbox-governor/internal/guard"
	"sandbox-governor/internal/hostmon"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/orchestrator"
	"sandbox-governor/internal/runtime"
	"sandbox-governor/internal/sandbox"
	"sandbox-governor/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatal().Err(err).Str("path", config.Path()).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("governor exited with error")
	}
	log.Info().Msg("governor stopped")
}

func setupLogging(lc config.LogConfig) {
	if lc.Format != "json" && os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	// Persistence
	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	auditWriter := storage.NewAuditWriter(store, cfg.Database.AuditBuffer, metrics)
	auditWriter.Start()
	defer auditWriter.Flush(10 * time.Second)
	sink := audit.Multi{audit.LogSink{}, auditWriter}

	// Emergency stop and pre-flight gate
	coord := emergency.NewCoordinator(sink)
	pol, err := cfg.SecurityPolicy()
	if err != nil {
		return err
	}
	detector := monitor.NewEscapeDetector(monitor.ParseSeverity(cfg.Policy.RiskBlockSeverity))
	gate := &guard.Gate{
		Emergency: coord,
		Whitelist: guard.NewStaticWhitelist(cfg.Security.WhitelistedOperations...),
		Risk:      detector,
	}
	if cfg.Security.RateLimitRPS > 0 {
		gate.Limiter = guard.NewTokenBucketLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	}

	// Container engine. Startup continues without it so /health reports
	// the failure instead of the process dying.
	var engine sandbox.Engine
	docker, err := sandbox.NewDockerEngine(cfg.Engine.DockerHost)
	if err != nil {
		log.Warn().Err(err).Msg("container engine unavailable, execution will fail")
		engine = sandbox.UnavailableEngine{Err: err}
	} else {
		engine = docker
	}

	manager := sandbox.NewManager(engine, cfg.SandboxConfig(pol),
		sandbox.WithGate(gate),
		sandbox.WithAudit(sink),
		sandbox.WithEmergency(coord),
		sandbox.WithRuntimes(runtime.NewRegistry(cfg.Engine.Images)),
		sandbox.WithMetrics(metrics),
		sandbox.WithTracer(tracer),
	)
	defer func() {
		if err := manager.Close(); err != nil {
			log.Error().Err(err).Msg("manager close error")
		}
	}()

	coord.Subscribe("sandbox", func(ctx context.Context, _ string) error {
		metrics.SetEmergency(true)
		_, err := manager.EmergencyStopAll(ctx)
		return err
	})

	orch := orchestrator.New(manager,
		orchestrator.WithAudit(sink),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tracer),
		orchestrator.WithDetector(detector),
	)

	// Host process monitor
	var hostMonitor *hostmon.Monitor
	if cfg.Monitor.Enabled {
		source, err := hostmon.NewProcfsSource(cfg.Monitor.ProcRoot)
		if err != nil {
			return err
		}
		term := hostmon.NewTerminator(hostmon.UnixSignaller{}, cfg.TerminatorConfig(), store, sink, metrics)
		hostMonitor = hostmon.NewMonitor(source, term, cfg.MonitorConfig(),
			hostmon.WithRecorder(store),
			hostmon.WithAudit(sink),
			hostmon.WithEscalator(coord),
			hostmon.WithMetrics(metrics),
		)
		if err := hostMonitor.Start(ctx); err != nil {
			return err
		}
		defer hostMonitor.Stop()
	}

	deps := api.Deps{
		Runner:     orch,
		Containers: manager,
		Emergency:  coord,
		History:    store,
		Engine:     engine,
		Metrics:    metrics,
	}
	if hostMonitor != nil {
		deps.Monitor = hostMonitor
	}
	server := api.NewServer(cfg, deps)

	log.Info().
		Str("addr", cfg.Address()).
		Str("db_driver", cfg.Database.Driver).
		Bool("engine_available", docker != nil).
		Bool("host_monitor", hostMonitor != nil).
		Msg("governor starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return storage.NewPruner(store, cfg.StorageRetention(), cfg.Retention.PruneInterval, metrics).Run(gctx)
	})
	g.Go(func() error {
		manager.RunReaper(gctx, cfg.Engine.ReapInterval, cfg.Engine.OrphanMaxAge)
		return nil
	})
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
