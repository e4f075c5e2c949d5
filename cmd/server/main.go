package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/georgeshao/inference-gate/internal/admission"
	"github.com/georgeshao/inference-gate/internal/api"
	"github.com/georgeshao/inference-gate/internal/config"
	"github.com/georgeshao/inference-gate/internal/dispatcher"
	"github.com/georgeshao/inference-gate/internal/logging"
	"github.com/georgeshao/inference-gate/internal/metrics"
	"github.com/georgeshao/inference-gate/internal/upstream"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "inference-gate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	if cfg.Upstream.APIKey == "" {
		log.Warn("no upstream API key configured; completions will fail")
	}

	store, err := openStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	m.MustRegister(reg)

	client := upstream.NewClient(cfg.ToUpstream())
	d := dispatcher.New(client, cfg.ToDispatcher(),
		dispatcher.WithLogger(log.Named("dispatcher")),
		dispatcher.WithMetrics(m))
	ctrl := admission.New(store, cfg.ToAdmission(),
		admission.WithLogger(log.Named("admission")),
		admission.WithMetrics(m))

	app := fiber.New(fiber.Config{
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          cfg.Queue.RequestTimeout + 30*time.Second,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             10 * 1024 * 1024, // 10MB
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	api.SetupRoutes(app, api.NewHandler(d, ctrl, cfg.Queue.RequestTimeout, log.Named("api")), reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gctx)
	})

	if p, ok := store.(purger); ok {
		g.Go(func() error {
			runJanitor(gctx, p, cfg.Store.PurgeInterval, log.Named("janitor"))
			return nil
		})
	}

	g.Go(func() error {
		log.Info("starting inference gate",
			zap.String("addr", cfg.Port),
			zap.String("store", cfg.Store.Backend))
		if err := app.Listen(cfg.Port); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		return app.ShutdownWithTimeout(30 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}
