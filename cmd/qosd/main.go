package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/internal/core/ports"
	"streamqos/internal/core/services"
	httphandlers "streamqos/internal/handlers/http"
	"streamqos/internal/infrastructure/distributed"
	"streamqos/internal/infrastructure/middleware"
	"streamqos/internal/infrastructure/monitoring"
	signalserver "streamqos/internal/infrastructure/signal"
	"streamqos/pkg/config"
	"streamqos/pkg/logger"
	"streamqos/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/root/configs/config.yaml",
	"config.yaml",
}

func main() {
	app := &cli.App{
		Name:        "qosd",
		Usage:       "adaptive streaming QoS controller",
		Description: "run without subcommands to start the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config file",
				EnvVars: []string{"STREAMQOS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides logging.level",
			},
			&cli.BoolFlag{
				Name:  "log-evaluations",
				Usage: "log every evaluation and telemetry gap",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "sets log-level to debug with the console encoder",
			},
		},
		Action: startServer,
		Commands: []*cli.Command{
			{
				Name:   "check-config",
				Usage:  "validate the configuration and print the tier table",
				Action: checkConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, string, error) {
	if path := c.String("config"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	cfg := config.DefaultConfig()
	return cfg, "", cfg.Validate()
}

func checkConfig(c *cli.Context) error {
	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return err
	}

	if path == "" {
		path = "(defaults)"
	}
	fmt.Printf("config: %s\n", path)
	fmt.Printf("tick interval: %s, history: %d samples\n", profile.TickInterval, profile.HistorySize)
	for _, tier := range profile.Tiers {
		fmt.Printf("  %-8s %6d kbps  %-9s %3d fps\n", tier.Name, tier.BitrateKbps, tier.Resolution, tier.FPS)
	}
	return nil
}

func startServer(c *cli.Context) error {
	startTime := time.Now()

	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if c.Bool("dev") {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("loaded config", "path", path)
	} else {
		log.Info("no config file found, using defaults")
	}

	profile, err := cfg.Profile()
	if err != nil {
		return fmt.Errorf("invalid qos profile: %w", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	qualityService := services.NewQualityService(profile)
	transmissionService := services.NewTransmissionService(profile)

	health := monitoring.NewHealthChecker()
	sinks := services.FanoutSink{}
	if cfg.Monitoring.PrometheusEnabled {
		sinks = append(sinks, monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer))
	}
	if c.Bool("log-evaluations") {
		sinks = append(sinks, services.LoggingSink{Logger: log.Named("evaluations")})
	}

	var (
		redisClient *redis.Client
		eventBus    *distributed.EventBus
	)
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		eventBus = distributed.NewEventBus(redisClient, distributed.EventBusConfig{
			Channel:        cfg.Redis.Channel,
			PublishRetries: cfg.Redis.PublishRetries,
			PublishTimeout: cfg.Redis.PublishTimeout,
		}, log.Named("event_bus"))
		eventBus.Start(ctx)
		sinks = append(sinks, eventBus)
		health.AddRedisCheck(redisClient, 10*time.Second, 2*time.Second)
	}

	var shared ports.EvaluationSink
	if len(sinks) > 0 {
		shared = sinks
	}

	wsServer := signalserver.NewWebSocketServer(
		qualityService,
		transmissionService,
		profile,
		shared,
		middleware.NewWebSocketLimiter(cfg),
		signalserver.ServerConfigFrom(cfg),
		log.Named("signal"),
	)
	health.AddFuncCheck("signal", wsServer.Accepting, 5*time.Second)
	health.StartBackgroundChecks(ctx)

	router := newRouter(cfg, zapLogger, log, qualityService, transmissionService, wsServer, profile, health, startTime)

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", wsServer.HandleWebSocket)
	signalMux.HandleFunc("/health", wsServer.HealthCheck)
	signalHTTP := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: signalMux,
	}

	servers := []*http.Server{apiServer, signalHTTP}
	if cfg.Monitoring.PrometheusEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: metricsMux,
		})
	}

	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Infow("listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}(srv)
	}
	log.Infow("streamqos started",
		"tiers", len(profile.Tiers),
		"tick_interval", profile.TickInterval,
		"redis", cfg.Redis.Enabled,
		"tracing", cfg.Tracing.Enabled,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Control loops stop first so no evaluation reaches a closed sink.
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error stopping sessions", "error", err)
	}
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "address", srv.Addr, "error", err)
			_ = srv.Close()
		}
	}

	cancel()
	if eventBus != nil {
		eventBus.Wait()
		published, dropped, failed := eventBus.Stats()
		log.Infow("event bus stopped", "published", published, "dropped", dropped, "failed", failed)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Infow("streamqos stopped", "uptime", time.Since(startTime).String())
	return runErr
}

func newRouter(
	cfg *config.Config,
	zapLogger *zap.Logger,
	log *zap.SugaredLogger,
	quality ports.QualityService,
	transmission ports.TransmissionService,
	sessions ports.SessionDirectory,
	profile domain.QoSProfile,
	health *monitoring.HealthChecker,
	startTime time.Time,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewQoSHandler(quality, transmission, sessions, profile).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"checks":    health.LastResults(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	return router
}
