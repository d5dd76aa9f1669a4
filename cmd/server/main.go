package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
	"tilecast/internal/core/services"
	httphandlers "tilecast/internal/handlers/http"
	"tilecast/internal/infrastructure/codec"
	"tilecast/internal/infrastructure/monitoring"
	"tilecast/internal/infrastructure/reliability"
	repositories "tilecast/internal/infrastructure/repositories"
	"tilecast/pkg/circuitbreaker"
	"tilecast/pkg/config"
	"tilecast/pkg/logger"
	"tilecast/pkg/retry"
	"tilecast/pkg/tracing"
	"tilecast/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	paths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}
	if *configPath != "" {
		paths = append([]string{*configPath}, paths...)
	}
	cfg, loadedFrom := config.LoadFirst(paths...)

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if loadedFrom == "" {
		log.Infow("No config file found, using defaults")
	} else {
		log.Infow("Loaded config", "path", loadedFrom)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalw("Invalid configuration", "error", err)
	}
	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = utils.GenerateInstanceID()
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)

	presence := reliability.NewPresenceStoreWrapper(
		repoFactory.CreatePresenceStore(),
		"registry",
		retry.DefaultConfig(),
		circuitbreaker.DefaultConfig(),
		log,
	)

	collector := monitoring.NewPrometheusCollector("tilecast")

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	}

	tileCodec, err := codec.New(codec.Format(cfg.Capture.Codec), cfg.Capture.JPEGQuality)
	if err != nil {
		log.Fatalw("Failed to create codec", "error", err)
	}

	link, err := newServerTransport(cfg, repoFactory, authService, log)
	if err != nil {
		log.Fatalw("Failed to create transport", "kind", cfg.Transport.Kind, "error", err)
	}

	registry, err := services.NewSubscriberRegistry(services.RegistryConfig{
		InstanceID:      cfg.Server.InstanceID,
		LivenessTimeout: cfg.Protocol.LivenessTimeout,
		MaxQueueLength:  cfg.Capture.MaxQueueLength,
		Layout: services.LayoutConfig{
			TilesPerPage: cfg.Layout.TilesPerPage,
			Canvas:       domain.Resolution{Width: cfg.Layout.CanvasWidth, Height: cfg.Layout.CanvasHeight},
		},
	}, link.transport, tileCodec, presence, collector, log)
	if err != nil {
		log.Fatalw("Failed to create subscriber registry", "error", err)
	}

	link.transport.Subscribe(domain.Topic, registry.OnPacket)
	link.transport.OnClientLeft(registry.OnClientLeft)
	if err := link.transport.Start(ctx); err != nil {
		log.Fatalw("Failed to start transport", "error", err)
	}

	var demo *services.ClientProtocolAgent
	if link.loopback != nil {
		demo, err = startLoopbackPresenter(ctx, cfg, link.loopback, collector, log)
		if err != nil {
			log.Fatalw("Failed to start loopback presenter", "error", err)
		}
	}

	checker := monitoring.NewHealthChecker(log)
	checker.AddPresenceStoreCheck(presence, cfg.Monitoring.MetricsInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}
	checker.StartBackgroundChecks(ctx)

	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metricsHandler = collector.Handler()
		log.Info("Prometheus metrics enabled")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:    cfg,
		Auth:      authService,
		Viewer:    httphandlers.NewViewerHandler(registry, tileCodec, cfg.Layout.TileWait, log),
		Health:    httphandlers.NewHealthHandler(checker, metricsHandler),
		WebSocket: link.handler,
		Logger:    log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting tilecast viewer",
			"address", cfg.Server.Address,
			"transport", cfg.Transport.Kind,
			"instance_id", cfg.Server.InstanceID,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if demo != nil {
		demo.StopScreensharing(shutdownCtx)
	}
	shutdown(shutdownCtx, log, srv, link.transport, registry, repoFactory, tp)
	cancel()

	log.Info("tilecast viewer stopped")
}

func shutdown(
	ctx context.Context,
	log *zap.SugaredLogger,
	srv *http.Server,
	transport ports.Transport,
	registry *services.SubscriberRegistry,
	repoFactory *repositories.RepositoryFactory,
	tp *tracing.TracerProvider,
) {
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	if err := transport.Stop(); err != nil {
		log.Warnw("Error stopping transport", "error", err)
	}
	registry.Close()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Warnw("Error shutting down tracer", "error", err)
	}
}
