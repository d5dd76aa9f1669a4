package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
	"tilecast/internal/core/services"
	"tilecast/internal/infrastructure/capture"
	"tilecast/internal/infrastructure/codec"
	"tilecast/internal/infrastructure/monitoring"
	redisrepo "tilecast/internal/infrastructure/repositories/redis"
	redistransport "tilecast/internal/infrastructure/transport/redis"
	"tilecast/internal/infrastructure/transport/websocket"
	"tilecast/pkg/config"
	"tilecast/pkg/logger"
	"tilecast/pkg/utils"
	"tilecast/pkg/validation"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	id := flag.String("id", "", "presenter id (overrides presenter.id)")
	name := flag.String("name", "", "display name (overrides presenter.name)")
	flag.Parse()

	paths := []string{"configs/presenter.yaml", "configs/config.yaml", "config.yaml"}
	if *configPath != "" {
		paths = append([]string{*configPath}, paths...)
	}
	cfg, loadedFrom := config.LoadFirst(paths...)
	if *id != "" {
		cfg.Presenter.ID = *id
	}
	if *name != "" {
		cfg.Presenter.Name = *name
	}
	if cfg.Presenter.ID == "" {
		cfg.Presenter.ID = utils.GenerateClientID()
	}
	cfg.Presenter.Name = utils.DisplayName(cfg.Presenter.Name, cfg.Presenter.ID)

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if loadedFrom != "" {
		log.Infow("Loaded config", "path", loadedFrom)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalw("Invalid configuration", "error", err)
	}
	if err := validation.ValidateClientID(cfg.Presenter.ID); err != nil {
		log.Fatalw("Invalid presenter id", "client_id", cfg.Presenter.ID, "error", err)
	}

	source, err := capture.NewSource(cfg.Capture.Source, cfg.Capture.Display, cfg.Capture.Synthetic.Width, cfg.Capture.Synthetic.Height)
	if err != nil {
		log.Fatalw("Failed to open screen source", "source", cfg.Capture.Source, "error", err)
	}
	frameCodec, err := codec.New(codec.Format(cfg.Capture.Codec), cfg.Capture.JPEGQuality)
	if err != nil {
		log.Fatalw("Failed to create codec", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, closeTransport, err := newPresenterTransport(ctx, cfg, log)
	if err != nil {
		log.Fatalw("Failed to create transport", "kind", cfg.Transport.Kind, "error", err)
	}
	defer closeTransport()

	collector := monitoring.NewPrometheusCollector("tilecast_presenter")

	agent := services.NewClientProtocolAgent(services.AgentConfig{
		ClientID:          domain.ClientID(cfg.Presenter.ID),
		Name:              cfg.Presenter.Name,
		HeartbeatInterval: cfg.Protocol.HeartbeatInterval,
		LivenessTimeout:   cfg.Protocol.LivenessTimeout,
		Capturer: services.CapturerConfig{
			Interval:       cfg.Capture.Interval,
			MaxQueueLength: cfg.Capture.MaxQueueLength,
		},
		Processor: services.ProcessorConfig{
			MaxQueueLength:   cfg.Capture.MaxQueueLength,
			DeltaThreshold:   cfg.Processor.DeltaThreshold,
			DeltaEnabled:     cfg.Processor.DeltaEnabled,
			KeyframeInterval: cfg.Processor.KeyframeInterval,
		},
	}, transport, source, frameCodec, collector, log)

	transport.Subscribe(domain.Topic, agent.OnDataReceived)
	transport.OnClientLeft(func(peer string) {
		if peer == string(domain.ServerID) {
			log.Warnw("Lost connection to viewer", "client_id", cfg.Presenter.ID)
		}
	})
	if err := transport.Start(ctx); err != nil {
		log.Fatalw("Failed to start transport", "error", err)
	}

	if err := agent.StartScreenSharing(ctx); err != nil {
		log.Fatalw("Failed to start screen sharing", "error", err)
	}
	startedAt := time.Now()

	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		metricsSrv = serveMetrics(cfg.Monitoring.PrometheusPort, collector, log)
		go sampleQueues(ctx, agent, collector, cfg.Monitoring.MetricsInterval)
	}

	log.Infow("Presenter running",
		"client_id", cfg.Presenter.ID,
		"name", cfg.Presenter.Name,
		"transport", cfg.Transport.Kind,
		"source", cfg.Capture.Source,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infow("Received shutdown signal", "signal", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()

	agent.StopScreensharing(stopCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
	if err := transport.Stop(); err != nil {
		log.Warnw("Error stopping transport", "error", err)
	}

	stats := agent.Stats()
	log.Infow("Presenter stopped",
		"uptime", utils.FormatDuration(time.Since(startedAt)),
		"packets_sent", stats.PacketsSent,
		"send_failures", stats.SendFailures,
		"units_full", stats.UnitsFull,
		"units_delta", stats.UnitsDelta,
	)
}

func newPresenterTransport(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (ports.Transport, func(), error) {
	switch cfg.Transport.Kind {
	case "websocket":
		if err := validation.ValidateURL(cfg.Transport.Client.ServerURL); err != nil {
			return nil, nil, fmt.Errorf("transport.client.server_url: %w", err)
		}
		client := websocket.NewClient(websocket.ClientConfig{
			URL:            cfg.Transport.Client.ServerURL,
			ClientID:       domain.ClientID(cfg.Presenter.ID),
			Name:           cfg.Presenter.Name,
			Token:          cfg.Presenter.Token,
			DialAttempts:   cfg.Transport.Client.DialAttempts,
			DialBackoff:    cfg.Transport.Client.DialBackoff,
			WriteTimeout:   cfg.Transport.WebSocket.WriteTimeout,
			MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		}, log)
		return client, func() {}, nil

	case "redis":
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		t := redistransport.NewTransport(client, cfg.Presenter.ID, cfg.Transport.Redis.ChannelPrefix, log)
		return t, func() { _ = redisrepo.CloseRedisClient(client) }, nil

	case "memory":
		return nil, nil, errors.New("the memory transport only works inside the viewer process")

	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func serveMetrics(port int, collector *monitoring.PrometheusCollector, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func sampleQueues(ctx context.Context, agent *services.ClientProtocolAgent, collector *monitoring.PrometheusCollector, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := agent.Stats()
			collector.SetQueueDepth("capture", stats.Capture.Depth)
			collector.SetQueueDepth("encode", stats.Encoded.Depth)
		}
	}
}
