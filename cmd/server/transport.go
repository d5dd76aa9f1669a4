package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
	"tilecast/internal/core/services"
	"tilecast/internal/infrastructure/capture"
	"tilecast/internal/infrastructure/codec"
	"tilecast/internal/infrastructure/monitoring"
	repositories "tilecast/internal/infrastructure/repositories"
	"tilecast/internal/infrastructure/transport/memory"
	redistransport "tilecast/internal/infrastructure/transport/redis"
	"tilecast/internal/infrastructure/transport/websocket"
	"tilecast/pkg/config"

	"go.uber.org/zap"
)

type serverLink struct {
	transport ports.Transport
	// handler accepts presenter connections; websocket only.
	handler http.HandlerFunc
	// loopback hosts an in-process presenter; memory only.
	loopback *memory.Bus
}

func newServerTransport(
	cfg *config.Config,
	repoFactory *repositories.RepositoryFactory,
	auth services.AuthService,
	log *zap.SugaredLogger,
) (serverLink, error) {
	switch cfg.Transport.Kind {
	case "websocket":
		wsCfg := websocket.DefaultServerConfig()
		wsCfg.PingInterval = cfg.Transport.WebSocket.PingInterval
		wsCfg.PongTimeout = cfg.Transport.WebSocket.PongTimeout
		wsCfg.WriteTimeout = cfg.Transport.WebSocket.WriteTimeout
		wsCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
		if size := cfg.RateLimiting.WebSocket.MaxMessageSizeBytes; size > 0 {
			wsCfg.MaxMessageSize = size
		}
		if cfg.RateLimiting.Enabled {
			wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
			wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
			wsCfg.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
		}

		var validator websocket.TokenValidator
		if auth != nil {
			validator = auth
		}
		hub := websocket.NewServer(wsCfg, validator, log)
		return serverLink{transport: hub, handler: hub.HandleWebSocket}, nil

	case "redis":
		client := repoFactory.RedisClient()
		if client == nil {
			return serverLink{}, errors.New("redis transport selected but redis is unavailable")
		}
		t := redistransport.NewTransport(client, string(domain.ServerID), cfg.Transport.Redis.ChannelPrefix, log)
		return serverLink{transport: t}, nil

	case "memory":
		bus := memory.NewBus(memory.DefaultInboxSize, log)
		return serverLink{transport: bus.Endpoint(string(domain.ServerID)), loopback: bus}, nil

	default:
		return serverLink{}, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// startLoopbackPresenter runs the configured presenter inside the viewer
// process, sharing the in-memory bus.
func startLoopbackPresenter(
	ctx context.Context,
	cfg *config.Config,
	bus *memory.Bus,
	collector *monitoring.PrometheusCollector,
	log *zap.SugaredLogger,
) (*services.ClientProtocolAgent, error) {
	source, err := capture.NewSource(cfg.Capture.Source, cfg.Capture.Display, cfg.Capture.Synthetic.Width, cfg.Capture.Synthetic.Height)
	if err != nil {
		return nil, err
	}
	frameCodec, err := codec.New(codec.Format(cfg.Capture.Codec), cfg.Capture.JPEGQuality)
	if err != nil {
		return nil, err
	}

	id := cfg.Presenter.ID
	if id == "" {
		id = "loopback"
	}
	endpoint := bus.Endpoint(id)
	agent := services.NewClientProtocolAgent(services.AgentConfig{
		ClientID:          domain.ClientID(id),
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
	}, endpoint, source, frameCodec, collector, log)

	endpoint.Subscribe(domain.Topic, agent.OnDataReceived)
	if err := endpoint.Start(ctx); err != nil {
		return nil, err
	}
	if err := agent.StartScreenSharing(ctx); err != nil {
		_ = endpoint.Stop()
		return nil, err
	}
	log.Infow("Loopback presenter started", "client_id", id, "source", cfg.Capture.Source)
	return agent, nil
}
