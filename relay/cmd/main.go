package main

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"github.com/imtaco/peer-connect/internal/config"
	"github.com/imtaco/peer-connect/internal/httputil"
	"github.com/imtaco/peer-connect/internal/jwt"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/internal/otel"
	"github.com/imtaco/peer-connect/internal/redis"
	"github.com/imtaco/peer-connect/internal/workflow"
	"github.com/imtaco/peer-connect/relay/gateway"
	"github.com/imtaco/peer-connect/relay/presence"
	"github.com/imtaco/peer-connect/relay/pubsub"
)

type Config struct {
	App    config.App      `mapstructure:"app"`
	WSHttp httputil.Config `mapstructure:"ws_http"`
	Redis  redis.Config    `mapstructure:"redis"`
	Otel   otel.Config     `mapstructure:"otel"`

	RedisRelayPrefix string `mapstructure:"redis_relay_prefix"`

	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PublishRate       float64       `mapstructure:"publish_rate"`
	PublishBurst      int           `mapstructure:"publish_burst"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		v.SetDefault("redis_relay_prefix", "pcrelay")
		v.SetDefault("presence_ttl", "90s")
		v.SetDefault("heartbeat_interval", "30s")
		v.SetDefault("publish_rate", 2)
		v.SetDefault("publish_burst", 10)
		v.SetDefault("allowed_origins", []string{"*"})

		config.Setup(v, "app")
		redis.Setup(v, "redis")
		otel.Setup(v, "otel", "peer-connect-relay")
		httputil.Setup(v, "ws_http")

		v.SetDefault("ws_http.addr", "0.0.0.0:8081")
	})
}

func main() {
	config, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	logger, err := log.NewLogger(config.App.LogConfigFile)
	if err != nil {
		log.Fatal("Failed to create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	if config.App.JWTSecret == "" {
		logger.Fatal("APP_JWT_SECRET is required")
	}

	ctx := context.Background()
	shutdown := workflow.NewShutdown(logger.Module("CleanUp"))

	otelShutdown, err := otel.Init(ctx, &config.Otel, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OTEL provider", log.Error(err))
	}
	shutdown.Add("otel", otelShutdown)

	logger.Info("Starting signaling relay...")

	redisClient := redis.NewClient(&config.Redis)
	if err := redis.Ping(redisClient); err != nil {
		logger.Fatal("Failed to connect to Redis", log.Error(err))
	}
	shutdown.Add("redis", func(context.Context) error { return redisClient.Close() })

	relay := pubsub.NewRelay(redisClient, config.RedisRelayPrefix, logger.Module("PubSub"))
	tracker := presence.NewTracker(redisClient, config.RedisRelayPrefix, config.PresenceTTL, logger.Module("Presence"))

	server := gateway.NewServer(
		jwt.NewAuth(config.App.JWTSecret),
		relay,
		relay,
		tracker,
		gateway.Options{
			PublishRate:       config.PublishRate,
			PublishBurst:      config.PublishBurst,
			HeartbeatInterval: config.HeartbeatInterval,
			AllowedOrigins:    config.AllowedOrigins,
		},
		logger.Module("Gateway"),
	)
	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start gateway", log.Error(err))
	}
	shutdown.AddStop("gateway", server.Stop)

	wsServer := httputil.NewServer(&config.WSHttp, gateway.NewRouter(server))
	go func() {
		logger.Info("Starting WebSocket server", log.String("addr", config.WSHttp.Addr))
		if err := wsServer.Listen(); err != nil {
			logger.Fatal("Failed to start WebSocket server", log.Error(err))
		}
	}()
	shutdown.Add("websocket", wsServer.Shutdown)

	shutdown.Wait(ctx, config.App.ShutdownTimeout)
}
