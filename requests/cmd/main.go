package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/imtaco/peer-connect/internal/config"
	"github.com/imtaco/peer-connect/internal/etcd"
	"github.com/imtaco/peer-connect/internal/httputil"
	"github.com/imtaco/peer-connect/internal/jwt"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/internal/otel"
	"github.com/imtaco/peer-connect/internal/postgres"
	"github.com/imtaco/peer-connect/internal/redis"
	"github.com/imtaco/peer-connect/internal/workflow"
	"github.com/imtaco/peer-connect/relay/presence"
	"github.com/imtaco/peer-connect/relay/pubsub"
	"github.com/imtaco/peer-connect/requests"
	"github.com/imtaco/peer-connect/requests/match"
	"github.com/imtaco/peer-connect/requests/store"
	"github.com/imtaco/peer-connect/requests/transport"
	"github.com/imtaco/peer-connect/rooms/provision"
)

type AsynqConfig struct {
	Queue           string        `mapstructure:"queue"`
	Concurrency     int           `mapstructure:"concurrency"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Config struct {
	App      config.App      `mapstructure:"app"`
	HTTP     httputil.Config `mapstructure:"http"`
	Redis    redis.Config    `mapstructure:"redis"`
	Etcd     etcd.Config     `mapstructure:"etcd"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Otel     otel.Config     `mapstructure:"otel"`
	Asynq    AsynqConfig     `mapstructure:"asynq"`

	// StoreDriver is redis or postgres
	StoreDriver      string `mapstructure:"store_driver"`
	RedisStorePrefix string `mapstructure:"redis_store_prefix"`
	RedisRelayPrefix string `mapstructure:"redis_relay_prefix"`
	EtcdRoomPrefix   string `mapstructure:"etcd_room_prefix"`
	RoomCacheSize    int    `mapstructure:"room_cache_size"`

	MediaURL string `mapstructure:"media_url"`

	FanoutLimit   int           `mapstructure:"fanout_limit"`
	PresenceTTL   time.Duration `mapstructure:"presence_ttl"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	RatePerSecond  float64  `mapstructure:"rate_per_second"`
	RateBurst      int      `mapstructure:"rate_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		v.SetDefault("store_driver", "redis")
		v.SetDefault("redis_store_prefix", "pcreq")
		v.SetDefault("redis_relay_prefix", "pcrelay")
		v.SetDefault("etcd_room_prefix", "/pcrooms/")
		v.SetDefault("room_cache_size", 4096)
		v.SetDefault("media_url", "wss://media.local")
		v.SetDefault("fanout_limit", match.DefaultFanoutLimit)
		v.SetDefault("presence_ttl", "90s")
		v.SetDefault("retention", match.DefaultRetention)
		v.SetDefault("sweep_interval", match.DefaultSweepInterval)
		v.SetDefault("rate_per_second", 1)
		v.SetDefault("rate_burst", 5)
		v.SetDefault("allowed_origins", []string{"*"})

		v.SetDefault("asynq.queue", "expiry")
		v.SetDefault("asynq.concurrency", 4)
		v.SetDefault("asynq.shutdown_timeout", "8s")

		config.Setup(v, "app")
		redis.Setup(v, "redis")
		etcd.Setup(v, "etcd")
		postgres.Setup(v, "postgres")
		otel.Setup(v, "otel", "peer-connect-requests")
		httputil.Setup(v, "http")
	})
}

// openStore picks the request store backend. The returned closer releases
// backend resources not shared with the rest of the service.
func openStore(ctx context.Context, cfg *Config, redisClient goredis.UniversalClient, logger *log.Logger) (requests.RequestStore, func(), error) {
	switch cfg.StoreDriver {
	case "redis":
		return store.NewRedisStore(redisClient, cfg.RedisStorePrefix, logger), func() {}, nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store.NewPostgresStore(pool, logger), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
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

	logger.Info("Starting matchmaking service...", log.String("store", config.StoreDriver))

	redisClient := redis.NewClient(&config.Redis)
	if err := redis.Ping(redisClient); err != nil {
		logger.Fatal("Failed to connect to Redis", log.Error(err))
	}
	shutdown.Add("redis", func(context.Context) error { return redisClient.Close() })

	etcdClient, err := etcd.NewClient(&config.Etcd)
	if err != nil {
		logger.Fatal("Failed to create etcd client", log.Error(err))
	}
	shutdown.Add("etcd", func(context.Context) error { return etcdClient.Close() })

	requestStore, closeStore, err := openStore(ctx, config, redisClient, logger.Module("Store"))
	if err != nil {
		logger.Fatal("Failed to open request store", log.Error(err))
	}
	shutdown.AddStop("store", closeStore)

	provisioner, err := provision.NewProvisioner(etcdClient, config.EtcdRoomPrefix, config.RoomCacheSize, logger.Module("Rooms"))
	if err != nil {
		logger.Fatal("Failed to create room provisioner", log.Error(err))
	}

	publisher := pubsub.NewRelay(redisClient, config.RedisRelayPrefix, logger.Module("PubSub"))
	tracker := presence.NewTracker(redisClient, config.RedisRelayPrefix, config.PresenceTTL, logger.Module("Presence"))

	asynqClient := asynq.NewClientFromRedisClient(redisClient)
	shutdown.Add("asynq client", func(context.Context) error { return asynqClient.Close() })
	expiryTasks := match.NewExpiryTasks(asynqClient, config.Asynq.Queue, logger.Module("ExpiryTasks"))

	engine := match.NewEngine(
		requestStore,
		provisioner,
		publisher,
		logger.Module("Match"),
		match.WithCandidates(tracker, config.FanoutLimit),
		match.WithExpiryScheduler(expiryTasks),
		match.WithRetention(config.Retention),
	)

	asynqServer := asynq.NewServerFromRedisClient(redisClient, asynq.Config{
		Concurrency:     config.Asynq.Concurrency,
		Queues:          map[string]int{config.Asynq.Queue: 1},
		Logger:          logger.Module("Asynq").Sugar(),
		ShutdownTimeout: config.Asynq.ShutdownTimeout,
	})
	if err := asynqServer.Start(match.NewExpiryMux(engine, logger.Module("ExpiryWorker"))); err != nil {
		logger.Fatal("Failed to start expiry worker", log.Error(err))
	}
	shutdown.AddStop("expiry worker", asynqServer.Shutdown)

	reaper := match.NewReaper(engine, config.SweepInterval, logger.Module("Reaper"))
	if err := reaper.Start(ctx); err != nil {
		logger.Fatal("Failed to start reaper", log.Error(err))
	}
	shutdown.AddStop("reaper", reaper.Stop)

	router, err := transport.NewRouter(
		engine,
		provisioner,
		jwt.NewAuth(config.App.JWTSecret),
		transport.Options{
			MediaURL:       config.MediaURL,
			AllowedOrigins: config.AllowedOrigins,
			RatePerSecond:  config.RatePerSecond,
			RateBurst:      config.RateBurst,
		},
		logger.Module("HTTP"),
	)
	if err != nil {
		logger.Fatal("Failed to create router", log.Error(err))
	}

	httpServer := httputil.NewServer(&config.HTTP, router.Handler())
	go func() {
		logger.Info("Starting HTTP server", log.String("addr", config.HTTP.Addr))
		if err := httpServer.Listen(); err != nil {
			logger.Fatal("Failed to start HTTP server", log.Error(err))
		}
	}()
	shutdown.Add("http", httpServer.Shutdown)

	shutdown.Wait(ctx, config.App.ShutdownTimeout)
}
