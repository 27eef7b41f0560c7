package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/bus"
	"github.com/Tyrowin/gochat-live/internal/history"
	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; environment variables are used when empty")
	flag.Parse()

	defer logger.Sync()
	logger.Info("starting GoChat delivery server")

	config, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	server.SetConfig(config)
	active := server.CurrentConfig()
	config = &active

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hubOpts := []server.HubOption{server.WithMetrics(metrics.New(reg))}
	deps := server.RouteDeps{Gatherer: reg}
	var closers []func()

	if secret := config.Auth.Secret(); secret != "" {
		deps.Verifier = auth.NewJWTVerifier(secret)
		logger.Info("bearer token verification enabled")
	}

	if config.Redis.Addr != "" {
		rdb, err := connectRedis(ctx, config)
		if err != nil {
			logger.Error("presence disabled", zap.Error(err))
		} else {
			tracker := presence.NewTracker(rdb, config.NodeID, config.Redis.PresenceTTL)
			tracker.Start()
			hubOpts = append(hubOpts, server.WithPresence(tracker))
			deps.Presence = tracker
			closers = append(closers, func() {
				_ = tracker.Close()
				_ = rdb.Close()
			})
		}
	}

	if config.NATS.URL != "" {
		b, err := bus.Connect(bus.Config{URL: config.NATS.URL, Subject: config.NATS.Subject, Name: config.NodeID})
		if err != nil {
			logger.Error("bus disabled; deliveries stay on this node", zap.Error(err))
		} else {
			hubOpts = append(hubOpts, server.WithBus(b))
			closers = append(closers, func() { _ = b.Close() })
		}
	}

	if config.Mongo.URI != "" {
		client, err := connectMongo(ctx, config)
		if err != nil {
			logger.Error("history endpoint disabled", zap.Error(err))
		} else {
			coll := client.Database(config.Mongo.Database).Collection(config.Mongo.Collection)
			deps.History = history.NewMongoStore(coll)
			closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
		}
	}

	hub := server.NewHub(hubOpts...)
	server.StartHub(hub)

	httpServer := server.CreateServer(config.Port, server.SetupRoutes(hub, deps))

	if *configPath != "" {
		go func() {
			if err := server.WatchConfig(ctx, *configPath, server.SetConfig); err != nil {
				logger.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.StartServer(httpServer) }()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	timeout := server.CurrentConfig().ShutdownTimeout
	if err := server.ShutdownServer(httpServer, timeout); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}
	if err := hub.Shutdown(timeout); err != nil {
		logger.Warn("hub did not shut down cleanly", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	logger.Info("server stopped")
}

func loadConfig(path string) (*server.Config, error) {
	if path == "" {
		return server.NewConfigFromEnv(), nil
	}
	return server.LoadConfig(path)
}

func connectRedis(ctx context.Context, config *server.Config) (*redis.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return presence.Connect(dialCtx, presence.Config{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
}

func connectMongo(ctx context.Context, config *server.Config) (*mongo.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return history.Connect(dialCtx, history.Config{
		URI:        config.Mongo.URI,
		Database:   config.Mongo.Database,
		Collection: config.Mongo.Collection,
	})
}
