package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Gopher0727/Bazaar/config"
	"github.com/Gopher0727/Bazaar/internal/api"
	"github.com/Gopher0727/Bazaar/internal/db"
	"github.com/Gopher0727/Bazaar/internal/handler"
	"github.com/Gopher0727/Bazaar/internal/pkg/gateway"
	"github.com/Gopher0727/Bazaar/internal/pkg/kafka"
	"github.com/Gopher0727/Bazaar/internal/pkg/redis"
	"github.com/Gopher0727/Bazaar/internal/pkg/storage"
	"github.com/Gopher0727/Bazaar/internal/pkg/worker"
	"github.com/Gopher0727/Bazaar/internal/repository"
	"github.com/Gopher0727/Bazaar/internal/service"
	"github.com/Gopher0727/Bazaar/middleware/jwt"
	logger "github.com/Gopher0727/Bazaar/middleware/log"
	"github.com/Gopher0727/Bazaar/utils/ratelimit"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	gdb, err := db.InitPostgres(cfg.Postgres, logger.NewGormLogger(l, gormlogger.Warn, 200*time.Millisecond))
	if err != nil {
		l.Fatal("failed to connect postgres", zap.Error(err))
	}
	if err := db.AutoMigrate(gdb); err != nil {
		l.Fatal("failed to migrate schema", zap.Error(err))
	}

	// Redis
	rc, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		l.Fatal("failed to connect redis", zap.Error(err))
	}
	defer rc.Close()

	// Kafka is optional; without it membership events are only logged.
	var publisher service.EventPublisher
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&cfg.Kafka)
		if err != nil {
			l.Warn("kafka producer unavailable, membership events disabled", zap.Error(err))
		} else {
			defer producer.Close()
			publisher = kafka.NewMembershipEventPublisher(producer)
		}
	}

	// The pool stops before the producer closes so queued events drain.
	pool := worker.NewPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, l.Logger)
	pool.Start()
	defer pool.Stop()

	var store service.ObjectStorage
	if cfg.Storage.Enabled {
		s3, err := storage.NewS3Storage(&cfg.Storage, storage.WithLogger(l.Logger))
		if err != nil {
			l.Fatal("failed to init object storage", zap.Error(err))
		}
		store = s3
	}

	hub := gateway.NewHub(ctx, &cfg.Websocket, rc, l.Logger)
	if err := hub.StartSubscriber(); err != nil {
		l.Fatal("failed to subscribe to notifications", zap.Error(err))
	}
	defer hub.Shutdown()

	userRepo := repository.NewUserRepository(gdb, rc.GetClient())
	forumRepo := repository.NewForumRepository(gdb)
	membershipRepo := repository.NewMembershipRepository(gdb)
	connectionRepo := repository.NewConnectionRepository(gdb)
	notificationRepo := repository.NewNotificationRepository(gdb)

	guard := service.NewGuard(l.Logger)
	notifications := service.NewNotificationService(notificationRepo, hub, pool, cfg.Notification, l.Logger)
	connections := service.NewConnectionService(connectionRepo, userRepo, forumRepo, l.Logger)
	forums := service.NewForumService(forumRepo, membershipRepo, userRepo, store, cfg.Storage, guard, l.Logger)
	memberships := service.NewMembershipService(forumRepo, membershipRepo, userRepo, notifications, publisher, pool, guard, l.Logger)

	tokens := jwt.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	limiter := ratelimit.NewWindowLimiter(rc.GetClient(), l.Logger, cfg.RateLimit.FailOpen)
	mw := api.NewMiddlewareManager(tokens, userRepo, limiter, &cfg.RateLimit, l.Logger)

	gin.SetMode(cfg.Server.Mode)
	router := api.NewRouter(cfg, l, mw, api.Handlers{
		Forum:        handler.NewForumHandler(forums, memberships, l),
		Connection:   handler.NewConnectionHandler(connections, l),
		Notification: handler.NewNotificationHandler(notifications, l),
		Hub:          hub,
	}, map[string]api.HealthCheck{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": rc.Ping,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	l.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("graceful shutdown failed", zap.Error(err))
	}
}
