package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/lottery-saga/internal/adapter/handler"
	"github.com/rl1809/lottery-saga/internal/adapter/messaging"
	"github.com/rl1809/lottery-saga/internal/adapter/notify"
	"github.com/rl1809/lottery-saga/internal/adapter/storage"
	"github.com/rl1809/lottery-saga/internal/adapter/storage/memory"
	"github.com/rl1809/lottery-saga/internal/config"
	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/core/saga"
	"github.com/rl1809/lottery-saga/internal/core/scheduler"
	"github.com/rl1809/lottery-saga/internal/core/service"
	"github.com/rl1809/lottery-saga/internal/logger"
	"github.com/rl1809/lottery-saga/internal/port"
	"github.com/rl1809/lottery-saga/internal/retry"
	"github.com/rl1809/lottery-saga/internal/worker"
)

const schedulerName = "lottery"

var allTopics = []string{
	domain.TopicNumbersReserved,
	domain.TopicOrderCompleted,
	domain.TopicOrderCancelled,
	domain.TopicOrderExpired,
	domain.TopicOrderTimeout,
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	role := flag.String("role", "", "draw, order or all; overrides server.role")
	flag.Parse()

	cfg, err := config.LoadForRole(*configPath, *role)
	logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Service:    "lottery-" + cfg.Server.Role,
	})
	defer logger.Sync()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize MySQL
	var db *sqlx.DB
	if cfg.Storage.Driver == "mysql" {
		db, err = sqlx.Connect("mysql", cfg.MySQL.DSN)
		if err != nil {
			logger.Fatal("failed to connect mysql", zap.Error(err))
		}
		db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime.Duration)
		defer db.Close()
		logger.Info("connected to mysql")
	}

	// Initialize Redis
	var rdb *redis.Client
	if cfg.Bus.Driver == "redis" || cfg.Storage.Driver == "mysql" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer rdb.Close()
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	bus, err := newBus(cfg, rdb)
	if err != nil {
		logger.Fatal("failed to start event bus", zap.String("driver", cfg.Bus.Driver), zap.Error(err))
	}

	var idem port.IdempotencyStore = memory.NewIdempotencyStore()
	var notifier port.Notifier = notify.NewLogNotifier()
	if rdb != nil {
		idem = storage.NewRedisIdempotencyStore(rdb, cfg.Server.InstanceID)
		notifier = notify.NewRedisNotifier(rdb)
	}

	var (
		wg          sync.WaitGroup
		drawService *service.DrawService
		orderSvc    *service.OrderService
		health      handler.HealthChecker
	)

	if cfg.RunsDraw() {
		numbers, outbox := drawStores(ctx, db)
		drawService = service.NewDrawService(numbers, service.NewAllocator(numbers, nil), notifier, cfg.Order.CheckoutWindow.Duration)

		if err := saga.NewDrawConsumers(drawService, idem).Register(ctx, bus); err != nil {
			logger.Fatal("failed to register draw consumers", zap.Error(err))
		}
		worker.NewOutboxDispatcher(outbox, bus, worker.OutboxDispatcherConfig{
			Name:      storage.DrawOutboxTable,
			Interval:  cfg.Outbox.PollInterval.Duration,
			BatchSize: cfg.Outbox.BatchSize,
		}).Start(ctx, &wg)
		logger.Info("draw service started")
	}

	if cfg.RunsOrder() {
		orders, outbox, triggers := orderStores(ctx, db)

		sched := scheduler.New(triggers, scheduler.Config{
			Instance:         cfg.Server.InstanceID,
			Tick:             cfg.Scheduler.Tick.Duration,
			BatchSize:        cfg.Scheduler.BatchSize,
			MisfireThreshold: cfg.Scheduler.MisfireThreshold.Duration,
			RetryDelay:       cfg.Scheduler.RetryDelay.Duration,
			OrphanAfter:      cfg.Scheduler.OrphanAfter.Duration,
			Provision: retry.Backoff{
				Attempts: cfg.Scheduler.ProvisionAttempts,
				Base:     cfg.Scheduler.ProvisionBaseDelay.Duration,
				Max:      cfg.Scheduler.ProvisionMaxDelay.Duration,
			},
		})
		// a degraded scheduler leaves expiry to the sweeper
		_ = sched.Provision(ctx)
		health = sched

		orderSvc = service.NewOrderService(orders, scheduler.NewOrderTimeouts(sched, bus), notifier)
		if err := saga.NewOrderConsumers(orderSvc, idem).Register(ctx, bus); err != nil {
			logger.Fatal("failed to register order consumers", zap.Error(err))
		}

		sched.Start(ctx, &wg)
		worker.NewOutboxDispatcher(outbox, bus, worker.OutboxDispatcherConfig{
			Name:      storage.OrderOutboxTable,
			Interval:  cfg.Outbox.PollInterval.Duration,
			BatchSize: cfg.Outbox.BatchSize,
		}).Start(ctx, &wg)
		worker.NewExpiredOrderSweeper(orderSvc, worker.SweeperConfig{
			Interval:  cfg.Sweeper.Interval.Duration,
			Grace:     cfg.Sweeper.Grace.Duration,
			BatchSize: cfg.Sweeper.BatchSize,
		}).Start(ctx, &wg)
		logger.Info("order service started")
	}

	// Initialize gRPC server
	var grpcServer *grpc.Server
	if drawService != nil {
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(handler.TraceInterceptor))
		handler.RegisterDrawServiceServer(grpcServer, handler.NewGRPCHandler(drawService))

		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
		}
		go func() {
			logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	// Initialize HTTP server
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler.NewHTTPHandler(drawService, orderSvc, health).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	if grpcServer != nil {
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
	}

	// Stop consumers, scheduler and workers
	cancel()
	wg.Wait()
	if err := bus.Close(); err != nil {
		logger.Warn("close event bus failed", zap.Error(err))
	}
	logger.Info("workers stopped")
}

func newBus(cfg config.Config, rdb *redis.Client) (port.EventBus, error) {
	switch cfg.Bus.Driver {
	case "rocketmq":
		return messaging.NewRocketMQBus(messaging.RocketMQConfig{
			Endpoint:          cfg.RocketMQ.Endpoint,
			AccessKey:         cfg.RocketMQ.AccessKey,
			SecretKey:         cfg.RocketMQ.SecretKey,
			Topics:            allTopics,
			AwaitDuration:     cfg.RocketMQ.AwaitDuration.Duration,
			InvisibleDuration: cfg.RocketMQ.InvisibleDuration.Duration,
		})
	case "memory":
		return messaging.NewInProcessBus(messaging.InProcessConfig{
			Consumers:     cfg.Bus.Consumers,
			MaxDeliveries: cfg.Bus.MaxDeliveries,
		}), nil
	default:
		return messaging.NewRedisStreamBus(rdb, messaging.RedisStreamConfig{
			Consumer:     cfg.Server.InstanceID,
			MaxLen:       cfg.Bus.StreamMaxLen,
			Block:        cfg.Bus.Block.Duration,
			ClaimMinIdle: cfg.Bus.ClaimMinIdle.Duration,
			Consumers:    cfg.Bus.Consumers,
		}), nil
	}
}

func drawStores(ctx context.Context, db *sqlx.DB) (port.NumberRepository, port.Outbox) {
	if db == nil {
		pool := memory.NewNumberPool()
		return pool, pool.Outbox()
	}
	if err := storage.ApplySchema(ctx, db, storage.DrawSchema); err != nil {
		logger.Fatal("failed to apply draw schema", zap.Error(err))
	}
	return storage.NewMySQLNumberPool(db), storage.NewMySQLOutbox(db, storage.DrawOutboxTable)
}

func orderStores(ctx context.Context, db *sqlx.DB) (port.OrderRepository, port.Outbox, port.TriggerStore) {
	if db == nil {
		orders := memory.NewOrderStore()
		return orders, orders.Outbox(), memory.NewTriggerStore()
	}
	if err := storage.ApplySchema(ctx, db, storage.OrderSchema); err != nil {
		logger.Fatal("failed to apply order schema", zap.Error(err))
	}
	return storage.NewMySQLOrderStore(db), storage.NewMySQLOutbox(db, storage.OrderOutboxTable), storage.NewMySQLTriggerStore(db, schedulerName)
}
