package saga_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/lottery-saga/internal/adapter/messaging"
	"github.com/rl1809/lottery-saga/internal/adapter/notify"
	"github.com/rl1809/lottery-saga/internal/adapter/storage"
	"github.com/rl1809/lottery-saga/internal/core/domain"
	"github.com/rl1809/lottery-saga/internal/core/saga"
	"github.com/rl1809/lottery-saga/internal/core/scheduler"
	"github.com/rl1809/lottery-saga/internal/core/service"
	"github.com/rl1809/lottery-saga/internal/worker"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sqlx.DB
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/lottery?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sqlx.Connect("mysql", mysqlDSN)
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	ctx := context.Background()
	for _, stmts := range [][]string{storage.DrawSchema, storage.OrderSchema} {
		if err := storage.ApplySchema(ctx, db, stmts); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}

	return &testEnv{
		redis: rdb,
		mysql: db,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

// startStack runs both services on MySQL with the Redis Streams bus, isolated by a stream prefix.
func startStack(t *testing.T, env *testEnv, window time.Duration) (*service.DrawService, *service.OrderService, *storage.MySQLNumberPool, *storage.MySQLOrderStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	run := uuid.NewString()[:8]
	bus := messaging.NewRedisStreamBus(env.redis, messaging.RedisStreamConfig{
		Consumer: "it-" + run,
		Prefix:   "lottery:it:" + run + ":",
		Block:    100 * time.Millisecond,
	})
	idem := storage.NewRedisIdempotencyStore(env.redis, "it-"+run)

	pool := storage.NewMySQLNumberPool(env.mysql)
	orders := storage.NewMySQLOrderStore(env.mysql)

	sched := scheduler.New(storage.NewMySQLTriggerStore(env.mysql, "it-"+run), scheduler.Config{Instance: "it-" + run, Tick: 50 * time.Millisecond})
	if err := sched.Provision(ctx); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	notifier := notify.NewRedisNotifier(env.redis)
	draws := service.NewDrawService(pool, service.NewAllocator(pool, nil), notifier, window)
	svc := service.NewOrderService(orders, scheduler.NewOrderTimeouts(sched, bus), notifier)

	if err := saga.NewDrawConsumers(draws, idem).Register(ctx, bus); err != nil {
		t.Fatalf("register draw consumers: %v", err)
	}
	if err := saga.NewOrderConsumers(svc, idem).Register(ctx, bus); err != nil {
		t.Fatalf("register order consumers: %v", err)
	}

	var wg sync.WaitGroup
	worker.NewOutboxDispatcher(storage.NewMySQLOutbox(env.mysql, storage.DrawOutboxTable), bus,
		worker.OutboxDispatcherConfig{Name: storage.DrawOutboxTable, Interval: 20 * time.Millisecond}).Start(ctx, &wg)
	worker.NewOutboxDispatcher(storage.NewMySQLOutbox(env.mysql, storage.OrderOutboxTable), bus,
		worker.OutboxDispatcherConfig{Name: storage.OrderOutboxTable, Interval: 20 * time.Millisecond}).Start(ctx, &wg)
	sched.Start(ctx, &wg)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		bus.Close()
		keys, _ := env.redis.Keys(context.Background(), "lottery:it:"+run+":*").Result()
		if len(keys) > 0 {
			env.redis.Del(context.Background(), keys...)
		}
	})
	return draws, svc, pool, orders
}

func createIntegrationDraw(t *testing.T, draws *service.DrawService) *domain.Draw {
	t.Helper()
	draw, err := draws.CreateDraw(context.Background(), domain.Draw{
		Title:       "integration",
		MinNumber:   0,
		MaxNumber:   49,
		TotalSeries: 1,
		TicketPrice: decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("CreateDraw failed: %v", err)
	}
	t.Cleanup(func() { draws.DeleteDraw(context.Background(), draw.ID) })
	return draw
}

func TestIntegration_ReserveCompleteSells(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	draws, svc, pool, orders := startStack(t, env, time.Minute)
	draw := createIntegrationDraw(t, draws)
	ctx := context.Background()

	res, err := draws.Reserve(ctx, service.ReserveRequest{DrawID: draw.ID, UserID: "alice", Series: 1, Numbers: []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	eventually(t, "order created", func() bool {
		o, err := orders.Get(ctx, res.OrderID)
		return err == nil && o != nil
	})

	if _, err := svc.CompleteOrder(ctx, res.OrderID, "alice", "txn-it"); err != nil {
		t.Fatalf("CompleteOrder failed: %v", err)
	}
	eventually(t, "numbers sold", func() bool {
		records, err := pool.GetByIDs(ctx, res.NumberIDs)
		if err != nil || len(records) != 3 {
			return false
		}
		for _, r := range records {
			if r.Status != domain.NumberStatusSold {
				return false
			}
		}
		return true
	})
}

func TestIntegration_TimeoutReleasesNumbers(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	draws, _, pool, orders := startStack(t, env, 300*time.Millisecond)
	draw := createIntegrationDraw(t, draws)
	ctx := context.Background()

	res, err := draws.Reserve(ctx, service.ReserveRequest{DrawID: draw.ID, UserID: "bob", Series: 1, Numbers: []int{10, 11}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	eventually(t, "order expired", func() bool {
		o, err := orders.Get(ctx, res.OrderID)
		return err == nil && o != nil && o.Status == domain.OrderStatusExpired
	})
	eventually(t, "numbers released", func() bool {
		records, err := pool.GetByIDs(ctx, res.NumberIDs)
		if err != nil {
			return false
		}
		for _, r := range records {
			if r.Status != domain.NumberStatusAvailable {
				return false
			}
		}
		return len(records) == 2
	})
}
