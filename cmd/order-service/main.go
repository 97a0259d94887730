package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tradewind/internal/bus"
	"tradewind/internal/config"
	"tradewind/internal/contracts"
	ordersdb "tradewind/internal/db/orders"
	"tradewind/internal/dedup"
	"tradewind/internal/httpapi"
	"tradewind/internal/observability"
	"tradewind/internal/orders"
	"tradewind/internal/payments"
	"tradewind/internal/products"
	"tradewind/internal/realtime"
	"tradewind/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	telemetry.InitLogger("order-service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("order-service error: %v", err)
	}
}

func run(ctx context.Context) error {
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	svcCfg, err := config.LoadService(":8080", ":50051")
	if err != nil {
		return err
	}
	if _, err := contracts.LoadRegistryFile(svcCfg.TopicRegistryPath); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	var (
		broker bus.Bus
		ledger dedup.Ledger
		lookup orders.ProductClient
	)
	if redisCfg.URL != "" {
		client, err := config.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close()

		streamBus := bus.NewStreamBus(client, bus.StreamBusConfig{
			MaxLen: redisCfg.StreamMaxLen,
			Block:  redisCfg.Block,
		})
		broker = streamBus
		ledger = dedup.NewRedisLedger(client, redisCfg.DedupTTL)

		topicClient, err := products.NewTopicClient(streamBus, contracts.GroupOrderService, 5*time.Second)
		if err != nil {
			return err
		}
		lookup = topicClient

		group.Go(func() error { return streamBus.Run(ctx) })
		slog.Info("redis stream bus enabled")
	} else {
		// Single-process dev mode: all three services share one in-process
		// bus so the saga still runs end to end.
		localBus := bus.NewLocalBus()
		defer localBus.Close()
		broker = localBus
		ledger = dedup.NewMemoryLedger()

		catalog := products.NewMemoryCatalog(devCatalog()...)
		responder := products.NewResponder(catalog, localBus, dedup.NewMemoryLedger())
		if err := responder.Register(localBus); err != nil {
			return err
		}
		handler := payments.NewHandler(payments.NewMemoryStore(), payments.NewMemoryGateway(), localBus, dedup.NewMemoryLedger())
		if err := handler.Register(localBus); err != nil {
			return err
		}

		topicClient, err := products.NewTopicClient(localBus, contracts.GroupOrderService, 5*time.Second)
		if err != nil {
			return err
		}
		lookup = topicClient
		slog.Warn("REDIS_URL unset, running single-process dev mode")
	}

	store, cleanupStore := buildOrderStore(ctx, svcCfg.PostgresDSN)
	defer cleanupStore()

	metrics := observability.NewMetrics()
	coordinator := orders.NewCoordinator(store, orders.NewMemoryUserClient(knownUsers()...), lookup, broker, ledger, metrics)
	if err := coordinator.Register(broker); err != nil {
		return err
	}

	hub := realtime.NewHub()
	coordinator.SetStatusListener(hub.StatusListener())
	group.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	router := httpapi.NewRouter(httpapi.NewHandler(coordinator, hub.Register), metrics)
	group.Go(func() error { return serveHTTP(ctx, svcCfg.HTTPAddr, router) })
	group.Go(func() error { return serveHealth(ctx, svcCfg.GRPCAddr) })

	slog.Info("order-service running", "http", svcCfg.HTTPAddr, "grpc", svcCfg.GRPCAddr)
	return group.Wait()
}

func buildOrderStore(ctx context.Context, dsn string) (orders.Store, func()) {
	cleanup := func() {}
	var store orders.Store = orders.NewMemoryStore()

	if dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			slog.Warn("postgres open failed, falling back to in-memory orders", "error", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pg, err := ordersdb.NewOrderStoreWithSchema(setupCtx, sqlDB)
			if err != nil {
				slog.Warn("postgres init failed, falling back to in-memory orders", "error", err)
				_ = sqlDB.Close()
			} else {
				slog.Info("postgres orders enabled")
				store = pg
				cleanup = func() { _ = sqlDB.Close() }
			}
		}
	}

	return store, cleanup
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func serveHealth(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := grpcpkg.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(server)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(lis) }()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func knownUsers() []string {
	raw := strings.TrimSpace(os.Getenv("KNOWN_USERS"))
	if raw == "" {
		return []string{"1"}
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func devCatalog() []products.Product {
	return []products.Product{
		{ID: "10", Name: "deck chair", Price: 100, Stock: 5},
		{ID: "11", Name: "parasol", Price: 45.5, Stock: 12},
		{ID: "12", Name: "picnic table", Price: 220, Stock: 2},
	}
}
