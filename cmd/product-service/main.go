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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
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
	productsdb "tradewind/internal/db/products"
	"tradewind/internal/dedup"
	"tradewind/internal/observability"
	"tradewind/internal/products"
	"tradewind/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	telemetry.InitLogger("product-service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("product-service error: %v", err)
	}
}

func run(ctx context.Context) error {
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	if redisCfg.URL == "" {
		return errors.New("REDIS_URL is required: the product service only speaks topics")
	}
	svcCfg, err := config.LoadService(":8082", ":50053")
	if err != nil {
		return err
	}
	if _, err := contracts.LoadRegistryFile(svcCfg.TopicRegistryPath); err != nil {
		return err
	}

	client, err := config.NewRedisClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	streamBus := bus.NewStreamBus(client, bus.StreamBusConfig{
		MaxLen: redisCfg.StreamMaxLen,
		Block:  redisCfg.Block,
	})
	ledger := dedup.NewRedisLedger(client, redisCfg.DedupTTL)

	catalog, cleanupCatalog := buildCatalog(ctx, svcCfg.PostgresDSN)
	defer cleanupCatalog()

	responder := products.NewResponder(catalog, streamBus, ledger)
	if err := responder.Register(streamBus); err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", observability.Handler(metrics))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return streamBus.Run(ctx) })
	group.Go(func() error { return serveHTTP(ctx, svcCfg.HTTPAddr, router) })
	group.Go(func() error { return serveHealth(ctx, svcCfg.GRPCAddr) })

	slog.Info("product-service running", "http", svcCfg.HTTPAddr, "grpc", svcCfg.GRPCAddr)
	return group.Wait()
}

func buildCatalog(ctx context.Context, dsn string) (products.Catalog, func()) {
	cleanup := func() {}
	var catalog products.Catalog = products.NewMemoryCatalog(
		products.Product{ID: "10", Name: "deck chair", Price: 100, Stock: 5},
		products.Product{ID: "11", Name: "parasol", Price: 45.5, Stock: 12},
		products.Product{ID: "12", Name: "picnic table", Price: 220, Stock: 2},
	)

	if dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			slog.Warn("postgres open failed, falling back to in-memory catalog", "error", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pg, err := productsdb.NewCatalogStoreWithSchema(setupCtx, sqlDB)
			if err != nil {
				slog.Warn("postgres init failed, falling back to in-memory catalog", "error", err)
				_ = sqlDB.Close()
			} else {
				slog.Info("postgres catalog enabled")
				catalog = pg
				cleanup = func() { _ = sqlDB.Close() }
			}
		}
	}

	return catalog, cleanup
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
