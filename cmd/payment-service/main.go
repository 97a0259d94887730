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
	paymentsdb "tradewind/internal/db/payments"
	"tradewind/internal/dedup"
	"tradewind/internal/observability"
	"tradewind/internal/payments"
	"tradewind/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	telemetry.InitLogger("payment-service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("payment-service error: %v", err)
	}
}

func run(ctx context.Context) error {
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	if redisCfg.URL == "" {
		return errors.New("REDIS_URL is required: the payment service only speaks topics")
	}
	svcCfg, err := config.LoadService(":8081", ":50052")
	if err != nil {
		return err
	}
	gatewayCfg, err := config.LoadGateway()
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

	store, cleanupStore := buildPaymentStore(ctx, svcCfg.PostgresDSN)
	defer cleanupStore()

	var limiter *payments.RateLimiter
	if gatewayCfg.RateInterval > 0 && gatewayCfg.RateBurst > 0 {
		limiter = payments.NewRateLimiter(gatewayCfg.RateInterval, gatewayCfg.RateBurst)
	}
	gateway := payments.NewReliableGateway(
		payments.NewMemoryGateway(),
		limiter,
		payments.NewBreaker(payments.BreakerConfig{
			MaxFailures:  gatewayCfg.BreakerThreshold,
			ResetTimeout: gatewayCfg.BreakerCooldown,
		}),
		payments.RetryPolicy{
			MaxAttempts: gatewayCfg.MaxAttempts,
			BaseDelay:   gatewayCfg.BaseDelay,
			MaxDelay:    gatewayCfg.MaxDelay,
		},
	)

	handler := payments.NewHandler(store, gateway, streamBus, ledger)
	if err := handler.Register(streamBus); err != nil {
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

	slog.Info("payment-service running", "http", svcCfg.HTTPAddr, "grpc", svcCfg.GRPCAddr)
	return group.Wait()
}

func buildPaymentStore(ctx context.Context, dsn string) (payments.Store, func()) {
	cleanup := func() {}
	var store payments.Store = payments.NewMemoryStore()

	if dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			slog.Warn("postgres open failed, falling back to in-memory payments", "error", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pg, err := paymentsdb.NewPaymentStoreWithSchema(setupCtx, sqlDB)
			if err != nil {
				slog.Warn("postgres init failed, falling back to in-memory payments", "error", err)
				_ = sqlDB.Close()
			} else {
				slog.Info("postgres payments enabled")
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
