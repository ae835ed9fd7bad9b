package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OP0007/shelf-to-door/internal/cache"
	"github.com/OP0007/shelf-to-door/internal/config"
	grpcapi "github.com/OP0007/shelf-to-door/internal/grpc"
	httpapi "github.com/OP0007/shelf-to-door/internal/http"
	"github.com/OP0007/shelf-to-door/internal/logger"
	"github.com/OP0007/shelf-to-door/internal/metrics"
	"github.com/OP0007/shelf-to-door/internal/poller"
	"github.com/OP0007/shelf-to-door/internal/publisher"
	"github.com/OP0007/shelf-to-door/internal/repository"
	"github.com/OP0007/shelf-to-door/internal/service"
	"github.com/OP0007/shelf-to-door/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Service: "cart-engine",
		Env:     cfg.AppEnv,
		Level:   cfg.LogLevel,
	})

	if err := run(cfg, log); err != nil {
		log.Error("cart engine stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("cart engine stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	cartCache, closeCache, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	retry := service.DefaultRetryConfig()
	retry.MaxAttempts = cfg.DeactivateAttempts
	engine := service.NewCartEngine(st, cartCache, log, m, retry)

	// HTTP
	limiter := httpapi.NewRateLimiter(cfg.ScanRateLimit, cfg.ScanBurst, log)
	limiter.StartCleanup(time.Minute, ctx.Done())
	handler := httpapi.NewHandler(engine, cfg.RequestTimeout, log)
	router := httpapi.NewRouter(handler, m, limiter, log, httpapi.RouterConfig{
		RequestTimeout:     cfg.RequestTimeout,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port: %w", err)
	}
	grpcServer := grpcapi.NewServer(grpcapi.NewCartEngineHandler(engine, log), log)

	// Outbox and scan stream
	var writer publisher.MessageWriter = publisher.NewLogWriter(log)
	var consumer *poller.ScanConsumer
	if cfg.KafkaEnabled() {
		writer = publisher.NewKafkaWriter(cfg.EventsTopic, cfg.KafkaBrokers...)
		reader := poller.NewKafkaReader(cfg.ScanTopic, cfg.ScanGroupID, cfg.KafkaBrokers...)
		consumer = poller.NewScanConsumer(engine, reader, log, m)
		log.Info("kafka enabled", slog.Any("brokers", cfg.KafkaBrokers))
	}
	outbox := publisher.NewOutboxPoller(st, engine, writer, log, m)
	defer outbox.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("grpc server listening", slog.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})

	if consumer != nil {
		g.Go(func() error {
			defer consumer.Close()
			consumer.Run(gctx)
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()

		err := srv.Shutdown(shutdownCtx)
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	creds := &repository.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsPath,
	}

	repo, err := repository.NewRepository(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repo.RunMigrations(creds); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database migrations completed", slog.String("host", cfg.DBHost), slog.String("db", cfg.DBName))
	return repo, nil
}

func openCache(ctx context.Context, cfg *config.Config, log *slog.Logger) (cache.CartCache, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, cart views are not cached")
		return cache.NopCache{}, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	log.Info("redis ping succeeded", slog.String("addr", cfg.RedisAddr))
	return cache.NewRedisCache(client), func() { client.Close() }, nil
}
