package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/opencarrental/identity/internal/app"
	"github.com/opencarrental/identity/internal/cache"
	"github.com/opencarrental/identity/internal/config"
	"github.com/opencarrental/identity/internal/interceptors"
	"github.com/opencarrental/identity/internal/keys"
	"github.com/opencarrental/identity/internal/metrics"
	"github.com/opencarrental/identity/internal/observability"
	"github.com/opencarrental/identity/internal/service"
	"github.com/opencarrental/identity/internal/storage"
	"github.com/opencarrental/identity/internal/storage/memory"
	"github.com/opencarrental/identity/internal/storage/mongo"
	"github.com/opencarrental/identity/internal/storage/postgres"
	tokengrpc "github.com/opencarrental/identity/internal/transport/grpc"
	transporthttp "github.com/opencarrental/identity/internal/transport/http"
)

// Константы для определения окружения.
const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting application", "env", cfg.Env)

	if err := observability.InitSentry(cfg.Sentry.DSN, cfg.Env); err != nil {
		log.Warn("sentry_init_failed", slog.String("err", err.Error()))
	}
	defer observability.FlushSentry()

	// Корневой контекст по сигналам.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	// Ключ подписи: без него сервис не стартует.
	kp, err := keys.LoadFromConfig(rootCtx, cfg)
	if err != nil {
		log.Error("keystore_unavailable", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("keystore_loaded", slog.String("kid", kp.KID()))

	conf := app.NewConfigurer(cfg)
	clients, err := conf.ClientRegistry()
	if err != nil {
		log.Error("client_registry_invalid", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("client_registry_built", slog.Int("clients", clients.Len()))

	st, err := openStorages(rootCtx, cfg, log)
	if err != nil {
		log.Error("storage_init_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer st.close()

	// Сервис.
	srvc := service.New(clients, kp, st.tokens, st.users, cfg.Auth, service.WithSweepGrace(cfg.Janitor.Grace))
	if st.cache != nil {
		srvc.SetRefreshCache(st.cache)
	}
	log.Info("service_initialized")

	var ready atomic.Bool

	m := metrics.New(prometheus.DefaultRegisterer)

	handler, err := transporthttp.NewRouter(srvc, conf, transporthttp.Options{
		Logger:         log,
		Timeout:        cfg.Timeouts.Service,
		BasePath:       cfg.HTTP.BasePath,
		Metrics:        m,
		MetricsHandler: promhttp.Handler(),
		Ready:          ready.Load,
	})
	if err != nil {
		log.Error("http_router_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	httpAddr := cfg.HTTP.Addr()
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http_listen_start", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
		}
	}()

	grpc_prometheus.EnableHandlingTimeHistogram()

	// gRPC-сервер и интерсепторы.
	grpcOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			interceptors.Recover(log),
			interceptors.UnaryLoggingInterceptor(log),
			interceptors.WithTimeout(cfg.Timeouts.Service),
			grpc_prometheus.UnaryServerInterceptor,
		),
		grpc.ChainStreamInterceptor(
			grpc_prometheus.StreamServerInterceptor,
		),
	}
	grpcServer := grpc.NewServer(grpcOpts...)

	// Health-check сервис.
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	tokengrpc.RegisterTokenServiceServer(grpcServer, tokengrpc.NewTokenServer(srvc))

	// Рефлексия — только в local/dev.
	if cfg.Env == envLocal || cfg.Env == envDev {
		reflection.Register(grpcServer)
	}

	// Фоновая очистка просроченных refresh-токенов.
	startRefreshJanitor(rootCtx, srvc, log, cfg.Janitor.Period)

	addr := cfg.GRPC.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("grpc_listen_failed",
			slog.String("addr", addr),
			slog.String("err", err.Error()),
		)
		_ = httpSrv.Shutdown(context.Background())
		st.close()
		os.Exit(1)
	}
	log.Info("grpc_listen_start", slog.String("addr", addr))

	grpc_prometheus.Register(grpcServer)

	// Сервис готов: health -> SERVING и readiness.
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(tokengrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	ready.Store(true)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	// Ожидание сигнала завершения или фатальной ошибки сервера.
	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("grpc_serve_failed", slog.String("err", err.Error()))
		}
	}

	hs.Shutdown()
	ready.Store(false)

	// Graceful stop с таймаутом.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc_stopped")
	case <-shutdownCtx.Done():
		log.Warn("grpc_force_stop")
		grpcServer.Stop()
	}

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_failed", slog.String("err", err.Error()))
	}

	log.Info("service_stopped")
}

// setupLogger настраивает slog по окружению.
func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}

// storages — выбранные по конфигурации хранилища и их закрытие.
type storages struct {
	tokens storage.RefreshTokenStorage
	users  storage.UserStorage
	cache  cache.RefreshCache
	closer []func()
}

func (s *storages) close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		s.closer[i]()
	}
	s.closer = nil
}

// openStorages подключает PostgreSQL (refresh-токены), MongoDB (пользователи)
// и Redis (кэш). Пустой URL включает in-memory вариант; кэш необязателен.
func openStorages(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storages, error) {
	st := &storages{}

	if cfg.DB.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := postgres.New(dbCtx, cfg.DB.DatabaseURL)
		cancel()
		if err != nil {
			return nil, err
		}
		st.tokens = pg
		st.closer = append(st.closer, pg.Close)
		log.Info("postgres_connected")
	} else {
		st.tokens = memory.NewRefreshTokens()
		log.Warn("refresh_tokens_in_memory")
	}

	if cfg.Mongo.URL != "" {
		mCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mg, err := mongo.New(mCtx, cfg.Mongo.URL)
		cancel()
		if err != nil {
			st.close()
			return nil, err
		}
		st.users = mg
		st.closer = append(st.closer, func() { _ = mg.Close(context.Background()) })
		log.Info("mongo_connected")
	} else {
		users, err := memory.NewUsers()
		if err != nil {
			st.close()
			return nil, err
		}
		st.users = users
		log.Warn("users_in_memory")
	}

	if cfg.Redis.RedisURL != "" {
		rCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		c, err := cache.NewRedisCache(rCtx, cfg.Redis.RedisURL, cfg.Redis.Prefix)
		cancel()
		if err != nil {
			// Кэш необязателен: без него все проверки идут в хранилище.
			log.Warn("redis_unavailable", slog.String("err", err.Error()))
		} else {
			st.cache = c
			st.closer = append(st.closer, func() { _ = c.Close() })
			log.Info("redis_connected")
		}
	}

	return st, nil
}

// expiredTokenDeleter — источник очистки просроченных refresh-токенов.
type expiredTokenDeleter interface {
	DeleteExpiredRefreshTokens(ctx context.Context) error
}

// startRefreshJanitor запускает фоновую задачу, которая периодически удаляет
// просроченные refresh-токены.
func startRefreshJanitor(ctx context.Context, d expiredTokenDeleter, log *slog.Logger, period time.Duration) {
	if period <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := d.DeleteExpiredRefreshTokens(ctx); err != nil {
					log.Error("refresh_janitor_failed", slog.String("err", err.Error()))
				}
			}
		}
	}()
}
