package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/ctoriola/orderly-fresh/internal/config"
	"github.com/ctoriola/orderly-fresh/internal/httpapi"
	"github.com/ctoriola/orderly-fresh/internal/hub"
	"github.com/ctoriola/orderly-fresh/internal/logging"
	"github.com/ctoriola/orderly-fresh/internal/qr"
	"github.com/ctoriola/orderly-fresh/internal/queue"
	"github.com/ctoriola/orderly-fresh/internal/store"
	"github.com/ctoriola/orderly-fresh/internal/store/local"
	"github.com/ctoriola/orderly-fresh/internal/store/postgres"
	redisstore "github.com/ctoriola/orderly-fresh/internal/store/redis"
	"github.com/ctoriola/orderly-fresh/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup("orderly", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	logger.Info("storage ready", zap.String("backend", cfg.StorageBackend))

	broadcast := hub.New(logger)
	svc := queue.NewService(st, logger, queue.Options{
		Retry: queue.RetryPolicy{
			MaxAttempts:     cfg.RetryMaxAttempts,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
		},
		OnEvent: func(event queue.Event) {
			payload, err := json.Marshal(event)
			if err != nil {
				return
			}
			broadcast.Broadcast(payload, hub.Subscription{LocationID: event.LocationID})
		},
	})

	codes := qr.NewBuilder(cfg.BaseURL)
	handler := httpapi.NewHandler(svc, codes)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	root := http.NewServeMux()
	root.Handle("/", handler.Routes())
	root.Handle("/realtime/", realtimeHandler(broadcast))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(root)), "orderly")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("orderly listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	go func() {
		if cfg.NoShowGrace <= 0 || cfg.NoShowInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.NoShowInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := svc.CancelOverdueCalled(ctx, cfg.NoShowGrace, cfg.NoShowBatchSize)
			cancel()
			if err != nil {
				logger.Error("cancel overdue tickets", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("cancelled overdue tickets", zap.Int("count", count))
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// openStore opens the configured backend. When a remote backend fails its
// startup ping and STORAGE_FALLBACK_PATH is set, the local file store takes
// over for the whole process lifetime. There is no mid-flight switching.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Port, error) {
	st, err := openPrimary(ctx, cfg)
	if err == nil {
		return st, nil
	}
	if cfg.StorageFallbackPath == "" {
		return nil, err
	}
	if cfg.StorageBackend != config.BackendRedis && cfg.StorageBackend != config.BackendPostgres {
		return nil, err
	}
	logger.Warn("primary storage unavailable, falling back to local file store",
		zap.String("backend", cfg.StorageBackend),
		zap.String("fallback_path", cfg.StorageFallbackPath),
		zap.Error(err))
	return local.Open(cfg.StorageFallbackPath)
}

func openPrimary(ctx context.Context, cfg config.Config) (store.Port, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return local.NewMemory(), nil
	case config.BackendFile:
		return local.Open(cfg.FilePath)
	case config.BackendRedis:
		return redisstore.Open(ctx, redisstore.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			KeyPrefix:    cfg.RedisKeyPrefix,
			PoolSize:     cfg.RedisPoolSize,
			MinIdleConns: cfg.RedisMinIdleConns,
			DialTimeout:  cfg.RedisDialTimeout,
			ReadTimeout:  cfg.RedisReadTimeout,
			WriteTimeout: cfg.RedisWriteTimeout,
		})
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func realtimeHandler(broadcast *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		broadcast.Register(client)
		defer broadcast.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				broadcast.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			broadcast.UpdateSubscription(client, hub.Subscription{LocationID: parsed.LocationID})
		}
	})
}
