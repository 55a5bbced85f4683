package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chatdesk/wabridge/internal/httpapi"
	"github.com/chatdesk/wabridge/internal/wabridge"
)

func main() {
	addr := os.Getenv("WABRIDGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevelFromEnv(),
	}))

	stateBackend, err := wabridge.BuildStateBackendFromDSN(os.Getenv("WABRIDGE_STATE_BACKEND_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	blobStore, err := wabridge.BuildBlobStoreFromDSN(os.Getenv("WABRIDGE_BLOB_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize blob store: %v", err)
	}

	store := wabridge.NewStoreWithOptions(wabridge.StoreOptions{
		StateBackend: stateBackend,
		StateFile:    os.Getenv("WABRIDGE_STATE_FILE"),
	})
	defer store.Close()

	vaultKey, err := hex.DecodeString(strings.TrimSpace(os.Getenv("WABRIDGE_VAULT_KEY")))
	if err != nil {
		log.Fatalf("WABRIDGE_VAULT_KEY must be hex: %v", err)
	}
	vault, err := wabridge.NewSessionVault(wabridge.SessionVaultOptions{
		Store:  store,
		Blobs:  blobStore,
		Key:    vaultKey,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize session vault: %v", err)
	}

	adapter := wabridge.NewHTTPClientAdapter(wabridge.HTTPAdapterOptions{
		BaseURL:   os.Getenv("WABRIDGE_AUTOMATION_URL"),
		UserAgent: "wabridge",
	})
	lifecycle := wabridge.NewLifecycleManager(wabridge.LifecycleOptions{
		Store:   store,
		Adapter: adapter,
		Vault:   vault,
		Logger:  logger,
	})
	engine := wabridge.NewEngine(wabridge.EngineOptions{
		Store:          store,
		Lifecycle:      lifecycle,
		Logger:         logger,
		EchoRaceWindow: durationEnv("WABRIDGE_ECHO_RACE_WINDOW", 0),
		QueueDepth:     intEnv("WABRIDGE_EVENT_QUEUE_DEPTH", 0),
	})
	defer engine.Close()
	sender := wabridge.NewSender(wabridge.SenderOptions{
		Store:   store,
		Adapter: adapter,
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if spoolDir := strings.TrimSpace(os.Getenv("WABRIDGE_CACHE_SPOOL_DIR")); spoolDir != "" {
		spool, err := wabridge.NewCacheSpool(wabridge.CacheSpoolOptions{
			Dir:    spoolDir,
			Vault:  vault,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to initialize cache spool: %v", err)
		}
		go func() {
			if err := spool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("cache spool stopped", "error", err)
			}
		}()
	}

	if amqpURL := strings.TrimSpace(os.Getenv("WABRIDGE_AMQP_URL")); amqpURL != "" {
		source := wabridge.NewAMQPSource(engine, wabridge.AMQPSourceOptions{
			URL:        amqpURL,
			Exchange:   os.Getenv("WABRIDGE_AMQP_EXCHANGE"),
			Queue:      os.Getenv("WABRIDGE_AMQP_QUEUE"),
			BindingKey: os.Getenv("WABRIDGE_AMQP_BINDING_KEY"),
			Prefetch:   intEnv("WABRIDGE_AMQP_PREFETCH", 0),
			Logger:     logger,
		})
		go func() {
			if err := source.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("amqp source stopped", "error", err)
			}
		}()
	}

	api := httpapi.NewServer(httpapi.ServerOptions{
		Store:     store,
		Engine:    engine,
		Lifecycle: lifecycle,
		Sender:    sender,
		Vault:     vault,
		Config: httpapi.ServerConfig{
			JWTSecret:          os.Getenv("WABRIDGE_JWT_SECRET"),
			InternalHMACSecret: os.Getenv("WABRIDGE_INTERNAL_HMAC_SECRET"),
			InternalMaxSkew:    durationEnv("WABRIDGE_INTERNAL_MAX_SKEW", 5*time.Minute),
			RateLimitMax:       intEnv("WABRIDGE_RATE_LIMIT_MAX", 0),
			RateLimitWindow:    durationEnv("WABRIDGE_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:       int64Env("WABRIDGE_MAX_BODY_BYTES", 0),
		},
	})

	server := &http.Server{Addr: addr, Handler: api}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("wabridge listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func logLevelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("WABRIDGE_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
