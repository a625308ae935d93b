package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canopysense/gateway/internal/buffer"
	"github.com/canopysense/gateway/internal/config"
	"github.com/canopysense/gateway/internal/finalize"
	"github.com/canopysense/gateway/internal/httpapi"
	"github.com/canopysense/gateway/internal/ingest"
	"github.com/canopysense/gateway/internal/lineage"
	"github.com/canopysense/gateway/internal/mqtt"
	"github.com/canopysense/gateway/internal/objstore"
	"github.com/canopysense/gateway/internal/observability"
	"github.com/canopysense/gateway/internal/publish"
	"github.com/canopysense/gateway/internal/schedule"
	"github.com/canopysense/gateway/internal/session"
	"github.com/canopysense/gateway/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.MQTTBrokerURL) == "" {
		slog.Error("missing required env", "key", "MQTT_BROKER_URL")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.User) == "" {
		slog.Error("missing required env", "key", "POSTGRES_USER")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.DBName) == "" {
		slog.Error("missing required env", "key", "POSTGRES_DB")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Host) == "" {
		slog.Error("missing required env", "key", "POSTGRES_HOST")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Port) == "" {
		slog.Error("missing required env", "key", "POSTGRES_PORT")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.S3.Endpoint) == "" {
		slog.Error("missing required env", "key", "S3_ENDPOINT")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.S3.AccessKey) == "" {
		slog.Error("missing required env", "key", "S3_ACCESS_KEY")
		os.Exit(1)
	}

	shutdownObs, promHandler, tracer := observability.SetupObservability("canopy-gateway")
	defer shutdownObs()

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bufferTTL := time.Duration(cfg.BufferTTLMin) * time.Minute
	var arena buffer.Arena
	var rdb *redis.Client
	switch strings.ToLower(strings.TrimSpace(cfg.BufferBackend)) {
	case "memory":
		arena = buffer.NewMemoryArena()
		slog.Warn("using in-memory transfer buffer; partial transfers will not survive a restart")
	default:
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		arena = buffer.NewRedisArena(rdb, bufferTTL)
	}

	objects, err := objstore.NewMinio(ctx, cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
	if err != nil {
		slog.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.MQTTUsername, cfg.MQTTPassword)
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	pub := publish.New(mq, repo)
	engine := schedule.New(cfg.DefaultWake, cfg.FallbackHours)
	fin := finalize.New(repo, arena, objects, pub, engine)
	pipe := ingest.New(repo, arena, lineage.New(repo), session.New(repo), engine, pub, fin)

	onMessage := func(m mqtt.Message) {
		if err := pipe.Dispatch(ctx, m.Topic(), m.Payload()); err != nil {
			slog.Error("message handling failed", "topic", m.Topic(), "error", err)
		}
	}
	if err := mq.Subscribe(ingest.StatusTopicFilter, onMessage); err != nil {
		slog.Error("mqtt subscribe failed", "topic", ingest.StatusTopicFilter, "error", err)
		os.Exit(1)
	}
	if err := mq.Subscribe(ingest.DataTopicFilter, onMessage); err != nil {
		slog.Error("mqtt subscribe failed", "topic", ingest.DataTopicFilter, "error", err)
		os.Exit(1)
	}

	go buffer.NewSweeper(arena, time.Duration(cfg.SweepEveryMin)*time.Minute, bufferTTL).Run(ctx)

	srv := httpapi.New(repo, pipe, promHandler, tracer, "canopy-gateway")
	srv.AddDependency("postgres", repo)
	srv.AddDependency("objstore", objects)
	if rdb != nil {
		srv.AddDependency("redis", redisPinger{rdb: rdb})
	}

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("gateway listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
