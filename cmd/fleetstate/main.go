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

	"fleetstate/internal/bus"
	"fleetstate/internal/certs"
	"fleetstate/internal/config"
	"fleetstate/internal/httpapi"
	"fleetstate/internal/identity"
	"fleetstate/internal/ingest"
	"fleetstate/internal/mqtt"
	"fleetstate/internal/realtime"
	"fleetstate/internal/store"
	"fleetstate/internal/sweep"
	"fleetstate/internal/transact"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.MQTTBrokerURL) == "" {
		slog.Error("missing required env", "key", "MQTT_BROKER_URL")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		slog.Error("missing required env", "key", "JWT_ACCESS_SECRET")
		os.Exit(1)
	}
	for key, val := range map[string]string{
		"POSTGRES_USER": cfg.Postgres.User,
		"POSTGRES_DB":   cfg.Postgres.DBName,
		"POSTGRES_HOST": cfg.Postgres.Host,
		"POSTGRES_PORT": cfg.Postgres.Port,
	} {
		if strings.TrimSpace(val) == "" {
			slog.Error("missing required env", "key", key)
			os.Exit(1)
		}
	}

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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis not reachable, state snapshots disabled", "addr", cfg.Redis.Addr, "error", err)
	}
	stateCache := store.NewStateCache(rdb)

	mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	verifier := identity.NewVerifier(cfg.JWTSecret)
	hub := realtime.NewHub()

	dispatcher := transact.NewDispatcher(repo)
	b := &bus.Bus{
		MQ:         mq,
		Prefix:     cfg.TopicPrefix,
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Repo:       repo,
		Hub:        hub,
	}
	transact.NewDeviceMaterializer(b).Register(dispatcher)
	transact.NewTelemetryMaterializer().Register(dispatcher)

	signer := &bus.CASigner{MQ: mq, Prefix: cfg.TopicPrefix, Timeout: cfg.SigningTimeout}
	coordinator := &certs.Coordinator{
		Repo:       repo,
		Dispatcher: dispatcher,
		Signer:     signer,
		Relay:      b,
		Notify:     b,
	}
	ingestor := &ingest.Ingestor{Repo: repo, Cache: stateCache, Notify: b}
	b.Coordinator = coordinator
	b.Ingestor = ingestor

	if cfg.Regenerate {
		if err := dispatcher.Replay(ctx); err != nil {
			slog.Error("regeneration failed", "error", err)
			os.Exit(1)
		}
	}

	if err := b.Start(ctx); err != nil {
		slog.Error("bus subscribe failed", "error", err)
		os.Exit(1)
	}

	sched := sweep.NewScheduler()
	aggregator := sweep.NewAggregator(repo, dispatcher, cfg.AggregateLag)
	presence := sweep.NewPresenceSweeper(repo, b, cfg.StaleAfter)
	if err := sched.Add(ctx, cfg.SweepEvery, "aggregate", aggregator.Run); err != nil {
		slog.Error("invalid sweep schedule", "spec", cfg.SweepEvery, "error", err)
		os.Exit(1)
	}
	if err := sched.Add(ctx, cfg.PresenceEvery, "presence", presence.Run); err != nil {
		slog.Error("invalid presence schedule", "spec", cfg.PresenceEvery, "error", err)
		os.Exit(1)
	}
	if err := sched.Add(ctx, cfg.RelayExpiry, "relay-expiry", sweep.NewRelayJanitor(repo).Run); err != nil {
		slog.Error("invalid relay expiry schedule", "spec", cfg.RelayExpiry, "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	srv := httpapi.New(repo, stateCache, hub, verifier)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("fleetstate listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

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
