package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/handler"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/moderation"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/report"
	"github.com/whisper/pairchat/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded (%v), using the process environment", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var deps handler.Deps

	// --- Redis: rate limits and bans ---
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
		}
		deps.Limiter = ratelimit.NewLimiter(rdb)
		deps.Bans = ban.NewStore(rdb)
	}

	// --- NATS: lifecycle events ---
	var natsClient *messaging.Client
	if cfg.NATS.Enabled() {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = cfg.NATS.URL
		natsClient, err = messaging.Connect(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		deps.Events = natsClient
	}

	// --- Postgres: abuse reports ---
	var reports *report.Store
	if cfg.Database.Enabled() {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		reports, err = report.Open(openCtx, cfg.Database.URL)
		cancel()
		if err != nil {
			log.Fatalf("failed to open report database: %v", err)
		}
		deps.Reports = reports
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}

	log.Printf("pairchat server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  allowed_origins: %v", serverConfig.AllowedOrigins)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  phase_delays:    %s / %s", cfg.Engine.Phase1Delay, cfg.Engine.Phase2Delay)
	log.Printf("  grace_period:    %s", cfg.Engine.GracePeriod)
	log.Printf("  idle_timeout:    %s", cfg.Engine.IdleTimeout)
	log.Printf("  redis:           %t", cfg.Redis.Enabled())
	log.Printf("  nats:            %t", cfg.NATS.Enabled())
	log.Printf("  reports db:      %t", cfg.Database.Enabled())

	// The dispatcher is created first because NewServer needs its Dispatch.
	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	eng := engine.New(cfg.Engine, server, nil)
	if natsClient != nil {
		eng.SetPublisher(natsClient)
	}

	h := handler.New(eng, dispatcher, moderation.NewFilter(), deps)
	h.Register(dispatcher)
	server.SetAdmission(h.Admit)
	server.SetOnConnect(h.OnConnect)
	server.SetOnDisconnect(h.OnDisconnect)

	go eng.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received, initiating graceful shutdown...")
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	stats := eng.Stats()
	log.Printf("engine stopped sessions=%d rooms=%d waiting=%d", stats.Sessions, stats.Rooms, stats.Waiting)

	if natsClient != nil {
		natsClient.Close()
	}
	if reports != nil {
		if err := reports.Close(); err != nil {
			log.Printf("report store close error: %v", err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}
}
