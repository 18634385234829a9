package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/ban"
	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/conversation"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/privatechat"
	"github.com/whisper/relay/internal/profile"
	"github.com/whisper/relay/internal/randomchat"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/report"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/storage"
	"github.com/whisper/relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- Postgres ---
	db, err := storage.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if cfg.RunMigrations {
		if err := storage.RunMigrations(db); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	// --- Redis ---
	rdb, err := session.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	mirrorStore := session.NewStore(rdb, cfg.ServerName)
	if n, err := mirrorStore.PurgeServer(ctx); err != nil {
		log.Printf("purge stale sessions: %v", err)
	} else if n > 0 {
		log.Printf("purged %d stale sessions of %s", n, cfg.ServerName)
	}

	// --- NATS ---
	natsCfg := messaging.DefaultConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "relay-" + cfg.ServerName
	nc, err := messaging.Connect(natsCfg)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("Whisper relay starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  strict:          %v", cfg.StrictInvariants)

	limiter := ratelimit.NewLimiter(rdb)
	a := &app{
		serverName: cfg.ServerName,
		auth:       auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		bans:       ban.NewStore(rdb),
		reports:    report.NewStore(db),
		limiter:    limiter,
		checks:     nc,
		mirror:     mirrorStore,
		sessions:   session.NewTable(),
	}

	dispatcher := ws.NewMessageDispatcher(nil, cfg.StrictInvariants)
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Heartbeat:      ws.DefaultHeartbeatConfig(),
	}, a.hooks(dispatcher))
	dispatcher.SetEmitter(server)
	a.server = server

	a.random = randomchat.NewManager(a.sessions, server, profile.NewPGResolver(db),
		randomchat.WithTracker(mirrorStore),
		randomchat.WithLimiter(limiter),
		randomchat.WithReporter(a),
		randomchat.WithScreener(a),
		randomchat.WithStrictInvariants(cfg.StrictInvariants),
	)
	a.private = privatechat.NewManager(a.sessions, server, conversation.NewPGStore(db),
		privatechat.WithRetention(cfg.MessageRetention),
		privatechat.WithTypingTTL(cfg.TypingTTL),
		privatechat.WithLimiter(limiter),
		privatechat.WithScreener(a),
	)
	a.register(dispatcher)

	if err := nc.OnVerdict(cfg.ServerName, a.onVerdict); err != nil {
		log.Fatalf("subscribe to moderation verdicts: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		a.private.Close()
		nc.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
