package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anonmeet/meet-server/internal/bot"
	"github.com/anonmeet/meet-server/internal/config"
	"github.com/anonmeet/meet-server/internal/gateway"
	"github.com/anonmeet/meet-server/internal/history"
	"github.com/anonmeet/meet-server/internal/httpapi"
	"github.com/anonmeet/meet-server/internal/link"
	"github.com/anonmeet/meet-server/internal/matching"
	"github.com/anonmeet/meet-server/internal/messaging"
	"github.com/anonmeet/meet-server/internal/metrics"
	"github.com/anonmeet/meet-server/internal/moderation"
	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/ratelimit"
	"github.com/anonmeet/meet-server/internal/region"
	"github.com/anonmeet/meet-server/internal/relay"
	"github.com/anonmeet/meet-server/internal/session"
	"github.com/anonmeet/meet-server/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	ctx := context.Background()

	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = cfg.Redis.Connect(ctx)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
	}

	var queueStore queue.Store = queue.NewMemoryStore(cfg.Matching.QueueTTL)
	if cfg.Matching.QueueBackend == config.BackendRedis {
		queueStore = queue.NewRedisStore(rdb, cfg.Matching.QueueTTL)
	}
	var sessionStore session.Store = session.NewMemoryStore(cfg.Session.TTL)
	if cfg.Session.Backend == config.BackendRedis {
		sessionStore = session.NewRedisStore(rdb, cfg.Session.TTL)
	}
	var linkStore link.Store = link.NewMemoryStore()
	if cfg.Link.Backend == config.BackendRedis {
		linkStore = link.NewRedisStore(rdb)
	}

	// --- PostgreSQL session history ---
	sinks := []session.MetricsSink{metrics.NewRecorder()}
	var (
		db      *sql.DB
		summary httpapi.Summarizer
	)
	if cfg.Postgres.Enabled() {
		db, err = history.Open(ctx, cfg.Postgres.URL, history.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if err := history.Migrate(ctx, db); err != nil {
			log.Fatalf("failed to migrate session history: %v", err)
		}
		store := history.NewStore(db)
		sinks = append(sinks, history.NewRecorder(store))
		summary = store
	}

	sessions := session.NewManager(sessionStore, sinks...)
	links := link.NewService(linkStore, cfg.Link.TTL, cfg.Link.PublicBaseURL)

	// --- NATS ---
	natsConfig := cfg.NATS
	natsConfig.Name = "meet-" + cfg.Instance
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		if !cfg.Matching.Embedded {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		log.Printf("NATS unavailable, running as a single instance: %v", err)
		natsClient = nil
	}

	// --- WebSocket server ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	wsConfig.MaxConnections = cfg.Server.MaxConnections
	wsConfig.MaxFrameSize = cfg.Server.MaxFrameSize
	wsConfig.ReadTimeout = cfg.Server.ReadTimeout
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout
	wsConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Server.HeartbeatInterval,
		Grace:    cfg.Server.HeartbeatTimeout,
	}

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(wsConfig, region.NewHeaderDetector(cfg.Server.CountryHeader), dispatcher.Dispatch)
	dispatcher.SetServer(server)

	var transport gateway.Transport = ws.NewTransport(server)
	if natsClient != nil {
		cluster := messaging.NewClusterTransport(ws.NewTransport(server), natsClient, cfg.Instance)
		if err := cluster.Start(); err != nil {
			log.Fatalf("failed to subscribe to cluster delivery: %v", err)
		}
		transport = cluster
	}

	responder := bot.NewMockResponder()
	rel := relay.New(sessions, transport, responder, cfg.Bot.ReplyMinDelay, cfg.Bot.ReplyMaxDelay)
	if cfg.TextFilter.Enabled {
		rel.SetScreener(moderation.NewFilter(cfg.TextFilter.BlockedTerms))
	}

	deps := gateway.Deps{
		Queue:     queueStore,
		Sessions:  sessions,
		Links:     links,
		Relay:     rel,
		Responder: responder,
		Transport: transport,
	}
	if rdb != nil {
		deps.Limiter = ratelimit.NewLimiter(rdb)
	}
	if natsClient != nil {
		deps.Events = natsClient
	}

	var matcher *matching.Service
	if cfg.Matching.Embedded {
		matcher = matching.NewService(queueStore, gateway.NewMatchFinalizer(sessions, queueStore, transport), cfg.Matching.Interval)
		deps.Matcher = matcher
	}

	gw := gateway.New(deps, gateway.Options{
		Instance:        cfg.Instance,
		BotOfferDelay:   cfg.Bot.OfferDelay,
		StartMatchRule:  cfg.RateLimit.StartMatching,
		TextMessageRule: cfg.RateLimit.Text,
	})
	gw.Attach(server, dispatcher)

	if natsClient != nil {
		if err := natsClient.SubscribeSessionEnded(gw.HandleSessionEnded); err != nil {
			log.Fatalf("failed to subscribe to session events: %v", err)
		}
	}

	if err := server.Start(); err != nil {
		log.Fatalf("failed to start WebSocket server: %v", err)
	}
	if matcher != nil {
		matcher.Start()
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go sessions.RunSweeper(sweepCtx, time.Minute)

	router := httpapi.NewRouter(httpapi.Dependencies{
		Instance: cfg.Instance,
		WS:       server,
		Links:    links,
		Queue:    queueStore,
		Sessions: sessions,
		History:  summary,

		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	log.Printf("meet server starting")
	log.Printf("  instance:        %s", cfg.Instance)
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  backends:        queue=%s session=%s link=%s", cfg.Matching.QueueBackend, cfg.Session.Backend, cfg.Link.Backend)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  nats:            %t (%s)", natsClient != nil, natsConfig.URL)
	log.Printf("  history:         %t", db != nil)
	log.Printf("  text_filter:     %t (%d terms)", cfg.TextFilter.Enabled, len(cfg.TextFilter.BlockedTerms))
	log.Printf("  matcher:         embedded=%t interval=%s", cfg.Matching.Embedded, cfg.Matching.Interval)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if matcher != nil {
		matcher.Stop()
	}
	stopSweep()
	gw.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WebSocket shutdown error: %v", err)
	}

	waitRelay := make(chan struct{})
	go func() {
		rel.Wait()
		close(waitRelay)
	}()
	select {
	case <-waitRelay:
	case <-time.After(5 * time.Second):
		log.Printf("gave up waiting for pending bot replies")
	}

	if natsClient != nil {
		natsClient.Close()
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
	}
}
