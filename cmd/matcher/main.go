package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/anonmeet/meet-server/internal/config"
	"github.com/anonmeet/meet-server/internal/gateway"
	"github.com/anonmeet/meet-server/internal/matching"
	"github.com/anonmeet/meet-server/internal/messaging"
	"github.com/anonmeet/meet-server/internal/metrics"
	"github.com/anonmeet/meet-server/internal/queue"
	"github.com/anonmeet/meet-server/internal/session"
)

func main() {
	log.Println("Starting meet matching service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if !cfg.Redis.Enabled() {
		log.Fatalf("the standalone matcher needs REDIS_ADDR")
	}

	// Redis setup.
	rdb, err := cfg.Redis.Connect(context.Background())
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// NATS setup.
	natsConfig := cfg.NATS
	natsConfig.Name = "meet-matcher"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	queueStore := queue.NewRedisStore(rdb, cfg.Matching.QueueTTL)
	sessions := session.NewManager(session.NewRedisStore(rdb, cfg.Session.TTL), metrics.NewRecorder())

	// No local connections: every matched notification goes over NATS to
	// the instance holding the user.
	transport := messaging.NewClusterTransport(nil, natsClient, "matcher-"+cfg.Instance)
	svc := matching.NewService(queueStore, gateway.NewMatchFinalizer(sessions, queueStore, transport), cfg.Matching.Interval)

	// Run a cycle as soon as any instance queues a user.
	if err := natsClient.SubscribeQueueAdded(func(string) { svc.Trigger() }); err != nil {
		log.Fatalf("failed to subscribe to queue events: %v", err)
	}
	svc.Start()

	log.Printf("meet matching service running")
	log.Printf("  redis_addr: %s", cfg.Redis.Addr)
	log.Printf("  nats_url:   %s", natsConfig.URL)
	log.Printf("  interval:   %s", cfg.Matching.Interval)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	svc.Stop()
	natsClient.Close()
	rdb.Close()
}
