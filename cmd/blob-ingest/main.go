package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/sessionblob/ingest/internal/config"
	"github.com/sessionblob/ingest/internal/dispatcher"
	"github.com/sessionblob/ingest/internal/logging"
	"github.com/sessionblob/ingest/internal/objectstore"
	"github.com/sessionblob/ingest/internal/realtime"
	"github.com/sessionblob/ingest/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	logging.InitFromEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Expose(cfg.Metrics.Port)

	var store *objectstore.Client
	if cfg.ObjectStore.AccessKey != "" {
		store, err = objectstore.NewWithCredentials(ctx, cfg.ObjectStore, cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey)
	} else {
		store, err = objectstore.New(ctx, cfg.ObjectStore)
	}
	if err != nil {
		log.Fatalf("objectstore: %v", err)
	}

	rt, err := realtime.New(ctx, cfg.Realtime)
	if err != nil {
		log.Fatalf("realtime: %v", err)
	}
	defer rt.Close()

	d, err := dispatcher.New(cfg, store, rt)
	if err != nil {
		log.Fatalf("dispatcher: %v", err)
	}
	defer d.Close()

	logging.L().Info("blob-ingest: starting", "brokers", cfg.Kafka.Brokers, "topics", cfg.Kafka.Topics, "group_id", cfg.Kafka.GroupID)

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("dispatcher: %v", err)
	}

	logging.L().Info("blob-ingest: shut down cleanly")
}
