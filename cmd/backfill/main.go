// Package main implements a one-shot backfill that re-indexes every
// active product in the catalog.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/shopmind/reco-engine/engine/catalog"
	"github.com/shopmind/reco-engine/engine/encode"
	"github.com/shopmind/reco-engine/engine/indexer"
	"github.com/shopmind/reco-engine/engine/mirror"
	"github.com/shopmind/reco-engine/engine/semantic"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		natsURL    = flag.String("nats", envOr("NATS_URL", nats.DefaultURL), "NATS server URL")
		qdrantURL  = flag.String("qdrant", envOr("QDRANT_URL", "localhost:6334"), "Qdrant gRPC address")
		collection = flag.String("collection", envOr("QDRANT_COLLECTION", "products"), "Qdrant collection name")
		embedURL   = flag.String("embed-url", envOr("EMBED_URL", "http://localhost:11434"), "text embedding service URL")
		embedModel = flag.String("embed-model", envOr("EMBED_MODEL", "all-minilm"), "text embedding model")
		visionURL  = flag.String("vision-url", envOr("VISION_URL", "http://localhost:8500"), "image embedding service URL")
		mirrorPath = flag.String("mirror", envOr("MIRROR_PATH", "reco-mirror.db"), "sync ledger path")
		workers    = flag.Int("workers", 4, "concurrent indexing workers")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := backfillConfig{
		natsURL:    *natsURL,
		qdrantURL:  *qdrantURL,
		collection: *collection,
		embedURL:   *embedURL,
		embedModel: *embedModel,
		visionURL:  *visionURL,
		mirrorPath: *mirrorPath,
		workers:    *workers,
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("backfill failed", "err", err)
		os.Exit(1)
	}
}

type backfillConfig struct {
	natsURL    string
	qdrantURL  string
	collection string
	embedURL   string
	embedModel string
	visionURL  string
	mirrorPath string
	workers    int
}

func run(cfg backfillConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.natsURL, nats.Name("reco-backfill"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	vectorStore, err := semantic.New(cfg.qdrantURL, cfg.collection, logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	if err := vectorStore.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	ledger, err := mirror.Open(cfg.mirrorPath)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	defer ledger.Close()

	opts := indexer.DefaultOptions()
	opts.Workers = cfg.workers
	svc := indexer.New(indexer.Deps{
		TextEnc:  encode.NewTextEncoder(cfg.embedURL, cfg.embedModel),
		ImageEnc: encode.NewImageEncoder(cfg.visionURL, logger),
		Store:    vectorStore,
		Mirror:   ledger,
		Catalog:  catalog.NewClient(nc),
		Logger:   logger,
	}, opts)

	report, err := svc.ReindexAll(ctx)
	if err != nil {
		return err
	}

	logger.Info("backfill complete",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"elapsed", report.Elapsed,
	)
	for _, f := range report.Failures {
		logger.Warn("product failed", "product_id", f.ProductID, "error", f.Error)
	}
	if report.Failed > 0 {
		return fmt.Errorf("backfill: %d of %d products failed", report.Failed, report.Total)
	}
	return nil
}
