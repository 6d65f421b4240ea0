// Package main implements the product indexing worker. It consumes
// index requests from NATS, runs them through the encoding pipeline,
// and periodically re-indexes products whose catalog records changed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shopmind/reco-engine/engine/catalog"
	"github.com/shopmind/reco-engine/engine/encode"
	"github.com/shopmind/reco-engine/engine/indexer"
	"github.com/shopmind/reco-engine/engine/mirror"
	"github.com/shopmind/reco-engine/engine/semantic"
	"github.com/shopmind/reco-engine/pkg/metrics"
)

// Config holds all environment-based configuration.
type Config struct {
	NATSURL      string
	QdrantURL    string
	Collection   string
	EmbedURL     string
	EmbedModel   string
	VisionURL    string
	MirrorPath   string
	MetricsPort  int
	ScanInterval time.Duration
	Workers      int
}

func loadConfig() Config {
	return Config{
		NATSURL:      envOr("NATS_URL", nats.DefaultURL),
		QdrantURL:    envOr("QDRANT_URL", "localhost:6334"),
		Collection:   envOr("QDRANT_COLLECTION", "products"),
		EmbedURL:     envOr("EMBED_URL", "http://localhost:11434"),
		EmbedModel:   envOr("EMBED_MODEL", "all-minilm"),
		VisionURL:    envOr("VISION_URL", "http://localhost:8500"),
		MirrorPath:   envOr("MIRROR_PATH", "reco-mirror.db"),
		MetricsPort:  envInt("METRICS_PORT", 9091),
		ScanInterval: envDuration("STALE_SCAN_INTERVAL", 5*time.Minute),
		Workers:      envInt("INDEX_WORKERS", 4),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

var met = metrics.New()

var (
	mIndexed     = met.Counter("reco_indexer_products_indexed_total", "Products indexed")
	mFailed      = met.Counter("reco_indexer_products_failed_total", "Products that failed indexing")
	mScanDur     = met.Histogram("reco_indexer_scan_duration_seconds", "Stale-scan duration", nil)
	mLastScan    = met.Gauge("reco_indexer_last_scan_timestamp", "Epoch of last stale scan")
	mLedgerCount = met.Gauge("reco_indexer_ledger_rows", "Rows in the sync ledger")
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("indexer exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("reco-indexer"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection, logger)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	if err := vectorStore.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	// --- Open the sync ledger ---
	ledger, err := mirror.Open(cfg.MirrorPath)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	defer ledger.Close()

	// --- Build the indexing service ---
	opts := indexer.DefaultOptions()
	opts.Workers = cfg.Workers
	svc := indexer.New(indexer.Deps{
		TextEnc:  encode.NewTextEncoder(cfg.EmbedURL, cfg.EmbedModel),
		ImageEnc: encode.NewImageEncoder(cfg.VisionURL, logger),
		Store:    vectorStore,
		Mirror:   ledger,
		Catalog:  catalog.NewClient(nc),
		Notify:   indexer.NewNATSNotifier(nc),
		Logger:   logger,
	}, opts)

	met.CollectRuntime("reco_indexer", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort)

	// --- Consume index requests ---
	sub, err := indexer.StartConsumer(nc, svc)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer sub.Unsubscribe()
	logger.Info("consuming index requests", "subject", indexer.IndexSubject)

	// --- Periodic stale scan ---
	ticker := time.NewTicker(cfg.ScanInterval)
	defer ticker.Stop()

	lastScan := time.Now().Add(-cfg.ScanInterval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case <-ticker.C:
			scanStart := time.Now()
			report, err := svc.ReindexStale(ctx, lastScan)
			if err != nil {
				logger.Error("stale scan failed", "err", err)
				continue
			}
			lastScan = scanStart
			mScanDur.Since(scanStart)
			mLastScan.Set(scanStart.Unix())
			mIndexed.Add(int64(report.Succeeded))
			mFailed.Add(int64(report.Failed))
			if n, err := ledger.Count(ctx); err == nil {
				mLedgerCount.Set(int64(n))
			}
			if report.Total > 0 {
				logger.Info("stale scan complete",
					"total", report.Total,
					"succeeded", report.Succeeded,
					"failed", report.Failed,
				)
			}
		}
	}
}
