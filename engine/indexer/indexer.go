// Package indexer runs the product indexing pipeline: validate,
// encode text and image, fuse, upsert into the vector store, then
// record the sync in the ledger and drop stale cache entries.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopmind/reco-engine/engine/cache"
	"github.com/shopmind/reco-engine/engine/catalog"
	"github.com/shopmind/reco-engine/engine/domain"
	"github.com/shopmind/reco-engine/engine/fusion"
	"github.com/shopmind/reco-engine/engine/mirror"
	"github.com/shopmind/reco-engine/engine/semantic"
	"github.com/shopmind/reco-engine/pkg/fn"
	"github.com/shopmind/reco-engine/pkg/resilience"
)

// TextEncoder embeds product text.
type TextEncoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// ImageEncoder embeds product images by URL.
type ImageEncoder interface {
	EncodeURL(ctx context.Context, url string) ([]float32, error)
}

// VectorWriter is the write side of the vector store.
type VectorWriter interface {
	UpsertProduct(ctx context.Context, p domain.Product, vecs semantic.ProductVectors) error
	DeleteProduct(ctx context.Context, productID int64) error
}

// Ledger records which products are synced.
type Ledger interface {
	MarkSynced(ctx context.Context, row mirror.Row) error
	Get(ctx context.Context, productID int64) (mirror.Row, error)
	Delete(ctx context.Context, productID int64) error
}

// Deps holds the pipeline's external dependencies.
type Deps struct {
	TextEnc  TextEncoder
	ImageEnc ImageEncoder
	Store    VectorWriter
	Mirror   Ledger
	Cache    *cache.Cache
	Catalog  catalog.Reader
	Notify   Notifier
	Logger   *slog.Logger
}

// Options tunes pipeline behaviour.
type Options struct {
	TextWeight float64
	Workers    int
	BatchSize  int
	// UpsertRPS bounds write throughput against the vector store.
	UpsertRPS float64
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TextWeight: fusion.DefaultTextWeight,
		Workers:    4,
		BatchSize:  100,
		UpsertRPS:  50,
	}
}

// job carries one product through the pipeline stages.
type job struct {
	Product domain.Product
	Text    []float32
	Image   []float32
}

// Service runs the indexing pipeline.
type Service struct {
	deps     Deps
	opts     Options
	pipeline fn.Stage[domain.Product, int64]
	logger   *slog.Logger
}

// New creates a Service.
func New(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.TextWeight <= 0 || opts.TextWeight > 1 {
		opts.TextWeight = fusion.DefaultTextWeight
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	s := &Service{deps: deps, opts: opts, logger: deps.Logger}
	s.pipeline = s.buildPipeline()
	return s
}

// --- Pipeline stages ---

// Validate rejects products the pipeline must not index.
var Validate fn.Stage[domain.Product, domain.Product] = func(_ context.Context, p domain.Product) fn.Result[domain.Product] {
	if err := domain.ValidateProduct(p); err != nil {
		return fn.Err[domain.Product](err)
	}
	return fn.Ok(p)
}

// newEncodeText embeds the product's composed text. Indexing without a
// text vector is pointless, so failures here abort the pipeline.
func newEncodeText(enc TextEncoder) fn.Stage[domain.Product, job] {
	return func(ctx context.Context, p domain.Product) fn.Result[job] {
		vec, err := enc.Encode(ctx, p.EmbeddingText())
		if err != nil {
			return fn.Err[job](fmt.Errorf("encode text for product %d: %w", p.ID, err))
		}
		return fn.Ok(job{Product: p, Text: vec})
	}
}

// newEncodeImage embeds the product's primary image. Image encoding is
// optional: a missing or unencodable image leaves Image nil and the
// product is indexed from text alone.
func newEncodeImage(enc ImageEncoder, log *slog.Logger) fn.Stage[job, job] {
	return func(ctx context.Context, j job) fn.Result[job] {
		url := j.Product.ResolvedImageURL()
		if url == "" || enc == nil {
			return fn.Ok(j)
		}
		vec, err := enc.EncodeURL(ctx, url)
		if err != nil {
			return fn.Err[job](fmt.Errorf("encode image for product %d: %w", j.Product.ID, err))
		}
		if vec == nil {
			log.Warn("image not encodable, indexing text only", "product_id", j.Product.ID, "url", url)
		}
		j.Image = vec
		return fn.Ok(j)
	}
}

// newUpsert writes the named vectors and payload; the store fuses the
// combined vector itself.
func (s *Service) newUpsert() fn.Stage[job, job] {
	return func(ctx context.Context, j job) fn.Result[job] {
		image := j.Image
		if image == nil {
			image = fusion.ZeroImage()
		}
		vecs := semantic.ProductVectors{
			Text:     j.Text,
			Image:    image,
			Combined: fusion.Fuse(j.Text, j.Image, s.opts.TextWeight),
		}
		if err := s.deps.Store.UpsertProduct(ctx, j.Product, vecs); err != nil {
			return fn.Err[job](fmt.Errorf("upsert product %d: %w", j.Product.ID, err))
		}
		return fn.Ok(j)
	}
}

// newFinalize records the sync in the ledger and invalidates cached
// results so the product is immediately recommendable.
func (s *Service) newFinalize() fn.Stage[job, int64] {
	return func(ctx context.Context, j job) fn.Result[int64] {
		p := j.Product
		row := mirror.Row{
			ProductID:  p.ID,
			PointID:    semantic.PointID(p.ID),
			VectorType: semantic.VectorCombined,
			CategoryID: p.CategoryID,
			BrandID:    p.BrandID,
			Price:      p.Price,
			Color:      domain.DominantColor(p.Name, p.Description),
			IsActive:   p.IsActive,
		}
		if err := s.deps.Mirror.MarkSynced(ctx, row); err != nil {
			return fn.Err[int64](fmt.Errorf("mark synced %d: %w", p.ID, err))
		}
		if s.deps.Cache != nil {
			if n := s.deps.Cache.InvalidateProduct(p.ID); n > 0 {
				s.logger.Debug("cache invalidated", "product_id", p.ID, "entries", n)
			}
		}
		s.notify(ctx, p.ID)
		return fn.Ok(p.ID)
	}
}

// notify broadcasts the product change to query processes holding their
// own caches. Failures are logged only: the index write already
// succeeded, and stale entries still expire by TTL.
func (s *Service) notify(ctx context.Context, productID int64) {
	if s.deps.Notify == nil {
		return
	}
	if err := s.deps.Notify.ProductChanged(ctx, productID); err != nil {
		s.logger.Warn("invalidation publish failed", "product_id", productID, "error", err)
	}
}

// upsertRetry bounds in-process retries of transient store errors; the
// consumer adds its own redelivery on top.
var upsertRetry = fn.RetryOpts{
	MaxAttempts: 2,
	InitialWait: 200 * time.Millisecond,
	MaxWait:     time.Second,
	Jitter:      true,
}

func (s *Service) buildPipeline() fn.Stage[domain.Product, int64] {
	upsert := fn.RetryStage(upsertRetry, s.newUpsert())
	if s.opts.UpsertRPS > 0 {
		limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: s.opts.UpsertRPS, Burst: int(s.opts.UpsertRPS)})
		upsert = resilience.LimiterStageWait(limiter, upsert)
	}

	validated := fn.TracedStage("index.validate", Validate)
	encodedText := fn.Then(validated, fn.TracedStage("index.encode_text", newEncodeText(s.deps.TextEnc)))
	encodedImage := fn.Then(encodedText, fn.TracedStage("index.encode_image", newEncodeImage(s.deps.ImageEnc, s.logger)))
	upserted := fn.Then(encodedImage, fn.TracedStage("index.upsert", upsert))
	return fn.Then(upserted, fn.TracedStage("index.finalize", s.newFinalize()))
}

// IndexProduct runs one product through the full pipeline.
func (s *Service) IndexProduct(ctx context.Context, p domain.Product) error {
	result := s.pipeline(ctx, p)
	if result.IsErr() {
		_, err := result.Unwrap()
		return err
	}
	return nil
}

// Remove deletes a product's vectors and ledger row. The store-side
// delete is best-effort; the ledger row is removed regardless.
func (s *Service) Remove(ctx context.Context, productID int64) error {
	if err := s.deps.Store.DeleteProduct(ctx, productID); err != nil {
		s.logger.Warn("vector delete failed, removing ledger row anyway", "product_id", productID, "error", err)
	}
	if err := s.deps.Mirror.Delete(ctx, productID); err != nil {
		return fmt.Errorf("indexer: delete ledger row %d: %w", productID, err)
	}
	if s.deps.Cache != nil {
		s.deps.Cache.InvalidateProduct(productID)
	}
	s.notify(ctx, productID)
	return nil
}

// Failure describes one product that failed within a batch.
type Failure struct {
	ProductID int64  `json:"product_id"`
	Error     string `json:"error"`
}

// BatchReport summarises a batch run. One bad product never aborts the
// rest of the batch.
type BatchReport struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []Failure     `json:"failures,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// IndexBatch indexes products concurrently with bounded workers.
func (s *Service) IndexBatch(ctx context.Context, products []domain.Product) BatchReport {
	start := time.Now()
	results := fn.ParMapResult(products, s.opts.Workers, func(p domain.Product) fn.Result[int64] {
		return s.pipeline(ctx, p)
	})

	report := BatchReport{Total: len(products)}
	for i, r := range results {
		if r.IsErr() {
			_, err := r.Unwrap()
			report.Failed++
			report.Failures = append(report.Failures, Failure{ProductID: products[i].ID, Error: err.Error()})
			continue
		}
		report.Succeeded++
	}
	report.Elapsed = time.Since(start)

	s.logger.Info("batch indexed",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"elapsed", report.Elapsed,
	)
	return report
}

// ReindexAll re-indexes every active product, paging through the
// catalog in batches.
func (s *Service) ReindexAll(ctx context.Context) (BatchReport, error) {
	ids, err := s.deps.Catalog.ActiveProductIDs(ctx)
	if err != nil {
		return BatchReport{}, fmt.Errorf("indexer: list active products: %w", err)
	}

	var total BatchReport
	start := time.Now()
	for i, page := range fn.Chunk(ids, s.opts.BatchSize) {
		products, err := s.deps.Catalog.Products(ctx, page)
		if err != nil {
			return total, fmt.Errorf("indexer: fetch products page %d: %w", i, err)
		}
		r := s.IndexBatch(ctx, products)
		total.Total += r.Total
		total.Succeeded += r.Succeeded
		total.Failed += r.Failed
		total.Failures = append(total.Failures, r.Failures...)
	}
	total.Elapsed = time.Since(start)
	return total, nil
}

// ReindexStale re-indexes products whose catalog record changed at or
// after since. Products whose ledger row is already newer than the
// catalog update are skipped.
func (s *Service) ReindexStale(ctx context.Context, since time.Time) (BatchReport, error) {
	products, err := s.deps.Catalog.UpdatedSince(ctx, since, s.opts.BatchSize)
	if err != nil {
		return BatchReport{}, fmt.Errorf("indexer: list stale products: %w", err)
	}

	stale := products[:0]
	for _, p := range products {
		row, err := s.deps.Mirror.Get(ctx, p.ID)
		if err == nil && row.Fresh(p.UpdatedAt) {
			continue
		}
		stale = append(stale, p)
	}
	if len(stale) == 0 {
		return BatchReport{}, nil
	}
	return s.IndexBatch(ctx, stale), nil
}
