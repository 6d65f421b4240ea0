// Package recommend is the query surface of the recommendation engine.
// It composes the vector store, the result cache, the catalog
// collaborator, the business reranker, and the category complement
// graph into the operations calling services consume.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopmind/reco-engine/engine/cache"
	"github.com/shopmind/reco-engine/engine/catalog"
	"github.com/shopmind/reco-engine/engine/domain"
	"github.com/shopmind/reco-engine/engine/rank"
	"github.com/shopmind/reco-engine/engine/semantic"
	"github.com/shopmind/reco-engine/pkg/fn"
)

// VectorSearcher abstracts the vector store queries the service issues.
type VectorSearcher interface {
	FindSimilar(ctx context.Context, productID int64, vectorName string, n int, f semantic.Filters, excludeSameBrand bool) ([]semantic.Candidate, error)
	SearchByImage(ctx context.Context, vec []float32, n int, f semantic.Filters) ([]semantic.Candidate, error)
	SearchByText(ctx context.Context, vec []float32, n int, f semantic.Filters) ([]semantic.Candidate, error)
	Personalized(ctx context.Context, userVec []float32, viewed []int64, n int) ([]semantic.Candidate, error)
	DeleteProduct(ctx context.Context, productID int64) error
	Stats(ctx context.Context) (semantic.CollectionStats, error)
}

// TextEmbedder embeds free-text queries.
type TextEmbedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// ImageEmbedder embeds query images by URL.
type ImageEmbedder interface {
	EncodeURL(ctx context.Context, url string) ([]float32, error)
}

// ComplementSource resolves complementary categories.
type ComplementSource interface {
	Complements(ctx context.Context, categoryID int64) ([]domain.Category, error)
}

// MirrorStore is the slice of the ledger the service needs for deletes.
type MirrorStore interface {
	Delete(ctx context.Context, productID int64) error
}

// EventSink receives analytics events; publishing is fire and forget.
type EventSink interface {
	PublishEvents(ctx context.Context, events []domain.RecommendationEvent) error
}

// Deps holds the service's collaborators.
type Deps struct {
	Store    VectorSearcher
	Cache    *cache.Cache
	Catalog  catalog.Reader
	Graph    ComplementSource
	Mirror   MirrorStore
	Events   EventSink
	TextEnc  TextEmbedder
	ImageEnc ImageEmbedder
	Logger   *slog.Logger
}

// Options configures query behaviour.
type Options struct {
	TopK                    int
	Strategy                rank.Strategy
	CacheTTL                time.Duration
	MaxComplementCategories int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:                    10,
		Strategy:                rank.StrategyBalanced,
		CacheTTL:                cache.PositiveTTL,
		MaxComplementCategories: 3,
	}
}

// Service answers recommendation queries. It is stateless across
// requests apart from the shared cache and is safe for concurrent use.
type Service struct {
	deps   Deps
	opts   Options
	rank   *rank.Reranker
	logger *slog.Logger
}

// New creates a Service.
func New(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.PositiveTTL
	}
	if opts.MaxComplementCategories <= 0 {
		opts.MaxComplementCategories = DefaultOptions().MaxComplementCategories
	}
	return &Service{deps: deps, opts: opts, rank: rank.New(), logger: deps.Logger}
}

// SimilarQuery parameterises a similar-items lookup.
type SimilarQuery struct {
	VectorType       string
	N                int
	Filters          semantic.Filters
	ExcludeSameBrand bool
	Strategy         rank.Strategy
}

// SimilarProducts returns reranked nearest neighbours of a product. A
// product with no stored vector yields an empty list, never an error;
// the miss is negative-cached until the product is indexed.
func (s *Service) SimilarProducts(ctx context.Context, productID int64, q SimilarQuery) ([]rank.Ranked, error) {
	if q.N <= 0 {
		q.N = s.opts.TopK
	}
	if !semantic.ValidVectorName(q.VectorType) {
		q.VectorType = semantic.VectorCombined
	}
	if q.Strategy == "" {
		q.Strategy = s.opts.Strategy
	}

	sig := q.Filters.Signature()
	if q.ExcludeSameBrand {
		sig += "&xsb=1"
	}
	key := cache.Key(productID, q.VectorType, sig)

	candidates, err := s.deps.Cache.GetOrCompute(productID, key, s.opts.CacheTTL, func() ([]semantic.Candidate, error) {
		return s.deps.Store.FindSimilar(ctx, productID, q.VectorType, q.N, q.Filters, q.ExcludeSameBrand)
	})
	if err != nil {
		return nil, fmt.Errorf("recommend: similar %d: %w", productID, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ranked, err := s.rerank(ctx, productID, candidates, q.Strategy)
	if err != nil {
		return nil, err
	}
	s.recordImpressions(ctx, productID, "similar_"+string(q.Strategy), ranked)
	return ranked, nil
}

// rerank resolves catalog records for candidates and scores them. A
// candidate whose relational record is gone is dropped; a missing
// target record downgrades scoring to pure relevance.
func (s *Service) rerank(ctx context.Context, targetID int64, candidates []semantic.Candidate, strategy rank.Strategy) ([]rank.Ranked, error) {
	ids := fn.Unique(fn.Map(candidates, func(c semantic.Candidate) int64 { return c.ProductID }))
	products, err := s.deps.Catalog.Products(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("recommend: resolve candidates: %w", err)
	}
	byID := make(map[int64]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	pairs := make([]rank.Candidate, 0, len(candidates))
	for _, c := range candidates {
		p, ok := byID[c.ProductID]
		if !ok {
			continue
		}
		pairs = append(pairs, rank.Candidate{Product: p, Similarity: float64(c.Score)})
	}

	target, err := s.deps.Catalog.Product(ctx, targetID)
	if err != nil {
		if !errors.Is(err, catalog.ErrProductNotFound) {
			s.logger.Warn("target product lookup failed", "product_id", targetID, "error", err)
		}
		target = domain.Product{ID: targetID}
		strategy = rank.StrategyRelevance
	}

	return s.rank.Rerank(target, pairs, strategy), nil
}

// SimilarByImage embeds a query image and searches the image space. An
// unencodable image degrades to an empty result.
func (s *Service) SimilarByImage(ctx context.Context, imageURL string, n int, f semantic.Filters) ([]semantic.Candidate, error) {
	if n <= 0 {
		n = s.opts.TopK
	}
	vec, err := s.deps.ImageEnc.EncodeURL(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	return s.deps.Store.SearchByImage(ctx, vec, n, f)
}

// TextSearch embeds a free-text query and searches the text space.
func (s *Service) TextSearch(ctx context.Context, query string, n int, f semantic.Filters) ([]semantic.Candidate, error) {
	if n <= 0 {
		n = s.opts.TopK
	}
	vec, err := s.deps.TextEnc.Encode(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recommend: embed query: %w", err)
	}
	return s.deps.Store.SearchByText(ctx, vec, n, f)
}

// Personalized returns recommendations for a user's preference vector,
// excluding recently viewed products. diversityFactor is accepted for
// forward compatibility; candidate over-fetching is the only
// diversification applied.
func (s *Service) Personalized(ctx context.Context, user domain.UserProfile, n int, diversityFactor float64) ([]semantic.Candidate, error) {
	if n <= 0 {
		n = s.opts.TopK
	}
	if len(user.Preference) == 0 {
		return nil, nil
	}
	return s.deps.Store.Personalized(ctx, user.Preference, user.ViewedProductIDs, n)
}

// Complementary returns products from categories that complement the
// target product's category, nearest in the combined space first.
func (s *Service) Complementary(ctx context.Context, productID int64, n int) ([]semantic.Candidate, error) {
	if n <= 0 {
		n = s.opts.TopK
	}
	target, err := s.deps.Catalog.Product(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			return nil, nil
		}
		return nil, err
	}

	categories, err := s.deps.Graph.Complements(ctx, target.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("recommend: complements of category %d: %w", target.CategoryID, err)
	}
	if len(categories) > s.opts.MaxComplementCategories {
		categories = categories[:s.opts.MaxComplementCategories]
	}

	var out []semantic.Candidate
	for _, cat := range categories {
		hits, err := s.deps.Store.FindSimilar(ctx, productID, semantic.VectorCombined, n, semantic.Filters{CategoryID: cat.ID}, false)
		if err != nil {
			if errors.Is(err, semantic.ErrNotIndexed) {
				return nil, nil
			}
			return nil, err
		}
		out = append(out, hits...)
		if len(out) >= n {
			break
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Delete removes a product from the index. The store-side delete is
// best-effort: a failure is logged, and the ledger row, which is the
// source of truth for "indexed", is removed regardless.
func (s *Service) Delete(ctx context.Context, productID int64) error {
	if err := s.deps.Store.DeleteProduct(ctx, productID); err != nil {
		s.logger.Warn("vector delete failed, removing ledger row anyway", "product_id", productID, "error", err)
	}
	if err := s.deps.Mirror.Delete(ctx, productID); err != nil {
		return fmt.Errorf("recommend: delete ledger row %d: %w", productID, err)
	}
	s.deps.Cache.InvalidateProduct(productID)
	return nil
}

// Stats reports collection health.
func (s *Service) Stats(ctx context.Context) (semantic.CollectionStats, error) {
	return s.deps.Store.Stats(ctx)
}

// recordImpressions publishes analytics events for a served list.
// Failures are logged, never surfaced.
func (s *Service) recordImpressions(ctx context.Context, sourceID int64, algorithm string, ranked []rank.Ranked) {
	if s.deps.Events == nil || len(ranked) == 0 {
		return
	}
	events := make([]domain.RecommendationEvent, len(ranked))
	now := time.Now().UTC()
	for i, r := range ranked {
		events[i] = domain.RecommendationEvent{
			SourceProductID:      sourceID,
			RecommendedProductID: r.Product.ID,
			Position:             i,
			Algorithm:            algorithm,
			EventType:            domain.EventImpression,
			OccurredAt:           now,
		}
	}
	if err := s.deps.Events.PublishEvents(ctx, events); err != nil {
		s.logger.Warn("event publish failed", "error", err)
	}
}
