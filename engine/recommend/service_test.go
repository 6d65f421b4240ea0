package recommend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopmind/reco-engine/engine/cache"
	"github.com/shopmind/reco-engine/engine/catalog"
	"github.com/shopmind/reco-engine/engine/domain"
	"github.com/shopmind/reco-engine/engine/rank"
	"github.com/shopmind/reco-engine/engine/semantic"
)

type mockStore struct {
	similar       []semantic.Candidate
	similarErr    error
	searchCalls   int
	lastVector    string
	lastFilters   semantic.Filters
	lastN         int
	deleteErr     error
	deleted       []int64
	personalCalls int
}

func (m *mockStore) FindSimilar(_ context.Context, _ int64, vectorName string, n int, f semantic.Filters, _ bool) ([]semantic.Candidate, error) {
	m.searchCalls++
	m.lastVector = vectorName
	m.lastFilters = f
	m.lastN = n
	return m.similar, m.similarErr
}

func (m *mockStore) SearchByImage(_ context.Context, _ []float32, _ int, _ semantic.Filters) ([]semantic.Candidate, error) {
	m.searchCalls++
	return m.similar, m.similarErr
}

func (m *mockStore) SearchByText(_ context.Context, _ []float32, _ int, _ semantic.Filters) ([]semantic.Candidate, error) {
	m.searchCalls++
	return m.similar, m.similarErr
}

func (m *mockStore) Personalized(_ context.Context, _ []float32, _ []int64, _ int) ([]semantic.Candidate, error) {
	m.personalCalls++
	return m.similar, m.similarErr
}

func (m *mockStore) DeleteProduct(_ context.Context, productID int64) error {
	m.deleted = append(m.deleted, productID)
	return m.deleteErr
}

func (m *mockStore) Stats(_ context.Context) (semantic.CollectionStats, error) {
	return semantic.CollectionStats{PointsCount: 42}, nil
}

type mockCatalog struct {
	products map[int64]domain.Product
}

func (m *mockCatalog) Product(_ context.Context, id int64) (domain.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, catalog.ErrProductNotFound
	}
	return p, nil
}

func (m *mockCatalog) Products(_ context.Context, ids []int64) ([]domain.Product, error) {
	var out []domain.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockCatalog) UpdatedSince(_ context.Context, _ time.Time, _ int) ([]domain.Product, error) {
	return nil, nil
}

func (m *mockCatalog) ActiveProductIDs(_ context.Context) ([]int64, error) {
	return nil, nil
}

type mockGraph struct {
	complements []domain.Category
	err         error
}

func (m *mockGraph) Complements(_ context.Context, _ int64) ([]domain.Category, error) {
	return m.complements, m.err
}

type mockMirror struct {
	deleted []int64
	err     error
}

func (m *mockMirror) Delete(_ context.Context, productID int64) error {
	m.deleted = append(m.deleted, productID)
	return m.err
}

type mockEvents struct {
	batches [][]domain.RecommendationEvent
}

func (m *mockEvents) PublishEvents(_ context.Context, events []domain.RecommendationEvent) error {
	m.batches = append(m.batches, events)
	return nil
}

type mockEmbedder struct {
	vec  []float32
	err  error
	last string
}

func (m *mockEmbedder) Encode(_ context.Context, text string) ([]float32, error) {
	m.last = text
	return m.vec, m.err
}

func (m *mockEmbedder) EncodeURL(_ context.Context, url string) ([]float32, error) {
	m.last = url
	return m.vec, m.err
}

func activeProduct(id int64, price float64) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      "product",
		Price:     price,
		IsActive:  true,
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

func newTestService(store *mockStore, cat *mockCatalog) (*Service, *mockMirror, *mockEvents) {
	mir := &mockMirror{}
	ev := &mockEvents{}
	svc := New(Deps{
		Store:   store,
		Cache:   cache.New(),
		Catalog: cat,
		Graph:   &mockGraph{},
		Mirror:  mir,
		Events:  ev,
	}, DefaultOptions())
	return svc, mir, ev
}

func TestSimilarProductsRanksAndPublishes(t *testing.T) {
	store := &mockStore{similar: []semantic.Candidate{
		{ProductID: 2, Score: 0.5},
		{ProductID: 3, Score: 0.9},
	}}
	cat := &mockCatalog{products: map[int64]domain.Product{
		1: activeProduct(1, 100),
		2: activeProduct(2, 100),
		3: activeProduct(3, 100),
	}}
	svc, _, ev := newTestService(store, cat)

	ranked, err := svc.SimilarProducts(context.Background(), 1, SimilarQuery{Strategy: rank.StrategyRelevance})
	if err != nil {
		t.Fatalf("SimilarProducts: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("got %d results, want 2", len(ranked))
	}
	if ranked[0].Product.ID != 3 {
		t.Fatalf("top result = %d, want 3 (highest similarity)", ranked[0].Product.ID)
	}

	if len(ev.batches) != 1 {
		t.Fatalf("published %d batches, want 1", len(ev.batches))
	}
	first := ev.batches[0][0]
	if first.EventType != domain.EventImpression || first.SourceProductID != 1 || first.Position != 0 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if first.RecommendedProductID != 3 {
		t.Fatalf("first event product = %d, want 3", first.RecommendedProductID)
	}
}

func TestSimilarProductsCachesResults(t *testing.T) {
	store := &mockStore{similar: []semantic.Candidate{{ProductID: 2, Score: 0.8}}}
	cat := &mockCatalog{products: map[int64]domain.Product{
		1: activeProduct(1, 10),
		2: activeProduct(2, 10),
	}}
	svc, _, _ := newTestService(store, cat)
	ctx := context.Background()

	q := SimilarQuery{}
	if _, err := svc.SimilarProducts(ctx, 1, q); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := svc.SimilarProducts(ctx, 1, q); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if store.searchCalls != 1 {
		t.Fatalf("store hit %d times, want 1", store.searchCalls)
	}

	// A different brand-exclusion setting must not share the entry.
	q.ExcludeSameBrand = true
	svc.SimilarProducts(ctx, 1, q)
	if store.searchCalls != 2 {
		t.Fatalf("store hit %d times, want 2 after key change", store.searchCalls)
	}
}

func TestSimilarProductsUnindexedIsEmptyAndNegativeCached(t *testing.T) {
	store := &mockStore{similarErr: semantic.ErrNotIndexed}
	svc, _, _ := newTestService(store, &mockCatalog{})
	ctx := context.Background()

	ranked, err := svc.SimilarProducts(ctx, 7, SimilarQuery{})
	if err != nil {
		t.Fatalf("unindexed product must not error, got %v", err)
	}
	if len(ranked) != 0 {
		t.Fatalf("got %d results, want 0", len(ranked))
	}

	svc.SimilarProducts(ctx, 7, SimilarQuery{})
	if store.searchCalls != 1 {
		t.Fatalf("store hit %d times, want 1 (negative cache)", store.searchCalls)
	}
}

func TestSimilarProductsDropsMissingCatalogRecords(t *testing.T) {
	store := &mockStore{similar: []semantic.Candidate{
		{ProductID: 2, Score: 0.9},
		{ProductID: 99, Score: 0.8},
	}}
	cat := &mockCatalog{products: map[int64]domain.Product{
		1: activeProduct(1, 10),
		2: activeProduct(2, 10),
	}}
	svc, _, _ := newTestService(store, cat)

	ranked, err := svc.SimilarProducts(context.Background(), 1, SimilarQuery{})
	if err != nil {
		t.Fatalf("SimilarProducts: %v", err)
	}
	if len(ranked) != 1 || ranked[0].Product.ID != 2 {
		t.Fatalf("ranked = %+v, want only product 2", ranked)
	}
}

func TestSimilarProductsInvalidVectorFallsBack(t *testing.T) {
	store := &mockStore{}
	svc, _, _ := newTestService(store, &mockCatalog{})

	svc.SimilarProducts(context.Background(), 1, SimilarQuery{VectorType: "bogus"})
	if store.lastVector != semantic.VectorCombined {
		t.Fatalf("vector = %q, want %q", store.lastVector, semantic.VectorCombined)
	}
}

func TestTextSearchEmbedsQuery(t *testing.T) {
	store := &mockStore{similar: []semantic.Candidate{{ProductID: 5, Score: 0.4}}}
	enc := &mockEmbedder{vec: make([]float32, 384)}
	svc := New(Deps{
		Store:   store,
		Cache:   cache.New(),
		Catalog: &mockCatalog{},
		TextEnc: enc,
	}, DefaultOptions())

	hits, err := svc.TextSearch(context.Background(), "red sneakers", 5, semantic.Filters{})
	if err != nil {
		t.Fatalf("TextSearch: %v", err)
	}
	if enc.last != "red sneakers" {
		t.Fatalf("encoded %q, want query text", enc.last)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
}

func TestSimilarByImageUnencodableIsEmpty(t *testing.T) {
	store := &mockStore{}
	svc := New(Deps{
		Store:    store,
		Cache:    cache.New(),
		Catalog:  &mockCatalog{},
		ImageEnc: &mockEmbedder{vec: nil},
	}, DefaultOptions())

	hits, err := svc.SimilarByImage(context.Background(), "http://cdn/broken.jpg", 5, semantic.Filters{})
	if err != nil {
		t.Fatalf("SimilarByImage: %v", err)
	}
	if hits != nil {
		t.Fatalf("hits = %v, want nil", hits)
	}
	if store.searchCalls != 0 {
		t.Fatal("store must not be queried without a vector")
	}
}

func TestPersonalizedWithoutPreferenceIsEmpty(t *testing.T) {
	store := &mockStore{}
	svc, _, _ := newTestService(store, &mockCatalog{})

	hits, err := svc.Personalized(context.Background(), domain.UserProfile{UserID: 1}, 5, 0)
	if err != nil {
		t.Fatalf("Personalized: %v", err)
	}
	if hits != nil || store.personalCalls != 0 {
		t.Fatalf("cold-start user must yield nothing, got %v (%d calls)", hits, store.personalCalls)
	}
}

func TestComplementaryFiltersByCategory(t *testing.T) {
	store := &mockStore{similar: []semantic.Candidate{{ProductID: 9, Score: 0.7}}}
	cat := &mockCatalog{products: map[int64]domain.Product{
		1: {ID: 1, Name: "sneakers", CategoryID: 10, IsActive: true},
	}}
	mir := &mockMirror{}
	svc := New(Deps{
		Store:   store,
		Cache:   cache.New(),
		Catalog: cat,
		Graph:   &mockGraph{complements: []domain.Category{{ID: 20, Name: "socks"}}},
		Mirror:  mir,
	}, DefaultOptions())

	hits, err := svc.Complementary(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("Complementary: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if store.lastFilters.CategoryID != 20 {
		t.Fatalf("filter category = %d, want 20", store.lastFilters.CategoryID)
	}
}

func TestComplementaryUnknownProductIsEmpty(t *testing.T) {
	svc, _, _ := newTestService(&mockStore{}, &mockCatalog{})

	hits, err := svc.Complementary(context.Background(), 404, 5)
	if err != nil {
		t.Fatalf("Complementary: %v", err)
	}
	if hits != nil {
		t.Fatalf("hits = %v, want nil", hits)
	}
}

func TestDeleteIsBestEffortOnStore(t *testing.T) {
	store := &mockStore{deleteErr: errors.New("qdrant down")}
	svc, mir, _ := newTestService(store, &mockCatalog{})

	if err := svc.Delete(context.Background(), 3); err != nil {
		t.Fatalf("Delete must tolerate store failure, got %v", err)
	}
	if len(mir.deleted) != 1 || mir.deleted[0] != 3 {
		t.Fatalf("mirror deletes = %v, want [3]", mir.deleted)
	}
}

func TestDeleteInvalidatesCache(t *testing.T) {
	store := &mockStore{similar: []semantic.Candidate{{ProductID: 2, Score: 0.8}}}
	cat := &mockCatalog{products: map[int64]domain.Product{
		1: activeProduct(1, 10),
		2: activeProduct(2, 10),
	}}
	svc, _, _ := newTestService(store, cat)
	ctx := context.Background()

	svc.SimilarProducts(ctx, 1, SimilarQuery{})
	if err := svc.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	svc.SimilarProducts(ctx, 1, SimilarQuery{})
	if store.searchCalls != 2 {
		t.Fatalf("store hit %d times, want 2 after invalidation", store.searchCalls)
	}
}
