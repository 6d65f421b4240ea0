package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopmind/reco-engine/engine/cache"
	"github.com/shopmind/reco-engine/engine/catalog"
	"github.com/shopmind/reco-engine/engine/domain"
	"github.com/shopmind/reco-engine/engine/fusion"
	"github.com/shopmind/reco-engine/engine/mirror"
	"github.com/shopmind/reco-engine/engine/semantic"
)

type stubTextEnc struct {
	err  error
	last string
}

func (s *stubTextEnc) Encode(_ context.Context, text string) ([]float32, error) {
	s.last = text
	if s.err != nil {
		return nil, s.err
	}
	vec := make([]float32, fusion.TextDim)
	vec[0] = 1
	return vec, nil
}

type stubImageEnc struct {
	vec  []float32
	err  error
	urls []string
}

func (s *stubImageEnc) EncodeURL(_ context.Context, url string) ([]float32, error) {
	s.urls = append(s.urls, url)
	return s.vec, s.err
}

type stubWriter struct {
	mu        sync.Mutex
	upserts   []semantic.ProductVectors
	products  []domain.Product
	upsertErr error
	deleted   []int64
	deleteErr error
}

func (s *stubWriter) UpsertProduct(_ context.Context, p domain.Product, vecs semantic.ProductVectors) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.products = append(s.products, p)
	s.upserts = append(s.upserts, vecs)
	return nil
}

func (s *stubWriter) DeleteProduct(_ context.Context, productID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, productID)
	return s.deleteErr
}

type stubLedger struct {
	mu      sync.Mutex
	rows    []mirror.Row
	deleted []int64
	err     error
}

func (s *stubLedger) MarkSynced(_ context.Context, row mirror.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, row)
	return nil
}

func (s *stubLedger) Get(_ context.Context, productID int64) (mirror.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ProductID == productID {
			return r, nil
		}
	}
	return mirror.Row{}, mirror.ErrNotFound
}

func (s *stubLedger) Delete(_ context.Context, productID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, productID)
	return nil
}

type stubCatalog struct {
	products []domain.Product
}

func (s *stubCatalog) Product(_ context.Context, id int64) (domain.Product, error) {
	for _, p := range s.products {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Product{}, catalog.ErrProductNotFound
}

func (s *stubCatalog) Products(_ context.Context, ids []int64) ([]domain.Product, error) {
	var out []domain.Product
	for _, id := range ids {
		for _, p := range s.products {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *stubCatalog) UpdatedSince(_ context.Context, since time.Time, limit int) ([]domain.Product, error) {
	var out []domain.Product
	for _, p := range s.products {
		if !p.UpdatedAt.Before(since) {
			out = append(out, p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubCatalog) ActiveProductIDs(_ context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(s.products))
	for _, p := range s.products {
		if p.IsActive {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

type stubNotifier struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (s *stubNotifier) ProductChanged(_ context.Context, productID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, productID)
	return s.err
}

func validProduct(id int64) domain.Product {
	return domain.Product{
		ID:           id,
		Name:         "canvas sneakers",
		Description:  "low-top red canvas",
		CategoryID:   10,
		BrandID:      5,
		Price:        49.90,
		IsActive:     true,
		MainImageURL: "http://cdn/p.jpg",
	}
}

func newTestService(text *stubTextEnc, image *stubImageEnc, writer *stubWriter, ledger *stubLedger, cat catalog.Reader) *Service {
	return New(Deps{
		TextEnc:  text,
		ImageEnc: image,
		Store:    writer,
		Mirror:   ledger,
		Cache:    cache.New(),
		Catalog:  cat,
	}, DefaultOptions())
}

func TestIndexProductWritesAllVectors(t *testing.T) {
	imgVec := make([]float32, fusion.ImageDim)
	imgVec[0] = 1
	text := &stubTextEnc{}
	image := &stubImageEnc{vec: imgVec}
	writer := &stubWriter{}
	ledger := &stubLedger{}
	svc := newTestService(text, image, writer, ledger, &stubCatalog{})

	if err := svc.IndexProduct(context.Background(), validProduct(1)); err != nil {
		t.Fatalf("IndexProduct: %v", err)
	}

	if len(writer.upserts) != 1 {
		t.Fatalf("got %d upserts, want 1", len(writer.upserts))
	}
	vecs := writer.upserts[0]
	if len(vecs.Text) != fusion.TextDim || len(vecs.Image) != fusion.ImageDim || len(vecs.Combined) != fusion.ImageDim {
		t.Fatalf("vector dims = %d/%d/%d", len(vecs.Text), len(vecs.Image), len(vecs.Combined))
	}

	if len(ledger.rows) != 1 {
		t.Fatalf("got %d ledger rows, want 1", len(ledger.rows))
	}
	row := ledger.rows[0]
	if row.ProductID != 1 || row.PointID != semantic.PointID(1) {
		t.Fatalf("ledger row = %+v", row)
	}
	if row.Color != "red" {
		t.Fatalf("row color = %q, want red", row.Color)
	}
}

func TestIndexProductComposesEmbeddingText(t *testing.T) {
	text := &stubTextEnc{}
	svc := newTestService(text, &stubImageEnc{}, &stubWriter{}, &stubLedger{}, &stubCatalog{})

	p := validProduct(1)
	p.CategoryName = "shoes"
	p.BrandName = "acme"
	if err := svc.IndexProduct(context.Background(), p); err != nil {
		t.Fatalf("IndexProduct: %v", err)
	}
	if text.last != p.EmbeddingText() {
		t.Fatalf("encoded %q, want composed product text", text.last)
	}
}

func TestIndexProductUnencodableImageDegradesToTextOnly(t *testing.T) {
	writer := &stubWriter{}
	svc := newTestService(&stubTextEnc{}, &stubImageEnc{vec: nil}, writer, &stubLedger{}, &stubCatalog{})

	if err := svc.IndexProduct(context.Background(), validProduct(1)); err != nil {
		t.Fatalf("IndexProduct: %v", err)
	}
	vecs := writer.upserts[0]
	for i, v := range vecs.Image {
		if v != 0 {
			t.Fatalf("image[%d] = %f, want zero vector", i, v)
		}
	}
	// Combined must equal the normalized padded text vector.
	if vecs.Combined[0] == 0 {
		t.Fatal("combined vector lost the text signal")
	}
}

func TestIndexProductWithoutImageSkipsEncoder(t *testing.T) {
	image := &stubImageEnc{}
	svc := newTestService(&stubTextEnc{}, image, &stubWriter{}, &stubLedger{}, &stubCatalog{})

	p := validProduct(1)
	p.MainImageURL = ""
	if err := svc.IndexProduct(context.Background(), p); err != nil {
		t.Fatalf("IndexProduct: %v", err)
	}
	if len(image.urls) != 0 {
		t.Fatalf("encoder called with %v, want no calls", image.urls)
	}
}

func TestIndexProductInvalidIsRejected(t *testing.T) {
	writer := &stubWriter{}
	svc := newTestService(&stubTextEnc{}, &stubImageEnc{}, writer, &stubLedger{}, &stubCatalog{})

	p := validProduct(1)
	p.Name = ""
	err := svc.IndexProduct(context.Background(), p)
	if !errors.Is(err, domain.ErrMissingName) {
		t.Fatalf("err = %v, want ErrMissingName", err)
	}
	if len(writer.upserts) != 0 {
		t.Fatal("invalid product must not reach the store")
	}
}

func TestIndexProductInvalidatesCache(t *testing.T) {
	c := cache.New()
	key := cache.Key(1, semantic.VectorCombined, "")
	c.PutNegative(1, key)

	svc := New(Deps{
		TextEnc:  &stubTextEnc{},
		ImageEnc: &stubImageEnc{},
		Store:    &stubWriter{},
		Mirror:   &stubLedger{},
		Cache:    c,
		Catalog:  &stubCatalog{},
	}, DefaultOptions())

	if err := svc.IndexProduct(context.Background(), validProduct(1)); err != nil {
		t.Fatalf("IndexProduct: %v", err)
	}
	if _, ok, _ := c.Get(key); ok {
		t.Fatal("negative entry must be invalidated after indexing")
	}
}

func TestIndexProductBroadcastsInvalidation(t *testing.T) {
	notifier := &stubNotifier{}
	svc := New(Deps{
		TextEnc:  &stubTextEnc{},
		ImageEnc: &stubImageEnc{},
		Store:    &stubWriter{},
		Mirror:   &stubLedger{},
		Catalog:  &stubCatalog{},
		Notify:   notifier,
	}, DefaultOptions())

	if err := svc.IndexProduct(context.Background(), validProduct(7)); err != nil {
		t.Fatalf("IndexProduct: %v", err)
	}
	if len(notifier.ids) != 1 || notifier.ids[0] != 7 {
		t.Fatalf("broadcast ids = %v, want [7]", notifier.ids)
	}
}

func TestNotifierFailureDoesNotFailIndexing(t *testing.T) {
	writer := &stubWriter{}
	ledger := &stubLedger{}
	svc := New(Deps{
		TextEnc:  &stubTextEnc{},
		ImageEnc: &stubImageEnc{},
		Store:    writer,
		Mirror:   ledger,
		Catalog:  &stubCatalog{},
		Notify:   &stubNotifier{err: errors.New("nats down")},
	}, DefaultOptions())

	if err := svc.IndexProduct(context.Background(), validProduct(1)); err != nil {
		t.Fatalf("broadcast failure must not fail indexing, got %v", err)
	}
	if len(writer.upserts) != 1 {
		t.Fatalf("got %d upserts, want 1", len(writer.upserts))
	}
	if len(ledger.rows) != 1 {
		t.Fatalf("got %d ledger rows, want 1", len(ledger.rows))
	}
}

func TestRemoveBroadcastsInvalidation(t *testing.T) {
	notifier := &stubNotifier{}
	svc := New(Deps{
		TextEnc:  &stubTextEnc{},
		ImageEnc: &stubImageEnc{},
		Store:    &stubWriter{},
		Mirror:   &stubLedger{},
		Catalog:  &stubCatalog{},
		Notify:   notifier,
	}, DefaultOptions())

	if err := svc.Remove(context.Background(), 9); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(notifier.ids) != 1 || notifier.ids[0] != 9 {
		t.Fatalf("broadcast ids = %v, want [9]", notifier.ids)
	}
}

func TestIndexBatchReportsPerItemFailures(t *testing.T) {
	writer := &stubWriter{}
	svc := newTestService(&stubTextEnc{}, &stubImageEnc{}, writer, &stubLedger{}, &stubCatalog{})

	bad := validProduct(2)
	bad.Price = -1
	report := svc.IndexBatch(context.Background(), []domain.Product{validProduct(1), bad, validProduct(3)})

	if report.Total != 3 || report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].ProductID != 2 {
		t.Fatalf("failures = %+v, want product 2", report.Failures)
	}
}

func TestReindexAllPagesThroughCatalog(t *testing.T) {
	cat := &stubCatalog{}
	for i := int64(1); i <= 5; i++ {
		cat.products = append(cat.products, validProduct(i))
	}
	writer := &stubWriter{}
	svc := New(Deps{
		TextEnc:  &stubTextEnc{},
		ImageEnc: &stubImageEnc{},
		Store:    writer,
		Mirror:   &stubLedger{},
		Cache:    cache.New(),
		Catalog:  cat,
	}, Options{BatchSize: 2})

	report, err := svc.ReindexAll(context.Background())
	if err != nil {
		t.Fatalf("ReindexAll: %v", err)
	}
	if report.Total != 5 || report.Succeeded != 5 {
		t.Fatalf("report = %+v", report)
	}
	if len(writer.upserts) != 5 {
		t.Fatalf("got %d upserts, want 5", len(writer.upserts))
	}
}

func TestReindexStaleUsesCutoff(t *testing.T) {
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fresh := validProduct(1)
	fresh.UpdatedAt = cutoff.Add(time.Hour)
	old := validProduct(2)
	old.UpdatedAt = cutoff.Add(-time.Hour)

	writer := &stubWriter{}
	svc := newTestService(&stubTextEnc{}, &stubImageEnc{}, writer, &stubLedger{}, &stubCatalog{products: []domain.Product{fresh, old}})

	report, err := svc.ReindexStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ReindexStale: %v", err)
	}
	if report.Total != 1 {
		t.Fatalf("report = %+v, want 1 stale product", report)
	}
	if writer.products[0].ID != 1 {
		t.Fatalf("indexed product %d, want 1", writer.products[0].ID)
	}
}

func TestReindexStaleSkipsFreshLedgerRows(t *testing.T) {
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	p := validProduct(1)
	p.UpdatedAt = cutoff.Add(time.Hour)

	ledger := &stubLedger{rows: []mirror.Row{{
		ProductID:  1,
		LastSynced: p.UpdatedAt.Add(time.Minute),
	}}}
	writer := &stubWriter{}
	svc := newTestService(&stubTextEnc{}, &stubImageEnc{}, writer, ledger, &stubCatalog{products: []domain.Product{p}})

	report, err := svc.ReindexStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ReindexStale: %v", err)
	}
	if report.Total != 0 {
		t.Fatalf("report = %+v, want no work", report)
	}
	if len(writer.upserts) != 0 {
		t.Fatalf("got %d upserts, want 0", len(writer.upserts))
	}
}

func TestRemoveIsBestEffortOnStore(t *testing.T) {
	writer := &stubWriter{deleteErr: errors.New("qdrant down")}
	ledger := &stubLedger{}
	svc := newTestService(&stubTextEnc{}, &stubImageEnc{}, writer, ledger, &stubCatalog{})

	if err := svc.Remove(context.Background(), 9); err != nil {
		t.Fatalf("Remove must tolerate store failure, got %v", err)
	}
	if len(ledger.deleted) != 1 || ledger.deleted[0] != 9 {
		t.Fatalf("ledger deletes = %v, want [9]", ledger.deleted)
	}
}

func TestHandleRoutesActions(t *testing.T) {
	writer := &stubWriter{}
	ledger := &stubLedger{}
	svc := newTestService(&stubTextEnc{}, &stubImageEnc{}, writer, ledger, &stubCatalog{})
	ctx := context.Background()

	if err := handle(ctx, svc, IndexRequest{Action: ActionUpsert, Product: validProduct(1)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := handle(ctx, svc, IndexRequest{Product: validProduct(2)}); err != nil {
		t.Fatalf("empty action must default to upsert: %v", err)
	}
	if err := handle(ctx, svc, IndexRequest{Action: ActionDelete, ProductID: 1}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := handle(ctx, svc, IndexRequest{Action: "bogus"}); err == nil {
		t.Fatal("unknown action must error")
	}
	if len(writer.upserts) != 2 || len(ledger.deleted) != 1 {
		t.Fatalf("upserts = %d, deletes = %d", len(writer.upserts), len(ledger.deleted))
	}
}
