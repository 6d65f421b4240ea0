// Package mirror keeps the local ProductVector ledger: one row per
// indexed product, recording what was written to the vector store and
// when. The ledger is the source of truth for "is this product indexed"
// and drives staleness-based re-indexing.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopmind/reco-engine/pkg/repo"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound reports a product with no ledger row.
var ErrNotFound = repo.ErrNotFound

// Row is one ProductVector ledger entry.
type Row struct {
	ProductID    int64     `json:"product_id"`
	PointID      string    `json:"point_id"`
	VectorType   string    `json:"vector_type"`
	CategoryID   int64     `json:"category_id"`
	BrandID      int64     `json:"brand_id"`
	Price        float64   `json:"price"`
	Color        string    `json:"color"`
	IsActive     bool      `json:"is_active"`
	QualityScore float64   `json:"quality_score,omitempty"`
	LastSynced   time.Time `json:"last_synced"`
}

// Fresh reports whether the row was synced at or after the product's
// last content update.
func (r Row) Fresh(updatedAt time.Time) bool {
	return !r.LastSynced.Before(updatedAt)
}

// Store persists ledger rows in a bbolt file.
type Store struct {
	db   *bolt.DB
	rows *repo.BoltRepo[Row, int64]
}

// Open opens (or creates) the ledger at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("mirror: open %s: %w", path, err)
	}
	rows, err := repo.NewBoltRepo[Row, int64](db, "product_vectors",
		func(id int64) []byte { return []byte(strconv.FormatInt(id, 10)) },
		func(r Row) int64 { return r.ProductID },
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, rows: rows}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// MarkSynced upserts the row for a product with LastSynced set to now.
func (s *Store) MarkSynced(ctx context.Context, row Row) error {
	row.LastSynced = time.Now().UTC()
	if _, err := s.rows.Update(ctx, row); err != nil {
		return fmt.Errorf("mirror: mark synced %d: %w", row.ProductID, err)
	}
	return nil
}

// Get returns the ledger row for a product.
func (s *Store) Get(ctx context.Context, productID int64) (Row, error) {
	row, err := s.rows.Get(ctx, productID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Row{}, ErrNotFound
		}
		return Row{}, fmt.Errorf("mirror: get %d: %w", productID, err)
	}
	return row, nil
}

// Delete removes a product's row. Deleting an absent row is not an
// error.
func (s *Store) Delete(ctx context.Context, productID int64) error {
	return s.rows.Delete(ctx, productID)
}

// All returns every ledger row.
func (s *Store) All(ctx context.Context) ([]Row, error) {
	return s.rows.List(ctx, repo.ListOpts{})
}

// StaleIDs returns the ids of rows older than the given cutoff.
func (s *Store) StaleIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, r := range rows {
		if r.LastSynced.Before(cutoff) {
			out = append(out, r.ProductID)
		}
	}
	return out, nil
}

// Count returns the number of indexed products.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.rows.Count(ctx)
}
