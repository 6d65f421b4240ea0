// Package catalog is the narrow read-only interface to the relational
// catalog collaborator. The catalog service owns product records; the
// engine only asks for them, here over NATS request/reply.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopmind/reco-engine/engine/domain"
	"github.com/shopmind/reco-engine/pkg/natsutil"
)

// Request subjects owned by the catalog service.
const (
	SubjectProductGet   = "catalog.product.get"
	SubjectProductList  = "catalog.product.list"
	SubjectProductStale = "catalog.product.stale"
	SubjectActiveIDs    = "catalog.product.active_ids"
)

// ErrProductNotFound reports an unknown or deleted product.
var ErrProductNotFound = errors.New("catalog: product not found")

// Reader is the engine-side view of the catalog.
type Reader interface {
	// Product returns one product record.
	Product(ctx context.Context, id int64) (domain.Product, error)
	// Products returns records for the given ids; unknown ids are
	// omitted, not errors.
	Products(ctx context.Context, ids []int64) ([]domain.Product, error)
	// UpdatedSince returns up to limit products whose content changed
	// at or after the given time.
	UpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Product, error)
	// ActiveProductIDs returns the ids of all active products.
	ActiveProductIDs(ctx context.Context) ([]int64, error)
}

// --- NATS implementation ---

type getRequest struct {
	ID int64 `json:"id"`
}

type getResponse struct {
	Product *domain.Product `json:"product"`
}

type listRequest struct {
	IDs []int64 `json:"ids"`
}

type listResponse struct {
	Products []domain.Product `json:"products"`
}

type staleRequest struct {
	Since time.Time `json:"since"`
	Limit int       `json:"limit"`
}

type idsResponse struct {
	IDs []int64 `json:"ids"`
}

// Client reads the catalog over NATS request/reply.
type Client struct {
	nc *nats.Conn
}

// NewClient creates a catalog client.
func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

var _ Reader = (*Client)(nil)

func (c *Client) Product(ctx context.Context, id int64) (domain.Product, error) {
	resp, err := natsutil.Request[getRequest, getResponse](ctx, c.nc, SubjectProductGet, getRequest{ID: id})
	if err != nil {
		return domain.Product{}, fmt.Errorf("catalog: get product %d: %w", id, err)
	}
	if resp.Product == nil {
		return domain.Product{}, ErrProductNotFound
	}
	return *resp.Product, nil
}

func (c *Client) Products(ctx context.Context, ids []int64) ([]domain.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	resp, err := natsutil.Request[listRequest, listResponse](ctx, c.nc, SubjectProductList, listRequest{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("catalog: list products: %w", err)
	}
	return resp.Products, nil
}

func (c *Client) UpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Product, error) {
	resp, err := natsutil.Request[staleRequest, listResponse](ctx, c.nc, SubjectProductStale, staleRequest{Since: since, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("catalog: updated since %s: %w", since.Format(time.RFC3339), err)
	}
	return resp.Products, nil
}

func (c *Client) ActiveProductIDs(ctx context.Context) ([]int64, error) {
	resp, err := natsutil.Request[struct{}, idsResponse](ctx, c.nc, SubjectActiveIDs, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("catalog: active ids: %w", err)
	}
	return resp.IDs, nil
}
