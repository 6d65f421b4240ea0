package indexer

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/shopmind/reco-engine/pkg/natsutil"
)

// InvalidateSubject broadcasts product changes so query processes can
// drop their cached results. The result cache is per-process: the
// upserts run here, the cache that serves queries lives in the API.
const InvalidateSubject = "reco.invalidate"

// Invalidation names a product whose vectors changed.
type Invalidation struct {
	ProductID int64 `json:"product_id"`
}

// Notifier announces product changes to interested processes.
type Notifier interface {
	ProductChanged(ctx context.Context, productID int64) error
}

// NATSNotifier publishes invalidations to InvalidateSubject.
type NATSNotifier struct {
	nc *nats.Conn
}

// NewNATSNotifier creates a Notifier over an existing connection.
func NewNATSNotifier(nc *nats.Conn) *NATSNotifier { return &NATSNotifier{nc: nc} }

func (n *NATSNotifier) ProductChanged(ctx context.Context, productID int64) error {
	return natsutil.Publish(ctx, n.nc, InvalidateSubject, Invalidation{ProductID: productID})
}

var _ Notifier = (*NATSNotifier)(nil)

// SubscribeInvalidations delivers each broadcast product id to fn.
func SubscribeInvalidations(nc *nats.Conn, fn func(productID int64)) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, InvalidateSubject, func(_ context.Context, inv Invalidation) {
		fn(inv.ProductID)
	})
}
