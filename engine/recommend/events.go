package recommend

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/shopmind/reco-engine/engine/domain"
	"github.com/shopmind/reco-engine/pkg/natsutil"
)

// EventsSubject carries served-recommendation analytics events.
const EventsSubject = "reco.events"

// NATSEvents publishes analytics events onto the message bus for the
// analytics pipeline to pick up downstream.
type NATSEvents struct {
	nc *nats.Conn
}

// NewNATSEvents creates an event sink over an existing connection.
func NewNATSEvents(nc *nats.Conn) *NATSEvents {
	return &NATSEvents{nc: nc}
}

var _ EventSink = (*NATSEvents)(nil)

// PublishEvents sends a served list as one message.
func (p *NATSEvents) PublishEvents(ctx context.Context, events []domain.RecommendationEvent) error {
	if len(events) == 0 {
		return nil
	}
	return natsutil.Publish(ctx, p.nc, EventsSubject, events)
}
