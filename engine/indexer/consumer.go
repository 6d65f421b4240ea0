package indexer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/shopmind/reco-engine/engine/domain"
)

const (
	// IndexSubject carries product index requests from the catalog
	// service.
	IndexSubject = "reco.index"
	// DLQSubject receives requests that exhausted their retries.
	DLQSubject = "reco.index.dlq"
	// MaxRetries before a request is parked on the DLQ.
	MaxRetries = 3
)

// Index request actions.
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// IndexRequest is the message published on IndexSubject whenever a
// product changes. Delete requests carry only the id.
type IndexRequest struct {
	Action    string         `json:"action"`
	Product   domain.Product `json:"product"`
	ProductID int64          `json:"product_id"`
}

// dlqMessage is parked on the DLQ after repeated failure.
type dlqMessage struct {
	Request IndexRequest `json:"request"`
	Error   string       `json:"error"`
	Retries int          `json:"retries"`
}

// StartConsumer subscribes to IndexSubject and runs each request
// through the pipeline with retry and DLQ handling.
func StartConsumer(nc *nats.Conn, svc *Service) (*nats.Subscription, error) {
	log := svc.logger

	return nc.Subscribe(IndexSubject, func(msg *nats.Msg) {
		var req IndexRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Error("index: unmarshal failed", "error", err)
			return
		}

		ctx := context.Background()

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get("X-Retry-Count"); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		err := handle(ctx, svc, req)
		if err == nil {
			log.Info("index: success", "action", req.Action, "product_id", requestID(req))
			if msg.Reply != "" {
				_ = msg.Ack()
			}
			return
		}

		retries++
		log.Error("index: failed",
			"error", err,
			"action", req.Action,
			"product_id", requestID(req),
			"retry", retries,
		)

		if retries >= MaxRetries {
			dlq := dlqMessage{Request: req, Error: err.Error(), Retries: retries}
			data, _ := json.Marshal(dlq)
			if pubErr := nc.Publish(DLQSubject, data); pubErr != nil {
				log.Error("index: DLQ publish failed", "error", pubErr)
			}
		} else {
			retryMsg := nats.NewMsg(IndexSubject)
			retryMsg.Data = msg.Data
			retryMsg.Header = nats.Header{}
			retryMsg.Header.Set("X-Retry-Count", fmt.Sprintf("%d", retries))
			if pubErr := nc.PublishMsg(retryMsg); pubErr != nil {
				log.Error("index: retry publish failed", "error", pubErr)
			}
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}

func handle(ctx context.Context, svc *Service, req IndexRequest) error {
	switch req.Action {
	case ActionDelete:
		return svc.Remove(ctx, requestID(req))
	case ActionUpsert, "":
		return svc.IndexProduct(ctx, req.Product)
	default:
		return fmt.Errorf("indexer: unknown action %q", req.Action)
	}
}

// requestID returns the product id a request refers to, whichever
// field carries it.
func requestID(req IndexRequest) int64 {
	if req.ProductID != 0 {
		return req.ProductID
	}
	return req.Product.ID
}
