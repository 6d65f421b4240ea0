// Package domain defines core domain types, constants, and validation for
// the recommendation engine. It acts as the validation gate at pipeline
// entry points and carries no dependencies beyond the standard library.
package domain

import "time"

// Product is the read-only view of a catalog product consumed by the
// engine. The relational catalog owns these records; the engine only
// reads them through the catalog collaborator.
type Product struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	CategoryID    int64     `json:"category_id"`
	CategoryName  string    `json:"category_name"`
	BrandID       int64     `json:"brand_id"`
	BrandName     string    `json:"brand_name"`
	Price         float64   `json:"price"`
	StockQuantity int       `json:"stock_quantity"`
	TrackStock    bool      `json:"track_stock"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	MainImageURL  string    `json:"main_image_url,omitempty"`
	GalleryURLs   []string  `json:"gallery_urls,omitempty"`
}

// ResolvedImageURL returns the best available image URL for the product:
// main image, then first gallery image, then empty.
func (p Product) ResolvedImageURL() string {
	if p.MainImageURL != "" {
		return p.MainImageURL
	}
	if len(p.GalleryURLs) > 0 {
		return p.GalleryURLs[0]
	}
	return ""
}

// EmbeddingText returns the text fed to the text encoder for a product.
func (p Product) EmbeddingText() string {
	text := p.Name
	if p.CategoryName != "" {
		text += " " + p.CategoryName
	}
	if p.BrandName != "" {
		text += " " + p.BrandName
	}
	if p.Description != "" {
		text += " " + p.Description
	}
	return text
}

// Category identifies a product category.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UserProfile is the read-only view of a user supplied by the behavior
// collaborator: a precomputed preference vector in the combined space,
// coarse category weights, and a price-sensitivity bucket.
type UserProfile struct {
	UserID           int64             `json:"user_id"`
	Preference       []float32         `json:"preference"`
	CategoryWeights  map[int64]float64 `json:"category_weights,omitempty"`
	PriceBucket      string            `json:"price_bucket,omitempty"`
	ViewedProductIDs []int64           `json:"viewed_product_ids,omitempty"`
}

// EventType classifies recommendation analytics events.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventCartAdd    EventType = "cart_add"
	EventPurchase   EventType = "purchase"
)

// ValidEventTypes is the set of recognised event types.
var ValidEventTypes = map[EventType]bool{
	EventImpression: true, EventClick: true,
	EventCartAdd: true, EventPurchase: true,
}

// RecommendationEvent records one (source, recommended) product pair at a
// list position. Append-only; used for offline analysis.
type RecommendationEvent struct {
	SourceProductID      int64     `json:"source_product_id"`
	RecommendedProductID int64     `json:"recommended_product_id"`
	Position             int       `json:"position"`
	Algorithm            string    `json:"algorithm"`
	EventType            EventType `json:"event_type"`
	OccurredAt           time.Time `json:"occurred_at"`
}
