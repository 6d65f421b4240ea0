package semantic

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
)

// Named vector spaces held by every point.
const (
	VectorText     = "text"
	VectorImage    = "image"
	VectorCombined = "combined"
)

// PayloadSchemaVersion is bumped whenever PointPayload changes shape, so
// query-time filter construction can detect drifted points.
const PayloadSchemaVersion = 1

// ErrNotIndexed reports that a product has no stored vector. Callers
// translate it into an empty result set plus a negative-cache entry.
var ErrNotIndexed = errors.New("semantic: product not indexed")

// ValidVectorName reports whether name is one of the named spaces.
func ValidVectorName(name string) bool {
	switch name {
	case VectorText, VectorImage, VectorCombined:
		return true
	}
	return false
}

// PointID derives the deterministic store UUID for a product.
func PointID(productID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("product:"+strconv.FormatInt(productID, 10))).String()
}

// PointPayload is the versioned payload schema attached to every point.
// It mirrors the filterable catalog fields so queries never join back to
// the relational store.
type PointPayload struct {
	ProductID     int64   `json:"product_id"`
	Title         string  `json:"title"`
	CategoryID    int64   `json:"category_id"`
	CategoryName  string  `json:"category_name"`
	BrandID       int64   `json:"brand_id"`
	BrandName     string  `json:"brand_name"`
	Price         float64 `json:"price"`
	Color         string  `json:"color"`
	IsActive      bool    `json:"is_active"`
	CreatedAt     int64   `json:"created_at"`
	ImageURL      string  `json:"image_url"`
	SchemaVersion int64   `json:"schema_version"`
}

// toQdrant converts the payload to the store's value map.
func (p PointPayload) toQdrant() map[string]*pb.Value {
	return map[string]*pb.Value{
		"product_id":     intValue(p.ProductID),
		"title":          strValue(p.Title),
		"category_id":    intValue(p.CategoryID),
		"category_name":  strValue(p.CategoryName),
		"brand_id":       intValue(p.BrandID),
		"brand_name":     strValue(p.BrandName),
		"price":          doubleValue(p.Price),
		"color":          strValue(p.Color),
		"is_active":      boolValue(p.IsActive),
		"created_at":     intValue(p.CreatedAt),
		"image_url":      strValue(p.ImageURL),
		"schema_version": intValue(PayloadSchemaVersion),
	}
}

// payloadFromQdrant reads a payload map back into the schema struct.
func payloadFromQdrant(m map[string]*pb.Value) PointPayload {
	return PointPayload{
		ProductID:     m["product_id"].GetIntegerValue(),
		Title:         m["title"].GetStringValue(),
		CategoryID:    m["category_id"].GetIntegerValue(),
		CategoryName:  m["category_name"].GetStringValue(),
		BrandID:       m["brand_id"].GetIntegerValue(),
		BrandName:     m["brand_name"].GetStringValue(),
		Price:         m["price"].GetDoubleValue(),
		Color:         m["color"].GetStringValue(),
		IsActive:      m["is_active"].GetBoolValue(),
		CreatedAt:     m["created_at"].GetIntegerValue(),
		ImageURL:      m["image_url"].GetStringValue(),
		SchemaVersion: m["schema_version"].GetIntegerValue(),
	}
}

func strValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: i}}
}

func doubleValue(f float64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: f}}
}

func boolValue(b bool) *pb.Value {
	return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: b}}
}

// ProductVectors carries the embeddings written for one product. Image
// and Combined may be nil; the store fills Combined by fusion.
type ProductVectors struct {
	Text     []float32
	Image    []float32
	Combined []float32
}

// Candidate is one similarity hit.
type Candidate struct {
	ProductID int64        `json:"product_id"`
	Score     float32      `json:"score"`
	Payload   PointPayload `json:"payload"`
}

// Filters narrows similarity queries. Zero values mean "not set".
type Filters struct {
	CategoryID     int64
	BrandID        int64
	Color          string
	PriceMin       float64
	PriceMax       float64
	ExcludeBrandID int64
}

// Signature returns a deterministic string of the set filter fields,
// used as part of cache keys.
func (f Filters) Signature() string {
	parts := make([]string, 0, 6)
	if f.CategoryID != 0 {
		parts = append(parts, "category="+strconv.FormatInt(f.CategoryID, 10))
	}
	if f.BrandID != 0 {
		parts = append(parts, "brand="+strconv.FormatInt(f.BrandID, 10))
	}
	if f.Color != "" {
		parts = append(parts, "color="+f.Color)
	}
	if f.PriceMin != 0 {
		parts = append(parts, "price_min="+strconv.FormatFloat(f.PriceMin, 'f', 2, 64))
	}
	if f.PriceMax != 0 {
		parts = append(parts, "price_max="+strconv.FormatFloat(f.PriceMax, 'f', 2, 64))
	}
	if f.ExcludeBrandID != 0 {
		parts = append(parts, "xbrand="+strconv.FormatInt(f.ExcludeBrandID, 10))
	}
	sort.Strings(parts)
	sig := ""
	for i, p := range parts {
		if i > 0 {
			sig += "&"
		}
		sig += p
	}
	return sig
}

// CollectionStats summarises collection health.
type CollectionStats struct {
	Status      string `json:"status"`
	PointsCount uint64 `json:"points_count"`
	ActiveCount uint64 `json:"active_count"`
}

func (s CollectionStats) String() string {
	return fmt.Sprintf("status=%s points=%d active=%d", s.Status, s.PointsCount, s.ActiveCount)
}
