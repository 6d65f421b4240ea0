package domain

import "strconv"

// ValidateProduct checks a product record before it enters the indexing
// pipeline.
func ValidateProduct(p Product) error {
	if p.ID <= 0 {
		return NewValidationError("id", strconv.FormatInt(p.ID, 10), ErrMissingID)
	}
	if p.Name == "" {
		return NewValidationError("name", "", ErrMissingName)
	}
	if p.Price < 0 {
		return NewValidationError("price", strconv.FormatFloat(p.Price, 'f', -1, 64), ErrNegativePrice)
	}
	if p.CategoryID < 0 {
		return NewValidationError("category_id", strconv.FormatInt(p.CategoryID, 10), ErrInvalidCategory)
	}
	return nil
}

// ValidateEvent checks a recommendation analytics event.
func ValidateEvent(e RecommendationEvent) error {
	if e.SourceProductID <= 0 || e.RecommendedProductID <= 0 {
		return NewValidationError("product_id", "", ErrInvalidEvent)
	}
	if !ValidEventTypes[e.EventType] {
		return NewValidationError("event_type", string(e.EventType), ErrInvalidEvent)
	}
	if e.Position < 0 {
		return NewValidationError("position", strconv.Itoa(e.Position), ErrInvalidEvent)
	}
	return nil
}
