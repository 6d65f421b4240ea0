package semantic

import (
	pb "github.com/qdrant/go-client/qdrant"
)

// buildFilter assembles the query filter: is_active=true always, caller
// filters ANDed in, and optional self/brand exclusion on the must-not
// side. excludePointID is empty for queries with no source product.
func buildFilter(f Filters, excludePointID string) *pb.Filter {
	must := []*pb.Condition{boolMatch("is_active", true)}

	if f.CategoryID != 0 {
		must = append(must, intMatch("category_id", f.CategoryID))
	}
	if f.BrandID != 0 {
		must = append(must, intMatch("brand_id", f.BrandID))
	}
	if f.Color != "" {
		must = append(must, keywordMatch("color", f.Color))
	}
	if f.PriceMin != 0 || f.PriceMax != 0 {
		must = append(must, priceRange(f.PriceMin, f.PriceMax))
	}

	var mustNot []*pb.Condition
	if excludePointID != "" {
		mustNot = append(mustNot, hasID(excludePointID))
	}
	if f.ExcludeBrandID != 0 {
		mustNot = append(mustNot, intMatch("brand_id", f.ExcludeBrandID))
	}

	return &pb.Filter{Must: must, MustNot: mustNot}
}

// excludeIDsFilter builds an is_active filter that excludes the given
// point ids, for personalized queries over viewed history.
func excludeIDsFilter(pointIDs []string) *pb.Filter {
	f := &pb.Filter{Must: []*pb.Condition{boolMatch("is_active", true)}}
	if len(pointIDs) == 0 {
		return f
	}
	ids := make([]*pb.PointId, len(pointIDs))
	for i, id := range pointIDs {
		ids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	f.MustNot = []*pb.Condition{{
		ConditionOneOf: &pb.Condition_HasId{
			HasId: &pb.HasIdCondition{HasId: ids},
		},
	}}
	return f
}

func keywordMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func intMatch(key string, value int64) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Integer{Integer: value},
				},
			},
		},
	}
}

func boolMatch(key string, value bool) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Boolean{Boolean: value},
				},
			},
		},
	}
}

func priceRange(min, max float64) *pb.Condition {
	r := &pb.Range{}
	if min != 0 {
		gte := min
		r.Gte = &gte
	}
	if max != 0 {
		lte := max
		r.Lte = &lte
	}
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{Key: "price", Range: r},
		},
	}
}

func hasID(pointID string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_HasId{
			HasId: &pb.HasIdCondition{
				HasId: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID}}},
			},
		},
	}
}
