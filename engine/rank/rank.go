// Package rank re-scores raw similarity candidates with business
// signals: price proximity, availability, and freshness, combined under
// named weighting strategies.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/shopmind/reco-engine/engine/domain"
)

// Strategy names a weight profile.
type Strategy string

const (
	// StrategyRelevance is pure similarity order.
	StrategyRelevance Strategy = "relevance"
	// StrategyBalanced blends similarity with business factors.
	StrategyBalanced Strategy = "balanced"
	// StrategyTrending favors fresh, available products.
	StrategyTrending Strategy = "trending"
)

// Weights is a factor weight vector. Each profile sums to 1.0;
// Popularity is reserved for a factor not computed yet and contributes
// zero to the score.
type Weights struct {
	Relevance      float64
	PriceProximity float64
	Availability   float64
	Freshness      float64
	Popularity     float64
}

// Sum returns the total weight, which must be 1.0 for every profile.
func (w Weights) Sum() float64 {
	return w.Relevance + w.PriceProximity + w.Availability + w.Freshness + w.Popularity
}

var strategyWeights = map[Strategy]Weights{
	StrategyRelevance: {Relevance: 1.0},
	StrategyBalanced:  {Relevance: 0.4, PriceProximity: 0.2, Availability: 0.2, Freshness: 0.1, Popularity: 0.1},
	StrategyTrending:  {Relevance: 0.2, PriceProximity: 0.1, Availability: 0.2, Freshness: 0.3, Popularity: 0.2},
}

// WeightsFor returns the weight profile for a strategy. Unknown names
// fall back to balanced.
func WeightsFor(s Strategy) Weights {
	if w, ok := strategyWeights[s]; ok {
		return w
	}
	return strategyWeights[StrategyBalanced]
}

// Strategies lists the known strategy names.
func Strategies() []Strategy {
	return []Strategy{StrategyRelevance, StrategyBalanced, StrategyTrending}
}

// Candidate pairs a resolved product record with its raw similarity.
type Candidate struct {
	Product    domain.Product
	Similarity float64
}

// Ranked is one reranked result.
type Ranked struct {
	Product       domain.Product `json:"product"`
	Similarity    float64        `json:"similarity_score"`
	BusinessScore float64        `json:"business_score"`
	Reason        string         `json:"reason"`
}

// Reranker computes business scores. The clock is injectable for
// freshness tests.
type Reranker struct {
	now func() time.Time
}

// New creates a Reranker.
func New() *Reranker {
	return &Reranker{now: time.Now}
}

// Rerank orders candidates by descending business score under the given
// strategy. Sort order is stable, so ties keep their input order, and
// the relevance strategy preserves similarity order exactly.
func (r *Reranker) Rerank(target domain.Product, candidates []Candidate, strategy Strategy) []Ranked {
	w := WeightsFor(strategy)
	now := r.now()

	out := make([]Ranked, len(candidates))
	for i, c := range candidates {
		score := w.Relevance*c.Similarity +
			w.PriceProximity*PriceProximity(target.Price, c.Product.Price) +
			w.Availability*Availability(c.Product) +
			w.Freshness*Freshness(now, c.Product.CreatedAt)
		out[i] = Ranked{
			Product:       c.Product,
			Similarity:    c.Similarity,
			BusinessScore: round4(score),
			Reason:        reason(target, c),
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BusinessScore > out[j].BusinessScore
	})
	return out
}

// PriceProximity is the ratio of the cheaper price to the dearer one.
// A missing or non-positive price on either side yields 0.0: no price
// signal means no proximity, not perfect proximity.
func PriceProximity(target, candidate float64) float64 {
	if target <= 0 || candidate <= 0 {
		return 0.0
	}
	if target < candidate {
		return target / candidate
	}
	return candidate / target
}

// Availability scales tracked stock into [0,1], saturating at 10 units.
// Untracked stock counts as fully available: absent inventory tracking
// must not penalize a candidate.
func Availability(p domain.Product) float64 {
	if !p.TrackStock {
		return 1.0
	}
	avail := float64(p.StockQuantity) / 10
	if avail > 1 {
		return 1.0
	}
	if avail < 0 {
		return 0.0
	}
	return avail
}

// Freshness is a step function over product age: 1.0 within 7 days,
// 0.7 within 30, 0.3 beyond.
func Freshness(now, createdAt time.Time) float64 {
	age := now.Sub(createdAt)
	switch {
	case age <= 7*24*time.Hour:
		return 1.0
	case age <= 30*24*time.Hour:
		return 0.7
	default:
		return 0.3
	}
}

// reason derives advisory UI text from similarity and shared attributes.
// It is never a ranking input.
func reason(target domain.Product, c Candidate) string {
	var s string
	switch {
	case c.Similarity >= 0.9:
		s = "very similar style"
	case c.Similarity >= 0.75:
		s = "similar design"
	default:
		s = "you may also like"
	}
	if target.BrandID != 0 && target.BrandID == c.Product.BrandID {
		s += ", same brand"
	}
	return s
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
