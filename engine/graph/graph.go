// Package graph stores the category complement graph in Neo4j.
// Complementary-item recommendations traverse COMPLEMENTS edges between
// category nodes ("sneakers" complements "socks"), which merchandisers
// curate out of band.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopmind/reco-engine/engine/domain"
)

// CategoryGraph provides category-level graph operations.
type CategoryGraph struct {
	driver neo4j.DriverWithContext
}

// New creates a CategoryGraph.
func New(driver neo4j.DriverWithContext) *CategoryGraph {
	return &CategoryGraph{driver: driver}
}

// EnsureCategory creates or updates a category node.
func (g *CategoryGraph) EnsureCategory(ctx context.Context, c domain.Category) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (n:Category {id: $id}) SET n.name = $name`
	_, err := sess.Run(ctx, cypher, map[string]any{"id": c.ID, "name": c.Name})
	if err != nil {
		return fmt.Errorf("graph: ensure category %d: %w", c.ID, err)
	}
	return nil
}

// SetComplement records that products in category from pair well with
// products in category to, with a merchandiser-assigned weight.
func (g *CategoryGraph) SetComplement(ctx context.Context, fromID, toID int64, weight float64) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (a:Category {id: $from}), (b:Category {id: $to})
		 MERGE (a)-[r:COMPLEMENTS]->(b)
		 SET r.weight = $weight`
	_, err := sess.Run(ctx, cypher, map[string]any{"from": fromID, "to": toID, "weight": weight})
	if err != nil {
		return fmt.Errorf("graph: set complement %d->%d: %w", fromID, toID, err)
	}
	return nil
}

// Complements returns the categories complementing the given one,
// strongest edge first.
func (g *CategoryGraph) Complements(ctx context.Context, categoryID int64) ([]domain.Category, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (a:Category {id: $id})-[r:COMPLEMENTS]->(b:Category)
		 RETURN b.id AS id, b.name AS name
		 ORDER BY r.weight DESC`
	result, err := sess.Run(ctx, cypher, map[string]any{"id": categoryID})
	if err != nil {
		return nil, fmt.Errorf("graph: complements of %d: %w", categoryID, err)
	}

	var out []domain.Category
	for result.Next(ctx) {
		out = append(out, categoryFromRecord(result.Record()))
	}
	return out, nil
}

// categoryFromRecord reads an (id, name) record row into a Category.
func categoryFromRecord(rec *neo4j.Record) domain.Category {
	var c domain.Category
	if v, ok := rec.Get("id"); ok {
		c.ID = toInt64(v)
	}
	if v, ok := rec.Get("name"); ok && v != nil {
		c.Name = fmt.Sprint(v)
	}
	return c
}

// toInt64 normalizes the integer types the driver may return.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
