package catalog

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/pkg/repo"
)

// ProductGraph provides related-product operations on top of the generic
// Neo4j repository. Edges express catalog relationships (same category,
// frequently bought together) used to enrich recommendation prompts.
type ProductGraph struct {
	driver   neo4j.DriverWithContext
	products *repo.Neo4jRepo[domain.Product, string]
}

// NewProductGraph creates a ProductGraph.
func NewProductGraph(driver neo4j.DriverWithContext) *ProductGraph {
	return &ProductGraph{
		driver:   driver,
		products: newProductRepo(driver),
	}
}

func newProductRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[domain.Product, string] {
	return repo.NewNeo4jRepo[domain.Product, string](
		driver,
		"Product",
		productToMap,
		productFromRecord,
	)
}

// GetProduct returns a product node by ID.
func (g *ProductGraph) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return g.products.Get(ctx, id)
}

// SaveProduct creates or updates a product node.
func (g *ProductGraph) SaveProduct(ctx context.Context, p domain.Product) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (n:Product {id: $id}) SET n += $props`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id":    p.ID,
		"props": productToMap(p),
	})
	return err
}

// Relate creates or updates a relationship between two products.
func (g *ProductGraph) Relate(ctx context.Context, fromID, toID, relType string) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:Product {id: $from}), (b:Product {id: $to})
		 MERGE (a)-[r:%s]->(b)`,
		sanitizeRelType(relType),
	)
	_, err := sess.Run(ctx, cypher, map[string]any{"from": fromID, "to": toID})
	return err
}

// Related returns products within the given traversal depth of a product.
func (g *ProductGraph) Related(ctx context.Context, productID string, depth int) ([]domain.Product, error) {
	if depth <= 0 {
		depth = 1
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (start:Product {id: $id})-[*1..%d]-(n:Product)
		 WHERE n.id <> $id
		 RETURN DISTINCT n`, depth)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": productID})
	if err != nil {
		return nil, err
	}
	return collectProducts(ctx, result)
}

// FindByCategory returns all products in a category.
func (g *ProductGraph) FindByCategory(ctx context.Context, category string) ([]domain.Product, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n:Product {category: $category}) RETURN n`
	result, err := sess.Run(ctx, cypher, map[string]any{"category": category})
	if err != nil {
		return nil, err
	}
	return collectProducts(ctx, result)
}

// SaveBatch saves products and their relationships in a single transaction.
func (g *ProductGraph) SaveBatch(ctx context.Context, products []domain.Product, edges [][2]string, relType string) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	rel := sanitizeRelType(relType)
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, p := range products {
			cypher := `MERGE (n:Product {id: $id}) SET n += $props`
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"id":    p.ID,
				"props": productToMap(p),
			}); err != nil {
				return nil, err
			}
		}
		for _, e := range edges {
			cypher := fmt.Sprintf(
				`MATCH (a:Product {id: $from}), (b:Product {id: $to})
				 MERGE (a)-[r:%s]->(b)`, rel)
			if _, err := tx.Run(ctx, cypher, map[string]any{"from": e[0], "to": e[1]}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// collectProducts reads all Product nodes from a result set.
func collectProducts(ctx context.Context, result neo4j.ResultWithContext) ([]domain.Product, error) {
	var items []domain.Product
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
		if err != nil {
			return nil, err
		}
		items = append(items, productFromProps(node.Props))
	}
	return items, nil
}

func productToMap(p domain.Product) map[string]any {
	return map[string]any{
		"id":       p.ID,
		"name":     p.Name,
		"content":  p.Content,
		"price":    p.Price,
		"category": p.Category,
		"in_stock": p.InStock,
	}
}

func productFromRecord(rec *neo4j.Record) (domain.Product, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Product{}, err
	}
	return productFromProps(node.Props), nil
}

func productFromProps(props map[string]any) domain.Product {
	p := domain.Product{
		ID:       strProp(props, "id"),
		Name:     strProp(props, "name"),
		Content:  strProp(props, "content"),
		Category: strProp(props, "category"),
	}
	if v, ok := props["price"].(float64); ok {
		p.Price = v
	}
	if v, ok := props["in_stock"].(bool); ok {
		p.InStock = v
	}
	return p
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

// sanitizeRelType ensures the relationship type is a valid Cypher identifier.
func sanitizeRelType(t string) string {
	safe := make([]byte, 0, len(t))
	for i := range t {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return "RELATED_TO"
	}
	for i := range safe {
		if safe[i] >= 'a' && safe[i] <= 'z' {
			safe[i] -= 32
		}
	}
	return string(safe)
}
