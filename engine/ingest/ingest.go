// Package ingest processes catalog products through validation, embedding,
// and storage stages. It writes product vectors to Qdrant and product nodes
// plus same-category edges to the related-product graph.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/embed"
	"github.com/shoplens/shoplens/engine/semantic"
	"github.com/shoplens/shoplens/pkg/fn"
)

const (
	// CatalogIngestedSubject is the NATS subject for ingestion summaries.
	CatalogIngestedSubject = "catalog.ingested"
	// UpsertBatchSize is the max product vectors per Qdrant upsert.
	UpsertBatchSize = 100
	// SameCategoryRel is the graph relationship for category co-membership.
	SameCategoryRel = "SAME_CATEGORY"
)

// IngestedEvent summarizes a completed catalog ingestion run.
type IngestedEvent struct {
	Ingested int      `json:"ingested"`
	Failed   int      `json:"failed"`
	Products []string `json:"products"`
}

// VectorWriter is the vector-store surface ingestion needs.
type VectorWriter interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// GraphWriter is the product-graph surface ingestion needs. Nil-able: a run
// without Neo4j skips graph writes.
type GraphWriter interface {
	SaveBatch(ctx context.Context, products []domain.Product, edges [][2]string, relType string) error
}

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder embed.Embedder
	Vectors  VectorWriter
	Graph    GraphWriter
	// Limiter throttles embedding provider calls. Optional.
	Limiter *rate.Limiter
	// Workers bounds concurrent embedding calls.
	Workers int
	Logger  *slog.Logger
}

// EmbeddedProduct is a product paired with its embedding.
type EmbeddedProduct struct {
	Product   domain.Product
	Embedding []float32
}

// Validate checks a product via domain validation.
var Validate fn.Stage[domain.Product, domain.Product] = func(_ context.Context, p domain.Product) fn.Result[domain.Product] {
	if err := domain.ValidateProduct(p); err != nil {
		return fn.Err[domain.Product](err)
	}
	return fn.Ok(p)
}

// NewEmbed creates a stage that embeds a product's searchable text,
// honoring the rate limiter when one is configured.
func NewEmbed(embedder embed.Embedder, limiter *rate.Limiter) fn.Stage[domain.Product, EmbeddedProduct] {
	return func(ctx context.Context, p domain.Product) fn.Result[EmbeddedProduct] {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fn.Err[EmbeddedProduct](err)
			}
		}
		vec, err := embedder.Embed(ctx, EmbeddingText(p))
		if err != nil {
			return fn.Err[EmbeddedProduct](fmt.Errorf("embed product %s: %w", p.ID, err))
		}
		return fn.Ok(EmbeddedProduct{Product: p, Embedding: vec})
	}
}

// EmbeddingText is the text a product is indexed under: its name plus its
// review/description content.
func EmbeddingText(p domain.Product) string {
	return strings.TrimSpace(p.Name + "\n" + p.Content)
}

// Report summarizes an ingestion run.
type Report struct {
	Ingested   int
	Failed     int
	ProductIDs []string
}

// Run ingests products: validate and embed with bounded concurrency, then
// batch-upsert vectors and save the product graph. Individual product
// failures are logged and counted, not fatal; storage failures are fatal.
func Run(ctx context.Context, products []domain.Product, deps Deps) (Report, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}

	stage := fn.Then(Validate, fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder, deps.Limiter)))

	results := fn.ParMapResult(products, workers, func(p domain.Product) fn.Result[EmbeddedProduct] {
		return stage(ctx, p)
	})

	var report Report
	var embedded []EmbeddedProduct
	for i, r := range results {
		ep, err := r.Unwrap()
		if err != nil {
			logger.Warn("product skipped", "product_id", products[i].ID, "err", err)
			report.Failed++
			continue
		}
		embedded = append(embedded, ep)
	}
	if len(embedded) == 0 {
		return report, nil
	}

	for _, batch := range fn.Chunk(embedded, UpsertBatchSize) {
		records := fn.Map(batch, func(ep EmbeddedProduct) semantic.VectorRecord {
			return semantic.VectorRecord{Product: ep.Product, Embedding: ep.Embedding}
		})
		if err := deps.Vectors.Upsert(ctx, records); err != nil {
			return report, fmt.Errorf("ingest: upsert batch: %w", err)
		}
		report.Ingested += len(batch)
		for _, ep := range batch {
			report.ProductIDs = append(report.ProductIDs, ep.Product.ID)
		}
	}

	if deps.Graph != nil {
		stored := fn.Map(embedded, func(ep EmbeddedProduct) domain.Product { return ep.Product })
		if err := deps.Graph.SaveBatch(ctx, stored, CategoryEdges(stored), SameCategoryRel); err != nil {
			return report, fmt.Errorf("ingest: graph save: %w", err)
		}
	}

	return report, nil
}

// CategoryEdges links products sharing a category as a chain of adjacent
// pairs, bounding edge count to one per product.
func CategoryEdges(products []domain.Product) [][2]string {
	byCategory := fn.GroupBy(products, func(p domain.Product) string { return p.Category })

	var edges [][2]string
	for category, group := range byCategory {
		if category == "" {
			continue
		}
		for i := 1; i < len(group); i++ {
			edges = append(edges, [2]string{group[i-1].ID, group[i].ID})
		}
	}
	return edges
}
