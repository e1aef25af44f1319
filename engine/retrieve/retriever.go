// Package retrieve turns a user query plus conversation context into a
// ranked, deduplicated, threshold-filtered list of catalog candidates.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/embed"
	"github.com/shoplens/shoplens/engine/semantic"
	"github.com/shoplens/shoplens/pkg/fn"
)

// Searcher abstracts the vector store similarity search.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, k int, filter *semantic.SearchFilter) ([]semantic.SearchResult, error)
}

// Options configures retrieval behaviour.
type Options struct {
	// TopK is how many hits to request from the vector store.
	TopK int
	// MinScore drops candidates below this similarity. Candidates are
	// never fabricated to fill the gap.
	MinScore float32
	// Filter optionally narrows the search by product metadata.
	Filter *semantic.SearchFilter
}

// DefaultOptions returns sensible retrieval defaults.
func DefaultOptions() Options {
	return Options{TopK: 5, MinScore: 0.5}
}

// Retriever orchestrates reformulation, embedding, and vector search.
type Retriever struct {
	reform   Reformulator
	embedder embed.Embedder
	searcher Searcher
	opts     Options
	logger   *slog.Logger
}

// New creates a Retriever.
func New(reform Reformulator, embedder embed.Embedder, searcher Searcher, opts Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	return &Retriever{
		reform:   reform,
		embedder: embedder,
		searcher: searcher,
		opts:     opts,
		logger:   logger,
	}
}

// Retrieve returns ranked candidates for the query. An empty result with a
// nil error means nothing relevant was found; the caller must handle that
// explicitly. Reformulation failure falls back to the raw query.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, history []domain.Turn) ([]domain.Candidate, error) {
	search := queryText
	if r.reform != nil {
		reformed, err := r.reform.Reformulate(ctx, queryText, history)
		if err != nil {
			r.logger.Warn("reformulation failed, falling back to raw query", "err", err)
		} else {
			search = reformed
		}
	}

	vec, err := r.embedder.Embed(ctx, search)
	if err != nil {
		return nil, fmt.Errorf("retrieve: embed query: %w", err)
	}

	results, err := r.searcher.Search(ctx, vec, r.opts.TopK, r.opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("retrieve: search: %w", err)
	}

	return Rank(results, r.opts.MinScore), nil
}

// Rank deduplicates by product ID (results arrive ordered by score, so the
// first occurrence is the highest-scoring one), applies the similarity
// threshold, and assigns 1-based ranks.
func Rank(results []semantic.SearchResult, minScore float32) []domain.Candidate {
	deduped := fn.UniqueBy(results, func(r semantic.SearchResult) string {
		return r.Product.ID
	})
	kept := fn.Filter(deduped, func(r semantic.SearchResult) bool {
		return r.Score >= minScore
	})

	candidates := make([]domain.Candidate, len(kept))
	for i, r := range kept {
		candidates[i] = domain.Candidate{Product: r.Product, Score: r.Score, Rank: i + 1}
	}
	return candidates
}
