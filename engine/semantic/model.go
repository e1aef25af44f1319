package semantic

import "github.com/shoplens/shoplens/engine/domain"

// SearchResult is a single vector search hit: a catalog product plus its
// similarity score.
type SearchResult struct {
	Product domain.Product `json:"product"`
	Score   float32        `json:"score"`
}

// VectorRecord is a single product vector to store in Qdrant.
type VectorRecord struct {
	Product   domain.Product
	Embedding []float32
}

// SearchFilter narrows a similarity search by product metadata.
type SearchFilter struct {
	Category string
	InStock  *bool
	MaxPrice float64 // 0 means no ceiling
}
