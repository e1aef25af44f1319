// Package domain defines core domain types, the error taxonomy, and
// validation for the ShopLens pipeline. It acts as the validation gate at
// pipeline entry points.
package domain

import "time"

// Query is a single user utterance entering the pipeline. Immutable once created.
type Query struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation session.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Product is a catalog document: created at ingestion time, read-only at query time.
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Content  string  `json:"content"`
	Price    float64 `json:"price,omitempty"`
	Category string  `json:"category,omitempty"`
	InStock  bool    `json:"in_stock"`
}

// Candidate is a retrieved product with its similarity score and 1-based rank.
// Within one retrieval result, scores are non-increasing by rank.
type Candidate struct {
	Product Product `json:"product"`
	Score   float32 `json:"score"`
	Rank    int     `json:"rank"`
}

// Status classifies the outcome of a chat query.
type Status string

const (
	StatusOK        Status = "ok"
	StatusNoResults Status = "no_results"
	StatusError     Status = "error"
)
