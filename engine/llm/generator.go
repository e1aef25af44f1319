// Package llm provides the generation model client and citation extraction.
package llm

import (
	"context"
	"regexp"
	"strings"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/prompt"
	"github.com/shoplens/shoplens/pkg/fn"
)

// Generation is the raw output of one model call.
type Generation struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// Generator invokes a language model with an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, p prompt.Prompt) (Generation, error)
}

var citationRe = regexp.MustCompile(`\[([A-Za-z0-9_.\-]+)\]`)

// Citations returns the candidate product IDs the answer actually references,
// ordered by candidate rank. It combines structured [product_id] citations
// with post-hoc matching of bare product-ID mentions, and never returns an ID
// outside the candidate set.
func Citations(answer string, candidates []domain.Candidate) []string {
	if len(candidates) == 0 || answer == "" {
		return nil
	}

	mentioned := make(map[string]bool)
	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		mentioned[m[1]] = true
	}

	cited := fn.FilterMap(candidates, func(c domain.Candidate) (string, bool) {
		if mentioned[c.Product.ID] || strings.Contains(answer, c.Product.ID) {
			return c.Product.ID, true
		}
		return "", false
	})
	return fn.Unique(cited)
}
