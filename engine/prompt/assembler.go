// Package prompt assembles grounded generation prompts from retrieved
// candidates and conversation history. Assembly is a pure function: identical
// inputs always produce an identical prompt.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shoplens/shoplens/engine/domain"
)

// DefaultBudget is the default prompt token budget.
const DefaultBudget = 3000

// SystemInstructions is the recommendation persona. Answers must stay
// grounded in the supplied catalog context and cite products as [product_id].
const SystemInstructions = `You are ShopLens, an expert shopping assistant for product
recommendations and customer queries. Analyze the provided product context
(titles, descriptions, and reviews) and answer using ONLY that context.
Cite every product you recommend as [product_id]. Keep answers concise,
relevant, and on-topic.`

// noResultsInstructions replaces product context when retrieval found nothing.
const noResultsInstructions = `No matching products were found in the catalog for this
query. Tell the user that nothing matched and suggest they rephrase or broaden
the search. Do NOT invent, guess, or cite any product.`

// Message is one chat message of an assembled prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is the structured input handed to the generation model.
type Prompt struct {
	System     string        `json:"system"`
	Context    []string      `json:"context"`
	History    []domain.Turn `json:"history"`
	Query      string        `json:"query"`
	NoResults  bool          `json:"no_results"`
	TokensUsed int           `json:"tokens_used"`
}

// Messages renders the prompt as an ordered chat transcript: system with
// grounding context first, then the included history, then the query.
func (p Prompt) Messages() []Message {
	var sys strings.Builder
	sys.WriteString(p.System)
	if len(p.Context) > 0 {
		sys.WriteString("\n\nCONTEXT:\n")
		sys.WriteString(strings.Join(p.Context, "\n\n"))
	}

	msgs := make([]Message, 0, len(p.History)+2)
	msgs = append(msgs, Message{Role: "system", Content: sys.String()})
	for _, turn := range p.History {
		msgs = append(msgs, Message{Role: string(turn.Role), Content: turn.Text})
	}
	msgs = append(msgs, Message{Role: "user", Content: p.Query})
	return msgs
}

// EstimateTokens approximates the token count of a text as ceil(runes/4).
// The heuristic is coarse but deterministic, which budget packing requires.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// Assemble packs system instructions, the current query, candidates, and
// history into a prompt within budget. Packing priority when the budget is
// tight: system instructions and query always in full, then candidates
// highest-score-first, then history most-recent-first.
func Assemble(query string, history []domain.Turn, candidates []domain.Candidate, budget int) (Prompt, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}

	p := Prompt{
		System:    SystemInstructions,
		Query:     query,
		NoResults: len(candidates) == 0,
	}
	if p.NoResults {
		p.System = SystemInstructions + "\n\n" + noResultsInstructions
	}

	used := EstimateTokens(p.System) + EstimateTokens(query)
	if used > budget {
		return Prompt{}, fmt.Errorf("prompt: system and query need %d tokens, budget is %d: %w",
			used, budget, domain.ErrBudgetExceeded)
	}

	// Candidates highest-score-first until the budget is exhausted.
	for _, c := range candidates {
		block := RenderCandidate(c)
		cost := EstimateTokens(block)
		if used+cost > budget {
			break
		}
		p.Context = append(p.Context, block)
		used += cost
	}

	// History most-recent-first into the remaining budget, rendered oldest
	// first so the transcript reads in order.
	var kept []domain.Turn
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i].Text)
		if used+cost > budget {
			break
		}
		kept = append(kept, history[i])
		used += cost
	}
	for i := len(kept) - 1; i >= 0; i-- {
		p.History = append(p.History, kept[i])
	}

	p.TokensUsed = used
	return p, nil
}

// RenderCandidate formats one retrieved product as a context block.
func RenderCandidate(c domain.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", c.Product.ID, c.Product.Name)
	if c.Product.Price > 0 {
		fmt.Fprintf(&b, " ($%.2f)", c.Product.Price)
	}
	if c.Product.Category != "" {
		fmt.Fprintf(&b, " [%s]", c.Product.Category)
	}
	if !c.Product.InStock {
		b.WriteString(" (out of stock)")
	}
	fmt.Fprintf(&b, " (score: %.3f)\n%s", c.Score, c.Product.Content)
	return b.String()
}
