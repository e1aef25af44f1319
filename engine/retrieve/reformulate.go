package retrieve

import (
	"context"
	"strings"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/llm"
	"github.com/shoplens/shoplens/engine/prompt"
	"github.com/shoplens/shoplens/pkg/fn"
)

// Reformulator rewrites a raw query using conversation context so that
// follow-ups like "show me cheaper ones" retrieve against the right products.
type Reformulator interface {
	Reformulate(ctx context.Context, query string, history []domain.Turn) (string, error)
}

// DefaultContextTurns is how many trailing turns feed the reformulation.
const DefaultContextTurns = 4

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "to": true,
	"of": true, "in": true, "for": true, "on": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "into": true,
	"what": true, "where": true, "when": true, "how": true, "which": true,
	"who": true, "this": true, "that": true, "these": true, "those": true,
	"i": true, "me": true, "my": true, "it": true, "its": true,
	"and": true, "but": true, "or": true, "not": true, "you": true,
	"show": true, "want": true, "need": true, "please": true, "some": true,
	"ones": true, "one": true, "them": true, "they": true, "your": true,
}

// RuleReformulator appends a keyword digest of recent turns to the raw
// query. Deterministic; no model call.
type RuleReformulator struct {
	// ContextTurns is how many trailing turns contribute keywords.
	ContextTurns int
}

// Reformulate concatenates the query with keywords from recent history.
func (r *RuleReformulator) Reformulate(_ context.Context, query string, history []domain.Turn) (string, error) {
	n := r.ContextTurns
	if n <= 0 {
		n = DefaultContextTurns
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}

	digest := fn.Unique(fn.FlatMap(history, func(t domain.Turn) []string {
		return extractKeywords(t.Text)
	}))
	// Keywords already present in the query add nothing.
	queryWords := make(map[string]bool)
	for _, w := range extractKeywords(query) {
		queryWords[w] = true
	}
	digest = fn.Filter(digest, func(w string) bool { return !queryWords[w] })

	if len(digest) == 0 {
		return query, nil
	}
	return query + " (context: " + strings.Join(digest, " ") + ")", nil
}

// extractKeywords does simple keyword extraction from a message.
func extractKeywords(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	var keywords []string
	for _, w := range words {
		w = strings.Trim(w, "?.,!;:'\"()")
		if len(w) > 2 && !stopWords[w] {
			keywords = append(keywords, w)
		}
	}
	return keywords
}

// standaloneQuestionPrompt asks the model to rewrite a follow-up as a
// self-contained query without answering it.
const standaloneQuestionPrompt = `Given a chat history and the latest user question
which might reference context in the chat history, formulate a standalone
question which can be understood without the chat history. Do NOT answer the
question, just reformulate it if needed and otherwise return it as is.`

// ModelReformulator rewrites the query with a generation-model call.
type ModelReformulator struct {
	Generator    llm.Generator
	ContextTurns int
}

// Reformulate asks the model for a standalone question. History beyond
// ContextTurns is dropped first.
func (r *ModelReformulator) Reformulate(ctx context.Context, query string, history []domain.Turn) (string, error) {
	if len(history) == 0 {
		return query, nil
	}
	n := r.ContextTurns
	if n <= 0 {
		n = DefaultContextTurns
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}

	gen, err := r.Generator.Generate(ctx, prompt.Prompt{
		System:  standaloneQuestionPrompt,
		History: history,
		Query:   query,
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(gen.Text)
	if out == "" {
		return query, nil
	}
	return out, nil
}
