package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/llm"
	"github.com/shoplens/shoplens/engine/memory"
	"github.com/shoplens/shoplens/engine/prompt"
	"github.com/shoplens/shoplens/pkg/fn"
	"github.com/shoplens/shoplens/pkg/metrics"
)

type mockRetriever struct {
	candidates []domain.Candidate
	err        error
	errCount   int // fail this many calls before succeeding
	calls      int
	lastQuery  string
}

func (m *mockRetriever) Retrieve(_ context.Context, queryText string, _ []domain.Turn) ([]domain.Candidate, error) {
	m.calls++
	m.lastQuery = queryText
	if m.err != nil && (m.errCount == 0 || m.calls <= m.errCount) {
		return nil, m.err
	}
	return m.candidates, nil
}

type mockGenerator struct {
	text     string
	err      error
	errCount int
	calls    int
	prompts  []prompt.Prompt
}

func (m *mockGenerator) Generate(_ context.Context, p prompt.Prompt) (llm.Generation, error) {
	m.calls++
	m.prompts = append(m.prompts, p)
	if m.err != nil && (m.errCount == 0 || m.calls <= m.errCount) {
		return llm.Generation{}, m.err
	}
	return llm.Generation{Text: m.text, Model: "test-model", TokensUsed: 42}, nil
}

func candidate(id string, score float32, rank int) domain.Candidate {
	return domain.Candidate{
		Product: domain.Product{ID: id, Name: "Product " + id, Content: "Great reviews.", InStock: true},
		Score:   score,
		Rank:    rank,
	}
}

func fastRetry() fn.RetryOpts {
	return fn.RetryOpts{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Retryable:   domain.Transient,
		WaitHint:    domain.RetryAfter,
	}
}

func newService(r *mockRetriever, g *mockGenerator, mem Memory, opts Opts) *Service {
	return New(r, g, mem, opts, slog.New(slog.DiscardHandler))
}

func TestChatSuccessCommitsExchange(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{
		candidate("hdp-100", 0.91, 1),
		candidate("hdp-200", 0.87, 2),
	}}
	gen := &mockGenerator{text: "I recommend [hdp-100], it has the best reviews."}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry()})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "best noise cancelling headphones"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("status = %q", resp.Status)
	}
	if len(resp.CitedProductIDs) != 1 || resp.CitedProductIDs[0] != "hdp-100" {
		t.Fatalf("cited = %v", resp.CitedProductIDs)
	}

	hist := mem.History("s1")
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Role != domain.RoleUser || hist[1].Role != domain.RoleAssistant {
		t.Fatalf("history roles = %v %v", hist[0].Role, hist[1].Role)
	}
	if hist[1].Text != gen.text {
		t.Fatalf("assistant turn = %q", hist[1].Text)
	}
}

func TestChatGenerationFailureLeavesMemoryUntouched(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{err: domain.ErrModelUnavailable}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry()})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "anything good?"})
	if !errors.Is(err, domain.ErrModelUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if resp.Status != domain.StatusError {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Answer == "" || strings.Contains(resp.Answer, "unavailable") {
		t.Fatalf("answer should be a generic apology, got %q", resp.Answer)
	}
	if gen.calls != 3 {
		t.Fatalf("generator calls = %d, want 3 (transient retries)", gen.calls)
	}
	if mem.Len("s1") != 0 {
		t.Fatalf("memory has %d turns, want 0", mem.Len("s1"))
	}
}

func TestChatRetriesTransientThenSucceeds(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{text: "Try [p1].", err: domain.ErrModelUnavailable, errCount: 2}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry()})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "recommend me a speaker"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("status = %q", resp.Status)
	}
	if gen.calls != 3 {
		t.Fatalf("generator calls = %d, want 3", gen.calls)
	}
}

func TestChatDoesNotRetryNonTransient(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{err: domain.ErrContentRejected}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry()})
	_, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "hello"})
	if !errors.Is(err, domain.ErrContentRejected) {
		t.Fatalf("err = %v", err)
	}
	if gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1 (no retry)", gen.calls)
	}
}

func TestChatNoResultsPath(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{}
	gen := &mockGenerator{text: "Nothing in the catalog matched, try broadening your search."}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry()})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "left-handed smoke shifter"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Status != domain.StatusNoResults {
		t.Fatalf("status = %q", resp.Status)
	}
	if len(resp.CitedProductIDs) != 0 {
		t.Fatalf("cited = %v, want none", resp.CitedProductIDs)
	}
	if len(gen.prompts) != 1 || !gen.prompts[0].NoResults {
		t.Fatal("generator should have received a no-results prompt")
	}
	// The exchange still commits, the assistant's honest miss included.
	if mem.Len("s1") != 2 {
		t.Fatalf("memory has %d turns, want 2", mem.Len("s1"))
	}
}

func TestChatRejectsInvalidQuery(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{}
	gen := &mockGenerator{text: "unused"}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry()})
	_, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "   "})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
	if ret.calls != 0 {
		t.Fatal("retriever should not run for invalid input")
	}
}

func TestChatRetrievalFailure(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{err: domain.ErrStoreUnavailable}
	gen := &mockGenerator{text: "unused"}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry()})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "headphones"})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if resp.Status != domain.StatusError {
		t.Fatalf("status = %q", resp.Status)
	}
	if ret.calls != 3 {
		t.Fatalf("retriever calls = %d, want 3", ret.calls)
	}
	if gen.calls != 0 {
		t.Fatal("generator should not run after retrieval failure")
	}
}

type stubReform struct {
	out string
	err error
}

func (s *stubReform) Reformulate(_ context.Context, query string, _ []domain.Turn) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.out, nil
}

func TestChatReformulatesBeforeRetrieval(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{text: "Take [p1]."}
	reform := &stubReform{out: "cheaper ones (context: headphones bluetooth)"}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry(), Reform: reform})
	if _, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "cheaper ones"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if ret.lastQuery != reform.out {
		t.Fatalf("retriever query = %q, want the reformulated one", ret.lastQuery)
	}
	// The stored turn and the prompt keep the user's raw words.
	if hist := mem.History("s1"); hist[0].Text != "cheaper ones" {
		t.Fatalf("stored user turn = %q", hist[0].Text)
	}
	if gen.prompts[0].Query != "cheaper ones" {
		t.Fatalf("prompt query = %q", gen.prompts[0].Query)
	}
}

func TestChatReformulationFailureFallsBackToRawQuery(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{text: "Take [p1]."}
	reform := &stubReform{err: domain.ErrModelUnavailable}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry(), Reform: reform})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "best speaker"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("status = %q", resp.Status)
	}
	if ret.lastQuery != "best speaker" {
		t.Fatalf("retriever query = %q, want the raw query", ret.lastQuery)
	}
}

func TestChatBudgetExceededGetsTooComplexAnswer(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{text: "unused"}

	// A budget too small for the system instructions alone.
	svc := newService(ret, gen, mem, Opts{Retry: fastRetry(), TokenBudget: 10})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "anything"})
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("err = %v", err)
	}
	if resp.Status != domain.StatusError {
		t.Fatalf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.Answer, "too complex") {
		t.Fatalf("answer = %q, want a too-complex message", resp.Answer)
	}
	if gen.calls != 0 {
		t.Fatal("generator should not run when assembly fails")
	}
	if mem.Len("s1") != 0 {
		t.Fatalf("memory has %d turns, want 0", mem.Len("s1"))
	}
}

type stubRelated struct {
	products []domain.Product
	err      error
	lastID   string
}

func (s *stubRelated) Related(_ context.Context, productID string, _ int) ([]domain.Product, error) {
	s.lastID = productID
	return s.products, s.err
}

func TestChatGraphEnrichmentAddsContext(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{text: "Take [p1], or [p9] if you want the bundle."}
	graph := &stubRelated{products: []domain.Product{
		{ID: "p1", Name: "dup"}, // already a candidate, must not duplicate
		{ID: "p9", Name: "Companion", Content: "Pairs well."},
	}}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry(), Graph: graph})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "speaker"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if graph.lastID != "p1" {
		t.Fatalf("enrichment seeded from %q, want top candidate", graph.lastID)
	}
	if len(resp.CitedProductIDs) != 2 {
		t.Fatalf("cited = %v, want p1 and the enriched p9", resp.CitedProductIDs)
	}
	if len(gen.prompts) != 1 || len(gen.prompts[0].Context) != 2 {
		t.Fatalf("prompt context blocks = %d, want 2", len(gen.prompts[0].Context))
	}
}

func TestChatGraphEnrichmentFailureIsNonFatal(t *testing.T) {
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{text: "Take [p1]."}
	graph := &stubRelated{err: domain.ErrStoreUnavailable}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry(), Graph: graph})
	resp, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "speaker"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Status != domain.StatusOK {
		t.Fatalf("status = %q", resp.Status)
	}
}

func TestChatRecordsMetrics(t *testing.T) {
	reg := metrics.New()
	mem := memory.NewStore(memory.DefaultMaxTurns)
	ret := &mockRetriever{candidates: []domain.Candidate{candidate("p1", 0.9, 1)}}
	gen := &mockGenerator{text: "Go with [p1]."}

	svc := newService(ret, gen, mem, Opts{Retry: fastRetry(), Metrics: reg})
	if _, err := svc.Chat(context.Background(), domain.Query{SessionID: "s1", Text: "speaker"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	rendered := reg.Render()
	if !strings.Contains(rendered, "shoplens_queries_total 1") {
		t.Fatalf("queries counter missing:\n%s", rendered)
	}
}
