// Package rag orchestrates a chat query through the full answering pipeline:
// retrieval, prompt assembly, generation, and memory commit. The service is
// the only component allowed to drive state transitions.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/llm"
	"github.com/shoplens/shoplens/engine/prompt"
	"github.com/shoplens/shoplens/pkg/fn"
	"github.com/shoplens/shoplens/pkg/metrics"
	"github.com/shoplens/shoplens/pkg/natsutil"
	"github.com/shoplens/shoplens/pkg/resilience"
)

// State is a pipeline phase for one query. Transitions are linear; any phase
// may fall through to StateFailed.
type State string

const (
	StateReceived      State = "received"
	StateReformulating State = "reformulating"
	StateRetrieving    State = "retrieving"
	StateAssembling    State = "assembling"
	StateGenerating    State = "generating"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// AnsweredSubject is the NATS subject answered-query events are published on.
const AnsweredSubject = "chat.answered"

// AnsweredEvent is emitted after each completed (or failed) query.
type AnsweredEvent struct {
	SessionID  string        `json:"session_id"`
	Status     domain.Status `json:"status"`
	Cited      []string      `json:"cited,omitempty"`
	Candidates int           `json:"candidates"`
	DurationMs int64         `json:"duration_ms"`
}

// Response is the caller-facing result of one chat query.
type Response struct {
	Answer          string        `json:"answer"`
	CitedProductIDs []string      `json:"cited_product_ids"`
	Status          domain.Status `json:"status"`
}

// fallbackAnswer is returned when the pipeline fails. It never leaks
// provider detail to the user.
const fallbackAnswer = "Sorry, I ran into a problem answering that. Please try again in a moment."

// tooComplexAnswer is returned when the query cannot fit the prompt budget.
const tooComplexAnswer = "That query is too complex for me to handle in one go. Try asking a shorter, more specific question."

// CandidateRetriever produces ranked candidates for a query.
type CandidateRetriever interface {
	Retrieve(ctx context.Context, queryText string, history []domain.Turn) ([]domain.Candidate, error)
}

// QueryReformulator rewrites a query with conversation context before
// retrieval, so follow-ups search against the right products.
type QueryReformulator interface {
	Reformulate(ctx context.Context, query string, history []domain.Turn) (string, error)
}

// Memory is the conversation-history surface the orchestrator needs.
// The exchange commit must be atomic: both turns or neither.
type Memory interface {
	History(sessionID string) []domain.Turn
	AppendExchange(sessionID string, user, assistant domain.Turn)
}

// RelatedSource supplies graph neighbors of a product for context
// enrichment.
type RelatedSource interface {
	Related(ctx context.Context, productID string, depth int) ([]domain.Product, error)
}

// maxEnriched caps how many graph neighbors join the candidate list.
const maxEnriched = 3

// Opts configures the orchestrator.
type Opts struct {
	// TokenBudget caps assembled prompt size.
	TokenBudget int
	// Reform optionally rewrites the query before retrieval. Reformulation
	// failure falls back to the raw query, never fatal.
	Reform QueryReformulator
	// Retry governs transient-failure retries on retrieval and generation.
	Retry fn.RetryOpts
	// Breaker optionally trips generation after repeated failures.
	Breaker *resilience.Breaker
	// RetrieveBreaker optionally trips retrieval (embedding plus search).
	RetrieveBreaker *resilience.Breaker
	// Graph optionally adds related products from the catalog graph to the
	// candidate context. Enrichment failures are logged and skipped.
	Graph RelatedSource
	// Events optionally publishes AnsweredEvent per query.
	Events *nats.Conn
	// Metrics optionally records query counters and latency.
	Metrics *metrics.Registry
}

// DefaultOpts returns orchestrator defaults: three attempts on transient
// errors, honoring provider Retry-After hints.
func DefaultOpts() Opts {
	return Opts{
		TokenBudget: prompt.DefaultBudget,
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     10 * time.Second,
			Jitter:      true,
			Retryable:   domain.Transient,
			WaitHint:    domain.RetryAfter,
		},
	}
}

// Service drives a query through the answering pipeline.
type Service struct {
	retriever CandidateRetriever
	generator llm.Generator
	memory    Memory
	opts      Opts
	logger    *slog.Logger

	queries   *metrics.Counter
	failures  *metrics.Counter
	noResults *metrics.Counter
	latency   *metrics.Histogram
}

// New creates a Service. The retriever, generator, and memory are required;
// everything in opts is optional.
func New(retriever CandidateRetriever, generator llm.Generator, mem Memory, opts Opts, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = prompt.DefaultBudget
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultOpts().Retry
	}
	s := &Service{
		retriever: retriever,
		generator: generator,
		memory:    mem,
		opts:      opts,
		logger:    logger,
	}
	if opts.Metrics != nil {
		s.queries = opts.Metrics.Counter("shoplens_queries_total", "Chat queries received")
		s.failures = opts.Metrics.Counter("shoplens_query_failures_total", "Chat queries that ended in failure")
		s.noResults = opts.Metrics.Counter("shoplens_query_no_results_total", "Chat queries with no matching products")
		s.latency = opts.Metrics.Histogram("shoplens_query_seconds", "End-to-end chat query latency", nil)
	}
	return s
}

// Chat answers one user query. On failure the returned Response carries a
// generic apology with Status error, the error explains what went wrong, and
// conversation memory is left untouched.
func (s *Service) Chat(ctx context.Context, q domain.Query) (Response, error) {
	start := time.Now()
	if s.queries != nil {
		s.queries.Inc()
	}
	if s.latency != nil {
		defer s.latency.Since(start)
	}

	resp, candidates, err := s.answer(ctx, q)
	if err != nil {
		if s.failures != nil {
			s.failures.Inc()
		}
		s.logger.Error("query failed", "session_id", q.SessionID, "state", StateFailed, "err", err)
		resp = Response{Answer: fallbackAnswer, Status: domain.StatusError}
		if errors.Is(err, domain.ErrBudgetExceeded) {
			resp.Answer = tooComplexAnswer
		}
	}
	if resp.Status == domain.StatusNoResults && s.noResults != nil {
		s.noResults.Inc()
	}

	s.publish(ctx, AnsweredEvent{
		SessionID:  q.SessionID,
		Status:     resp.Status,
		Cited:      resp.CitedProductIDs,
		Candidates: candidates,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return resp, err
}

func (s *Service) answer(ctx context.Context, q domain.Query) (Response, int, error) {
	state := StateReceived
	if err := domain.ValidateQuery(q); err != nil {
		return Response{}, 0, fail(state, err)
	}
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = time.Now()
	}
	history := s.memory.History(q.SessionID)

	state = StateReformulating
	search := q.Text
	if s.opts.Reform != nil {
		reformed, rerr := s.opts.Reform.Reformulate(ctx, q.Text, history)
		if rerr != nil {
			s.logger.Warn("reformulation failed, using raw query", "session_id", q.SessionID, "err", rerr)
		} else {
			search = reformed
		}
	}

	state = StateRetrieving
	retrieved := fn.Retry(ctx, s.opts.Retry, func(ctx context.Context) fn.Result[[]domain.Candidate] {
		return s.retrieve(ctx, search, history)
	})
	candidates, err := retrieved.Unwrap()
	if err != nil {
		return Response{}, 0, fail(state, err)
	}
	candidates = s.enrich(ctx, candidates)

	state = StateAssembling
	p, err := prompt.Assemble(q.Text, history, candidates, s.opts.TokenBudget)
	if err != nil {
		return Response{}, len(candidates), fail(state, err)
	}

	state = StateGenerating
	generated := fn.Retry(ctx, s.opts.Retry, func(ctx context.Context) fn.Result[llm.Generation] {
		return s.generate(ctx, p)
	})
	gen, err := generated.Unwrap()
	if err != nil {
		return Response{}, len(candidates), fail(state, err)
	}

	state = StateCompleted
	cited := llm.Citations(gen.Text, candidates)
	now := time.Now()
	s.memory.AppendExchange(q.SessionID,
		domain.Turn{Role: domain.RoleUser, Text: q.Text, At: q.ReceivedAt},
		domain.Turn{Role: domain.RoleAssistant, Text: gen.Text, At: now},
	)

	status := domain.StatusOK
	if p.NoResults {
		status = domain.StatusNoResults
	}
	s.logger.Info("query answered",
		"session_id", q.SessionID,
		"state", state,
		"status", status,
		"candidates", len(candidates),
		"cited", len(cited),
		"model", gen.Model,
		"prompt_tokens", p.TokensUsed,
	)
	return Response{Answer: gen.Text, CitedProductIDs: cited, Status: status}, len(candidates), nil
}

func (s *Service) retrieve(ctx context.Context, text string, history []domain.Turn) fn.Result[[]domain.Candidate] {
	call := func(ctx context.Context) fn.Result[[]domain.Candidate] {
		cands, err := s.retriever.Retrieve(ctx, text, history)
		if err != nil {
			return fn.Err[[]domain.Candidate](err)
		}
		return fn.Ok(cands)
	}
	if s.opts.RetrieveBreaker == nil {
		return call(ctx)
	}
	res := resilience.CallResult(s.opts.RetrieveBreaker, ctx, call)
	if _, err := res.Unwrap(); errors.Is(err, resilience.ErrCircuitOpen) {
		return fn.Err[[]domain.Candidate](fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err))
	}
	return res
}

// enrich appends graph neighbors of the top candidate as low-priority
// context. Failures never block the answer.
func (s *Service) enrich(ctx context.Context, candidates []domain.Candidate) []domain.Candidate {
	if s.opts.Graph == nil || len(candidates) == 0 {
		return candidates
	}
	related, err := s.opts.Graph.Related(ctx, candidates[0].Product.ID, 1)
	if err != nil {
		s.logger.Warn("graph enrichment skipped", "product_id", candidates[0].Product.ID, "err", err)
		return candidates
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.Product.ID] = true
	}
	added := 0
	for _, p := range related {
		if seen[p.ID] || added >= maxEnriched {
			continue
		}
		seen[p.ID] = true
		added++
		candidates = append(candidates, domain.Candidate{Product: p, Rank: len(candidates) + 1})
	}
	return candidates
}

func (s *Service) generate(ctx context.Context, p prompt.Prompt) fn.Result[llm.Generation] {
	call := func(ctx context.Context) fn.Result[llm.Generation] {
		gen, err := s.generator.Generate(ctx, p)
		if err != nil {
			return fn.Err[llm.Generation](err)
		}
		return fn.Ok(gen)
	}
	if s.opts.Breaker == nil {
		return call(ctx)
	}
	res := resilience.CallResult(s.opts.Breaker, ctx, call)
	if _, err := res.Unwrap(); errors.Is(err, resilience.ErrCircuitOpen) {
		return fn.Err[llm.Generation](fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err))
	}
	return res
}

func fail(state State, err error) error {
	return fmt.Errorf("rag: %s: %w", state, err)
}

func (s *Service) publish(ctx context.Context, ev AnsweredEvent) {
	if s.opts.Events == nil {
		return
	}
	if err := natsutil.Publish(ctx, s.opts.Events, AnsweredSubject, ev); err != nil {
		s.logger.Warn("event publish failed", "subject", AnsweredSubject, "err", err)
	}
}
