package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/rag"
	"github.com/shoplens/shoplens/pkg/resilience"
)

type stubChat struct {
	resp rag.Response
	err  error
	last domain.Query
}

func (s *stubChat) Chat(_ context.Context, q domain.Query) (rag.Response, error) {
	s.last = q
	return s.resp, s.err
}

func TestHandleChatSuccess(t *testing.T) {
	svc := &stubChat{resp: rag.Response{
		Answer:          "Go with [p1].",
		CitedProductIDs: []string{"p1"},
		Status:          domain.StatusOK,
	}}
	h := handleChat(svc, nil, testLogger())

	body := `{"session_id":"s1","message":"best headphones"}`
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != "s1" || resp.Answer != "Go with [p1]." || resp.Status != domain.StatusOK {
		t.Fatalf("resp = %+v", resp)
	}
	if svc.last.Text != "best headphones" {
		t.Fatalf("query text = %q", svc.last.Text)
	}
}

func TestHandleChatMintsSessionID(t *testing.T) {
	svc := &stubChat{resp: rag.Response{Status: domain.StatusOK}}
	h := handleChat(svc, nil, testLogger())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`)))

	var resp ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a minted session id")
	}
}

func TestHandleChatRejectsEmptyMessage(t *testing.T) {
	svc := &stubChat{}
	h := handleChat(svc, nil, testLogger())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"session_id":"s1"}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if svc.last.SessionID != "" {
		t.Fatal("service should not be called")
	}
}

func TestHandleChatBadJSON(t *testing.T) {
	h := handleChat(&stubChat{}, nil, testLogger())
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleChatErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", domain.ErrInvalidInput, http.StatusBadRequest},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests},
		{"model down", domain.ErrModelUnavailable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubChat{
				resp: rag.Response{Answer: "Sorry, something went wrong.", Status: domain.StatusError},
				err:  tt.err,
			}
			h := handleChat(svc, nil, testLogger())
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`)))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandleChatThrottled(t *testing.T) {
	svc := &stubChat{resp: rag.Response{Status: domain.StatusOK}}
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 1})
	h := handleChat(svc, limiter, testLogger())

	first := httptest.NewRecorder()
	h(first, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`)))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	h(second, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi again"}`)))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if svc.last.Text != "hi" {
		t.Fatal("throttled request must not reach the service")
	}
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

type stubGraph struct {
	products []domain.Product
	err      error
}

func (s *stubGraph) Related(_ context.Context, _ string, _ int) ([]domain.Product, error) {
	return s.products, s.err
}

func TestHandleRelated(t *testing.T) {
	graph := &stubGraph{products: []domain.Product{{ID: "p2", Name: "Other"}}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/products/{id}/related", handleRelated(graph, testLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products/p1/related", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"p2"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
