// Package main implements the ShopLens API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/shoplens/shoplens/engine/catalog"
	"github.com/shoplens/shoplens/engine/domain"
	"github.com/shoplens/shoplens/engine/embed"
	"github.com/shoplens/shoplens/engine/llm"
	"github.com/shoplens/shoplens/engine/memory"
	"github.com/shoplens/shoplens/engine/rag"
	"github.com/shoplens/shoplens/engine/retrieve"
	"github.com/shoplens/shoplens/engine/semantic"
	"github.com/shoplens/shoplens/pkg/metrics"
	"github.com/shoplens/shoplens/pkg/mid"
	"github.com/shoplens/shoplens/pkg/resilience"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	// --- Connect to Neo4j (optional) ---
	var productGraph *catalog.ProductGraph
	if cfg.Neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(ctx)
		productGraph = catalog.NewProductGraph(driver)
	}

	// --- Connect to NATS (optional) ---
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("shoplens-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
	}

	// --- Build the pipeline ---
	embedder := newEmbedder(cfg)
	generator := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     time.Duration(cfg.LLMTimeoutSecs) * time.Second,
	})

	var reform rag.QueryReformulator = &retrieve.RuleReformulator{}
	if cfg.Reformulator == "model" {
		reform = &retrieve.ModelReformulator{Generator: generator}
	}

	retriever := retrieve.New(nil, embedder, vectorStore,
		retrieve.Options{TopK: cfg.TopK, MinScore: cfg.MinScore}, logger)

	retry := rag.DefaultOpts().Retry
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}

	registry := metrics.New()
	ragOpts := rag.Opts{
		TokenBudget:     cfg.TokenBudget,
		Reform:          reform,
		Retry:           retry,
		Breaker:         resilience.NewBreaker(resilience.DefaultBreakerOpts),
		RetrieveBreaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		Events:          nc,
		Metrics:         registry,
	}
	if productGraph != nil {
		ragOpts.Graph = productGraph
	}
	ragSvc := rag.New(retriever, generator, memory.NewStore(cfg.MaxTurns), ragOpts, logger)

	// --- Build HTTP server ---
	chatLimiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.ChatRPS, Burst: cfg.ChatBurst})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/chat", handleChat(ragSvc, chatLimiter, logger))
	if productGraph != nil {
		mux.HandleFunc("GET /api/products/{id}/related", handleRelated(productGraph, logger))
	}
	mux.Handle("GET /metrics", registry.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("shoplens-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func newEmbedder(cfg Config) embed.Embedder {
	if cfg.EmbedProvider == "ollama" {
		return embed.NewOllamaClient(cfg.EmbedBaseURL, cfg.EmbedModel, cfg.EmbedDims)
	}
	return embed.NewOpenAIClient(embed.OpenAIConfig{
		BaseURL:    cfg.EmbedBaseURL,
		APIKey:     cfg.EmbedAPIKey,
		Model:      cfg.EmbedModel,
		Dimensions: cfg.EmbedDims,
	})
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// chatService is the answering surface the chat handler needs.
type chatService interface {
	Chat(ctx context.Context, q domain.Query) (rag.Response, error)
}

// ChatRequest is the JSON body for POST /api/chat. SessionID is optional;
// one is minted for new conversations and returned in the response.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse is the JSON response for POST /api/chat.
type ChatResponse struct {
	SessionID       string        `json:"session_id"`
	Answer          string        `json:"answer"`
	CitedProductIDs []string      `json:"cited_product_ids"`
	Status          domain.Status `json:"status"`
}

func handleChat(svc chatService, limiter *resilience.Limiter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limited, slow down")
			return
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		if req.SessionID == "" {
			req.SessionID = uuid.NewString()
		}

		resp, err := svc.Chat(r.Context(), domain.Query{
			SessionID:  req.SessionID,
			Text:       req.Message,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidInput):
				writeError(w, http.StatusBadRequest, "invalid message")
			case errors.Is(err, domain.ErrRateLimited):
				writeError(w, http.StatusTooManyRequests, "rate limited, slow down")
			default:
				logger.Error("chat failed", "session_id", req.SessionID, "err", err)
				writeJSON(w, http.StatusBadGateway, ChatResponse{
					SessionID: req.SessionID,
					Answer:    resp.Answer,
					Status:    domain.StatusError,
				})
			}
			return
		}

		writeJSON(w, http.StatusOK, ChatResponse{
			SessionID:       req.SessionID,
			Answer:          resp.Answer,
			CitedProductIDs: resp.CitedProductIDs,
			Status:          resp.Status,
		})
	}
}

// relatedGraph is the graph surface the related-products handler needs.
type relatedGraph interface {
	Related(ctx context.Context, productID string, depth int) ([]domain.Product, error)
}

func handleRelated(graph relatedGraph, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "product id is required")
			return
		}
		products, err := graph.Related(r.Context(), id, 2)
		if err != nil {
			logger.Error("related lookup failed", "product_id", id, "err", err)
			writeError(w, http.StatusBadGateway, "related lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product_id": id, "related": products})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
