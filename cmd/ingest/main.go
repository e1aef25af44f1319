// Command ingest loads a product catalog CSV, embeds each product, and
// writes vectors to Qdrant plus product nodes and category edges to Neo4j.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/time/rate"

	"github.com/shoplens/shoplens/engine/catalog"
	"github.com/shoplens/shoplens/engine/embed"
	"github.com/shoplens/shoplens/engine/ingest"
	"github.com/shoplens/shoplens/engine/semantic"
	"github.com/shoplens/shoplens/pkg/natsutil"
)

func main() {
	_ = godotenv.Load()
	var (
		csvPath    = flag.String("csv", "data/catalog.csv", "product catalog CSV")
		qdrantAddr = flag.String("qdrant", envOr("QDRANT_URL", "localhost:6334"), "Qdrant gRPC address")
		collection = flag.String("collection", envOr("QDRANT_COLLECTION", "shoplens"), "Qdrant collection name")
		neo4jURL   = flag.String("neo4j", os.Getenv("NEO4J_URL"), "Neo4j bolt URL (empty skips graph writes)")
		neo4jUser  = flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
		natsURL    = flag.String("nats", os.Getenv("NATS_URL"), "NATS URL (empty skips event publish)")
		provider   = flag.String("embed-provider", envOr("EMBED_PROVIDER", "openai"), "embedding provider: openai or ollama")
		embedURL   = flag.String("embed-url", os.Getenv("EMBED_BASE_URL"), "embedding provider base URL")
		embedModel = flag.String("embed-model", envOr("EMBED_MODEL", "text-embedding-3-small"), "embedding model")
		embedDims  = flag.Int("embed-dims", 1536, "embedding dimensions")
		workers    = flag.Int("workers", 4, "concurrent embedding calls")
		embedRPS   = flag.Float64("embed-rps", 10, "embedding calls per second")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(config{
		csvPath:    *csvPath,
		qdrantAddr: *qdrantAddr,
		collection: *collection,
		neo4jURL:   *neo4jURL,
		neo4jUser:  *neo4jUser,
		neo4jPass:  os.Getenv("NEO4J_PASS"),
		natsURL:    *natsURL,
		provider:   *provider,
		embedURL:   *embedURL,
		embedModel: *embedModel,
		embedDims:  *embedDims,
		workers:    *workers,
		embedRPS:   *embedRPS,
	}, logger); err != nil {
		logger.Error("ingest failed", "err", err)
		os.Exit(1)
	}
}

type config struct {
	csvPath    string
	qdrantAddr string
	collection string
	neo4jURL   string
	neo4jUser  string
	neo4jPass  string
	natsURL    string
	provider   string
	embedURL   string
	embedModel string
	embedDims  int
	workers    int
	embedRPS   float64
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(cfg.csvPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	products, skipped, err := catalog.LoadCSV(f)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog loaded", "products", len(products), "skipped", skipped)

	vectorStore, err := semantic.New(cfg.qdrantAddr, cfg.collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	if err := vectorStore.EnsureCollection(ctx, cfg.embedDims); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	deps := ingest.Deps{
		Embedder: newEmbedder(cfg),
		Vectors:  vectorStore,
		Limiter:  rate.NewLimiter(rate.Limit(cfg.embedRPS), 1),
		Workers:  cfg.workers,
		Logger:   logger,
	}

	if cfg.neo4jURL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.neo4jURL, neo4j.BasicAuth(cfg.neo4jUser, cfg.neo4jPass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(ctx)
		deps.Graph = catalog.NewProductGraph(driver)
	}

	start := time.Now()
	report, err := ingest.Run(ctx, products, deps)
	if err != nil {
		return err
	}
	logger.Info("ingest complete",
		"ingested", report.Ingested,
		"failed", report.Failed,
		"took", time.Since(start).Round(time.Millisecond),
	)

	if cfg.natsURL != "" {
		nc, err := nats.Connect(cfg.natsURL, nats.Name("shoplens-ingest"))
		if err != nil {
			logger.Warn("nats connect failed, summary not published", "err", err)
			return nil
		}
		defer nc.Drain()
		ev := ingest.IngestedEvent{Ingested: report.Ingested, Failed: report.Failed, Products: report.ProductIDs}
		if err := natsutil.Publish(ctx, nc, ingest.CatalogIngestedSubject, ev); err != nil {
			logger.Warn("event publish failed", "err", err)
		}
	}
	return nil
}

func newEmbedder(cfg config) embed.Embedder {
	if cfg.provider == "ollama" {
		return embed.NewOllamaClient(cfg.embedURL, cfg.embedModel, cfg.embedDims)
	}
	return embed.NewOpenAIClient(embed.OpenAIConfig{
		BaseURL:    cfg.embedURL,
		APIKey:     os.Getenv("EMBED_API_KEY"),
		Model:      cfg.embedModel,
		Dimensions: cfg.embedDims,
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
