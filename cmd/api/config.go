package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration. Values load from an optional YAML file,
// then from the environment (a .env file is honored). Environment wins.
// API keys come from the environment only.
type Config struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`

	QdrantURL  string `yaml:"qdrant_url"`
	Collection string `yaml:"collection"`

	// Neo4j is optional: leave the URL empty to run without the product graph.
	Neo4jURL  string `yaml:"neo4j_url"`
	Neo4jUser string `yaml:"neo4j_user"`
	Neo4jPass string `yaml:"-"`

	// NATSURL is optional: leave empty to skip event publishing.
	NATSURL string `yaml:"nats_url"`

	EmbedProvider string `yaml:"embed_provider"` // "openai" or "ollama"
	EmbedBaseURL  string `yaml:"embed_base_url"`
	EmbedModel    string `yaml:"embed_model"`
	EmbedDims     int    `yaml:"embed_dims"`
	EmbedAPIKey   string `yaml:"-"`

	LLMBaseURL     string  `yaml:"llm_base_url"`
	LLMModel       string  `yaml:"llm_model"`
	LLMAPIKey      string  `yaml:"-"`
	LLMTemperature float32 `yaml:"llm_temperature"`
	LLMMaxTokens   int     `yaml:"llm_max_tokens"`
	LLMTimeoutSecs int     `yaml:"llm_timeout_seconds"`

	// Reformulator selects "rule" (deterministic keyword digest) or "model"
	// (standalone-question rewrite via the generation model).
	Reformulator  string  `yaml:"reformulator"`
	TopK          int     `yaml:"top_k"`
	MinScore      float32 `yaml:"min_score"`
	TokenBudget   int     `yaml:"token_budget"`
	MaxTurns      int     `yaml:"max_turns"`
	RetryAttempts int     `yaml:"retry_attempts"`

	// ChatRPS throttles POST /api/chat across all clients; excess requests
	// get 429 instead of queueing into the providers.
	ChatRPS   float64 `yaml:"chat_rps"`
	ChatBurst int     `yaml:"chat_burst"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func defaultConfig() Config {
	return Config{
		Port:           "8080",
		CORSOrigin:     "*",
		QdrantURL:      "localhost:6334",
		Collection:     "shoplens",
		Neo4jUser:      "neo4j",
		EmbedProvider:  "openai",
		EmbedModel:     "text-embedding-3-small",
		EmbedDims:      1536,
		LLMModel:       "llama-3.1-70b-versatile",
		LLMTemperature: 0.5,
		LLMMaxTokens:   1024,
		LLMTimeoutSecs: 30,
		Reformulator:   "rule",
		TopK:           5,
		MinScore:       0.5,
		TokenBudget:    3000,
		MaxTurns:       20,
		RetryAttempts:  3,
		ChatRPS:        5,
		ChatBurst:      10,
		RequestTimeout: 60 * time.Second,
	}
}

// loadConfig builds the config: defaults, then shoplens.yaml (or the file
// named by SHOPLENS_CONFIG) if present, then environment variables.
func loadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	path := envOr("SHOPLENS_CONFIG", "shoplens.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.Port = envOr("PORT", cfg.Port)
	cfg.CORSOrigin = envOr("CORS_ORIGIN", cfg.CORSOrigin)
	cfg.QdrantURL = envOr("QDRANT_URL", cfg.QdrantURL)
	cfg.Collection = envOr("QDRANT_COLLECTION", cfg.Collection)
	cfg.Neo4jURL = envOr("NEO4J_URL", cfg.Neo4jURL)
	cfg.Neo4jUser = envOr("NEO4J_USER", cfg.Neo4jUser)
	cfg.Neo4jPass = os.Getenv("NEO4J_PASS")
	cfg.NATSURL = envOr("NATS_URL", cfg.NATSURL)
	cfg.EmbedProvider = envOr("EMBED_PROVIDER", cfg.EmbedProvider)
	cfg.EmbedBaseURL = envOr("EMBED_BASE_URL", cfg.EmbedBaseURL)
	cfg.EmbedModel = envOr("EMBED_MODEL", cfg.EmbedModel)
	cfg.EmbedAPIKey = os.Getenv("EMBED_API_KEY")
	cfg.LLMBaseURL = envOr("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMModel = envOr("LLM_MODEL", cfg.LLMModel)
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.Reformulator = envOr("REFORMULATOR", cfg.Reformulator)

	var err error
	if cfg.EmbedDims, err = envInt("EMBED_DIMS", cfg.EmbedDims); err != nil {
		return Config{}, err
	}
	if cfg.TopK, err = envInt("TOP_K", cfg.TopK); err != nil {
		return Config{}, err
	}
	if cfg.TokenBudget, err = envInt("TOKEN_BUDGET", cfg.TokenBudget); err != nil {
		return Config{}, err
	}
	if cfg.MaxTurns, err = envInt("MAX_TURNS", cfg.MaxTurns); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = envInt("LLM_MAX_TOKENS", cfg.LLMMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.LLMTimeoutSecs, err = envInt("LLM_TIMEOUT_SECONDS", cfg.LLMTimeoutSecs); err != nil {
		return Config{}, err
	}
	if cfg.RetryAttempts, err = envInt("RETRY_ATTEMPTS", cfg.RetryAttempts); err != nil {
		return Config{}, err
	}
	if cfg.MinScore, err = envFloat32("MIN_SCORE", cfg.MinScore); err != nil {
		return Config{}, err
	}
	if cfg.ChatRPS, err = envFloat64("CHAT_RPS", cfg.ChatRPS); err != nil {
		return Config{}, err
	}

	if cfg.LLMAPIKey == "" {
		return Config{}, fmt.Errorf("LLM_API_KEY is required")
	}
	if cfg.EmbedProvider == "openai" && cfg.EmbedAPIKey == "" {
		return Config{}, fmt.Errorf("EMBED_API_KEY is required for the openai embed provider")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat32(key string, fallback float32) (float32, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return float32(f), nil
}

func envFloat64(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
