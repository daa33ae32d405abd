// Package bootstrap reads the service configuration and builds the clients
// every binary shares.
package bootstrap

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration.
type Config struct {
	Port          string
	QdrantURL     string
	Collection    string
	RedisURL      string
	OllamaHost    string
	EmbedModel    string
	GenerateModel string
	TopK          int
	CacheTTL      time.Duration
	CORSOrigins   string
	AdminKey      string
	NATSURL       string
	// ProviderRateLimit is requests per second to Ollama; 0 means unlimited.
	ProviderRateLimit float64
}

// Load reads .env (if present) and then the process environment.
// Variables already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:              envOr("APP_PORT", "8081"),
		QdrantURL:         envOr("QDRANT_URL", "localhost:6334"),
		Collection:        envOr("QDRANT_COLLECTION", "restaurant-faq"),
		RedisURL:          envOr("REDIS_URL", "redis://localhost:6379/0"),
		OllamaHost:        envOr("OLLAMA_HOST", "http://localhost:11434"),
		EmbedModel:        envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		GenerateModel:     envOr("OLLAMA_GENERATE_MODEL", "mistral:7b-instruct"),
		TopK:              envInt("MAX_RESULT_CHUNKS", 5),
		CacheTTL:          time.Duration(envInt("CACHE_TTL_SECONDS", 600)) * time.Second,
		CORSOrigins:       envOr("CORS_ALLOW_ORIGINS", "*"),
		AdminKey:          os.Getenv("RAG_ADMIN_API_KEY"),
		NATSURL:           os.Getenv("NATS_URL"),
		ProviderRateLimit: envFloat("PROVIDER_RATE_LIMIT", 0),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}
