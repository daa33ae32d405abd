package bootstrap

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"APP_PORT", "QDRANT_URL", "QDRANT_COLLECTION", "REDIS_URL", "OLLAMA_HOST",
		"OLLAMA_EMBED_MODEL", "OLLAMA_GENERATE_MODEL", "MAX_RESULT_CHUNKS",
		"CACHE_TTL_SECONDS", "CORS_ALLOW_ORIGINS", "RAG_ADMIN_API_KEY", "NATS_URL",
		"PROVIDER_RATE_LIMIT",
	} {
		t.Setenv(k, "")
	}

	cfg := Load()
	if cfg.Port != "8081" || cfg.Collection != "restaurant-faq" || cfg.QdrantURL != "localhost:6334" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TopK != 5 || cfg.CacheTTL != 600*time.Second {
		t.Fatalf("unexpected defaults: top_k=%d ttl=%s", cfg.TopK, cfg.CacheTTL)
	}
	if cfg.AdminKey != "" || cfg.NATSURL != "" || cfg.ProviderRateLimit != 0 {
		t.Fatalf("optional settings should be empty: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9000")
	t.Setenv("MAX_RESULT_CHUNKS", "8")
	t.Setenv("CACHE_TTL_SECONDS", "30")
	t.Setenv("PROVIDER_RATE_LIMIT", "2.5")
	t.Setenv("RAG_ADMIN_API_KEY", "secret")

	cfg := Load()
	if cfg.Port != "9000" || cfg.TopK != 8 || cfg.CacheTTL != 30*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ProviderRateLimit != 2.5 || cfg.AdminKey != "secret" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadBadNumbersFallBack(t *testing.T) {
	t.Setenv("MAX_RESULT_CHUNKS", "many")
	t.Setenv("PROVIDER_RATE_LIMIT", "fast")

	cfg := Load()
	if cfg.TopK != 5 || cfg.ProviderRateLimit != 0 {
		t.Fatalf("expected fallbacks, got top_k=%d rate=%v", cfg.TopK, cfg.ProviderRateLimit)
	}
}

func TestRedisBadURL(t *testing.T) {
	if _, err := Redis(Config{RedisURL: "not a url"}); err == nil {
		t.Fatal("expected parse error")
	}
	rdb, err := Redis(Config{RedisURL: "redis://localhost:6379/2"})
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()
	if rdb.Options().DB != 2 {
		t.Fatalf("expected db 2, got %d", rdb.Options().DB)
	}
}

func TestNATSDisabled(t *testing.T) {
	nc, err := NATS(Config{}, "test", nil)
	if nc != nil || err != nil {
		t.Fatalf("expected nil, nil, got %v %v", nc, err)
	}
}
