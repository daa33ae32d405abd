package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/dinewise/ragsvc/engine/answercache"
	"github.com/dinewise/ragsvc/engine/semantic"
	"github.com/dinewise/ragsvc/pkg/fn"
	"github.com/dinewise/ragsvc/pkg/metrics"
	"github.com/dinewise/ragsvc/pkg/ollama"
	"github.com/dinewise/ragsvc/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Ollama builds the provider client behind a breaker and, when
// ProviderRateLimit is set, a rate limiter. A non-nil reg gets a
// rag_provider_breaker_open gauge.
func Ollama(cfg Config, reg *metrics.Registry, logger *slog.Logger) *ollama.Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts := resilience.DefaultBreakerOpts
	opts.Name = "ollama"
	opts.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("provider breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		if reg != nil {
			open := int64(0)
			if to == resilience.StateOpen {
				open = 1
			}
			reg.Gauge("rag_provider_breaker_open", "1 while calls to the provider are rejected").Set(open)
		}
	}

	var lim *rate.Limiter
	if cfg.ProviderRateLimit > 0 {
		burst := max(1, int(math.Ceil(cfg.ProviderRateLimit)))
		lim = rate.NewLimiter(rate.Limit(cfg.ProviderRateLimit), burst)
	}

	return ollama.New(ollama.Config{
		BaseURL:       cfg.OllamaHost,
		EmbedModel:    cfg.EmbedModel,
		GenerateModel: cfg.GenerateModel,
		Limiter:       lim,
		Breaker:       resilience.NewBreaker(opts),
	})
}

// Redis connects to REDIS_URL.
func Redis(cfg Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Qdrant connects to the vector index.
func Qdrant(cfg Config) (*semantic.VectorStore, error) {
	return semantic.New(cfg.QdrantURL, cfg.Collection)
}

// NATS connects to NATS_URL. It returns nil, nil when NATS is not configured.
func NATS(cfg Config, name string, logger *slog.Logger) (*nats.Conn, error) {
	if cfg.NATSURL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.NATSURL, err)
	}
	return nc, nil
}

// PreloadScript waits for Redis and loads the answer write script so the
// first cache write does not pay for it. Run reloads on demand, so a failure
// here only costs that first write.
func PreloadScript(ctx context.Context, cache *answercache.Gateway, rdb redis.Scripter, opts fn.RetryOpts) error {
	_, err := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[string] {
		return fn.FromPair(cache.Script().Load(ctx, rdb))
	}).Unwrap()
	return err
}
