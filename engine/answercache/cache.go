// Package answercache stores generated answers in Redis hashes. Writes go
// through a server-side Lua script so a reader never observes an entry
// without its expiry.
package answercache

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed cache_answer.lua
var cacheAnswerLua string

// ErrInvalidTTL is returned by Set for a ttl shorter than one second.
var ErrInvalidTTL = errors.New("answercache: ttl must be at least one second")

const flushBatch = 100

// Entry is one cached answer.
type Entry struct {
	Answer     string               `json:"answer"`
	Sources    []domain.SourceChunk `json:"sources"`
	TTLSeconds int                  `json:"ttl_seconds"`
	SessionID  string               `json:"session_id,omitempty"`
	Question   string               `json:"question"`
}

// Client is the subset of the go-redis API the gateway needs.
type Client interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Gateway reads and writes answer entries.
type Gateway struct {
	client Client
	script *CompiledScript
	logger *slog.Logger
}

// New creates a Gateway. A nil logger uses slog.Default.
func New(client Client, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client: client,
		script: NewCompiledScript(cacheAnswerLua),
		logger: logger,
	}
}

// Script exposes the compiled write script.
func (g *Gateway) Script() *CompiledScript { return g.script }

// Get returns the entry stored at key. A missing or expired key is a miss
// (nil, false, nil). A sources field that is not a JSON array decodes as an
// empty list.
func (g *Gateway) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := g.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("answercache: get %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	e := &Entry{
		Answer:    data["answer"],
		SessionID: data["session_id"],
		Question:  data["question"],
		Sources:   []domain.SourceChunk{},
	}
	if raw := data["sources"]; raw != "" {
		var sources []domain.SourceChunk
		if err := json.Unmarshal([]byte(raw), &sources); err != nil {
			g.logger.Warn("answercache: malformed sources", "key", key, "err", err)
		} else if sources != nil {
			e.Sources = sources
		}
	}
	if ttl, err := strconv.Atoi(data["ttl_seconds"]); err == nil {
		e.TTLSeconds = ttl
	}
	return e, true, nil
}

// Set replaces whatever is stored at key with entry and sets its expiry, in a
// single server-side step. The stored ttl_seconds is always ttl.
func (g *Gateway) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	secs := int(ttl / time.Second)
	if secs < 1 {
		return &domain.CacheWriteError{Key: key, Err: ErrInvalidTTL}
	}

	sources := entry.Sources
	if sources == nil {
		sources = []domain.SourceChunk{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return &domain.CacheWriteError{Key: key, Err: fmt.Errorf("encode sources: %w", err)}
	}

	_, err = g.script.Run(ctx, g.client, []string{key},
		entry.Answer, string(raw), secs, entry.SessionID, entry.Question)
	if err != nil {
		return &domain.CacheWriteError{Key: key, Err: err}
	}
	return nil
}

// Flush deletes every answer key and returns how many were removed. Keys
// are collected by SCAN before any are deleted so the cursor never skips.
func (g *Gateway) Flush(ctx context.Context) (int, error) {
	var keys []string
	iter := g.client.Scan(ctx, 0, KeyPrefix+":*", flushBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("answercache: flush scan: %w", err)
	}

	var deleted int64
	for start := 0; start < len(keys); start += flushBatch {
		end := min(start+flushBatch, len(keys))
		n, err := g.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return int(deleted), fmt.Errorf("answercache: flush: %w", err)
		}
		deleted += n
	}
	return int(deleted), nil
}

// Ping checks that Redis answers.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("answercache: ping: %w", err)
	}
	return nil
}
