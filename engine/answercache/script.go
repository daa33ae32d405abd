package answercache

import (
	"context"
	"fmt"
	"sync"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/redis/go-redis/v9"
)

// CompiledScript is a Lua script whose SHA handle is cached after the first
// SCRIPT LOAD. The handle is shared by all requests.
type CompiledScript struct {
	src string

	mu  sync.RWMutex
	sha string
}

// NewCompiledScript wraps src. Nothing is sent to Redis until first use.
func NewCompiledScript(src string) *CompiledScript {
	return &CompiledScript{src: src}
}

// Handle returns the cached SHA, or "" if the script has not been loaded.
func (s *CompiledScript) Handle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sha
}

// Load returns the cached handle, loading the script if there is none.
func (s *CompiledScript) Load(ctx context.Context, c redis.Scripter) (string, error) {
	if sha := s.Handle(); sha != "" {
		return sha, nil
	}
	return s.Reload(ctx, c)
}

// Reload unconditionally loads the script and replaces the cached handle.
func (s *CompiledScript) Reload(ctx context.Context, c redis.Scripter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sha, err := c.ScriptLoad(ctx, s.src).Result()
	if err != nil {
		s.sha = ""
		return "", fmt.Errorf("answercache: script load: %w", err)
	}
	s.sha = sha
	return sha, nil
}

// Run executes the script by handle. If Redis no longer knows the handle
// (e.g. it restarted and lost its script cache) the script is reloaded and
// run exactly once more.
func (s *CompiledScript) Run(ctx context.Context, c redis.Scripter, keys []string, args ...any) (any, error) {
	sha, err := s.Load(ctx, c)
	if err != nil {
		return nil, err
	}
	res, err := c.EvalSha(ctx, sha, keys, args...).Result()
	if !isNoScript(err) {
		return res, err
	}

	sha, err = s.Reload(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrScriptHandleExpired, err)
	}
	res, err = c.EvalSha(ctx, sha, keys, args...).Result()
	if isNoScript(err) {
		return nil, fmt.Errorf("%w: %w", domain.ErrScriptHandleExpired, err)
	}
	return res, err
}

func isNoScript(err error) bool {
	return redis.HasErrorPrefix(err, "NOSCRIPT")
}
