// Package ollama is an HTTP client for the Ollama embedding and generation
// endpoints.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dinewise/ragsvc/engine/domain"
	"github.com/dinewise/ragsvc/pkg/resilience"
	"golang.org/x/time/rate"
)

const (
	providerName = "ollama"

	DefaultEmbedTimeout    = 60 * time.Second
	DefaultGenerateTimeout = 120 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL       string
	EmbedModel    string
	GenerateModel string

	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration

	// Limiter, if set, is waited on before every request.
	Limiter *rate.Limiter
	// Breaker, if set, guards every request.
	Breaker *resilience.Breaker
	// HTTPClient defaults to a client with no overall timeout; per-call
	// deadlines come from EmbedTimeout and GenerateTimeout.
	HTTPClient *http.Client
}

// Client calls Ollama. It is safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = DefaultEmbedTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, client: hc}
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type generateReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResp struct {
	Response string `json:"response"`
}

// Embed returns one vector per text, in order. An empty input returns an
// empty result without a request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	var out embedResp
	if err := c.post(ctx, "embed", "/api/embed", c.cfg.EmbedTimeout,
		embedReq{Model: c.cfg.EmbedModel, Input: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, domain.NewProviderError(providerName, "embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Embeddings)))
	}
	return out.Embeddings, nil
}

// Generate returns the model's completion for prompt, trimmed of surrounding
// whitespace.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var out generateResp
	if err := c.post(ctx, "generate", "/api/generate", c.cfg.GenerateTimeout,
		generateReq{Model: c.cfg.GenerateModel, Prompt: prompt}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}

// Ping checks that the Ollama server answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return domain.NewProviderError(providerName, "ping", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewProviderError(providerName, "ping", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.NewProviderError(providerName, "ping", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, timeout time.Duration, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return domain.NewProviderError(providerName, op, err)
	}
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return domain.NewProviderError(providerName, op, err)
		}
	}

	_, err = resilience.Do(ctx, c.cfg.Breaker, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return struct{}{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("decode: %w", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return domain.NewProviderError(providerName, op, err)
	}
	return nil
}
