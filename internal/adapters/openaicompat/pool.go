// Package openaicompat holds go-openai clients for OpenAI-compatible providers (Groq, OpenAI, vLLM)
// behind a rotating key pool.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/keyring"
	"github.com/0xcro3dile/coursetutor-go/internal/adapters/resilience"
)

// GroqBaseURL is used when no base URL is configured.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// Pool maps each API key to a client and rotates on rate limits.
type Pool struct {
	name    string
	keys    *keyring.Rotator
	clients map[string]*openai.Client
	caller  *resilience.Caller
	logger  *zap.Logger
}

// NewPool builds one client per key. caller may be nil for a single attempt per call.
func NewPool(name, baseURL string, keys []string, caller *resilience.Caller, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rot := keyring.New(keys, logger.With(zap.String("provider", name)))
	if rot.Len() == 0 {
		return nil, fmt.Errorf("%s: no API keys configured", name)
	}
	if baseURL == "" {
		baseURL = GroqBaseURL
	}
	httpClient := &http.Client{Timeout: 120 * time.Second}

	p := &Pool{name: name, keys: rot, clients: make(map[string]*openai.Client, rot.Len()), caller: caller, logger: logger}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if _, ok := p.clients[k]; ok || k == "" {
			continue
		}
		cfg := openai.DefaultConfig(k)
		cfg.BaseURL = baseURL
		cfg.HTTPClient = httpClient
		p.clients[k] = openai.NewClientWithConfig(cfg)
	}
	return p, nil
}

// Do runs fn with the current key's client. A rate-limited key is rotated out before the retry.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, c *openai.Client) error) error {
	attempt := func(ctx context.Context) error {
		key := p.keys.Current()
		err := classify(p.name, fn(ctx, p.clients[key]))
		if errors.Is(err, resilience.ErrRateLimited) {
			p.keys.Rotate(key)
		}
		return err
	}
	if p.caller == nil {
		return attempt(ctx)
	}
	return p.caller.Do(ctx, attempt)
}

// classify maps go-openai errors onto the retry taxonomy.
func classify(upstream string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("%w: %s", resilience.StatusError(upstream, apiErr.HTTPStatusCode), apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return resilience.StatusError(upstream, reqErr.HTTPStatusCode)
	}
	return resilience.TransportError(upstream, err)
}
