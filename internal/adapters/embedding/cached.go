package embedding

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// flightTimeout bounds a shared embed started by a caller without a deadline.
const flightTimeout = 30 * time.Second

// CachedEmbedder memoises query embeddings and collapses concurrent requests for the same text.
// Cache failures are logged and never fail the embed.
type CachedEmbedder struct {
	inner   ports.EmbeddingService
	cache   Cache
	model   string
	group   singleflight.Group
	observe func(hit bool)
	logger  *zap.Logger
}

// NewCachedEmbedder wraps inner. observe, when set, is told about each cache hit or miss.
func NewCachedEmbedder(inner ports.EmbeddingService, cache Cache, model string, observe func(hit bool), logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observe == nil {
		observe = func(bool) {}
	}
	return &CachedEmbedder{inner: inner, cache: cache, model: model, observe: observe, logger: logger}
}

// Dimension delegates to the wrapped service.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// Embed returns the cached vector for text or computes and stores it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.model, text)

	if vec, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("embedding cache read failed", zap.Error(err))
	} else if ok && len(vec) == c.inner.Dimension() {
		c.observe(true)
		return vec, nil
	}
	c.observe(false)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// The flight outlives the caller that started it; other waiters may still need the result.
		fctx, cancel := flightContext(ctx)
		defer cancel()
		vec, err := c.inner.Embed(fctx, text)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(fctx, key, vec); err != nil {
			c.logger.Warn("embedding cache write failed", zap.Error(err))
		}
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("embedding shared with concurrent request")
		}
		return res.Val.([]float32), nil
	}
}

// flightContext detaches ctx from cancellation but keeps its deadline, or flightTimeout when it has none.
func flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithTimeout(detached, flightTimeout)
}
