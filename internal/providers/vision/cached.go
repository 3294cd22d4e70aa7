package vision

import (
	"context"
	"strings"
	"time"

	"gallery/internal/cache"
)

// CachedAnalyzer memoizes URL analyses so a retried image does not spend
// quota twice within the TTL. Inline-data requests are never cached.
type CachedAnalyzer struct {
	next  Analyzer
	cache *cache.Cache[Result]
	ttl   time.Duration
}

// NewCachedAnalyzer wraps next with c.
func NewCachedAnalyzer(next Analyzer, c *cache.Cache[Result], ttl time.Duration) *CachedAnalyzer {
	return &CachedAnalyzer{next: next, cache: c, ttl: ttl}
}

func (a *CachedAnalyzer) Analyze(ctx context.Context, src Source) (Result, error) {
	key := strings.TrimSpace(src.URL)
	if key == "" {
		return a.next.Analyze(ctx, src)
	}
	if res, ok := a.cache.Get(key); ok {
		return res, nil
	}
	res, err := a.next.Analyze(ctx, src)
	if err != nil {
		return Result{}, err
	}
	a.cache.Set(key, res, a.ttl)
	return res, nil
}
