package nlp

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ashureev/claim-intake/internal/report"
)

const statisticsKey = "nlp:v1:statistics"

// CachedStatistics memoizes the model statistics, which only change when the
// NLP service retrains.
type CachedStatistics struct {
	source interface {
		Statistics(ctx context.Context) (*report.Statistics, error)
	}
	cache *gocache.Cache
	ttl   time.Duration
}

// NewCachedStatistics wraps a statistics source. A zero ttl disables caching.
func NewCachedStatistics(source Processor, ttl time.Duration) *CachedStatistics {
	return &CachedStatistics{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
		ttl:    ttl,
	}
}

// Statistics returns cached statistics or fetches them from the source.
// Errors are not cached.
func (c *CachedStatistics) Statistics(ctx context.Context) (*report.Statistics, error) {
	if c.ttl > 0 {
		if val, found := c.cache.Get(statisticsKey); found {
			return val.(*report.Statistics), nil
		}
	}

	stats, err := c.source.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.cache.Set(statisticsKey, stats, c.ttl)
	}
	return stats, nil
}

