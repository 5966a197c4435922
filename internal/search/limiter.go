package search

import (
	"context"
	"sync"
	"time"
)

type rateLimitedSearcher struct {
	inner       Searcher
	minInterval time.Duration

	mu            sync.Mutex
	nextAllowedAt time.Time
}

// WithMinInterval spaces calls to inner at least minInterval apart across
// all callers.
func WithMinInterval(inner Searcher, minInterval time.Duration) Searcher {
	if inner == nil || minInterval <= 0 {
		return inner
	}
	return &rateLimitedSearcher{inner: inner, minInterval: minInterval}
}

func (s *rateLimitedSearcher) Search(ctx context.Context, query string) (*Result, error) {
	if err := s.waitTurn(ctx); err != nil {
		return nil, err
	}
	return s.inner.Search(ctx, query)
}

func (s *rateLimitedSearcher) waitTurn(ctx context.Context) error {
	for {
		s.mu.Lock()
		now := time.Now()
		if s.nextAllowedAt.IsZero() || !s.nextAllowedAt.After(now) {
			s.nextAllowedAt = now.Add(s.minInterval)
			s.mu.Unlock()
			return nil
		}
		wait := time.Until(s.nextAllowedAt)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
