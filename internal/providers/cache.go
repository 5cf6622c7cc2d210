// Package providers holds cloud scanner adapters and the fetch cache they
// share.
package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lvonguyen/ato-compliance/internal/assessment"
	"github.com/lvonguyen/ato-compliance/internal/normalizer"
)

// FetchFunc fetches every observation of a subscription, optionally scoped
// to a resource group.
type FetchFunc func(ctx context.Context, subscriptionID, resourceGroup string) ([]normalizer.RawObservation, error)

// DefaultFetchTimeout bounds a shared upstream fetch. The fetch outlives any
// single caller, so it cannot be bounded by a caller's context.
const DefaultFetchTimeout = 5 * time.Minute

type cacheEntry struct {
	fetched time.Time
	obs     []normalizer.RawObservation
}

// CachedScanner adapts a whole-subscription fetch to per-family scans. The
// orchestrator scans families concurrently; concurrent scans of one scope
// share a single upstream call and its result is reused for ttl.
type CachedScanner struct {
	name         string
	fetch        FetchFunc
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCachedScanner wraps fetch. A zero ttl only deduplicates concurrent calls.
func NewCachedScanner(name string, fetch FetchFunc, ttl time.Duration) *CachedScanner {
	return &CachedScanner{
		name:         name,
		fetch:        fetch,
		ttl:          ttl,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		cache:        make(map[string]cacheEntry),
	}
}

// Name implements assessment.Scanner.
func (s *CachedScanner) Name() string { return s.name }

// Scan implements assessment.Scanner. Observations that name controls
// outside the requested family are dropped; observations without
// controls are kept so the classifier can map them by rule.
func (s *CachedScanner) Scan(ctx context.Context, req assessment.ScanRequest) ([]normalizer.RawObservation, error) {
	all, err := s.observations(ctx, req.SubscriptionID, req.ResourceGroup)
	if err != nil {
		return nil, err
	}
	var out []normalizer.RawObservation
	for _, o := range all {
		if len(o.Controls) == 0 || touches(o.Controls, req.Family.Code) {
			out = append(out, o)
		}
	}
	return out, nil
}

func touches(controls []string, family string) bool {
	f := normalizer.Finding{AffectedControls: controls}
	return f.InFamily(family)
}

func (s *CachedScanner) observations(ctx context.Context, sub, rg string) ([]normalizer.RawObservation, error) {
	key := sub + "|" + rg
	s.mu.Lock()
	if e, ok := s.cache[key]; ok && s.ttl > 0 && s.now().Sub(e.fetched) < s.ttl {
		s.mu.Unlock()
		return e.obs, nil
	}
	s.mu.Unlock()

	// Callers joining an in-flight fetch must not inherit the cancellation of
	// whichever caller started it; each caller abandons only its own wait.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		obs, err := s.fetch(fctx, sub, rg)
		if err != nil {
			return nil, fmt.Errorf("%s fetch: %w", s.name, err)
		}
		s.mu.Lock()
		s.cache[key] = cacheEntry{fetched: s.now(), obs: obs}
		s.mu.Unlock()
		return obs, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]normalizer.RawObservation), nil
	}
}

// Invalidate drops cached results.
func (s *CachedScanner) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}
