package price

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/crypto"
	"github.com/qflashio/engine/qerr"
)

// Quote is one median price reading together with everything needed to
// reproduce and verify its attestation hash.
type Quote struct {
	Pair            string
	MedianPrice     float64
	Sources         []core.PriceSource
	FetchedAt       time.Time
	AttestationHash string
}

type cacheEntry struct {
	quote     *Quote
	expiresAt time.Time
}

// Feed fetches, caches, and attests median prices across every source in
// its Registry. Zero value is not usable; construct with NewFeed.
type Feed struct {
	registry        *Registry
	minSources      int
	sourceTimeout   time.Duration
	cacheTTL        time.Duration
	attestationKey  []byte

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewFeed builds a Feed. registry may be nil to use the package-level
// global registry (the common case outside tests).
func NewFeed(registry *Registry, minSources int, sourceTimeout, cacheTTL time.Duration, attestationKey []byte) *Feed {
	if registry == nil {
		registry = globalRegistry
	}
	return &Feed{
		registry:       registry,
		minSources:     minSources,
		sourceTimeout:  sourceTimeout,
		cacheTTL:       cacheTTL,
		attestationKey: attestationKey,
		cache:          make(map[string]cacheEntry),
	}
}

// PriceFor returns the median price for pair, consulting the cache unless
// forceFresh is set. Returns qerr.ErrOracleUnavailable if fewer than
// minSources sources answer in time.
func (f *Feed) PriceFor(ctx context.Context, pair string, forceFresh bool) (*Quote, error) {
	if !forceFresh {
		if q, ok := f.cached(pair); ok {
			return q, nil
		}
	}

	sources := f.registry.All()
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no sources registered", qerr.ErrOracleUnavailable)
	}

	type result struct {
		name  string
		price float64
		err   error
	}
	results := make(chan result, len(sources))
	for name, fn := range sources {
		name, fn := name, fn
		go func() {
			fctx, cancel := context.WithTimeout(ctx, f.sourceTimeout)
			defer cancel()
			p, err := fn(fctx, pair)
			results <- result{name: name, price: p, err: err}
		}()
	}

	var answered []core.PriceSource
	for i := 0; i < len(sources); i++ {
		r := <-results
		if r.err != nil {
			continue
		}
		answered = append(answered, core.PriceSource{Name: r.name, Price: r.price})
	}

	if len(answered) < f.minSources {
		return nil, fmt.Errorf("%w: got %d of %d minimum sources for %s",
			qerr.ErrOracleUnavailable, len(answered), f.minSources, pair)
	}

	sort.Slice(answered, func(i, j int) bool { return answered[i].Name < answered[j].Name })

	q := &Quote{
		Pair:        pair,
		MedianPrice: median(answered),
		Sources:     answered,
		FetchedAt:   time.Now(),
	}
	hash, err := crypto.AttestHMAC(f.attestationKey, core.AttestationFields{
		Pair:        q.Pair,
		MedianPrice: q.MedianPrice,
		Sources:     q.Sources,
		FetchedAt:   q.FetchedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("attest price quote: %w", err)
	}
	q.AttestationHash = hash

	f.mu.Lock()
	f.cache[pair] = cacheEntry{quote: q, expiresAt: time.Now().Add(f.cacheTTL)}
	f.mu.Unlock()

	return q, nil
}

// Invalidate drops any cached quote for pair, forcing the next PriceFor
// call to re-fetch regardless of TTL.
func (f *Feed) Invalidate(pair string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, pair)
}

func (f *Feed) cached(pair string) (*Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.cache[pair]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.quote, true
}

func median(sources []core.PriceSource) float64 {
	prices := make([]float64, len(sources))
	for i, s := range sources {
		prices[i] = s.Price
	}
	sort.Float64s(prices)
	n := len(prices)
	if n%2 == 1 {
		return prices[n/2]
	}
	return (prices[n/2-1] + prices[n/2]) / 2
}
