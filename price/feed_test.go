package price_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qflashio/engine/price"
	"github.com/qflashio/engine/qerr"
)

func fixedSource(p float64) price.Fetch {
	return func(ctx context.Context, pair string) (float64, error) { return p, nil }
}

func failingSource() price.Fetch {
	return func(ctx context.Context, pair string) (float64, error) {
		return 0, errors.New("source down")
	}
}

func TestPriceForComputesMedianOverEvenSourceCount(t *testing.T) {
	reg := price.NewRegistry()
	reg.Register("alpha", fixedSource(100))
	reg.Register("beta", fixedSource(104))
	f := price.NewFeed(reg, 2, time.Second, time.Minute, []byte("k"))

	q, err := f.PriceFor(context.Background(), "BTC-USD", false)
	if err != nil {
		t.Fatal(err)
	}
	if q.MedianPrice != 102 {
		t.Fatalf("median = %v, want 102", q.MedianPrice)
	}
	if q.AttestationHash == "" {
		t.Fatal("expected non-empty attestation hash")
	}
}

func TestPriceForFailsBelowMinSources(t *testing.T) {
	reg := price.NewRegistry()
	reg.Register("alpha", fixedSource(100))
	reg.Register("beta", failingSource())
	f := price.NewFeed(reg, 2, time.Second, time.Minute, []byte("k"))

	_, err := f.PriceFor(context.Background(), "BTC-USD", false)
	if !errors.Is(err, qerr.ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
}

func TestPriceForServesFromCacheUntilInvalidated(t *testing.T) {
	calls := 0
	reg := price.NewRegistry()
	reg.Register("alpha", func(ctx context.Context, pair string) (float64, error) {
		calls++
		return 100 + float64(calls), nil
	})
	reg.Register("beta", fixedSource(100))
	f := price.NewFeed(reg, 2, time.Second, time.Minute, []byte("k"))

	q1, err := f.PriceFor(context.Background(), "BTC-USD", false)
	if err != nil {
		t.Fatal(err)
	}
	q2, err := f.PriceFor(context.Background(), "BTC-USD", false)
	if err != nil {
		t.Fatal(err)
	}
	if q1.MedianPrice != q2.MedianPrice {
		t.Fatalf("expected cached quote to be reused, got %v then %v", q1.MedianPrice, q2.MedianPrice)
	}

	f.Invalidate("BTC-USD")
	q3, err := f.PriceFor(context.Background(), "BTC-USD", false)
	if err != nil {
		t.Fatal(err)
	}
	if q3.MedianPrice == q2.MedianPrice {
		t.Fatal("expected a fresh fetch after Invalidate")
	}
}

func TestPriceForForceFreshBypassesCache(t *testing.T) {
	calls := 0
	reg := price.NewRegistry()
	reg.Register("alpha", func(ctx context.Context, pair string) (float64, error) {
		calls++
		return 100 + float64(calls), nil
	})
	reg.Register("beta", fixedSource(100))
	f := price.NewFeed(reg, 2, time.Second, time.Minute, []byte("k"))

	if _, err := f.PriceFor(context.Background(), "BTC-USD", false); err != nil {
		t.Fatal(err)
	}
	q2, err := f.PriceFor(context.Background(), "BTC-USD", true)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected forceFresh to re-fetch, calls = %d", calls)
	}
	_ = q2
}
