package historycache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/qflashio/engine/historycache"
)

func openTestCache(t *testing.T) *historycache.Cache {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ticks")
	c, err := historycache.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAppendAndRecentPreservesChronologicalOrder(t *testing.T) {
	c := openTestCache(t)
	ticks := []historycache.Tick{
		{Pair: "BTC-USD", Price: 100, Timestamp: 1000},
		{Pair: "BTC-USD", Price: 101, Timestamp: 2000},
		{Pair: "BTC-USD", Price: 102, Timestamp: 3000},
		{Pair: "ETH-USD", Price: 9, Timestamp: 1500},
	}
	for _, tk := range ticks {
		if err := c.Append(tk); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.Recent("BTC-USD", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d ticks, want 3", len(got))
	}
	for i, want := range []float64{100, 101, 102} {
		if got[i].Price != want {
			t.Fatalf("tick %d price = %v, want %v", i, got[i].Price, want)
		}
	}
}

func TestRecentCapsAtN(t *testing.T) {
	c := openTestCache(t)
	for i := int64(0); i < 5; i++ {
		if err := c.Append(historycache.Tick{Pair: "BTC-USD", Price: float64(i), Timestamp: i}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.Recent("BTC-USD", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ticks, want 2", len(got))
	}
	if got[0].Price != 3 || got[1].Price != 4 {
		t.Fatalf("expected last 2 ticks [3,4], got [%v,%v]", got[0].Price, got[1].Price)
	}
}

func TestPruneRemovesOldTicksOnly(t *testing.T) {
	c := openTestCache(t)
	for i := int64(1); i <= 5; i++ {
		if err := c.Append(historycache.Tick{Pair: "BTC-USD", Price: float64(i), Timestamp: i * 1000}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Prune("BTC-USD", 3000); err != nil {
		t.Fatal(err)
	}
	got, err := c.Recent("BTC-USD", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d ticks after prune, want 3", len(got))
	}
	if got[0].Timestamp != 3000 {
		t.Fatalf("oldest remaining tick = %d, want 3000", got[0].Timestamp)
	}
}

func TestOpenCreatesDirectoryIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "ticks")
	c, err := historycache.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected leveldb to create %s: %v", dir, err)
	}
}
