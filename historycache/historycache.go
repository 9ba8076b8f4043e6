// Package historycache is a leveldb-backed append-only log of price ticks,
// adapted from the teacher's storage.LevelBlockStore (same
// Get/Set/prefix-iterate shape, applied to price ticks instead of blocks).
// It lives in its own on-disk database, separate from the Postgres durable
// store, and backs the /price endpoint's history[] field.
package historycache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Tick is one recorded price reading for a pair.
type Tick struct {
	Pair      string  `json:"pair"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix nanoseconds, also the key suffix
}

// Cache is the append-only tick log.
type Cache struct {
	db *leveldb.DB
}

// Open opens (or creates) the leveldb database at path.
func Open(path string) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open historycache %q: %w", path, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func tickKey(pair string, timestampNanos int64) []byte {
	return []byte(fmt.Sprintf("tick:%s:%020d", pair, timestampNanos))
}

// Append records one tick. Keys are zero-padded so lexicographic iteration
// order equals chronological order.
func (c *Cache) Append(t Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.db.Put(tickKey(t.Pair, t.Timestamp), data, nil)
}

// Recent returns up to n most recent ticks for pair, oldest first.
func (c *Cache) Recent(pair string, n int) ([]Tick, error) {
	prefix := []byte("tick:" + pair + ":")
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var all []Tick
	for it.Next() {
		var t Tick
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			return nil, err
		}
		all = append(all, t)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Prune deletes ticks for pair older than cutoffNanos, keeping the log
// bounded. The cron driver only appends ticks; it does not call Prune.
func (c *Cache) Prune(pair string, cutoffNanos int64) error {
	prefix := []byte("tick:" + pair + ":")
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		ts, err := parseTimestamp(string(it.Key()))
		if err != nil {
			continue
		}
		if ts < cutoffNanos {
			key := make([]byte, len(it.Key()))
			copy(key, it.Key())
			batch.Delete(key)
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return c.db.Write(batch, nil)
}

func parseTimestamp(key string) (int64, error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return 0, fmt.Errorf("malformed tick key %q", key)
	}
	return strconv.ParseInt(key[idx+1:], 10, 64)
}
