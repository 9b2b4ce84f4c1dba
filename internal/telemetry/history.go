package telemetry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// History keeps a rolling in-memory window of recent ticks queryable
// after the CSV files have been rotated away or were never enabled,
// per SPEC_FULL.md §2's "last N ticks" telemetry enrichment. Grounded on
// pkg/resource/store/store.go's badger.DefaultOptions("").WithInMemory(true)
// usage, with a TTL on every key standing in for that store's explicit
// compaction/GC machinery — badger drops expired entries on its own, which
// is all a bounded rolling window needs.
type History struct {
	db  *badger.DB
	ttl time.Duration
}

// Tick is one control-loop iteration's summary, the unit History stores.
type Tick struct {
	Timestamp        time.Time `json:"ts"`
	TotalPerformance float64   `json:"total_performance"`
	TrackedThreads   int       `json:"tracked_threads"`
	TrackedPages     int       `json:"tracked_pages"`
	ThreadMigrations int       `json:"thread_migrations"`
	PagesMigrated    int       `json:"pages_migrated"`
}

// OpenHistory opens an in-memory badger instance retaining ticks for ttl.
func OpenHistory(ttl time.Duration) (*History, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("telemetry: opening history store: %w", err)
	}
	return &History{db: db, ttl: ttl}, nil
}

func tickKey(ts time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(ts.UnixNano()))
	return key
}

// Record appends t, expiring it automatically after the configured TTL.
func (h *History) Record(t Tick) error {
	val, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return h.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(tickKey(t.Timestamp), val)
		if h.ttl > 0 {
			entry = entry.WithTTL(h.ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Recent returns every tick still retained, oldest first.
func (h *History) Recent() ([]Tick, error) {
	var out []Tick
	err := h.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var t Tick
				if err := json.Unmarshal(val, &t); err != nil {
					return err
				}
				out = append(out, t)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Close releases the underlying badger instance.
func (h *History) Close() error {
	return h.db.Close()
}
