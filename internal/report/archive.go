package report

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jingweiz/sample-factory/pkg/bufpool"
)

// Record is one archived summary.
type Record struct {
	Step    int64
	SavedAt time.Time
	Stats   map[string]float64
}

// Archive persists summaries in BadgerDB so a run's training curves
// survive restarts. Keys embed a fixed-width hex step, making iteration
// order step order.
type Archive struct {
	db *badger.DB
}

// OpenArchive opens or creates the archive at path.
func OpenArchive(path string) (*Archive, error) {
	opts := badger.DefaultOptions(path)
	// Summaries are tiny and write-mostly.
	opts.BlockCacheSize = 32 << 20
	opts.IndexCacheSize = 32 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Archive{db: db}, nil
}

var keyPrefix = []byte("summary/")

func summaryKey(step int64) []byte {
	return fmt.Appendf(nil, "summary/%016x", uint64(step))
}

// Report stores one summary. It implements Sink.
func (a *Archive) Report(step int64, stats map[string]float64) error {
	rec := Record{
		Step:    step,
		SavedAt: time.Now(),
		Stats:   stats,
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	if err := gob.NewEncoder(buf).Encode(rec); err != nil {
		return fmt.Errorf("encode summary %d: %w", step, err)
	}

	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(summaryKey(step), buf.Bytes())
	})
}

// Range calls fn for every record with from <= step <= to in ascending
// step order. Iteration stops at the first error from fn.
func (a *Archive) Range(from, to int64, fn func(Record) error) error {
	return a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(summaryKey(from)); it.ValidForPrefix(keyPrefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if rec.Step > to {
				return nil
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Last returns the newest record, if any.
func (a *Archive) Last() (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the prefix, then the first valid item is the newest.
		it.Seek(append(append([]byte(nil), keyPrefix...), 0xff))
		if !it.ValidForPrefix(keyPrefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
		})
	})
	return rec, found, err
}

// Len counts archived records.
func (a *Archive) Len() (int64, error) {
	var count int64
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}
