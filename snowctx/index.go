package snowctx

import (
	"encoding/json"
	"fmt"
	"time"

	"snowflake/filehash"

	bolt "go.etcd.io/bbolt"
)

// bucketInstalled holds one record per content-addressed entry ever
// installed into cached-outputs/, keyed by its hex digest.
var bucketInstalled = []byte("installed_outputs")

// InstalledRecord is the bookkeeping entry stored for one cache entry.
// It is never consulted by the hermetic pipeline (StoreCachedOutput's
// correctness does not depend on it); it exists purely so operators can
// page through cache history without re-stat'ing every file under
// cached-outputs/.
type InstalledRecord struct {
	Hash        string    `json:"hash"`
	InstalledAt time.Time `json:"installed_at"`
}

// Index is a small embedded database, one bucket keyed by digest,
// recording installed cache entries for the "inspect" operation.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (creating if absent) the bbolt database at path and
// ensures its bucket exists.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("snowctx: open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstalled)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snowctx: init index bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying bbolt database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// RecordInstalled upserts a bookkeeping entry for hash. Errors are
// silently discarded rather than propagated or logged: losing an index
// entry never corrupts the cache itself, only the convenience listing.
func (idx *Index) RecordInstalled(hash filehash.Hash) {
	rec := InstalledRecord{Hash: hash.Hex(), InstalledAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstalled).Put([]byte(rec.Hash), data)
	})
}

// List returns every recorded installed-output entry, for the inspect
// operation.
func (idx *Index) List() ([]InstalledRecord, error) {
	var out []InstalledRecord
	err := idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalled)
		return b.ForEach(func(k, v []byte) error {
			var rec InstalledRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Has reports whether hex is present in the index.
func (idx *Index) Has(hex string) (bool, error) {
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketInstalled).Get([]byte(hex)) != nil
		return nil
	})
	return found, err
}
