package persistence

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	stratisd "github.com/stratis-storage/stratisd-go"
)

var lastSeenBucket = []byte("last_seen")

// Cache is the non-authoritative "pool P was last seen at generation N"
// hint, backed by a single bbolt file under the engine's state
// directory. It is consulted only for a startup log line before
// discovery completes; the authoritative record always comes from the
// devices themselves (internal/metadata.SelectAuthoritative).
type Cache struct {
	db *bbolt.DB
}

// OpenCache opens (creating if absent) the bbolt cache file at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open persistence cache %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lastSeenBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init persistence cache %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Record stores the pool's name and flush timestamp under its UUID key.
func (c *Cache) Record(pool stratisd.PoolUUID, name string, ts time.Time) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(lastSeenBucket)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(ts.UnixNano()))
		if err := b.Put(append(pool[:], 'n'), []byte(name)); err != nil {
			return err
		}
		return b.Put(append(pool[:], 't'), buf)
	})
}

// LastSeen reports the name and timestamp last recorded for pool, if any.
func (c *Cache) LastSeen(pool stratisd.PoolUUID) (name string, ts time.Time, ok bool) {
	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(lastSeenBucket)
		nameBytes := b.Get(append(pool[:], 'n'))
		tsBytes := b.Get(append(pool[:], 't'))
		if nameBytes == nil || tsBytes == nil {
			return nil
		}
		name = string(nameBytes)
		ts = time.Unix(0, int64(binary.BigEndian.Uint64(tsBytes))).UTC()
		ok = true
		return nil
	})
	return name, ts, ok
}
