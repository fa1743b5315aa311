package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const scanPageSize = 100

// BoltStore is a Store backed by an embedded bbolt database. Each collection
// is a bucket; documents are JSON. Writes serialize on bbolt's single writer,
// which makes Transact and Increment atomic for every process sharing the
// file handle.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("repository: open bolt %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(_ context.Context, key Key, out any) error {
	if err := key.validate(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(key.Collection))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(compositeKey(key.PK, key.SK)))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, out); err != nil {
			return fmt.Errorf("repository: Get %s unmarshal: %w", key.Collection, err)
		}
		return nil
	})
}

func (s *BoltStore) Write(ctx context.Context, w Write) error {
	return s.Transact(ctx, w)
}

func (s *BoltStore) Transact(_ context.Context, writes ...Write) error {
	if len(writes) == 0 {
		return nil
	}
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		data, err := encodeWrite(w)
		if err != nil {
			return err
		}
		encoded[i] = data
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for i, w := range writes {
			b, err := tx.CreateBucketIfNotExists([]byte(w.Key.Collection))
			if err != nil {
				return fmt.Errorf("repository: bucket %s: %w", w.Key.Collection, err)
			}
			k := []byte(compositeKey(w.Key.PK, w.Key.SK))
			if err := checkCondition(b.Get(k), w); err != nil {
				return err
			}
			if w.Delete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("repository: delete %s: %w", w.Key.Collection, err)
				}
				continue
			}
			if err := b.Put(k, encoded[i]); err != nil {
				return fmt.Errorf("repository: put %s: %w", w.Key.Collection, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Increment(_ context.Context, key Key, field string) (int64, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(key.Collection))
		if err != nil {
			return fmt.Errorf("repository: bucket %s: %w", key.Collection, err)
		}
		k := []byte(compositeKey(key.PK, key.SK))
		doc, next, err := incrementDoc(b.Get(k), field)
		if err != nil {
			return err
		}
		n = next
		return b.Put(k, doc)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *BoltStore) Query(_ context.Context, q Query) ([]Record, error) {
	if q.PK == "" {
		return nil, fmt.Errorf("repository: Query: PK is required")
	}
	prefix := []byte(compositeKey(q.PK, q.SKPrefix))
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(q.Collection))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ok, err := matchesEquals(v, q.Equals)
			if err != nil {
				return err
			}
			if ok {
				records = append(records, newJSONRecord(string(k), bytes.Clone(v)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Scan reads pages in separate read transactions and calls fn outside them,
// so fn may write to the store.
func (s *BoltStore) Scan(_ context.Context, collection string, fn func([]Record) error) error {
	var after []byte
	for {
		var page []Record
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(collection))
			if b == nil {
				return nil
			}
			c := b.Cursor()
			k, v := c.First()
			if after != nil {
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(page) < scanPageSize; k, v = c.Next() {
				page = append(page, newJSONRecord(string(k), bytes.Clone(v)))
				after = bytes.Clone(k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < scanPageSize {
			return nil
		}
	}
}

func (s *BoltStore) Delete(_ context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(key.Collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(compositeKey(key.PK, key.SK)))
	})
}
