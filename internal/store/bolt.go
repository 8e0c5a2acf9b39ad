package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Agent-Courier/internal/envelope"
)

var (
	bucketKV      = []byte("kv")
	bucketHistory = []byte("history")
)

// Bolt is a bbolt-backed store shared by the agents of one process. Each
// agent gets its own nested bucket under "kv"; history entries live under
// "history" keyed by agent name.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt creates or opens the bbolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKV, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Agent returns the KV view for one agent, creating its bucket on first use.
func (b *Bolt) Agent(name string) (KV, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.Bucket(bucketKV).CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create agent bucket: %w", err)
	}
	return &boltKV{db: b.db, agent: []byte(name)}, nil
}

// History returns the envelope history store for one agent.
func (b *Bolt) History(name string) envelope.HistoryStore {
	return &boltHistory{db: b.db, agent: []byte(name)}
}

type boltKV struct {
	db    *bolt.DB
	agent []byte
}

func (s *boltKV) bucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(bucketKV).Bucket(s.agent)
}

func (s *boltKV) Get(key string, out any) (bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := s.bucket(tx).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode value for %q: %w", key, err)
	}
	return true, nil
}

func (s *boltKV) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.bucket(tx).Put([]byte(key), raw)
	})
}

func (s *boltKV) Has(key string) bool {
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = s.bucket(tx).Get([]byte(key)) != nil
		return nil
	})
	return found
}

func (s *boltKV) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.bucket(tx).Delete([]byte(key))
	})
}

func (s *boltKV) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketKV).DeleteBucket(s.agent); err != nil {
			return err
		}
		_, err := tx.Bucket(bucketKV).CreateBucket(s.agent)
		return err
	})
}

func (s *boltKV) Keys() []string {
	var keys []string
	_ = s.db.View(func(tx *bolt.Tx) error {
		return s.bucket(tx).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	sort.Strings(keys)
	return keys
}

type boltHistory struct {
	db    *bolt.DB
	agent []byte
}

func (h *boltHistory) SaveHistory(entries []envelope.HistoryEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).Put(h.agent, raw)
	})
}

func (h *boltHistory) LoadHistory() ([]envelope.HistoryEntry, error) {
	var raw []byte
	err := h.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketHistory).Get(h.agent); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}
	var entries []envelope.HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return entries, nil
}
