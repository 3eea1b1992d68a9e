package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/corvidlabs/xstream/pkg/log"
)

var (
	bucketItems = []byte("items")
	bucketLocks = []byte("locks")
)

// entry is the envelope every non-lock key is stored as, regardless of
// whether it holds a scalar, a capped list or a set. ExpiresAt is a Unix
// nanosecond timestamp; zero means no expiry.
type entry struct {
	Raw       []byte   `json:"raw,omitempty"`
	List      [][]byte `json:"list,omitempty"`
	Set       []string `json:"set,omitempty"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
}

func (e *entry) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

type lockEntry struct {
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// BoltStore is a single-process, durable Store backed by bbolt. TTL is
// tracked inline on each entry and swept by a background janitor, the
// way the Browser Pool prunes stale handles on a maintenance tick.
type BoltStore struct {
	db *bolt.DB

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBoltStore opens (creating if absent) a bbolt-backed store under
// dataDir and starts its TTL janitor.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "xstream.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketItems); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	s := &BoltStore{db: db, stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.janitorLoop()
	return s, nil
}

// Close stops the janitor and closes the underlying database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

func (s *BoltStore) janitorLoop() {
	defer s.wg.Done()
	logger := log.WithComponent("store.janitor")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := s.sweep(); err != nil {
				logger.Warn().Err(err).Msg("ttl sweep failed")
			} else if n > 0 {
				logger.Debug().Int("expired", n).Msg("ttl sweep reclaimed keys")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *BoltStore) sweep() (int, error) {
	now := time.Now()
	var expired [][]byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		return b.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(expired), err
}

func expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}

func (s *BoltStore) getEntry(tx *bolt.Tx, key string) (*entry, bool) {
	b := tx.Bucket(bucketItems)
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, false
	}
	if e.expired(time.Now()) {
		return nil, false
	}
	return &e, true
}

func (s *BoltStore) putEntry(tx *bolt.Tx, key string, e *entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketItems).Put([]byte(key), data)
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		e, ok := s.getEntry(tx, key)
		if !ok {
			return ErrNotFound
		}
		out = append([]byte(nil), e.Raw...)
		return nil
	})
	return out, err
}

// Set implements Store.
func (s *BoltStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putEntry(tx, key, &entry{Raw: value, ExpiresAt: expiresAt(ttl)})
	})
}

// Del implements Store.
func (s *BoltStore) Del(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).Delete([]byte(key))
	})
}

// ListAppendCapped implements Store.
func (s *BoltStore) ListAppendCapped(_ context.Context, key string, value []byte, cap int, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		e, ok := s.getEntry(tx, key)
		if !ok {
			e = &entry{}
		}
		e.List = append(e.List, value)
		if cap > 0 && len(e.List) > cap {
			e.List = e.List[len(e.List)-cap:]
		}
		e.ExpiresAt = expiresAt(ttl)
		return s.putEntry(tx, key, e)
	})
}

// ListRange implements Store.
func (s *BoltStore) ListRange(_ context.Context, key string, limit int) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		e, ok := s.getEntry(tx, key)
		if !ok {
			return nil
		}
		list := e.List
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
		out = make([][]byte, len(list))
		copy(out, list)
		return nil
	})
	return out, err
}

// SetAdd implements Store.
func (s *BoltStore) SetAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		e, ok := s.getEntry(tx, key)
		if !ok {
			e = &entry{}
		}
		seen := make(map[string]struct{}, len(e.Set))
		for _, m := range e.Set {
			seen[m] = struct{}{}
		}
		for _, m := range members {
			if _, dup := seen[m]; !dup {
				e.Set = append(e.Set, m)
				seen[m] = struct{}{}
			}
		}
		e.ExpiresAt = expiresAt(ttl)
		return s.putEntry(tx, key, e)
	})
}

// SetMembers implements Store.
func (s *BoltStore) SetMembers(_ context.Context, key string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		e, ok := s.getEntry(tx, key)
		if !ok {
			return nil
		}
		out = append([]string(nil), e.Set...)
		return nil
	})
	return out, err
}

// SetDiff implements Store.
func (s *BoltStore) SetDiff(_ context.Context, key string, newMembers []string, ttl time.Duration) ([]string, []string, error) {
	var added, removed []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		e, ok := s.getEntry(tx, key)
		if !ok {
			e = &entry{}
		}
		prev := make(map[string]struct{}, len(e.Set))
		for _, m := range e.Set {
			prev[m] = struct{}{}
		}
		next := make(map[string]struct{}, len(newMembers))
		for _, m := range newMembers {
			next[m] = struct{}{}
			if _, existed := prev[m]; !existed {
				added = append(added, m)
			}
		}
		for m := range prev {
			if _, still := next[m]; !still {
				removed = append(removed, m)
			}
		}
		e.Set = append([]string(nil), newMembers...)
		e.ExpiresAt = expiresAt(ttl)
		return s.putEntry(tx, key, e)
	})
	return added, removed, err
}

// Incr implements Store.
func (s *BoltStore) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var result int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		e, ok := s.getEntry(tx, key)
		if !ok {
			e = &entry{}
		}
		var current int64
		if len(e.Raw) > 0 {
			v, err := strconv.ParseInt(string(e.Raw), 10, 64)
			if err != nil {
				return fmt.Errorf("store: incr non-integer value at %s: %w", key, err)
			}
			current = v
		}
		result = current + delta
		e.Raw = []byte(strconv.FormatInt(result, 10))
		e.ExpiresAt = expiresAt(ttl)
		return s.putEntry(tx, key, e)
	})
	return result, err
}

// Lock implements Store.
func (s *BoltStore) Lock(_ context.Context, key, owner string, ttl time.Duration) (string, error) {
	token := owner + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		v := b.Get([]byte(key))
		now := time.Now().UnixNano()
		if v != nil {
			var existing lockEntry
			if err := json.Unmarshal(v, &existing); err == nil && existing.ExpiresAt > now {
				return ErrLockHeld
			}
		}
		data, err := json.Marshal(&lockEntry{Owner: owner, Token: token, ExpiresAt: expiresAt(ttl)})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Unlock implements Store.
func (s *BoltStore) Unlock(_ context.Context, key, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrLockMismatch
		}
		var existing lockEntry
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.Token != token {
			return ErrLockMismatch
		}
		return b.Delete([]byte(key))
	})
}
