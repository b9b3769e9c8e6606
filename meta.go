package nosql

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"
	"unsafe"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	metaBucket  = []byte("meta")
	viewsBucket = []byte("views")
)

// MetaStore is the persistent key-value table holding database-level
// metadata and view definitions. It lives in a Bolt sidecar file next to
// the log. Reads are served from an in-memory mirror; every write is its
// own Bolt transaction.
type MetaStore struct {
	path string
	bdb  *bbolt.DB

	mu     sync.RWMutex
	values map[string]any
}

func openMetaStore(path string, opt Options) (*MetaStore, error) {
	s := &MetaStore{path: path}
	if err := s.open_locked(opt); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MetaStore) open_locked(opt Options) error {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = opt.MetaTimeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if opt.IsTesting {
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	bopt.NoSync = opt.NoSync

	bdb, err := bbolt.Open(s.path, 0666, bopt)
	if err != nil {
		return fmt.Errorf("nosql: meta: %w", err)
	}
	values := make(map[string]any)
	err = bdb.Update(func(btx *bbolt.Tx) error {
		mb, err := btx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := btx.CreateBucketIfNotExists(viewsBucket); err != nil {
			return err
		}
		return mb.ForEach(func(k, v []byte) error {
			val, err := decodeValue(v)
			if err != nil {
				return fmt.Errorf("meta key %q: %w", k, err)
			}
			values[string(k)] = val
			return nil
		})
	})
	if err != nil {
		bdb.Close()
		return fmt.Errorf("nosql: meta: %w", err)
	}
	s.bdb, s.values = bdb, values
	return nil
}

// drop deletes the meta file and starts over with an empty one.
func (s *MetaStore) drop(opt Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bdb.Close(); err != nil {
		return fmt.Errorf("nosql: meta: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("nosql: meta: %w", err)
	}
	return s.open_locked(opt)
}

func (s *MetaStore) Path() string {
	return s.path
}

// Get returns a copy of the value stored under key.
func (s *MetaStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Set stores value under key, replacing any previous value. A nil value
// deletes the key.
func (s *MetaStore) Set(key string, value any) error {
	if key == "" {
		return usageErrf("meta", "empty key")
	}
	if value == nil {
		return s.Delete(key)
	}
	nv, err := normalizeValue(value)
	if err != nil {
		return err
	}
	raw, err := encodeNormalized(nv)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(metaBucket).Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("nosql: meta: set %q: %w", key, err)
	}
	s.values[key] = nv
	return nil
}

func (s *MetaStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(metaBucket).Delete(unsafeBytesFromString(key))
	})
	if err != nil {
		return fmt.Errorf("nosql: meta: delete %q: %w", key, err)
	}
	delete(s.values, key)
	return nil
}

// Keys returns all keys in sorted order.
func (s *MetaStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.values))
}

func (s *MetaStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// snapshot returns a deep copy of all meta entries.
func (s *MetaStore) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = cloneValue(v)
	}
	return out
}

func (s *MetaStore) loadViews() ([]ViewDef, error) {
	var defs []ViewDef
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(viewsBucket).ForEach(func(k, v []byte) error {
			var def ViewDef
			if err := msgpack.Unmarshal(v, &def); err != nil {
				return dataErrf(v, 0, err, "view %q", k)
			}
			if err := def.normalize(); err != nil {
				return fmt.Errorf("view %q: %w", k, err)
			}
			defs = append(defs, def)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("nosql: meta: loading views: %w", err)
	}
	return defs, nil
}

func (s *MetaStore) putView(def ViewDef) error {
	raw, err := encodeViewDef(def)
	if err != nil {
		return err
	}
	err = s.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(viewsBucket).Put([]byte(def.Name), raw)
	})
	if err != nil {
		return fmt.Errorf("nosql: meta: saving view %q: %w", def.Name, err)
	}
	return nil
}

func (s *MetaStore) deleteView(name string) error {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(viewsBucket).Delete(unsafeBytesFromString(name))
	})
	if err != nil {
		return fmt.Errorf("nosql: meta: deleting view %q: %w", name, err)
	}
	return nil
}

// replaceAll swaps the entire contents of the store in a single Bolt
// transaction.
func (s *MetaStore) replaceAll(values map[string]any, views []ViewDef) error {
	encoded := make(map[string][]byte, len(values))
	normalized := make(map[string]any, len(values))
	for k, v := range values {
		if v == nil {
			continue
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return err
		}
		raw, err := encodeNormalized(nv)
		if err != nil {
			return err
		}
		encoded[k] = raw
		normalized[k] = nv
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucket, viewsBucket} {
			if err := btx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
		}
		mb, err := btx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}
		vb, err := btx.CreateBucket(viewsBucket)
		if err != nil {
			return err
		}
		for k, raw := range encoded {
			if err := mb.Put([]byte(k), raw); err != nil {
				return err
			}
		}
		for _, def := range views {
			raw, err := encodeViewDef(def)
			if err != nil {
				return err
			}
			if err := vb.Put([]byte(def.Name), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("nosql: meta: replace: %w", err)
	}
	s.values = normalized
	return nil
}

func (s *MetaStore) size() int64 {
	var n int64
	s.bdb.View(func(btx *bbolt.Tx) error {
		n = btx.Size()
		return nil
	})
	return n
}

func (s *MetaStore) Close() error {
	return s.bdb.Close()
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
