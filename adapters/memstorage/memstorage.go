package memstorage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/golemcloud/oplog"
)

// New returns an empty in-memory IndexedStorage. It is intended for tests
// and single-process deployments.
func New() *Store {
	return &Store{
		keys: make(map[string][]oplog.IDValue),
	}
}

type Store struct {
	mu   sync.Mutex
	keys map[string][]oplog.IDValue
}

var _ oplog.IndexedStorage = (*Store)(nil)

func (s *Store) key(ns oplog.Namespace, key string) string {
	return ns.Prefix() + ":" + key
}

func (s *Store) Exists(ctx context.Context, ns oplog.Namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.keys[s.key(ns, key)]
	return ok && len(items) > 0, nil
}

func (s *Store) Append(ctx context.Context, ns oplog.Namespace, key string, id uint64, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.append(ns, key, id, value)
}

func (s *Store) append(ns oplog.Namespace, key string, id uint64, value []byte) error {
	k := s.key(ns, key)
	items := s.keys[k]
	if len(items) > 0 {
		last := items[len(items)-1].ID
		if id == last {
			return errors.Wrap(oplog.ErrIDExists, "", j.KV("id", id))
		}
		if id < last {
			return errors.Wrap(oplog.ErrIDNotMonotone, "", j.MKV{"id": id, "last": last})
		}
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.keys[k] = append(items, oplog.IDValue{ID: id, Value: cp})
	return nil
}

func (s *Store) AppendMany(ctx context.Context, ns oplog.Namespace, key string, pairs []oplog.IDValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pair := range pairs {
		err := s.append(ns, key, pair.ID, pair.Value)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Length(ctx context.Context, ns oplog.Namespace, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return uint64(len(s.keys[s.key(ns, key)])), nil
}

func (s *Store) Read(ctx context.Context, ns oplog.Namespace, key string, start, end uint64) ([]oplog.IDValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []oplog.IDValue
	for _, item := range s.keys[s.key(ns, key)] {
		if item.ID >= start && item.ID <= end {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) First(ctx context.Context, ns oplog.Namespace, key string) (oplog.IDValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.keys[s.key(ns, key)]
	if len(items) == 0 {
		return oplog.IDValue{}, false, nil
	}
	return items[0], true, nil
}

func (s *Store) Last(ctx context.Context, ns oplog.Namespace, key string) (oplog.IDValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.keys[s.key(ns, key)]
	if len(items) == 0 {
		return oplog.IDValue{}, false, nil
	}
	return items[len(items)-1], true, nil
}

func (s *Store) Closest(ctx context.Context, ns oplog.Namespace, key string, id uint64) (oplog.IDValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.keys[s.key(ns, key)]
	i := sort.Search(len(items), func(i int) bool { return items[i].ID >= id })
	if i == len(items) {
		return oplog.IDValue{}, false, nil
	}
	return items[i], true, nil
}

func (s *Store) DropPrefix(ctx context.Context, ns oplog.Namespace, key string, lastDropped uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(ns, key)
	items := s.keys[k]
	i := sort.Search(len(items), func(i int) bool { return items[i].ID > lastDropped })
	if i == 0 {
		return nil
	}
	s.keys[k] = append([]oplog.IDValue(nil), items[i:]...)
	return nil
}

func (s *Store) Delete(ctx context.Context, ns oplog.Namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, s.key(ns, key))
	return nil
}

func (s *Store) Scan(ctx context.Context, ns oplog.Namespace, pattern string, cursor uint64, count uint64) (uint64, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := ns.Prefix() + ":"
	var keys []string
	for k := range s.keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.TrimPrefix(k, prefix)
		if matchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	if cursor > uint64(len(keys)) {
		return 0, nil, errors.Wrap(oplog.ErrInvalidCursor, "", j.KV("cursor", cursor))
	}
	end := cursor + count
	if end > uint64(len(keys)) {
		end = uint64(len(keys))
	}
	page := keys[cursor:end]
	if end == uint64(len(keys)) {
		return 0, page, nil
	}
	return end, page, nil
}

// matchPattern matches key against pattern where * matches any run of
// characters, including none.
func matchPattern(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(key, part)
		if i < 0 {
			return false
		}
		key = key[i+len(part):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}

func (s *Store) NumberOfReplicas(ctx context.Context) (int, error) {
	return 1, nil
}

func (s *Store) WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (int, error) {
	// A single in-memory node: every write is already durable to the one
	// replica there is.
	return 1, nil
}
