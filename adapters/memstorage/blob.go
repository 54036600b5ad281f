package memstorage

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/golemcloud/oplog"
)

// NewBlob returns an empty in-memory BlobStorage.
func NewBlob() *BlobStore {
	return &BlobStore{
		objects: make(map[string][]byte),
	}
}

type BlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ oplog.BlobStorage = (*BlobStore)(nil)

func (s *BlobStore) path(ns oplog.BlobNamespace, pth string) string {
	return path.Join(ns.Root(), pth)
}

func (s *BlobStore) Put(ctx context.Context, ns oplog.BlobNamespace, pth string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[s.path(ns, pth)] = cp
	return nil
}

func (s *BlobStore) Get(ctx context.Context, ns oplog.BlobNamespace, pth string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[s.path(ns, pth)]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (s *BlobStore) Delete(ctx context.Context, ns oplog.BlobNamespace, pth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, s.path(ns, pth))
	return nil
}

func (s *BlobStore) DeleteDir(ctx context.Context, ns oplog.BlobNamespace, pth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := s.path(ns, pth) + "/"
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	return nil
}

func (s *BlobStore) ListDir(ctx context.Context, ns oplog.BlobNamespace, pth string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := s.path(ns, pth) + "/"
	seen := make(map[string]bool)
	var names []string
	for key := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(key, prefix), "/")
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}
