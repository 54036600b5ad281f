// Package fsblob implements BlobStorage on a local directory tree.
package fsblob

import (
	"context"
	"os"
	"path/filepath"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/golemcloud/oplog"
)

// New returns a BlobStorage rooted at dir. The directory is created if it
// does not exist.
func New(dir string) (*Store, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, errors.Wrap(err, "create blob root", j.KV("dir", dir))
	}
	return &Store{root: dir}, nil
}

type Store struct {
	root string
}

var _ oplog.BlobStorage = (*Store)(nil)

func (s *Store) path(ns oplog.BlobNamespace, pth string) string {
	return filepath.Join(s.root, filepath.FromSlash(ns.Root()), filepath.FromSlash(pth))
}

func (s *Store) Put(ctx context.Context, ns oplog.BlobNamespace, pth string, data []byte) error {
	full := s.path(ns, pth)
	err := os.MkdirAll(filepath.Dir(full), 0o755)
	if err != nil {
		return errors.Wrap(err, "create blob dir")
	}
	// Write to a temp file then rename so readers never see a partial
	// object.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp blob")
	}
	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write blob")
	}
	err = tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close blob")
	}
	err = os.Rename(tmp.Name(), full)
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "rename blob")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ns oplog.BlobNamespace, pth string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(ns, pth))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "read blob")
	}
	return data, true, nil
}

func (s *Store) Delete(ctx context.Context, ns oplog.BlobNamespace, pth string) error {
	err := os.Remove(s.path(ns, pth))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete blob")
	}
	return nil
}

func (s *Store) DeleteDir(ctx context.Context, ns oplog.BlobNamespace, pth string) error {
	err := os.RemoveAll(s.path(ns, pth))
	if err != nil {
		return errors.Wrap(err, "delete blob dir")
	}
	return nil
}

func (s *Store) ListDir(ctx context.Context, ns oplog.BlobNamespace, pth string) ([]string, error) {
	entries, err := os.ReadDir(s.path(ns, pth))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list blob dir")
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}
