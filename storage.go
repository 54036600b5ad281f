package oplog

import (
	"context"
	"fmt"
	"time"
)

// Namespace partitions keys inside indexed storage. The hot oplog tier and
// each compressed archive level live in separate namespaces.
type Namespace struct {
	kind  string
	level int
}

func NamespaceOplog() Namespace {
	return Namespace{kind: "oplog"}
}

func NamespaceCompressedOplog(level int) Namespace {
	return Namespace{kind: "compressed_oplog", level: level}
}

// Prefix is the storage key prefix for the namespace.
func (n Namespace) Prefix() string {
	if n.kind == "compressed_oplog" {
		return fmt.Sprintf("compressed_oplog:%d", n.level)
	}
	return "oplog"
}

func (n Namespace) String() string {
	return n.Prefix()
}

// IDValue is a stored value together with its id within a key.
type IDValue struct {
	ID    uint64
	Value []byte
}

// IndexedStorage stores ordered sequences of binary values. Each key holds
// values addressed by strictly increasing uint64 ids. Implementations live
// under adapters.
//
// Ids within a key are unique and appends must use an id greater than the
// last id of the key, but ids are not required to be contiguous.
type IndexedStorage interface {
	// Exists reports whether the key holds any values.
	Exists(ctx context.Context, ns Namespace, key string) (bool, error)

	// Append stores value at id. It returns ErrIDExists if the id equals
	// the last id of the key and ErrIDNotMonotone if it is below it.
	Append(ctx context.Context, ns Namespace, key string, id uint64, value []byte) error

	// AppendMany appends the pairs in order. It is not required to be
	// atomic: a failure may leave a prefix of the pairs appended.
	AppendMany(ctx context.Context, ns Namespace, key string, pairs []IDValue) error

	// Length returns the number of values stored at the key.
	Length(ctx context.Context, ns Namespace, key string) (uint64, error)

	// Read returns the values with ids in [start, end], both inclusive,
	// in ascending id order.
	Read(ctx context.Context, ns Namespace, key string, start, end uint64) ([]IDValue, error)

	// First returns the value with the smallest id, if any.
	First(ctx context.Context, ns Namespace, key string) (IDValue, bool, error)

	// Last returns the value with the largest id, if any.
	Last(ctx context.Context, ns Namespace, key string) (IDValue, bool, error)

	// Closest returns the value with the smallest id greater than or
	// equal to id, if any.
	Closest(ctx context.Context, ns Namespace, key string, id uint64) (IDValue, bool, error)

	// DropPrefix deletes all values with ids less than or equal to
	// lastDropped.
	DropPrefix(ctx context.Context, ns Namespace, key string, lastDropped uint64) error

	// Delete removes the key and all its values.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Scan pages through keys of the namespace matching pattern, where
	// pattern uses * as a wildcard. Cursor zero both starts a scan and,
	// when returned, signals that the scan is complete. Returned keys
	// have the namespace prefix stripped.
	Scan(ctx context.Context, ns Namespace, pattern string, cursor uint64, count uint64) (uint64, []string, error)

	// NumberOfReplicas returns the replica count of the backing store.
	NumberOfReplicas(ctx context.Context) (int, error)

	// WaitForReplicas blocks until the given number of replicas have
	// acknowledged all preceding writes, or the timeout passes. It
	// returns the number of replicas reached.
	WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (int, error)
}

// AppendEach implements AppendMany as repeated Append. Adapters without a
// cheaper batch primitive delegate to it.
func AppendEach(ctx context.Context, s IndexedStorage, ns Namespace, key string, pairs []IDValue) error {
	for _, p := range pairs {
		if err := s.Append(ctx, ns, key, p.ID, p.Value); err != nil {
			return err
		}
	}
	return nil
}

// entryStore is a typed view of indexed storage holding oplog entries
// encoded with MarshalEntry.
type entryStore struct {
	storage IndexedStorage
}

func (s entryStore) Append(ctx context.Context, ns Namespace, key string, entries []IndexedEntry) error {
	pairs := make([]IDValue, 0, len(entries))
	for _, ie := range entries {
		b, err := MarshalEntry(ie.Entry)
		if err != nil {
			return err
		}
		pairs = append(pairs, IDValue{ID: uint64(ie.Index), Value: b})
	}
	if len(pairs) == 1 {
		return s.storage.Append(ctx, ns, key, pairs[0].ID, pairs[0].Value)
	}
	return s.storage.AppendMany(ctx, ns, key, pairs)
}

func (s entryStore) Read(ctx context.Context, ns Namespace, key string, start, end Index) ([]IndexedEntry, error) {
	if end < start {
		return nil, nil
	}
	raw, err := s.storage.Read(ctx, ns, key, uint64(start), uint64(end))
	if err != nil {
		return nil, err
	}
	entries := make([]IndexedEntry, 0, len(raw))
	for _, iv := range raw {
		e, err := UnmarshalEntry(iv.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, IndexedEntry{Index: Index(iv.ID), Entry: e})
	}
	return entries, nil
}

func (s entryStore) LastIndex(ctx context.Context, ns Namespace, key string) (Index, error) {
	iv, ok, err := s.storage.Last(ctx, ns, key)
	if err != nil {
		return IndexNone, err
	}
	if !ok {
		return IndexNone, nil
	}
	return Index(iv.ID), nil
}
