package oplog

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// CompressedArchiveService is an archive layer storing compressed chunks
// in indexed storage under the NamespaceCompressedOplog namespace of its
// level. Each chunk is stored at the id of its last entry.
type CompressedArchiveService struct {
	storage IndexedStorage
	level   int
}

var _ ArchiveService = (*CompressedArchiveService)(nil)

func NewCompressedArchiveService(storage IndexedStorage, level int) *CompressedArchiveService {
	return &CompressedArchiveService{storage: storage, level: level}
}

func (s *CompressedArchiveService) ns() Namespace {
	return NamespaceCompressedOplog(s.level)
}

func (s *CompressedArchiveService) Open(ctx context.Context, worker WorkerID) (Archive, error) {
	return &compressedArchive{svc: s, key: worker.String()}, nil
}

func (s *CompressedArchiveService) Delete(ctx context.Context, worker WorkerID) error {
	return s.storage.Delete(ctx, s.ns(), worker.String())
}

func (s *CompressedArchiveService) Exists(ctx context.Context, worker WorkerID) (bool, error) {
	return s.storage.Exists(ctx, s.ns(), worker.String())
}

func (s *CompressedArchiveService) GetLastIndex(ctx context.Context, worker WorkerID) (Index, error) {
	iv, ok, err := s.storage.Last(ctx, s.ns(), worker.String())
	if err != nil || !ok {
		return IndexNone, err
	}
	return Index(iv.ID), nil
}

func (s *CompressedArchiveService) Read(ctx context.Context, worker WorkerID, start Index, count uint64) ([]IndexedEntry, error) {
	return readChunked(ctx, s.storage, s.ns(), worker.String(), start, count)
}

func (s *CompressedArchiveService) ScanForComponent(ctx context.Context, component ComponentID, cursor uint64, count uint64) (uint64, []WorkerID, error) {
	next, keys, err := s.storage.Scan(ctx, s.ns(), string(component)+":*", cursor, count)
	if err != nil {
		return 0, nil, err
	}
	workers := make([]WorkerID, 0, len(keys))
	for _, key := range keys {
		w, err := ParseWorkerID(key)
		if err != nil {
			return 0, nil, err
		}
		workers = append(workers, w)
	}
	return next, workers, nil
}

type compressedArchive struct {
	svc *CompressedArchiveService
	key string
}

var _ Archive = (*compressedArchive)(nil)

func (a *compressedArchive) Append(ctx context.Context, entries []IndexedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	es := make([]Entry, 0, len(entries))
	for _, ie := range entries {
		es = append(es, ie.Entry)
	}
	chunk, err := CompressChunk(es)
	if err != nil {
		return err
	}
	b, err := Marshal(&chunk)
	if err != nil {
		return err
	}
	last := entries[len(entries)-1].Index
	return a.svc.storage.Append(ctx, a.svc.ns(), a.key, uint64(last), b)
}

func (a *compressedArchive) Read(ctx context.Context, start Index, count uint64) ([]IndexedEntry, error) {
	return readChunked(ctx, a.svc.storage, a.svc.ns(), a.key, start, count)
}

func (a *compressedArchive) CurrentIndex(ctx context.Context) (Index, error) {
	iv, ok, err := a.svc.storage.Last(ctx, a.svc.ns(), a.key)
	if err != nil || !ok {
		return IndexNone, err
	}
	return Index(iv.ID), nil
}

func (a *compressedArchive) Length(ctx context.Context) (uint64, error) {
	first, ok, err := a.svc.storage.First(ctx, a.svc.ns(), a.key)
	if err != nil || !ok {
		return 0, err
	}
	last, _, err := a.svc.storage.Last(ctx, a.svc.ns(), a.key)
	if err != nil {
		return 0, err
	}
	raw, err := a.svc.storage.Read(ctx, a.svc.ns(), a.key, first.ID, last.ID)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, iv := range raw {
		var chunk CompressedChunk
		if err := Unmarshal(iv.Value, &chunk); err != nil {
			return 0, err
		}
		total += chunk.Count
	}
	return total, nil
}

func (a *compressedArchive) DropPrefix(ctx context.Context, lastDropped Index) error {
	// Chunk ids are the last index of the chunk, so dropping ids up to
	// lastDropped only removes chunks that end at or before it.
	err := a.svc.storage.DropPrefix(ctx, a.svc.ns(), a.key, uint64(lastDropped))
	if err != nil {
		return err
	}
	length, err := a.svc.storage.Length(ctx, a.svc.ns(), a.key)
	if err != nil {
		return err
	}
	if length == 0 {
		return a.svc.storage.Delete(ctx, a.svc.ns(), a.key)
	}
	return nil
}

// readChunked reads entries [start, start+count-1] from chunked storage
// where each chunk is stored at the id of its last entry.
func readChunked(ctx context.Context, storage IndexedStorage, ns Namespace, key string, start Index, count uint64) ([]IndexedEntry, error) {
	if count == 0 {
		return nil, nil
	}
	end := start.RangeEnd(count)

	var out []IndexedEntry
	cursor := start
	for cursor <= end {
		iv, ok, err := storage.Closest(ctx, ns, key, uint64(cursor))
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var chunk CompressedChunk
		if err := Unmarshal(iv.Value, &chunk); err != nil {
			return nil, errors.Wrap(err, "", j.KV("chunk", iv.ID))
		}
		entries, err := chunk.Decompress()
		if err != nil {
			return nil, err
		}
		chunkLast := Index(iv.ID)
		chunkFirst := chunkLast.Subtract(chunk.Count - 1)
		for i, e := range entries {
			idx := chunkFirst + Index(i)
			if idx < start || idx > end {
				continue
			}
			out = append(out, IndexedEntry{Index: idx, Entry: e})
		}
		cursor = chunkLast.Next()
	}
	return out, nil
}
