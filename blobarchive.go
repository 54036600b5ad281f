package oplog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// BlobArchiveService is an archive layer storing compressed chunks as
// blob objects, usually the bottom layer of a multi-layer oplog. Chunk
// objects live under compressed_oplog-<level>/<component>/<worker>/ and
// are named by the index of their last entry.
type BlobArchiveService struct {
	blob  BlobStorage
	level int
	opts  options

	mu   sync.Mutex
	open map[string]*blobArchive
}

var _ ArchiveService = (*BlobArchiveService)(nil)

func NewBlobArchiveService(blob BlobStorage, level int, opts ...Option) *BlobArchiveService {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &BlobArchiveService{
		blob:  blob,
		level: level,
		opts:  o,
		open:  make(map[string]*blobArchive),
	}
}

func (s *BlobArchiveService) Open(ctx context.Context, worker WorkerID) (Archive, error) {
	return s.openArchive(ctx, worker)
}

func (s *BlobArchiveService) openArchive(ctx context.Context, worker WorkerID) (*blobArchive, error) {
	s.mu.Lock()
	a, ok := s.open[worker.String()]
	if !ok {
		cache, err := lru.New[Index, Entry](s.opts.chunkCacheSize)
		if err != nil {
			s.mu.Unlock()
			return nil, errors.Wrap(err, "chunk cache")
		}
		a = &blobArchive{
			svc:    s,
			worker: worker,
			ns:     BlobNamespaceCompressedOplog(worker.ComponentID, s.level),
			cache:  cache,
		}
		s.open[worker.String()] = a
	}
	s.mu.Unlock()

	if err := a.load(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *BlobArchiveService) Delete(ctx context.Context, worker WorkerID) error {
	s.mu.Lock()
	delete(s.open, worker.String())
	s.mu.Unlock()
	ns := BlobNamespaceCompressedOplog(worker.ComponentID, s.level)
	return s.blob.DeleteDir(ctx, ns, worker.Name)
}

func (s *BlobArchiveService) Exists(ctx context.Context, worker WorkerID) (bool, error) {
	a, err := s.openArchive(ctx, worker)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks) > 0, nil
}

func (s *BlobArchiveService) GetLastIndex(ctx context.Context, worker WorkerID) (Index, error) {
	a, err := s.openArchive(ctx, worker)
	if err != nil {
		return IndexNone, err
	}
	return a.CurrentIndex(ctx)
}

func (s *BlobArchiveService) Read(ctx context.Context, worker WorkerID, start Index, count uint64) ([]IndexedEntry, error) {
	a, err := s.openArchive(ctx, worker)
	if err != nil {
		return nil, err
	}
	return a.Read(ctx, start, count)
}

func (s *BlobArchiveService) ScanForComponent(ctx context.Context, component ComponentID, cursor uint64, count uint64) (uint64, []WorkerID, error) {
	ns := BlobNamespaceCompressedOplog(component, s.level)
	names, err := s.blob.ListDir(ctx, ns, "")
	if err != nil {
		return 0, nil, err
	}
	sort.Strings(names)
	if cursor > uint64(len(names)) {
		return 0, nil, errors.Wrap(ErrInvalidCursor, "", j.KV("cursor", cursor))
	}
	end := cursor + count
	if end > uint64(len(names)) {
		end = uint64(len(names))
	}
	workers := make([]WorkerID, 0, end-cursor)
	for _, name := range names[cursor:end] {
		workers = append(workers, WorkerID{ComponentID: component, Name: name})
	}
	if end == uint64(len(names)) {
		return 0, workers, nil
	}
	return end, workers, nil
}

// chunkRef locates one stored chunk of a worker's archive.
type chunkRef struct {
	Last  Index
	Count uint64
}

type blobArchive struct {
	svc    *BlobArchiveService
	worker WorkerID
	ns     BlobNamespace
	cache  *lru.Cache[Index, Entry]

	mu     sync.Mutex
	loaded bool
	chunks []chunkRef // ascending by Last
}

var _ Archive = (*blobArchive)(nil)

func chunkPath(worker string, last Index, count uint64) string {
	return fmt.Sprintf("%s/%020d-%d", worker, uint64(last), count)
}

// load builds the in-memory chunk index from the object names.
func (a *blobArchive) load(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return nil
	}
	names, err := a.svc.blob.ListDir(ctx, a.ns, a.worker.Name)
	if err != nil {
		return err
	}
	var chunks []chunkRef
	for _, name := range names {
		ref, err := parseChunkName(name)
		if err != nil {
			return err
		}
		chunks = append(chunks, ref)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Last < chunks[j].Last })
	a.chunks = chunks
	a.loaded = true
	return nil
}

func parseChunkName(name string) (chunkRef, error) {
	var last, count uint64
	_, err := fmt.Sscanf(name, "%d-%d", &last, &count)
	if err != nil {
		return chunkRef{}, errors.Wrap(err, "parse chunk name", j.KV("name", name))
	}
	return chunkRef{Last: Index(last), Count: count}, nil
}

func (a *blobArchive) Append(ctx context.Context, entries []IndexedEntry) error {
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
	err = a.svc.blob.Put(ctx, a.ns, chunkPath(a.worker.Name, last, chunk.Count), b)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.chunks = append(a.chunks, chunkRef{Last: last, Count: chunk.Count})
	sort.Slice(a.chunks, func(i, j int) bool { return a.chunks[i].Last < a.chunks[j].Last })
	a.mu.Unlock()

	for _, ie := range entries {
		a.cache.Add(ie.Index, ie.Entry)
	}
	return nil
}

func (a *blobArchive) Read(ctx context.Context, start Index, count uint64) ([]IndexedEntry, error) {
	if count == 0 {
		return nil, nil
	}
	end := start.RangeEnd(count)

	a.mu.Lock()
	chunks := make([]chunkRef, len(a.chunks))
	copy(chunks, a.chunks)
	a.mu.Unlock()

	var out []IndexedEntry
	for _, ref := range chunks {
		if ref.Last < start {
			continue
		}
		first := ref.Last.Subtract(ref.Count - 1)
		if first > end {
			break
		}
		entries, err := a.chunkEntries(ctx, ref)
		if err != nil {
			return nil, err
		}
		for i, e := range entries {
			idx := first + Index(i)
			if idx < start || idx > end {
				continue
			}
			out = append(out, IndexedEntry{Index: idx, Entry: e})
		}
	}
	return out, nil
}

// chunkEntries returns the decompressed entries of the chunk, serving
// from and refilling the per-entry LRU cache.
func (a *blobArchive) chunkEntries(ctx context.Context, ref chunkRef) ([]Entry, error) {
	first := ref.Last.Subtract(ref.Count - 1)

	cached := make([]Entry, 0, ref.Count)
	hit := true
	for idx := first; idx <= ref.Last; idx = idx.Next() {
		e, ok := a.cache.Get(idx)
		if !ok {
			hit = false
			break
		}
		cached = append(cached, e)
	}
	if hit {
		return cached, nil
	}

	b, ok, err := a.svc.blob.Get(ctx, a.ns, chunkPath(a.worker.Name, ref.Last, ref.Count))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrEntryNotFound, "chunk missing", j.MKV{
			"worker": a.worker.String(),
			"chunk":  strconv.FormatUint(uint64(ref.Last), 10),
		})
	}
	var chunk CompressedChunk
	if err := Unmarshal(b, &chunk); err != nil {
		return nil, err
	}
	entries, err := chunk.Decompress()
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		a.cache.Add(first+Index(i), e)
	}
	return entries, nil
}

func (a *blobArchive) CurrentIndex(ctx context.Context) (Index, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.chunks) == 0 {
		return IndexNone, nil
	}
	return a.chunks[len(a.chunks)-1].Last, nil
}

func (a *blobArchive) Length(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, ref := range a.chunks {
		total += ref.Count
	}
	return total, nil
}

func (a *blobArchive) DropPrefix(ctx context.Context, lastDropped Index) error {
	a.mu.Lock()
	chunks := make([]chunkRef, len(a.chunks))
	copy(chunks, a.chunks)
	a.mu.Unlock()

	var kept []chunkRef
	for _, ref := range chunks {
		if ref.Last <= lastDropped {
			err := a.svc.blob.Delete(ctx, a.ns, chunkPath(a.worker.Name, ref.Last, ref.Count))
			if err != nil {
				return err
			}
			continue
		}
		kept = append(kept, ref)
	}

	a.mu.Lock()
	a.chunks = kept
	a.mu.Unlock()
	return nil
}
