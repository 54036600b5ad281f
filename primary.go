package oplog

import (
	"context"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/golemcloud/oplog/internal/metrics"
)

// PrimaryService is the hot tier oplog service backed directly by indexed
// storage. Entries are stored one per id under the worker's key. It is
// usually wrapped by a MultiLayerService rather than used alone.
type PrimaryService struct {
	storage  IndexedStorage
	entries  entryStore
	payloads payloadStore
	opts     options

	mu   sync.Mutex
	open map[string]*primaryOplog
}

var _ Service = (*PrimaryService)(nil)

func NewPrimaryService(storage IndexedStorage, blob BlobStorage, opts ...Option) *PrimaryService {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &PrimaryService{
		storage:  storage,
		entries:  entryStore{storage: storage},
		payloads: payloadStore{blob: blob, maxInline: o.maxInlinePayload},
		opts:     o,
		open:     make(map[string]*primaryOplog),
	}
}

func (s *PrimaryService) Create(ctx context.Context, worker WorkerID, initial CreateEntry) (Oplog, error) {
	key := worker.String()
	exists, err := s.storage.Exists(ctx, NamespaceOplog(), key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.Wrap(ErrOplogExists, "", j.KV("worker", key))
	}

	err = s.entries.Append(ctx, NamespaceOplog(), key, []IndexedEntry{
		{Index: IndexInitial, Entry: initial},
	})
	if err != nil {
		return nil, err
	}
	metrics.OplogOps.WithLabelValues(string(worker.ComponentID), "create").Inc()

	return s.openAt(worker, IndexInitial), nil
}

func (s *PrimaryService) Open(ctx context.Context, worker WorkerID) (Oplog, error) {
	last, err := s.entries.LastIndex(ctx, NamespaceOplog(), worker.String())
	if err != nil {
		return nil, err
	}
	if last == IndexNone {
		return nil, errors.Wrap(ErrOplogNotFound, "", j.KV("worker", worker.String()))
	}
	return s.openAt(worker, last), nil
}

// OpenAt returns an append handle positioned after lastIndex. It is used
// by the multi-layer service to open a hot tier whose older entries have
// been archived away.
func (s *PrimaryService) OpenAt(ctx context.Context, worker WorkerID, lastIndex Index) (Oplog, error) {
	last, err := s.entries.LastIndex(ctx, NamespaceOplog(), worker.String())
	if err != nil {
		return nil, err
	}
	if last > lastIndex {
		lastIndex = last
	}
	return s.openAt(worker, lastIndex), nil
}

func (s *PrimaryService) openAt(worker WorkerID, lastIndex Index) *primaryOplog {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := worker.String()
	if o, ok := s.open[key]; ok {
		return o
	}
	o := &primaryOplog{
		svc:           s,
		worker:        worker,
		key:           key,
		lastIndex:     lastIndex,
		lastCommitted: lastIndex,
	}
	s.open[key] = o
	metrics.OpenOplogs.WithLabelValues(string(worker.ComponentID)).Inc()
	return o
}

func (s *PrimaryService) Exists(ctx context.Context, worker WorkerID) (bool, error) {
	return s.storage.Exists(ctx, NamespaceOplog(), worker.String())
}

func (s *PrimaryService) Delete(ctx context.Context, worker WorkerID) error {
	s.mu.Lock()
	if o, ok := s.open[worker.String()]; ok {
		o.evict()
		delete(s.open, worker.String())
		metrics.OpenOplogs.WithLabelValues(string(worker.ComponentID)).Dec()
	}
	s.mu.Unlock()

	err := s.storage.Delete(ctx, NamespaceOplog(), worker.String())
	if err != nil {
		return err
	}
	err = s.payloads.blob.DeleteDir(ctx, BlobNamespaceOplogPayload(worker), "")
	if err != nil {
		return err
	}
	metrics.OplogOps.WithLabelValues(string(worker.ComponentID), "delete").Inc()
	return nil
}

func (s *PrimaryService) GetLastIndex(ctx context.Context, worker WorkerID) (Index, error) {
	return s.entries.LastIndex(ctx, NamespaceOplog(), worker.String())
}

func (s *PrimaryService) Read(ctx context.Context, worker WorkerID, start Index, count uint64) ([]IndexedEntry, error) {
	if count == 0 {
		return nil, nil
	}
	return s.entries.Read(ctx, NamespaceOplog(), worker.String(), start, start.RangeEnd(count))
}

func (s *PrimaryService) ScanForComponent(ctx context.Context, component ComponentID, cursor ScanCursor, count uint64) (ScanCursor, []WorkerID, error) {
	if cursor.Done() {
		return cursor, nil, nil
	}
	if cursor.Layer != 0 {
		return ScanCursor{}, nil, errors.Wrap(ErrInvalidCursor, "", j.KV("layer", cursor.Layer))
	}
	next, keys, err := s.storage.Scan(ctx, NamespaceOplog(), string(component)+":*", cursor.Cursor, count)
	if err != nil {
		return ScanCursor{}, nil, err
	}
	workers := make([]WorkerID, 0, len(keys))
	for _, key := range keys {
		w, err := ParseWorkerID(key)
		if err != nil {
			return ScanCursor{}, nil, err
		}
		workers = append(workers, w)
	}
	if next == 0 {
		return ScanCursor{Layer: -1}, workers, nil
	}
	return ScanCursor{Layer: 0, Cursor: next}, workers, nil
}

// primaryOplog is the hot tier append handle. Adds are buffered in memory
// and persisted by Commit, either explicit or triggered by the buffer
// reaching its limit.
type primaryOplog struct {
	svc    *PrimaryService
	worker WorkerID
	key    string

	mu            sync.Mutex
	lastIndex     Index
	lastCommitted Index
	buffer        []IndexedEntry
	openAtomic    *Index
	openRemote    *Index
	closed        bool
}

var _ Oplog = (*primaryOplog)(nil)

func (o *primaryOplog) Add(ctx context.Context, e Entry) (Index, error) {
	o.mu.Lock()
	o.lastIndex = o.lastIndex.Next()
	idx := o.lastIndex
	o.buffer = append(o.buffer, IndexedEntry{Index: idx, Entry: e})
	flush := len(o.buffer) >= o.svc.opts.maxUncommitted
	o.mu.Unlock()

	if flush {
		if err := o.Commit(ctx); err != nil {
			return idx, err
		}
	}
	return idx, nil
}

func (o *primaryOplog) Commit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.commitLocked(ctx)
}

func (o *primaryOplog) commitLocked(ctx context.Context) error {
	if len(o.buffer) == 0 {
		return nil
	}
	t0 := time.Now()
	for len(o.buffer) > 0 {
		ie := o.buffer[0]
		b, err := MarshalEntry(ie.Entry)
		if err != nil {
			return err
		}
		err = o.svc.storage.Append(ctx, NamespaceOplog(), o.key, uint64(ie.Index), b)
		if err != nil {
			return errors.Wrap(err, "commit", j.MKV{"worker": o.key, "index": ie.Index.String()})
		}
		o.lastCommitted = ie.Index
		o.buffer = o.buffer[1:]
	}
	metrics.CommitLatency.WithLabelValues(string(o.worker.ComponentID)).Observe(time.Since(t0).Seconds())
	metrics.OplogOps.WithLabelValues(string(o.worker.ComponentID), "commit").Inc()
	return nil
}

func (o *primaryOplog) CurrentIndex(ctx context.Context) Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastIndex
}

func (o *primaryOplog) Read(ctx context.Context, i Index) (Entry, error) {
	entries, err := o.ReadRange(ctx, i, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].Index != i {
		return nil, errors.Wrap(ErrEntryNotFound, "", j.MKV{"worker": o.key, "index": i.String()})
	}
	return entries[0].Entry, nil
}

func (o *primaryOplog) ReadRange(ctx context.Context, start Index, count uint64) ([]IndexedEntry, error) {
	if err := o.Commit(ctx); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return o.svc.entries.Read(ctx, NamespaceOplog(), o.key, start, start.RangeEnd(count))
}

func (o *primaryOplog) Length(ctx context.Context) (uint64, error) {
	if err := o.Commit(ctx); err != nil {
		return 0, err
	}
	return o.svc.storage.Length(ctx, NamespaceOplog(), o.key)
}

func (o *primaryOplog) DropPrefix(ctx context.Context, lastDropped Index) error {
	if err := o.Commit(ctx); err != nil {
		return err
	}
	err := o.svc.storage.DropPrefix(ctx, NamespaceOplog(), o.key, uint64(lastDropped))
	if err != nil {
		return err
	}
	length, err := o.svc.storage.Length(ctx, NamespaceOplog(), o.key)
	if err != nil {
		return err
	}
	if length == 0 {
		return o.svc.storage.Delete(ctx, NamespaceOplog(), o.key)
	}
	return nil
}

func (o *primaryOplog) WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (int, error) {
	if err := o.Commit(ctx); err != nil {
		return 0, err
	}
	return o.svc.storage.WaitForReplicas(ctx, replicas, timeout)
}

func (o *primaryOplog) UploadPayload(ctx context.Context, data []byte) (Payload, error) {
	return o.svc.payloads.Upload(ctx, o.worker, data)
}

func (o *primaryOplog) DownloadPayload(ctx context.Context, p Payload) ([]byte, error) {
	return o.svc.payloads.Download(ctx, o.worker, p)
}

func (o *primaryOplog) BeginAtomicRegion(ctx context.Context) (Index, error) {
	o.mu.Lock()
	if o.openAtomic != nil {
		o.mu.Unlock()
		return IndexNone, errors.Wrap(ErrRegionOpen, "atomic region", j.KV("begin", o.openAtomic.String()))
	}
	o.mu.Unlock()

	idx, err := o.Add(ctx, BeginAtomicRegionEntry{Stamp: o.stamp()})
	if err != nil {
		return IndexNone, err
	}
	o.mu.Lock()
	o.openAtomic = &idx
	o.mu.Unlock()
	return idx, nil
}

func (o *primaryOplog) EndAtomicRegion(ctx context.Context, begin Index) error {
	o.mu.Lock()
	if o.openAtomic == nil || *o.openAtomic != begin {
		o.mu.Unlock()
		return errors.Wrap(ErrRegionNotOpen, "atomic region", j.KV("begin", begin.String()))
	}
	o.openAtomic = nil
	o.mu.Unlock()

	_, err := o.Add(ctx, EndAtomicRegionEntry{Stamp: o.stamp(), BeginIndex: begin})
	if err != nil {
		return err
	}
	return o.Commit(ctx)
}

func (o *primaryOplog) BeginRemoteWrite(ctx context.Context) (Index, error) {
	o.mu.Lock()
	if o.openRemote != nil {
		o.mu.Unlock()
		return IndexNone, errors.Wrap(ErrRegionOpen, "remote write region", j.KV("begin", o.openRemote.String()))
	}
	o.mu.Unlock()

	idx, err := o.Add(ctx, BeginRemoteWriteEntry{Stamp: o.stamp()})
	if err != nil {
		return IndexNone, err
	}
	o.mu.Lock()
	o.openRemote = &idx
	o.mu.Unlock()
	return idx, nil
}

func (o *primaryOplog) EndRemoteWrite(ctx context.Context, begin Index) error {
	o.mu.Lock()
	if o.openRemote == nil || *o.openRemote != begin {
		o.mu.Unlock()
		return errors.Wrap(ErrRegionNotOpen, "remote write region", j.KV("begin", begin.String()))
	}
	o.openRemote = nil
	o.mu.Unlock()

	_, err := o.Add(ctx, EndRemoteWriteEntry{Stamp: o.stamp(), BeginIndex: begin})
	if err != nil {
		return err
	}
	return o.Commit(ctx)
}

func (o *primaryOplog) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	err := o.commitLocked(context.Background())
	o.mu.Unlock()
	if err != nil {
		o.svc.opts.logger.Error(context.Background(), err)
	}

	o.svc.mu.Lock()
	if o.svc.open[o.key] == o {
		delete(o.svc.open, o.key)
		metrics.OpenOplogs.WithLabelValues(string(o.worker.ComponentID)).Dec()
	}
	o.svc.mu.Unlock()
}

// evict drops the handle without committing, used when the oplog itself
// is being deleted.
func (o *primaryOplog) evict() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.buffer = nil
}

func (o *primaryOplog) stamp() Stamp {
	return Stamp{At: o.svc.opts.clock.Now()}
}
