package oplog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/robfig/cron/v3"

	"github.com/golemcloud/oplog/internal/metrics"
)

// MultiLayerService combines the hot tier with one or more archive layers.
// New entries are appended to the hot tier. When the hot tier grows past
// the entry count limit its entries are moved, in the background, into
// the first archive layer, and oversized archive layers cascade into the
// next one down. Reads stitch the layers back together transparently.
type MultiLayerService struct {
	primary *PrimaryService
	lower   []ArchiveService
	opts    options
	cron    *cron.Cron

	mu   sync.Mutex
	open map[string]*multiLayerOplog
}

var _ Service = (*MultiLayerService)(nil)

func NewMultiLayerService(primary *PrimaryService, lower []ArchiveService, opts ...Option) *MultiLayerService {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &MultiLayerService{
		primary: primary,
		lower:   lower,
		opts:    o,
		open:    make(map[string]*multiLayerOplog),
	}
	if o.archiveSchedule != "" {
		s.cron = cron.New()
		// The sweep only signals background workers, so errors surface in
		// their logs rather than here.
		_, err := s.cron.AddFunc(o.archiveSchedule, s.sweep)
		if err != nil {
			panic(err)
		}
		s.cron.Start()
	}
	return s
}

// Stop terminates the archive sweep scheduler and the background transfer
// workers of all open oplogs.
func (s *MultiLayerService) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.mu.Lock()
	open := make([]*multiLayerOplog, 0, len(s.open))
	for _, o := range s.open {
		open = append(open, o)
	}
	s.mu.Unlock()
	for _, o := range open {
		o.Close()
	}
}

func (s *MultiLayerService) sweep() {
	s.mu.Lock()
	open := make([]*multiLayerOplog, 0, len(s.open))
	for _, o := range s.open {
		open = append(open, o)
	}
	s.mu.Unlock()
	for _, o := range open {
		o.signalTransfer()
	}
}

func (s *MultiLayerService) Create(ctx context.Context, worker WorkerID, initial CreateEntry) (Oplog, error) {
	exists, err := s.Exists(ctx, worker)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.Wrap(ErrOplogExists, "", j.KV("worker", worker.String()))
	}
	hot, err := s.primary.Create(ctx, worker, initial)
	if err != nil {
		return nil, err
	}
	return s.wrap(ctx, worker, hot)
}

func (s *MultiLayerService) Open(ctx context.Context, worker WorkerID) (Oplog, error) {
	s.mu.Lock()
	if o, ok := s.open[worker.String()]; ok {
		s.mu.Unlock()
		return o, nil
	}
	s.mu.Unlock()

	exists, err := s.Exists(ctx, worker)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrap(ErrOplogNotFound, "", j.KV("worker", worker.String()))
	}
	last, err := s.GetLastIndex(ctx, worker)
	if err != nil {
		return nil, err
	}
	hot, err := s.primary.OpenAt(ctx, worker, last)
	if err != nil {
		return nil, err
	}
	return s.wrap(ctx, worker, hot)
}

func (s *MultiLayerService) wrap(ctx context.Context, worker WorkerID, hot Oplog) (Oplog, error) {
	archives := make([]Archive, 0, len(s.lower))
	for _, svc := range s.lower {
		a, err := svc.Open(ctx, worker)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.open[worker.String()]; ok {
		return o, nil
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	o := &multiLayerOplog{
		svc:      s,
		worker:   worker,
		hot:      hot,
		archives: archives,
		transfer: make(chan struct{}, 1),
		bgCtx:    bgCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.open[worker.String()] = o
	go o.transferLoop()
	return o, nil
}

func (s *MultiLayerService) Exists(ctx context.Context, worker WorkerID) (bool, error) {
	ok, err := s.primary.Exists(ctx, worker)
	if err != nil || ok {
		return ok, err
	}
	for _, layer := range s.lower {
		ok, err := layer.Exists(ctx, worker)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (s *MultiLayerService) Delete(ctx context.Context, worker WorkerID) error {
	s.mu.Lock()
	if o, ok := s.open[worker.String()]; ok {
		o.cancel()
		delete(s.open, worker.String())
	}
	s.mu.Unlock()

	for _, layer := range s.lower {
		if err := layer.Delete(ctx, worker); err != nil {
			return err
		}
	}
	return s.primary.Delete(ctx, worker)
}

func (s *MultiLayerService) GetLastIndex(ctx context.Context, worker WorkerID) (Index, error) {
	last, err := s.primary.GetLastIndex(ctx, worker)
	if err != nil || last != IndexNone {
		return last, err
	}
	// The hot tier was fully archived, the newest entries live in the
	// uppermost non-empty archive layer.
	for _, layer := range s.lower {
		last, err := layer.GetLastIndex(ctx, worker)
		if err != nil || last != IndexNone {
			return last, err
		}
	}
	return IndexNone, nil
}

func (s *MultiLayerService) Read(ctx context.Context, worker WorkerID, start Index, count uint64) ([]IndexedEntry, error) {
	if count == 0 {
		return nil, nil
	}
	merged := make(map[Index]Entry)
	// Deepest layer first so upper layers win on overlap.
	for i := len(s.lower) - 1; i >= 0; i-- {
		entries, err := s.lower[i].Read(ctx, worker, start, count)
		if err != nil {
			return nil, err
		}
		for _, ie := range entries {
			merged[ie.Index] = ie.Entry
		}
	}
	entries, err := s.primary.Read(ctx, worker, start, count)
	if err != nil {
		return nil, err
	}
	for _, ie := range entries {
		merged[ie.Index] = ie.Entry
	}

	out := make([]IndexedEntry, 0, len(merged))
	for idx, e := range merged {
		out = append(out, IndexedEntry{Index: idx, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MultiLayerService) ScanForComponent(ctx context.Context, component ComponentID, cursor ScanCursor, count uint64) (ScanCursor, []WorkerID, error) {
	if cursor.Done() {
		return cursor, nil, nil
	}
	if cursor.Layer < 0 || cursor.Layer > len(s.lower) {
		return ScanCursor{}, nil, errors.Wrap(ErrInvalidCursor, "", j.KV("layer", cursor.Layer))
	}

	if cursor.Layer == 0 {
		next, workers, err := s.primary.ScanForComponent(ctx, component, ScanCursor{Cursor: cursor.Cursor}, count)
		if err != nil {
			return ScanCursor{}, nil, err
		}
		if !next.Done() {
			return next, workers, nil
		}
		if len(s.lower) == 0 {
			return ScanCursor{Layer: -1}, workers, nil
		}
		return ScanCursor{Layer: 1}, workers, nil
	}

	layer := s.lower[cursor.Layer-1]
	next, workers, err := layer.ScanForComponent(ctx, component, cursor.Cursor, count)
	if err != nil {
		return ScanCursor{}, nil, err
	}
	if next != 0 {
		return ScanCursor{Layer: cursor.Layer, Cursor: next}, workers, nil
	}
	if cursor.Layer == len(s.lower) {
		return ScanCursor{Layer: -1}, workers, nil
	}
	return ScanCursor{Layer: cursor.Layer + 1}, workers, nil
}

// multiLayerOplog is the append handle over all layers of one worker's
// oplog. Appends go to the hot tier. A background goroutine moves entries
// down the layers when signalled.
type multiLayerOplog struct {
	svc      *MultiLayerService
	worker   WorkerID
	hot      Oplog
	archives []Archive

	transfer chan struct{}
	bgCtx    context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	closeOnce sync.Once
}

var _ Oplog = (*multiLayerOplog)(nil)

func (o *multiLayerOplog) transferLoop() {
	defer close(o.done)
	for {
		select {
		case <-o.bgCtx.Done():
			return
		case <-o.transfer:
			err := o.tryArchive(o.bgCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.svc.opts.logger.Error(o.bgCtx, errors.Wrap(err, "archive transfer", j.KV("worker", o.worker.String())))
			}
		}
	}
}

// signalTransfer nudges the background worker. A pending signal is
// sufficient, extra ones are dropped.
func (o *multiLayerOplog) signalTransfer() {
	select {
	case o.transfer <- struct{}{}:
	default:
	}
}

// tryArchive moves the hot tier into the first archive layer and cascades
// oversized archive layers downward. The source of each move is trimmed
// only after the destination write succeeded.
func (o *multiLayerOplog) tryArchive(ctx context.Context) error {
	if len(o.archives) == 0 {
		return nil
	}
	t0 := time.Now()

	first, ok, err := o.svc.primary.storage.First(ctx, NamespaceOplog(), o.worker.String())
	if err != nil {
		return err
	}
	if ok && o.hot.CurrentIndex(ctx) >= Index(first.ID) {
		last := o.hot.CurrentIndex(ctx)
		entries, err := o.svc.primary.Read(ctx, o.worker, Index(first.ID), uint64(last-Index(first.ID))+1)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := o.archives[0].Append(ctx, entries); err != nil {
				return err
			}
			if err := o.hot.DropPrefix(ctx, entries[len(entries)-1].Index); err != nil {
				return err
			}
			metrics.ArchiveTransfers.WithLabelValues(string(o.worker.ComponentID), "1").Inc()
		}
	}

	// Cascade: any non-final layer past the limit moves wholesale into
	// the next one.
	for i := 0; i < len(o.archives)-1; i++ {
		length, err := o.archives[i].Length(ctx)
		if err != nil {
			return err
		}
		if length == 0 || length < o.svc.opts.entryCountLimit {
			continue
		}
		last, err := o.archives[i].CurrentIndex(ctx)
		if err != nil {
			return err
		}
		entries, err := o.archives[i].Read(ctx, IndexInitial, uint64(last))
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}
		if err := o.archives[i+1].Append(ctx, entries); err != nil {
			return err
		}
		if err := o.archives[i].DropPrefix(ctx, last); err != nil {
			return err
		}
		metrics.ArchiveTransfers.WithLabelValues(string(o.worker.ComponentID), levelLabel(i+2)).Inc()
	}

	metrics.ArchiveTransferLatency.WithLabelValues(string(o.worker.ComponentID), "1").Observe(time.Since(t0).Seconds())
	return nil
}

func levelLabel(level int) string {
	return Index(level).String()
}

func (o *multiLayerOplog) Add(ctx context.Context, e Entry) (Index, error) {
	return o.hot.Add(ctx, e)
}

func (o *multiLayerOplog) Commit(ctx context.Context) error {
	if err := o.hot.Commit(ctx); err != nil {
		return err
	}
	length, err := o.hot.Length(ctx)
	if err != nil {
		return err
	}
	if length >= o.svc.opts.entryCountLimit {
		o.signalTransfer()
	}
	return nil
}

func (o *multiLayerOplog) CurrentIndex(ctx context.Context) Index {
	return o.hot.CurrentIndex(ctx)
}

func (o *multiLayerOplog) Read(ctx context.Context, i Index) (Entry, error) {
	entries, err := o.ReadRange(ctx, i, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].Index != i {
		return nil, errors.Wrap(ErrEntryNotFound, "", j.MKV{"worker": o.worker.String(), "index": i.String()})
	}
	return entries[0].Entry, nil
}

func (o *multiLayerOplog) ReadRange(ctx context.Context, start Index, count uint64) ([]IndexedEntry, error) {
	if err := o.hot.Commit(ctx); err != nil {
		return nil, err
	}
	return o.svc.Read(ctx, o.worker, start, count)
}

func (o *multiLayerOplog) Length(ctx context.Context) (uint64, error) {
	total, err := o.hot.Length(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range o.archives {
		n, err := a.Length(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (o *multiLayerOplog) DropPrefix(ctx context.Context, lastDropped Index) error {
	if err := o.hot.DropPrefix(ctx, lastDropped); err != nil {
		return err
	}
	for _, a := range o.archives {
		if err := a.DropPrefix(ctx, lastDropped); err != nil {
			return err
		}
	}
	return nil
}

func (o *multiLayerOplog) WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (int, error) {
	return o.hot.WaitForReplicas(ctx, replicas, timeout)
}

func (o *multiLayerOplog) UploadPayload(ctx context.Context, data []byte) (Payload, error) {
	return o.hot.UploadPayload(ctx, data)
}

func (o *multiLayerOplog) DownloadPayload(ctx context.Context, p Payload) ([]byte, error) {
	return o.hot.DownloadPayload(ctx, p)
}

func (o *multiLayerOplog) BeginAtomicRegion(ctx context.Context) (Index, error) {
	return o.hot.BeginAtomicRegion(ctx)
}

func (o *multiLayerOplog) EndAtomicRegion(ctx context.Context, begin Index) error {
	return o.hot.EndAtomicRegion(ctx, begin)
}

func (o *multiLayerOplog) BeginRemoteWrite(ctx context.Context) (Index, error) {
	return o.hot.BeginRemoteWrite(ctx)
}

func (o *multiLayerOplog) EndRemoteWrite(ctx context.Context, begin Index) error {
	return o.hot.EndRemoteWrite(ctx, begin)
}

func (o *multiLayerOplog) Close() {
	o.closeOnce.Do(func() {
		o.cancel()
		<-o.done
		o.hot.Close()

		o.svc.mu.Lock()
		if o.svc.open[o.worker.String()] == o {
			delete(o.svc.open, o.worker.String())
		}
		o.svc.mu.Unlock()
	})
}

// ArchiveNow synchronously moves the hot tier down the layers. It is used
// by tests and by operators forcing a transfer ahead of the schedule.
func (o *multiLayerOplog) ArchiveNow(ctx context.Context) error {
	if err := o.hot.Commit(ctx); err != nil {
		return err
	}
	return o.tryArchive(ctx)
}
