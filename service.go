package oplog

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Service creates, opens and inspects worker oplogs.
type Service interface {
	// Create creates the oplog for a worker and writes the initial entry
	// at IndexInitial. It returns ErrOplogExists if the worker already
	// has an oplog.
	Create(ctx context.Context, worker WorkerID, initial CreateEntry) (Oplog, error)

	// Open returns an append handle for an existing oplog. At most one
	// open handle exists per worker per service; concurrent opens share
	// it.
	Open(ctx context.Context, worker WorkerID) (Oplog, error)

	// Exists reports whether the worker has an oplog in any layer.
	Exists(ctx context.Context, worker WorkerID) (bool, error)

	// Delete removes the worker's oplog from every layer, along with its
	// offloaded payloads.
	Delete(ctx context.Context, worker WorkerID) error

	// GetLastIndex returns the index of the last entry, or IndexNone if
	// the worker has no oplog.
	GetLastIndex(ctx context.Context, worker WorkerID) (Index, error)

	// Read returns up to count entries starting at start, reading through
	// archive layers as needed. Missing indexes inside skipped regions
	// are simply absent from the result.
	Read(ctx context.Context, worker WorkerID, start Index, count uint64) ([]IndexedEntry, error)

	// ScanForComponent pages through the workers of a component that have
	// an oplog. The zero cursor starts a scan. Results may repeat across
	// pages when a worker's oplog spans layers.
	ScanForComponent(ctx context.Context, component ComponentID, cursor ScanCursor, count uint64) (ScanCursor, []WorkerID, error)
}

// Oplog is the append handle for one worker's oplog. It is safe for
// concurrent use, though each worker has a single logical writer.
type Oplog interface {
	// Add buffers an entry and returns its assigned index. The entry is
	// durable only after Commit.
	Add(ctx context.Context, e Entry) (Index, error)

	// Commit persists all buffered entries. On failure the unwritten
	// suffix stays buffered, so a retried Commit continues where the
	// failed one stopped and no index is ever skipped.
	Commit(ctx context.Context) error

	// CurrentIndex returns the index of the last added entry, committed
	// or not.
	CurrentIndex(ctx context.Context) Index

	// Read returns the entry at the index, from whichever layer holds it.
	Read(ctx context.Context, i Index) (Entry, error)

	// ReadRange returns up to count entries starting at start.
	ReadRange(ctx context.Context, start Index, count uint64) ([]IndexedEntry, error)

	// Length returns the number of entries across all layers.
	Length(ctx context.Context) (uint64, error)

	// DropPrefix deletes all entries up to and including lastDropped.
	DropPrefix(ctx context.Context, lastDropped Index) error

	// WaitForReplicas commits buffered entries and blocks until the given
	// number of storage replicas acknowledge them, or the timeout passes.
	// It returns the number of replicas reached.
	WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (int, error)

	// UploadPayload stores data as a payload for an entry of this oplog,
	// offloading to blob storage above the inline threshold.
	UploadPayload(ctx context.Context, data []byte) (Payload, error)

	// DownloadPayload fetches the data behind a payload of this oplog.
	DownloadPayload(ctx context.Context, p Payload) ([]byte, error)

	// BeginAtomicRegion appends a BeginAtomicRegionEntry and returns its
	// index. Atomic regions do not nest; ErrRegionOpen if one is open.
	BeginAtomicRegion(ctx context.Context) (Index, error)

	// EndAtomicRegion appends the EndAtomicRegionEntry matching begin.
	// ErrRegionNotOpen if no region is open at begin.
	EndAtomicRegion(ctx context.Context, begin Index) error

	// BeginRemoteWrite appends a BeginRemoteWriteEntry and returns its
	// index. Remote write regions do not nest.
	BeginRemoteWrite(ctx context.Context) (Index, error)

	// EndRemoteWrite appends the EndRemoteWriteEntry matching begin.
	EndRemoteWrite(ctx context.Context, begin Index) error

	// Close commits buffered entries on a best effort basis and releases
	// the handle.
	Close()
}

// ScanCursor is an opaque position in a multi-layer worker scan. The zero
// value starts a scan.
type ScanCursor struct {
	Layer  int    `json:"layer"`
	Cursor uint64 `json:"cursor"`
}

// Done reports whether the scan is complete.
func (c ScanCursor) Done() bool {
	return c.Layer < 0
}

type options struct {
	clock            clock.Clock
	logger           Logger
	maxUncommitted   int
	maxInlinePayload int
	entryCountLimit  uint64
	chunkCacheSize   int
	archiveSchedule  string
}

func defaultOptions() options {
	return options{
		clock:            clock.RealClock{},
		logger:           defaultLogger(),
		maxUncommitted:   100,
		maxInlinePayload: 1024,
		entryCountLimit:  1000,
		chunkCacheSize:   512,
	}
}

type Option func(*options)

// WithClock sets the clock used for entry timestamps and retry backoff
// timers. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used by services and background processes.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxUncommitted sets the number of buffered entries that triggers an
// implicit Commit on Add.
func WithMaxUncommitted(n int) Option {
	return func(o *options) { o.maxUncommitted = n }
}

// WithMaxInlinePayloadSize sets the payload size in bytes above which
// payloads are offloaded to blob storage.
func WithMaxInlinePayloadSize(n int) Option {
	return func(o *options) { o.maxInlinePayload = n }
}

// WithEntryCountLimit sets the hot tier entry count that triggers a
// background transfer to the next archive layer.
func WithEntryCountLimit(n uint64) Option {
	return func(o *options) { o.entryCountLimit = n }
}

// WithChunkCacheSize sets the per-archive LRU cache size, counted in
// decompressed entries.
func WithChunkCacheSize(n int) Option {
	return func(o *options) { o.chunkCacheSize = n }
}

// WithArchiveSchedule enables a periodic sweep that archives the hot tier
// of every open oplog. The schedule uses cron syntax.
func WithArchiveSchedule(spec string) Option {
	return func(o *options) { o.archiveSchedule = spec }
}
