package oplog

import (
	"context"
	"encoding/json"

	"github.com/klauspost/compress/zstd"
	"github.com/luno/jettison/errors"
)

// CompressedChunk is a run of consecutive oplog entries compressed
// together. Chunks are keyed by the index of their last entry, so a chunk
// stored at index i holds entries [i-Count+1, i].
type CompressedChunk struct {
	Count uint64 `json:"count"`
	Data  []byte `json:"data"`
}

// The encoder and decoder are stateless for EncodeAll and DecodeAll and
// are shared by all archives.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// CompressChunk packs entries into a chunk. The entries must be
// consecutive and in ascending index order.
func CompressChunk(entries []Entry) (CompressedChunk, error) {
	raw := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		b, err := MarshalEntry(e)
		if err != nil {
			return CompressedChunk{}, err
		}
		raw = append(raw, b)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return CompressedChunk{}, errors.Wrap(err, "marshal chunk")
	}
	return CompressedChunk{
		Count: uint64(len(entries)),
		Data:  zstdEncoder.EncodeAll(b, nil),
	}, nil
}

// Decompress unpacks the chunk back into its entries.
func (c CompressedChunk) Decompress() ([]Entry, error) {
	b, err := zstdDecoder.DecodeAll(c.Data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompress chunk")
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "unmarshal chunk")
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e, err := UnmarshalEntry(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ArchiveService is one archive layer of a multi-layer oplog. Layers hold
// older entries as compressed chunks and are populated by background
// transfers from the layer above.
type ArchiveService interface {
	// Open returns the archive of the worker in this layer, creating its
	// in-memory state if needed. Opening a worker with no archived
	// entries yet is valid.
	Open(ctx context.Context, worker WorkerID) (Archive, error)

	// Delete removes the worker's archive from this layer.
	Delete(ctx context.Context, worker WorkerID) error

	// Exists reports whether the worker has archived entries in this
	// layer.
	Exists(ctx context.Context, worker WorkerID) (bool, error)

	// GetLastIndex returns the index of the last archived entry, or
	// IndexNone.
	GetLastIndex(ctx context.Context, worker WorkerID) (Index, error)

	// Read returns up to count entries starting at start.
	Read(ctx context.Context, worker WorkerID, start Index, count uint64) ([]IndexedEntry, error)

	// ScanForComponent pages through workers archived in this layer.
	ScanForComponent(ctx context.Context, component ComponentID, cursor uint64, count uint64) (uint64, []WorkerID, error)
}

// Archive is an open handle on one worker's archive in a single layer.
type Archive interface {
	// Append stores the entries, which extend the archive contiguously,
	// as a new compressed chunk.
	Append(ctx context.Context, entries []IndexedEntry) error

	// Read returns up to count entries starting at start.
	Read(ctx context.Context, start Index, count uint64) ([]IndexedEntry, error)

	// CurrentIndex returns the index of the last archived entry, or
	// IndexNone.
	CurrentIndex(ctx context.Context) (Index, error)

	// Length returns the number of archived entries.
	Length(ctx context.Context) (uint64, error)

	// DropPrefix deletes whole chunks ending at or before lastDropped.
	// Chunks straddling lastDropped are kept.
	DropPrefix(ctx context.Context, lastDropped Index) error
}
