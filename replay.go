package oplog

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/golemcloud/oplog/internal/metrics"
)

// ReplayState walks a worker's existing oplog entries in order during
// recovery. The worker is in replay mode until the cursor catches up with
// the replay target, after which it is live and new entries are appended.
type ReplayState struct {
	oplog   Oplog
	worker  WorkerID
	target  Index
	skipped RegionSet

	next         Index
	lastReplayed Index
}

// NewReplayState positions a cursor after the create entry. The target is
// the index of the last entry that must be replayed, and skipped holds
// the regions deleted by jumps, reverts, restarts and dangling atomic
// regions.
func NewReplayState(o Oplog, worker WorkerID, target Index, skipped RegionSet) *ReplayState {
	return &ReplayState{
		oplog:        o,
		worker:       worker,
		target:       target,
		skipped:      skipped,
		next:         IndexInitial.Next(),
		lastReplayed: IndexInitial,
	}
}

// IsLive reports whether replay has caught up with the target. Once live,
// host calls execute for real and append new entries.
func (r *ReplayState) IsLive() bool {
	return r.skipped.SkipOver(r.next) > r.target
}

// ReplayTarget returns the index replay runs up to, inclusive.
func (r *ReplayState) ReplayTarget() Index {
	return r.target
}

// LastReplayed returns the index of the most recently consumed entry.
func (r *ReplayState) LastReplayed() Index {
	return r.lastReplayed
}

// Next returns the next entry to replay, skipping deleted regions. The
// boolean is false once the cursor is past the target.
func (r *ReplayState) Next(ctx context.Context) (IndexedEntry, bool, error) {
	idx := r.skipped.SkipOver(r.next)
	if idx > r.target {
		return IndexedEntry{}, false, nil
	}
	e, err := r.oplog.Read(ctx, idx)
	if err != nil {
		return IndexedEntry{}, false, err
	}
	r.next = idx.Next()
	r.lastReplayed = idx
	metrics.ReplayedEntries.WithLabelValues(string(r.worker.ComponentID)).Inc()
	return IndexedEntry{Index: idx, Entry: e}, true, nil
}

// NextOfKind returns the next non-hint entry, which must be one of the
// given kinds. A different kind means the code path diverged from the
// recorded history and replay cannot continue.
func (r *ReplayState) NextOfKind(ctx context.Context, kinds ...Kind) (IndexedEntry, bool, error) {
	for {
		ie, ok, err := r.Next(ctx)
		if err != nil || !ok {
			return IndexedEntry{}, ok, err
		}
		if ie.Entry.Kind().IsHint() {
			continue
		}
		for _, k := range kinds {
			if ie.Entry.Kind() == k {
				return ie, true, nil
			}
		}
		return IndexedEntry{}, false, errors.Wrap(ErrReplayMismatch, "", j.MKV{
			"worker":   r.worker.String(),
			"index":    ie.Index.String(),
			"got":      string(ie.Entry.Kind()),
			"expected": string(kinds[0]),
		})
	}
}

// Seek moves the cursor so the entry at idx is the next one replayed.
// Used to skip recorded spans that need no re-execution.
func (r *ReplayState) Seek(idx Index) {
	r.next = idx
	r.lastReplayed = idx.Previous()
}

// DanglingRegions finds begin markers without a matching end and returns
// the regions from each dangling begin to the end of the log. A crash
// inside an atomic region means its recorded entries are incomplete, so
// replay discards them and the region's side effects run again.
func DanglingRegions(entries []IndexedEntry) RegionSet {
	var (
		rs         RegionSet
		last       Index
		openAtomic *Index
		openRemote *Index
	)
	for _, ie := range entries {
		last = ie.Index
		switch e := ie.Entry.(type) {
		case BeginAtomicRegionEntry:
			idx := ie.Index
			openAtomic = &idx
		case EndAtomicRegionEntry:
			if openAtomic != nil && *openAtomic == e.BeginIndex {
				openAtomic = nil
			}
		case BeginRemoteWriteEntry:
			idx := ie.Index
			openRemote = &idx
		case EndRemoteWriteEntry:
			if openRemote != nil && *openRemote == e.BeginIndex {
				openRemote = nil
			}
		}
	}
	if openAtomic != nil {
		rs.Add(Region{Start: *openAtomic, End: last})
	}
	if openRemote != nil {
		rs.Add(Region{Start: *openRemote, End: last})
	}
	return rs
}

// ReplayTargetIndex returns the index of the last entry that participates
// in replay, ignoring trailing hint entries.
func ReplayTargetIndex(entries []IndexedEntry) Index {
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Entry.Kind().IsHint() {
			return entries[i].Index
		}
	}
	return IndexNone
}
