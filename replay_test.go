package oplog_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/oplog"
)

func TestDanglingRegions(t *testing.T) {
	testCases := []struct {
		name     string
		entries  []oplog.IndexedEntry
		expected []oplog.Region
	}{
		{
			name: "no regions",
			entries: []oplog.IndexedEntry{
				ie(1, newCreateEntry(workerA)),
				ie(2, oplog.NoOpEntry{Stamp: stampedAt}),
			},
		},
		{
			name: "matched pairs",
			entries: []oplog.IndexedEntry{
				ie(1, newCreateEntry(workerA)),
				ie(2, oplog.BeginAtomicRegionEntry{Stamp: stampedAt}),
				ie(3, oplog.NoOpEntry{Stamp: stampedAt}),
				ie(4, oplog.EndAtomicRegionEntry{Stamp: stampedAt, BeginIndex: 2}),
				ie(5, oplog.BeginRemoteWriteEntry{Stamp: stampedAt}),
				ie(6, oplog.EndRemoteWriteEntry{Stamp: stampedAt, BeginIndex: 5}),
			},
		},
		{
			name: "dangling atomic runs to log end",
			entries: []oplog.IndexedEntry{
				ie(1, newCreateEntry(workerA)),
				ie(2, oplog.BeginAtomicRegionEntry{Stamp: stampedAt}),
				ie(3, oplog.NoOpEntry{Stamp: stampedAt}),
				ie(4, oplog.NoOpEntry{Stamp: stampedAt}),
			},
			expected: []oplog.Region{{Start: 2, End: 4}},
		},
		{
			name: "dangling remote write",
			entries: []oplog.IndexedEntry{
				ie(1, newCreateEntry(workerA)),
				ie(2, oplog.BeginRemoteWriteEntry{Stamp: stampedAt}),
				ie(3, oplog.ImportedFunctionInvokedEntry{Stamp: stampedAt, Function: "http.send"}),
			},
			expected: []oplog.Region{{Start: 2, End: 3}},
		},
		{
			name: "closed then reopened atomic",
			entries: []oplog.IndexedEntry{
				ie(1, newCreateEntry(workerA)),
				ie(2, oplog.BeginAtomicRegionEntry{Stamp: stampedAt}),
				ie(3, oplog.EndAtomicRegionEntry{Stamp: stampedAt, BeginIndex: 2}),
				ie(4, oplog.BeginAtomicRegionEntry{Stamp: stampedAt}),
				ie(5, oplog.NoOpEntry{Stamp: stampedAt}),
			},
			expected: []oplog.Region{{Start: 4, End: 5}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rs := oplog.DanglingRegions(tc.entries)
			for _, region := range tc.expected {
				require.True(t, rs.Contains(region.Start))
				require.True(t, rs.Contains(region.End))
			}
			if len(tc.expected) == 0 {
				require.True(t, rs.IsEmpty())
			}
		})
	}
}

func TestReplayTargetIndex(t *testing.T) {
	require.Equal(t, oplog.IndexNone, oplog.ReplayTargetIndex(nil))

	entries := []oplog.IndexedEntry{
		ie(1, newCreateEntry(workerA)),
		ie(2, oplog.ExportedFunctionInvokedEntry{Stamp: stampedAt, Function: "run", IdempotencyKey: "key-1"}),
		ie(3, oplog.ExportedFunctionCompletedEntry{Stamp: stampedAt}),
	}
	require.Equal(t, oplog.Index(3), oplog.ReplayTargetIndex(entries))

	// Trailing hints do not move the replay target.
	entries = append(entries,
		ie(4, oplog.LogEntry{Stamp: stampedAt, Message: "done"}),
		ie(5, oplog.SuspendEntry{Stamp: stampedAt}),
	)
	require.Equal(t, oplog.Index(3), oplog.ReplayTargetIndex(entries))

	// A log of nothing but hints has no replay target.
	hints := []oplog.IndexedEntry{
		ie(1, oplog.LogEntry{Stamp: stampedAt, Message: "hi"}),
	}
	require.Equal(t, oplog.IndexNone, oplog.ReplayTargetIndex(hints))
}

func TestReplayStateWalk(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)

	entries := []oplog.Entry{
		oplog.ExportedFunctionInvokedEntry{Stamp: stampedAt, Function: "run", IdempotencyKey: "key-1"}, // 2
		oplog.LogEntry{Stamp: stampedAt, Message: "working"},                                           // 3
		oplog.ImportedFunctionInvokedEntry{Stamp: stampedAt, Function: "clock.now"},                    // 4
		oplog.ExportedFunctionCompletedEntry{Stamp: stampedAt},                                         // 5
		oplog.LogEntry{Stamp: stampedAt, Message: "done"},                                              // 6
	}
	for _, e := range entries {
		_, err := o.Add(ctx, e)
		jtest.RequireNil(t, err)
	}
	jtest.RequireNil(t, o.Commit(ctx))

	all, err := svc.Read(ctx, workerA, oplog.IndexInitial, 100)
	jtest.RequireNil(t, err)
	target := oplog.ReplayTargetIndex(all)
	require.Equal(t, oplog.Index(5), target)

	r := oplog.NewReplayState(o, workerA, target, oplog.DanglingRegions(all))
	require.False(t, r.IsLive())
	require.Equal(t, target, r.ReplayTarget())

	// Next yields every entry after the create, hints included.
	var seen []oplog.Index
	for {
		ie, ok, err := r.Next(ctx)
		jtest.RequireNil(t, err)
		if !ok {
			break
		}
		seen = append(seen, ie.Index)
	}
	require.Equal(t, []oplog.Index{2, 3, 4, 5}, seen)
	require.True(t, r.IsLive())
	require.Equal(t, oplog.Index(5), r.LastReplayed())
}

func TestReplayStateNextOfKind(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	for _, e := range []oplog.Entry{
		oplog.ExportedFunctionInvokedEntry{Stamp: stampedAt, Function: "run", IdempotencyKey: "key-1"}, // 2
		oplog.LogEntry{Stamp: stampedAt, Message: "working"},                                           // 3
		oplog.ImportedFunctionInvokedEntry{Stamp: stampedAt, Function: "clock.now"},                    // 4
	} {
		_, err := o.Add(ctx, e)
		jtest.RequireNil(t, err)
	}
	jtest.RequireNil(t, o.Commit(ctx))

	r := oplog.NewReplayState(o, workerA, 4, oplog.RegionSet{})

	ie, ok, err := r.NextOfKind(ctx, oplog.KindExportedFunctionInvoked)
	jtest.RequireNil(t, err)
	require.True(t, ok)
	require.Equal(t, oplog.Index(2), ie.Index)

	// The log hint at index 3 is skipped, not matched.
	ie, ok, err = r.NextOfKind(ctx, oplog.KindImportedFunctionInvoked, oplog.KindError)
	jtest.RequireNil(t, err)
	require.True(t, ok)
	require.Equal(t, oplog.Index(4), ie.Index)

	// Past the target there is nothing left.
	_, ok, err = r.NextOfKind(ctx, oplog.KindExportedFunctionCompleted)
	jtest.RequireNil(t, err)
	require.False(t, ok)
}

func TestReplayStateMismatch(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	_, err = o.Add(ctx, oplog.ImportedFunctionInvokedEntry{Stamp: stampedAt, Function: "clock.now"})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, o.Commit(ctx))

	r := oplog.NewReplayState(o, workerA, 2, oplog.RegionSet{})
	_, _, err = r.NextOfKind(ctx, oplog.KindExportedFunctionInvoked)
	jtest.Require(t, oplog.ErrReplayMismatch, err)
}

func TestReplayStateSkipsRegions(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	for _, e := range []oplog.Entry{
		oplog.NoOpEntry{Stamp: stampedAt},                                           // 2
		oplog.BeginAtomicRegionEntry{Stamp: stampedAt},                              // 3
		oplog.ImportedFunctionInvokedEntry{Stamp: stampedAt, Function: "clock.now"}, // 4
		oplog.NoOpEntry{Stamp: stampedAt},                                           // 5, crash before the region closed
	} {
		_, err := o.Add(ctx, e)
		jtest.RequireNil(t, err)
	}
	jtest.RequireNil(t, o.Commit(ctx))

	all, err := svc.Read(ctx, workerA, oplog.IndexInitial, 100)
	jtest.RequireNil(t, err)

	skipped := oplog.DanglingRegions(all)
	r := oplog.NewReplayState(o, workerA, oplog.ReplayTargetIndex(all), skipped)

	// The dangling region 3..5 covers the rest of the log, so only the
	// entry before it is replayed and the worker is live again.
	ie, ok, err := r.Next(ctx)
	jtest.RequireNil(t, err)
	require.True(t, ok)
	require.Equal(t, oplog.Index(2), ie.Index)

	_, ok, err = r.Next(ctx)
	jtest.RequireNil(t, err)
	require.False(t, ok)
	require.True(t, r.IsLive())
}

func TestReplayStateSeek(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	for range 4 {
		_, err := o.Add(ctx, oplog.NoOpEntry{Stamp: stampedAt})
		jtest.RequireNil(t, err)
	}
	jtest.RequireNil(t, o.Commit(ctx))

	r := oplog.NewReplayState(o, workerA, 5, oplog.RegionSet{})
	_, _, err = r.Next(ctx)
	jtest.RequireNil(t, err)
	_, _, err = r.Next(ctx)
	jtest.RequireNil(t, err)
	require.Equal(t, oplog.Index(3), r.LastReplayed())

	r.Seek(2)
	ie, ok, err := r.Next(ctx)
	jtest.RequireNil(t, err)
	require.True(t, ok)
	require.Equal(t, oplog.Index(2), ie.Index)
}
