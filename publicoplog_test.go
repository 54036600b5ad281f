package oplog_test

import (
	"context"
	"strings"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/oplog"
)

func TestPublicEntryOf(t *testing.T) {
	testCases := []struct {
		name     string
		entry    oplog.Entry
		expected oplog.PublicEntry
	}{
		{
			name:  "create",
			entry: oplog.CreateEntry{Stamp: stampedAt, WorkerID: workerA, ComponentVersion: 3, CreatedBy: "account-1"},
			expected: oplog.PublicEntry{
				Kind:             oplog.KindCreate,
				ComponentVersion: 3,
				CreatedBy:        "account-1",
			},
		},
		{
			name: "imported function invoked",
			entry: oplog.ImportedFunctionInvokedEntry{
				Stamp:        stampedAt,
				Function:     "http.send",
				Request:      oplog.InlinePayload([]byte("req")),
				Response:     oplog.InlinePayload([]byte("resp")),
				FunctionType: oplog.WriteRemote,
			},
			expected: oplog.PublicEntry{
				Kind:         oplog.KindImportedFunctionInvoked,
				Function:     "http.send",
				FunctionType: "write_remote",
				Request:      &oplog.PublicPayload{Data: []byte("req")},
				Response:     &oplog.PublicPayload{Data: []byte("resp")},
			},
		},
		{
			name:  "exported function invoked",
			entry: oplog.ExportedFunctionInvokedEntry{Stamp: stampedAt, Function: "run", IdempotencyKey: "key-1"},
			expected: oplog.PublicEntry{
				Kind:           oplog.KindExportedFunctionInvoked,
				Function:       "run",
				IdempotencyKey: "key-1",
			},
		},
		{
			name:  "error",
			entry: oplog.ErrorEntry{Stamp: stampedAt, Message: "boom"},
			expected: oplog.PublicEntry{
				Kind:    oplog.KindError,
				Message: "boom",
			},
		},
		{
			name:  "jump",
			entry: oplog.JumpEntry{Stamp: stampedAt, Jump: oplog.Region{Start: 2, End: 5}},
			expected: oplog.PublicEntry{
				Kind:   oplog.KindJump,
				Region: &oplog.Region{Start: 2, End: 5},
			},
		},
		{
			name:  "end atomic region",
			entry: oplog.EndAtomicRegionEntry{Stamp: stampedAt, BeginIndex: 4},
			expected: oplog.PublicEntry{
				Kind:       oplog.KindEndAtomicRegion,
				BeginIndex: 4,
			},
		},
		{
			name:  "failed update",
			entry: oplog.FailedUpdateEntry{Stamp: stampedAt, TargetVersion: 7, Details: "incompatible"},
			expected: oplog.PublicEntry{
				Kind:          oplog.KindFailedUpdate,
				TargetVersion: 7,
				Message:       "incompatible",
			},
		},
		{
			name:  "describe resource",
			entry: oplog.DescribeResourceEntry{Stamp: stampedAt, ID: 2, Name: "connection", Params: []string{"db"}},
			expected: oplog.PublicEntry{
				Kind:           oplog.KindDescribeResource,
				ResourceID:     2,
				ResourceName:   "connection",
				ResourceParams: []string{"db"},
			},
		},
		{
			name:  "log",
			entry: oplog.LogEntry{Stamp: stampedAt, Level: oplog.LevelInfo, Message: "hello"},
			expected: oplog.PublicEntry{
				Kind:    oplog.KindLog,
				Level:   "info",
				Message: "hello",
			},
		},
		{
			name:  "suspend has no extra fields",
			entry: oplog.SuspendEntry{Stamp: stampedAt},
			expected: oplog.PublicEntry{
				Kind: oplog.KindSuspend,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.expected.Index = 7
			tc.expected.At = stampedAt.At
			got := oplog.PublicEntryOf(oplog.IndexedEntry{Index: 7, Entry: tc.entry})
			require.Equal(t, tc.expected, got)
		})
	}
}

// Offloaded payloads are exposed by content hash only; the projection
// never reads the blob back.
func TestPublicEntryExternalPayload(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t, oplog.WithMaxInlinePayloadSize(8))

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)

	big, err := o.UploadPayload(ctx, []byte(strings.Repeat("x", 100)))
	jtest.RequireNil(t, err)
	require.True(t, big.IsExternal())

	pub := oplog.PublicEntryOf(oplog.IndexedEntry{
		Index: 2,
		Entry: oplog.ExportedFunctionCompletedEntry{Stamp: stampedAt, Response: big},
	})
	require.True(t, pub.Response.External)
	require.Equal(t, big.External.MD5, pub.Response.MD5)
	require.Empty(t, pub.Response.Data)
}

func TestQueryPublicOplog(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	for i := range 4 {
		_, err := o.Add(ctx, oplog.LogEntry{Stamp: stampedAt, Level: oplog.LevelInfo, Message: strings.Repeat("x", i+1)})
		jtest.RequireNil(t, err)
	}
	jtest.RequireNil(t, o.Commit(ctx))

	var got []oplog.PublicEntry
	cursor := oplog.IndexInitial
	pages := 0
	for cursor != oplog.IndexNone {
		next, page, err := oplog.QueryPublicOplog(ctx, svc, workerA, cursor, 2)
		jtest.RequireNil(t, err)
		got = append(got, page...)
		cursor = next
		pages++
	}

	require.Equal(t, 3, pages)
	require.Len(t, got, 5)
	require.Equal(t, oplog.KindCreate, got[0].Kind)
	for i, pub := range got {
		require.Equal(t, oplog.Index(i+1), pub.Index)
	}
	require.Equal(t, "xxxx", got[4].Message)

	// Querying with an exhausted cursor stays exhausted.
	next, page, err := oplog.QueryPublicOplog(ctx, svc, workerA, oplog.IndexNone, 2)
	jtest.RequireNil(t, err)
	require.Equal(t, oplog.IndexNone, next)
	require.Empty(t, page)

	// A zero count ends the scan rather than returning the same cursor.
	next, page, err = oplog.QueryPublicOplog(ctx, svc, workerA, oplog.IndexInitial, 0)
	jtest.RequireNil(t, err)
	require.Equal(t, oplog.IndexNone, next)
	require.Empty(t, page)
}
