package adaptertest

import (
	"context"
	"fmt"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/oplog"
)

// RunIndexedStorageTest runs the contract every IndexedStorage
// implementation must satisfy. The factory must return an empty store.
func RunIndexedStorageTest(t *testing.T, factory func() oplog.IndexedStorage) {
	tests := []func(t *testing.T, store oplog.IndexedStorage){
		testAppendRead,
		testAppendOrdering,
		testAppendMany,
		testFirstLastClosest,
		testDropPrefix,
		testDelete,
		testScan,
		testReplicas,
	}

	for _, test := range tests {
		storeForTesting := factory()
		test(t, storeForTesting)
	}
}

var nsTest = oplog.NamespaceOplog()

func testAppendRead(t *testing.T, store oplog.IndexedStorage) {
	t.Run("AppendRead", func(t *testing.T) {
		ctx := context.Background()
		key := "component-a:worker-1"

		exists, err := store.Exists(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.False(t, exists)

		length, err := store.Length(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.Equal(t, uint64(0), length)

		for id := uint64(1); id <= 5; id++ {
			err := store.Append(ctx, nsTest, key, id, []byte(fmt.Sprintf("value-%d", id)))
			jtest.RequireNil(t, err)
		}

		exists, err = store.Exists(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.True(t, exists)

		length, err = store.Length(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.Equal(t, uint64(5), length)

		// Read range is inclusive on both ends.
		items, err := store.Read(ctx, nsTest, key, 2, 4)
		jtest.RequireNil(t, err)
		require.Len(t, items, 3)
		for i, item := range items {
			require.Equal(t, uint64(i+2), item.ID)
			require.Equal(t, []byte(fmt.Sprintf("value-%d", item.ID)), item.Value)
		}

		items, err = store.Read(ctx, nsTest, key, 1, 100)
		jtest.RequireNil(t, err)
		require.Len(t, items, 5)

		items, err = store.Read(ctx, nsTest, key, 7, 9)
		jtest.RequireNil(t, err)
		require.Empty(t, items)

		items, err = store.Read(ctx, nsTest, "missing", 1, 10)
		jtest.RequireNil(t, err)
		require.Empty(t, items)
	})
}

func testAppendOrdering(t *testing.T, store oplog.IndexedStorage) {
	t.Run("AppendOrdering", func(t *testing.T) {
		ctx := context.Background()
		key := "component-a:worker-2"

		jtest.RequireNil(t, store.Append(ctx, nsTest, key, 1, []byte("one")))
		jtest.RequireNil(t, store.Append(ctx, nsTest, key, 2, []byte("two")))

		err := store.Append(ctx, nsTest, key, 2, []byte("again"))
		jtest.Require(t, oplog.ErrIDExists, err)

		err = store.Append(ctx, nsTest, key, 1, []byte("backwards"))
		jtest.Require(t, oplog.ErrIDNotMonotone, err)

		// Gaps are allowed as long as ids grow.
		jtest.RequireNil(t, store.Append(ctx, nsTest, key, 10, []byte("ten")))

		items, err := store.Read(ctx, nsTest, key, 1, 10)
		jtest.RequireNil(t, err)
		require.Len(t, items, 3)
		require.Equal(t, []byte("two"), items[1].Value)
	})
}

func testAppendMany(t *testing.T, store oplog.IndexedStorage) {
	t.Run("AppendMany", func(t *testing.T) {
		ctx := context.Background()
		key := "component-a:worker-3"

		err := store.AppendMany(ctx, nsTest, key, []oplog.IDValue{
			{ID: 1, Value: []byte("a")},
			{ID: 2, Value: []byte("b")},
			{ID: 3, Value: []byte("c")},
		})
		jtest.RequireNil(t, err)

		length, err := store.Length(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.Equal(t, uint64(3), length)

		err = store.AppendMany(ctx, nsTest, key, []oplog.IDValue{
			{ID: 3, Value: []byte("dup")},
		})
		jtest.Require(t, oplog.ErrIDExists, err)
	})
}

func testFirstLastClosest(t *testing.T, store oplog.IndexedStorage) {
	t.Run("FirstLastClosest", func(t *testing.T) {
		ctx := context.Background()
		key := "component-a:worker-4"

		_, ok, err := store.First(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.False(t, ok)

		_, ok, err = store.Last(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.False(t, ok)

		for _, id := range []uint64{2, 5, 9} {
			jtest.RequireNil(t, store.Append(ctx, nsTest, key, id, []byte(fmt.Sprintf("v%d", id))))
		}

		first, ok, err := store.First(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(2), first.ID)

		last, ok, err := store.Last(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(9), last.ID)

		// Closest returns the item with the smallest id at or above the
		// given id.
		closest, ok, err := store.Closest(ctx, nsTest, key, 5)
		jtest.RequireNil(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(5), closest.ID)

		closest, ok, err = store.Closest(ctx, nsTest, key, 3)
		jtest.RequireNil(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(5), closest.ID)

		_, ok, err = store.Closest(ctx, nsTest, key, 10)
		jtest.RequireNil(t, err)
		require.False(t, ok)
	})
}

func testDropPrefix(t *testing.T, store oplog.IndexedStorage) {
	t.Run("DropPrefix", func(t *testing.T) {
		ctx := context.Background()
		key := "component-a:worker-5"

		for id := uint64(1); id <= 6; id++ {
			jtest.RequireNil(t, store.Append(ctx, nsTest, key, id, []byte(fmt.Sprintf("v%d", id))))
		}

		jtest.RequireNil(t, store.DropPrefix(ctx, nsTest, key, 3))

		items, err := store.Read(ctx, nsTest, key, 1, 6)
		jtest.RequireNil(t, err)
		require.Len(t, items, 3)
		require.Equal(t, uint64(4), items[0].ID)

		// Dropping the same prefix again is a no-op.
		jtest.RequireNil(t, store.DropPrefix(ctx, nsTest, key, 3))

		length, err := store.Length(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.Equal(t, uint64(3), length)

		// Appends continue after the dropped prefix.
		jtest.RequireNil(t, store.Append(ctx, nsTest, key, 7, []byte("v7")))
	})
}

func testDelete(t *testing.T, store oplog.IndexedStorage) {
	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		key := "component-a:worker-6"

		jtest.RequireNil(t, store.Append(ctx, nsTest, key, 1, []byte("v1")))
		jtest.RequireNil(t, store.Delete(ctx, nsTest, key))

		exists, err := store.Exists(ctx, nsTest, key)
		jtest.RequireNil(t, err)
		require.False(t, exists)

		// Deleting a missing key is not an error.
		jtest.RequireNil(t, store.Delete(ctx, nsTest, key))
	})
}

func testScan(t *testing.T, store oplog.IndexedStorage) {
	t.Run("Scan", func(t *testing.T) {
		ctx := context.Background()

		keys := []string{
			"component-a:worker-1",
			"component-a:worker-2",
			"component-a:worker-3",
			"component-b:worker-1",
		}
		for _, key := range keys {
			jtest.RequireNil(t, store.Append(ctx, nsTest, key, 1, []byte("v")))
		}

		found := make(map[string]bool)
		var cursor uint64
		for {
			next, matched, err := store.Scan(ctx, nsTest, "component-a:*", cursor, 2)
			jtest.RequireNil(t, err)
			for _, key := range matched {
				found[key] = true
			}
			if next == 0 {
				break
			}
			cursor = next
		}

		require.Len(t, found, 3)
		require.True(t, found["component-a:worker-1"])
		require.True(t, found["component-a:worker-2"])
		require.True(t, found["component-a:worker-3"])
		require.False(t, found["component-b:worker-1"])
	})
}

func testReplicas(t *testing.T, store oplog.IndexedStorage) {
	t.Run("Replicas", func(t *testing.T) {
		ctx := context.Background()

		replicas, err := store.NumberOfReplicas(ctx)
		jtest.RequireNil(t, err)

		reached, err := store.WaitForReplicas(ctx, replicas, 0)
		jtest.RequireNil(t, err)
		require.GreaterOrEqual(t, reached, replicas)
	})
}
