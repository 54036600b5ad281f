package adaptertest

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/oplog"
)

// RunBlobStorageTest runs the contract every BlobStorage implementation
// must satisfy. The factory must return an empty store.
func RunBlobStorageTest(t *testing.T, factory func() oplog.BlobStorage) {
	tests := []func(t *testing.T, store oplog.BlobStorage){
		testPutGet,
		testBlobDelete,
		testDeleteDir,
		testListDir,
	}

	for _, test := range tests {
		storeForTesting := factory()
		test(t, storeForTesting)
	}
}

var blobNSTest = oplog.BlobNamespaceOplogPayload(oplog.WorkerID{
	ComponentID: "component-a",
	Name:        "worker-1",
})

func testPutGet(t *testing.T, store oplog.BlobStorage) {
	t.Run("PutGet", func(t *testing.T) {
		ctx := context.Background()

		_, ok, err := store.Get(ctx, blobNSTest, "missing")
		jtest.RequireNil(t, err)
		require.False(t, ok)

		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "payloads/one", []byte("first")))

		data, ok, err := store.Get(ctx, blobNSTest, "payloads/one")
		jtest.RequireNil(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("first"), data)

		// Put overwrites.
		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "payloads/one", []byte("second")))

		data, ok, err = store.Get(ctx, blobNSTest, "payloads/one")
		jtest.RequireNil(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("second"), data)

		// Namespaces are isolated.
		other := oplog.BlobNamespaceOplogPayload(oplog.WorkerID{
			ComponentID: "component-a",
			Name:        "worker-2",
		})
		_, ok, err = store.Get(ctx, other, "payloads/one")
		jtest.RequireNil(t, err)
		require.False(t, ok)
	})
}

func testBlobDelete(t *testing.T, store oplog.BlobStorage) {
	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()

		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "obj", []byte("data")))
		jtest.RequireNil(t, store.Delete(ctx, blobNSTest, "obj"))

		_, ok, err := store.Get(ctx, blobNSTest, "obj")
		jtest.RequireNil(t, err)
		require.False(t, ok)

		// Deleting a missing object is not an error.
		jtest.RequireNil(t, store.Delete(ctx, blobNSTest, "obj"))
	})
}

func testDeleteDir(t *testing.T, store oplog.BlobStorage) {
	t.Run("DeleteDir", func(t *testing.T) {
		ctx := context.Background()

		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "dir/a", []byte("a")))
		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "dir/b", []byte("b")))
		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "keep", []byte("c")))

		jtest.RequireNil(t, store.DeleteDir(ctx, blobNSTest, "dir"))

		_, ok, err := store.Get(ctx, blobNSTest, "dir/a")
		jtest.RequireNil(t, err)
		require.False(t, ok)

		_, ok, err = store.Get(ctx, blobNSTest, "keep")
		jtest.RequireNil(t, err)
		require.True(t, ok)

		// Deleting a missing directory is not an error.
		jtest.RequireNil(t, store.DeleteDir(ctx, blobNSTest, "dir"))
	})
}

func testListDir(t *testing.T, store oplog.BlobStorage) {
	t.Run("ListDir", func(t *testing.T) {
		ctx := context.Background()

		names, err := store.ListDir(ctx, blobNSTest, "chunks")
		jtest.RequireNil(t, err)
		require.Empty(t, names)

		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "chunks/00000000000000000010-10", []byte("x")))
		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "chunks/00000000000000000020-10", []byte("y")))
		jtest.RequireNil(t, store.Put(ctx, blobNSTest, "other/obj", []byte("z")))

		names, err = store.ListDir(ctx, blobNSTest, "chunks")
		jtest.RequireNil(t, err)
		require.ElementsMatch(t, []string{
			"00000000000000000010-10",
			"00000000000000000020-10",
		}, names)

		// The root directory lists its immediate children.
		names, err = store.ListDir(ctx, blobNSTest, "")
		jtest.RequireNil(t, err)
		require.ElementsMatch(t, []string{"chunks", "other"}, names)
	})
}
