package oplog

import (
	"context"
	"fmt"
	"path"
)

// BlobNamespace partitions paths inside blob storage.
type BlobNamespace struct {
	kind        string
	workerID    WorkerID
	componentID ComponentID
	level       int
}

// BlobNamespaceOplogPayload holds the offloaded payloads of one worker.
func BlobNamespaceOplogPayload(worker WorkerID) BlobNamespace {
	return BlobNamespace{kind: "oplog_payload", workerID: worker}
}

// BlobNamespaceCompressedOplog holds an archive level's compressed chunks
// for the workers of one component.
func BlobNamespaceCompressedOplog(component ComponentID, level int) BlobNamespace {
	return BlobNamespace{kind: "compressed_oplog", componentID: component, level: level}
}

// Root is the directory all paths of the namespace live under.
func (n BlobNamespace) Root() string {
	switch n.kind {
	case "oplog_payload":
		return path.Join("oplog_payload", string(n.workerID.ComponentID), n.workerID.Name)
	case "compressed_oplog":
		return path.Join(fmt.Sprintf("compressed_oplog-%d", n.level), string(n.componentID))
	default:
		return n.kind
	}
}

// BlobStorage stores binary objects under hierarchical paths. Paths are
// relative to the namespace root and use / as separator. Implementations
// live under adapters.
type BlobStorage interface {
	// Put stores data at the path, overwriting any existing object.
	Put(ctx context.Context, ns BlobNamespace, pth string, data []byte) error

	// Get returns the object at the path. The boolean reports whether the
	// object exists.
	Get(ctx context.Context, ns BlobNamespace, pth string) ([]byte, bool, error)

	// Delete removes the object at the path. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, ns BlobNamespace, pth string) error

	// DeleteDir removes the directory at the path and everything under it.
	DeleteDir(ctx context.Context, ns BlobNamespace, pth string) error

	// ListDir returns the names of the entries directly under the
	// directory, in unspecified order.
	ListDir(ctx context.Context, ns BlobNamespace, pth string) ([]string, error)
}
