package oplog

import (
	"strings"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// ComponentID identifies a deployed component (a compiled WebAssembly
// module) that workers are instantiated from.
type ComponentID string

// WorkerID identifies a single worker instance of a component.
type WorkerID struct {
	ComponentID ComponentID `json:"component_id"`
	Name        string      `json:"name"`
}

func (w WorkerID) String() string {
	return string(w.ComponentID) + ":" + w.Name
}

// ParseWorkerID parses the "component:name" form produced by String.
func ParseWorkerID(s string) (WorkerID, error) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return WorkerID{}, errors.Wrap(ErrInvalidWorkerID, "", j.KV("value", s))
	}
	return WorkerID{
		ComponentID: ComponentID(s[:idx]),
		Name:        s[idx+1:],
	}, nil
}

// AccountID identifies the account a worker was created by.
type AccountID string

// ProjectID identifies the project a worker belongs to.
type ProjectID string

// IdempotencyKey deduplicates invocations of a worker's exported
// functions. Invoking with a key that already completed returns the
// recorded result instead of executing again.
type IdempotencyKey string

func NewIdempotencyKey() IdempotencyKey {
	return IdempotencyKey(uuid.New().String())
}

// ResourceID identifies a host resource created by a worker. IDs are
// assigned sequentially per worker and never reused.
type ResourceID uint64

// PluginInstallationID identifies an installed plugin that can be
// activated or deactivated for a worker.
type PluginInstallationID string
