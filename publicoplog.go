package oplog

import (
	"context"
	"time"
)

// PublicPayload is the externally visible form of a recorded payload.
// Inline data is exposed as is, offloaded payloads only by their content
// hash so the projection never pulls blobs.
type PublicPayload struct {
	Data     []byte `json:"data,omitempty"`
	MD5      string `json:"md5,omitempty"`
	External bool   `json:"external,omitempty"`
}

func publicPayload(p Payload) *PublicPayload {
	if p.IsExternal() {
		return &PublicPayload{MD5: p.External.MD5, External: true}
	}
	if len(p.Inline) == 0 {
		return nil
	}
	return &PublicPayload{Data: p.Inline}
}

// PublicEntry is the redacted, queryable projection of one oplog entry.
// Only the fields relevant to the entry's kind are set.
type PublicEntry struct {
	Index Index     `json:"index"`
	Kind  Kind      `json:"kind"`
	At    time.Time `json:"at"`

	Function       string         `json:"function,omitempty"`
	FunctionType   string         `json:"function_type,omitempty"`
	IdempotencyKey IdempotencyKey `json:"idempotency_key,omitempty"`
	Request        *PublicPayload `json:"request,omitempty"`
	Response       *PublicPayload `json:"response,omitempty"`

	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	Region     *Region `json:"region,omitempty"`
	BeginIndex Index   `json:"begin_index,omitempty"`

	TargetVersion uint64       `json:"target_version,omitempty"`
	RetryPolicy   *RetryConfig `json:"retry_policy,omitempty"`

	ResourceID     ResourceID `json:"resource_id,omitempty"`
	ResourceName   string     `json:"resource_name,omitempty"`
	ResourceParams []string   `json:"resource_params,omitempty"`

	Plugin PluginInstallationID `json:"plugin,omitempty"`

	SpanID string `json:"span_id,omitempty"`

	Delta uint64 `json:"delta,omitempty"`

	ComponentVersion uint64    `json:"component_version,omitempty"`
	CreatedBy        AccountID `json:"created_by,omitempty"`
}

// PublicEntryOf projects a single entry.
func PublicEntryOf(ie IndexedEntry) PublicEntry {
	out := PublicEntry{
		Index: ie.Index,
		Kind:  ie.Entry.Kind(),
		At:    ie.Entry.Time(),
	}
	switch e := ie.Entry.(type) {
	case CreateEntry:
		out.ComponentVersion = e.ComponentVersion
		out.CreatedBy = e.CreatedBy
	case ImportedFunctionInvokedEntry:
		out.Function = e.Function
		out.FunctionType = string(e.FunctionType)
		out.Request = publicPayload(e.Request)
		out.Response = publicPayload(e.Response)
	case ExportedFunctionInvokedEntry:
		out.Function = e.Function
		out.IdempotencyKey = e.IdempotencyKey
		out.Request = publicPayload(e.Request)
	case ExportedFunctionCompletedEntry:
		out.Response = publicPayload(e.Response)
	case ErrorEntry:
		out.Message = e.Message
	case JumpEntry:
		region := e.Jump
		out.Region = &region
	case RevertEntry:
		region := e.Dropped
		out.Region = &region
	case EndAtomicRegionEntry:
		out.BeginIndex = e.BeginIndex
	case EndRemoteWriteEntry:
		out.BeginIndex = e.BeginIndex
	case ChangeRetryPolicyEntry:
		policy := e.NewPolicy
		out.RetryPolicy = &policy
	case PendingWorkerInvocationEntry:
		out.Function = e.Invocation.Function
		out.IdempotencyKey = e.Invocation.IdempotencyKey
		out.Request = publicPayload(e.Invocation.Request)
	case CancelPendingInvocationEntry:
		out.IdempotencyKey = e.IdempotencyKey
	case PendingUpdateEntry:
		out.TargetVersion = e.Description.TargetVersion
	case SuccessfulUpdateEntry:
		out.TargetVersion = e.TargetVersion
	case FailedUpdateEntry:
		out.TargetVersion = e.TargetVersion
		out.Message = e.Details
	case GrowMemoryEntry:
		out.Delta = e.Delta
	case CreateResourceEntry:
		out.ResourceID = e.ID
	case DropResourceEntry:
		out.ResourceID = e.ID
	case DescribeResourceEntry:
		out.ResourceID = e.ID
		out.ResourceName = e.Name
		out.ResourceParams = e.Params
	case LogEntry:
		out.Level = string(e.Level)
		out.Message = e.Message
	case ActivatePluginEntry:
		out.Plugin = e.Plugin
	case DeactivatePluginEntry:
		out.Plugin = e.Plugin
	case StartSpanEntry:
		out.SpanID = e.SpanID
	case FinishSpanEntry:
		out.SpanID = e.SpanID
	case SetSpanAttributeEntry:
		out.SpanID = e.SpanID
	}
	return out
}

// QueryPublicOplog pages through a worker's oplog as public entries,
// reading through all archive layers. The first call passes IndexInitial
// as cursor. The returned cursor is IndexNone once the log is exhausted.
func QueryPublicOplog(ctx context.Context, svc Service, worker WorkerID, cursor Index, count uint64) (Index, []PublicEntry, error) {
	if cursor == IndexNone || count == 0 {
		return IndexNone, nil, nil
	}
	last, err := svc.GetLastIndex(ctx, worker)
	if err != nil {
		return IndexNone, nil, err
	}
	entries, err := svc.Read(ctx, worker, cursor, count)
	if err != nil {
		return IndexNone, nil, err
	}
	out := make([]PublicEntry, 0, len(entries))
	for _, ie := range entries {
		out = append(out, PublicEntryOf(ie))
	}
	next := cursor.RangeEnd(count).Next()
	if next > last {
		next = IndexNone
	}
	return next, out, nil
}
