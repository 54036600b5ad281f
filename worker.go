package oplog

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// WorkerStatus is the last known status of a worker, derived from its
// oplog.
type WorkerStatus string

const (
	StatusRunning     WorkerStatus = "running"
	StatusIdle        WorkerStatus = "idle"
	StatusSuspended   WorkerStatus = "suspended"
	StatusInterrupted WorkerStatus = "interrupted"
	StatusRetrying    WorkerStatus = "retrying"
	StatusFailed      WorkerStatus = "failed"
	StatusExited      WorkerStatus = "exited"
)

// ResourceDescription is what is known about a live host resource.
type ResourceDescription struct {
	Name      string
	Params    []string
	CreatedAt time.Time
}

// WorkerState is everything about a worker that can be derived from its
// oplog. It is rebuilt by folding entries in order, either from the
// beginning or incrementally from a previous state.
type WorkerState struct {
	WorkerID              WorkerID
	CreatedBy             AccountID
	Project               ProjectID
	Args                  []string
	Env                   map[string]string
	ConfigVars            map[string]string
	ComponentVersion      uint64
	ComponentSize         uint64
	TotalLinearMemorySize uint64

	Status              WorkerStatus
	RetryPolicy         RetryConfig
	ConsecutiveFailures uint64

	// PendingInvocations are queued invocations not yet started, in
	// arrival order.
	PendingInvocations []WorkerInvocation

	// PendingUpdates are queued component updates, in arrival order.
	PendingUpdates []UpdateDescription

	SuccessfulUpdates []uint64
	FailedUpdates     []uint64

	// InvocationResults maps each completed invocation's idempotency key
	// to the index of its completion entry.
	InvocationResults map[IdempotencyKey]Index

	// CurrentIdempotencyKey is set while an invocation is running.
	CurrentIdempotencyKey *IdempotencyKey

	Resources     map[ResourceID]ResourceDescription
	ActivePlugins map[PluginInstallationID]bool
	OpenSpans     map[string]SpanInfo

	// DeletedRegions are parts of the oplog skipped during replay, from
	// jumps, reverts and restarts.
	DeletedRegions RegionSet

	// LastIndex is the index of the last folded entry.
	LastIndex Index
}

// NewWorkerState builds the state implied by the initial create entry at
// IndexInitial.
func NewWorkerState(create CreateEntry) WorkerState {
	plugins := make(map[PluginInstallationID]bool)
	for _, p := range create.ActivePlugins {
		plugins[p] = true
	}
	return WorkerState{
		WorkerID:              create.WorkerID,
		CreatedBy:             create.CreatedBy,
		Project:               create.Project,
		Args:                  create.Args,
		Env:                   create.Env,
		ConfigVars:            create.ConfigVars,
		ComponentVersion:      create.ComponentVersion,
		ComponentSize:         create.ComponentSize,
		TotalLinearMemorySize: create.InitialMemorySize,
		Status:                StatusIdle,
		RetryPolicy:           DefaultRetryConfig(),
		InvocationResults:     make(map[IdempotencyKey]Index),
		Resources:             make(map[ResourceID]ResourceDescription),
		ActivePlugins:         plugins,
		OpenSpans:             make(map[string]SpanInfo),
		LastIndex:             IndexInitial,
	}
}

// CalculateWorkerState folds entries into prev. Entries must come after
// prev.LastIndex in ascending index order. Folding a run of entries in
// one call or split across calls produces the same state.
func CalculateWorkerState(prev WorkerState, entries []IndexedEntry) WorkerState {
	s := prev
	for _, ie := range entries {
		s = foldEntry(s, ie)
	}
	return s
}

func foldEntry(s WorkerState, ie IndexedEntry) WorkerState {
	idx := ie.Index
	switch e := ie.Entry.(type) {
	case CreateEntry:
		s = NewWorkerState(e)

	case ExportedFunctionInvokedEntry:
		key := e.IdempotencyKey
		s.CurrentIdempotencyKey = &key
		s.Status = StatusRunning
		s.PendingInvocations = removeInvocation(s.PendingInvocations, key)

	case ExportedFunctionCompletedEntry:
		if s.CurrentIdempotencyKey != nil {
			s.InvocationResults = copyResults(s.InvocationResults)
			s.InvocationResults[*s.CurrentIdempotencyKey] = idx
			s.CurrentIdempotencyKey = nil
		}
		s.ConsecutiveFailures = 0
		s.Status = StatusIdle

	case SuspendEntry:
		s.Status = StatusSuspended

	case ErrorEntry:
		s.ConsecutiveFailures++
		if s.RetryPolicy.Decide(s.ConsecutiveFailures).Retry {
			s.Status = StatusRetrying
		} else {
			s.Status = StatusFailed
		}

	case InterruptedEntry:
		s.Status = StatusInterrupted

	case ExitedEntry:
		s.Status = StatusExited

	case JumpEntry:
		s.DeletedRegions = cloneRegions(s.DeletedRegions)
		s.DeletedRegions.Add(e.Jump)

	case RevertEntry:
		s.DeletedRegions = cloneRegions(s.DeletedRegions)
		s.DeletedRegions.Add(e.Dropped)
		// Results recorded inside the dropped region no longer exist.
		s.InvocationResults = copyResults(s.InvocationResults)
		for key, resultIdx := range s.InvocationResults {
			if e.Dropped.Contains(resultIdx) {
				delete(s.InvocationResults, key)
			}
		}

	case RestartEntry:
		s.DeletedRegions = cloneRegions(s.DeletedRegions)
		s.DeletedRegions.Add(Region{Start: IndexInitial.Next(), End: idx.Previous()})

	case ChangeRetryPolicyEntry:
		s.RetryPolicy = e.NewPolicy
		s.ConsecutiveFailures = 0

	case PendingWorkerInvocationEntry:
		key := e.Invocation.IdempotencyKey
		if _, done := s.InvocationResults[key]; !done && !hasInvocation(s.PendingInvocations, key) {
			s.PendingInvocations = append(clonePending(s.PendingInvocations), e.Invocation)
		}

	case CancelPendingInvocationEntry:
		s.PendingInvocations = removeInvocation(s.PendingInvocations, e.IdempotencyKey)

	case PendingUpdateEntry:
		s.PendingUpdates = append(cloneUpdates(s.PendingUpdates), e.Description)

	case SuccessfulUpdateEntry:
		s.ComponentVersion = e.TargetVersion
		s.ComponentSize = e.NewComponentSize
		plugins := make(map[PluginInstallationID]bool)
		for _, p := range e.NewActivePlugins {
			plugins[p] = true
		}
		s.ActivePlugins = plugins
		s.PendingUpdates = dropUpdate(s.PendingUpdates, e.TargetVersion)
		s.SuccessfulUpdates = append(cloneUint64s(s.SuccessfulUpdates), e.TargetVersion)

	case FailedUpdateEntry:
		s.PendingUpdates = dropUpdate(s.PendingUpdates, e.TargetVersion)
		s.FailedUpdates = append(cloneUint64s(s.FailedUpdates), e.TargetVersion)

	case GrowMemoryEntry:
		s.TotalLinearMemorySize += e.Delta

	case CreateResourceEntry:
		s.Resources = copyResources(s.Resources)
		s.Resources[e.ID] = ResourceDescription{CreatedAt: e.At}

	case DropResourceEntry:
		s.Resources = copyResources(s.Resources)
		delete(s.Resources, e.ID)

	case DescribeResourceEntry:
		if r, ok := s.Resources[e.ID]; ok {
			s.Resources = copyResources(s.Resources)
			r.Name = e.Name
			r.Params = e.Params
			s.Resources[e.ID] = r
		}

	case ActivatePluginEntry:
		s.ActivePlugins = copyPlugins(s.ActivePlugins)
		s.ActivePlugins[e.Plugin] = true

	case DeactivatePluginEntry:
		s.ActivePlugins = copyPlugins(s.ActivePlugins)
		delete(s.ActivePlugins, e.Plugin)

	case StartSpanEntry:
		s.OpenSpans = copySpans(s.OpenSpans)
		s.OpenSpans[e.SpanID] = SpanInfo{SpanID: e.SpanID, Parent: e.Parent, Attrs: e.Attrs}

	case FinishSpanEntry:
		s.OpenSpans = copySpans(s.OpenSpans)
		delete(s.OpenSpans, e.SpanID)

	case SetSpanAttributeEntry:
		if span, ok := s.OpenSpans[e.SpanID]; ok {
			s.OpenSpans = copySpans(s.OpenSpans)
			attrs := make(map[string]string, len(span.Attrs)+1)
			for k, v := range span.Attrs {
				attrs[k] = v
			}
			attrs[e.Key] = e.Value
			span.Attrs = attrs
			s.OpenSpans[e.SpanID] = span
		}
	}

	s.LastIndex = idx
	return s
}

// ComputeWorkerState reads the worker's whole oplog through the service
// and folds it into a fresh state.
func ComputeWorkerState(ctx context.Context, svc Service, worker WorkerID, pageSize uint64) (WorkerState, error) {
	if pageSize == 0 {
		pageSize = 100
	}
	last, err := svc.GetLastIndex(ctx, worker)
	if err != nil {
		return WorkerState{}, err
	}
	if last == IndexNone {
		return WorkerState{}, errors.Wrap(ErrOplogNotFound, "", j.KV("worker", worker.String()))
	}

	var (
		state  WorkerState
		seeded bool
	)
	cursor := IndexInitial
	for cursor <= last {
		entries, err := svc.Read(ctx, worker, cursor, pageSize)
		if err != nil {
			return WorkerState{}, err
		}
		if len(entries) == 0 {
			break
		}
		if !seeded {
			create, ok := entries[0].Entry.(CreateEntry)
			if !ok {
				return WorkerState{}, errors.Wrap(ErrReplayMismatch, "oplog does not start with a create entry",
					j.KV("worker", worker.String()))
			}
			state = NewWorkerState(create)
			entries = entries[1:]
			seeded = true
		}
		state = CalculateWorkerState(state, entries)
		cursor = cursor.RangeEnd(pageSize).Next()
	}
	return state, nil
}

func removeInvocation(pending []WorkerInvocation, key IdempotencyKey) []WorkerInvocation {
	out := make([]WorkerInvocation, 0, len(pending))
	for _, inv := range pending {
		if inv.IdempotencyKey == key {
			continue
		}
		out = append(out, inv)
	}
	return out
}

func hasInvocation(pending []WorkerInvocation, key IdempotencyKey) bool {
	for _, inv := range pending {
		if inv.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func dropUpdate(updates []UpdateDescription, target uint64) []UpdateDescription {
	out := make([]UpdateDescription, 0, len(updates))
	dropped := false
	for _, u := range updates {
		if !dropped && u.TargetVersion == target {
			dropped = true
			continue
		}
		out = append(out, u)
	}
	return out
}

// The fold never mutates maps or slices shared with the previous state so
// callers can keep old states around, for example to diff them.

func copyResults(m map[IdempotencyKey]Index) map[IdempotencyKey]Index {
	out := make(map[IdempotencyKey]Index, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyResources(m map[ResourceID]ResourceDescription) map[ResourceID]ResourceDescription {
	out := make(map[ResourceID]ResourceDescription, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyPlugins(m map[PluginInstallationID]bool) map[PluginInstallationID]bool {
	out := make(map[PluginInstallationID]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySpans(m map[string]SpanInfo) map[string]SpanInfo {
	out := make(map[string]SpanInfo, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePending(s []WorkerInvocation) []WorkerInvocation {
	return append([]WorkerInvocation(nil), s...)
}

func cloneUpdates(s []UpdateDescription) []UpdateDescription {
	return append([]UpdateDescription(nil), s...)
}

func cloneUint64s(s []uint64) []uint64 {
	return append([]uint64(nil), s...)
}

func cloneRegions(rs RegionSet) RegionSet {
	var out RegionSet
	out.regions = append([]Region(nil), rs.regions...)
	return out
}
