package oplog

import (
	"time"
)

// Kind is the discriminant tag identifying an entry variant. Tags are part
// of the persisted encoding and must never be renamed.
type Kind string

const (
	KindCreate                    Kind = "create"
	KindImportedFunctionInvoked   Kind = "imported_function_invoked"
	KindExportedFunctionInvoked   Kind = "exported_function_invoked"
	KindExportedFunctionCompleted Kind = "exported_function_completed"
	KindSuspend                   Kind = "suspend"
	KindError                     Kind = "error"
	KindNoOp                      Kind = "no_op"
	KindJump                      Kind = "jump"
	KindInterrupted               Kind = "interrupted"
	KindExited                    Kind = "exited"
	KindChangeRetryPolicy         Kind = "change_retry_policy"
	KindBeginAtomicRegion         Kind = "begin_atomic_region"
	KindEndAtomicRegion           Kind = "end_atomic_region"
	KindBeginRemoteWrite          Kind = "begin_remote_write"
	KindEndRemoteWrite            Kind = "end_remote_write"
	KindPendingWorkerInvocation   Kind = "pending_worker_invocation"
	KindPendingUpdate             Kind = "pending_update"
	KindSuccessfulUpdate          Kind = "successful_update"
	KindFailedUpdate              Kind = "failed_update"
	KindGrowMemory                Kind = "grow_memory"
	KindCreateResource            Kind = "create_resource"
	KindDropResource              Kind = "drop_resource"
	KindDescribeResource          Kind = "describe_resource"
	KindLog                       Kind = "log"
	KindRestart                   Kind = "restart"
	KindActivatePlugin            Kind = "activate_plugin"
	KindDeactivatePlugin          Kind = "deactivate_plugin"
	KindRevert                    Kind = "revert"
	KindCancelPendingInvocation   Kind = "cancel_pending_invocation"
	KindStartSpan                 Kind = "start_span"
	KindFinishSpan                Kind = "finish_span"
	KindSetSpanAttribute          Kind = "set_span_attribute"
)

// IsHint reports whether the kind is diagnostic only. Hint entries are
// skipped when looking for the next entry during replay and do not
// contribute to the replay target.
func (k Kind) IsHint() bool {
	switch k {
	case KindSuspend, KindError, KindInterrupted, KindExited,
		KindPendingWorkerInvocation, KindPendingUpdate,
		KindSuccessfulUpdate, KindFailedUpdate, KindGrowMemory,
		KindCreateResource, KindDropResource, KindDescribeResource,
		KindLog, KindRestart, KindActivatePlugin, KindDeactivatePlugin,
		KindStartSpan, KindFinishSpan, KindSetSpanAttribute:
		return true
	default:
		return false
	}
}

// Entry is one record of a worker's oplog. Implementations are the
// *Entry structs in this file, one per Kind, each embedding Stamp.
type Entry interface {
	Kind() Kind
	Time() time.Time
}

// Stamp carries the creation timestamp shared by every entry variant.
type Stamp struct {
	At time.Time `json:"at"`
}

func (s Stamp) Time() time.Time { return s.At }

// StampAt is a convenience for constructing entry literals.
func StampAt(t time.Time) Stamp {
	return Stamp{At: t}
}

// DurableFunctionType classifies a host function call for replay purposes.
type DurableFunctionType string

const (
	// ReadLocal and WriteLocal calls are side effect free outside the
	// worker and are re-executed during replay.
	ReadLocal  DurableFunctionType = "read_local"
	WriteLocal DurableFunctionType = "write_local"

	// ReadRemote and WriteRemote calls have external side effects. During
	// replay the recorded response is substituted and the call is not
	// re-issued.
	ReadRemote  DurableFunctionType = "read_remote"
	WriteRemote DurableFunctionType = "write_remote"
)

// IsRemote reports whether replay must substitute the recorded response
// instead of re-executing the call.
func (t DurableFunctionType) IsRemote() bool {
	return t == ReadRemote || t == WriteRemote
}

// CreateEntry is the first entry of every oplog. It captures everything
// needed to re-instantiate the worker.
type CreateEntry struct {
	Stamp
	WorkerID          WorkerID               `json:"worker_id"`
	ComponentVersion  uint64                 `json:"component_version"`
	Args              []string               `json:"args,omitempty"`
	Env               map[string]string      `json:"env,omitempty"`
	ConfigVars        map[string]string      `json:"config_vars,omitempty"`
	CreatedBy         AccountID              `json:"created_by"`
	Project           ProjectID              `json:"project"`
	Parent            *WorkerID              `json:"parent,omitempty"`
	ComponentSize     uint64                 `json:"component_size"`
	InitialMemorySize uint64                 `json:"initial_memory_size"`
	ActivePlugins     []PluginInstallationID `json:"active_plugins,omitempty"`
}

func (CreateEntry) Kind() Kind { return KindCreate }

// ImportedFunctionInvokedEntry records a host function call made by the
// worker, with both the request and the observed response.
type ImportedFunctionInvokedEntry struct {
	Stamp
	Function     string              `json:"function"`
	Request      Payload             `json:"request"`
	Response     Payload             `json:"response"`
	FunctionType DurableFunctionType `json:"function_type"`
}

func (ImportedFunctionInvokedEntry) Kind() Kind { return KindImportedFunctionInvoked }

// ExportedFunctionInvokedEntry records the start of an invocation of one
// of the worker's exported functions.
type ExportedFunctionInvokedEntry struct {
	Stamp
	Function       string         `json:"function"`
	Request        Payload        `json:"request"`
	IdempotencyKey IdempotencyKey `json:"idempotency_key"`
	TraceID        string         `json:"trace_id,omitempty"`
	TraceStates    []string       `json:"trace_states,omitempty"`
	InvocationCtx  []SpanInfo     `json:"invocation_context,omitempty"`
}

func (ExportedFunctionInvokedEntry) Kind() Kind { return KindExportedFunctionInvoked }

// ExportedFunctionCompletedEntry records the successful completion of the
// most recent exported function invocation.
type ExportedFunctionCompletedEntry struct {
	Stamp
	Response     Payload `json:"response"`
	ConsumedFuel int64   `json:"consumed_fuel"`
}

func (ExportedFunctionCompletedEntry) Kind() Kind { return KindExportedFunctionCompleted }

// SuspendEntry records that the worker suspended waiting for an external
// event.
type SuspendEntry struct{ Stamp }

func (SuspendEntry) Kind() Kind { return KindSuspend }

// ErrorEntry records a failed invocation attempt.
type ErrorEntry struct {
	Stamp
	Message string `json:"message"`
}

func (ErrorEntry) Kind() Kind { return KindError }

// NoOpEntry advances the oplog without any effect.
type NoOpEntry struct{ Stamp }

func (NoOpEntry) Kind() Kind { return KindNoOp }

// JumpEntry records a backward jump. The jumped region is skipped during
// replay.
type JumpEntry struct {
	Stamp
	Jump Region `json:"jump"`
}

func (JumpEntry) Kind() Kind { return KindJump }

// InterruptedEntry records that the worker was interrupted by the
// executor, for example during a shard rebalance.
type InterruptedEntry struct{ Stamp }

func (InterruptedEntry) Kind() Kind { return KindInterrupted }

// ExitedEntry records that the worker exited and will never run again.
type ExitedEntry struct{ Stamp }

func (ExitedEntry) Kind() Kind { return KindExited }

// ChangeRetryPolicyEntry overrides the retry policy for all subsequent
// failures.
type ChangeRetryPolicyEntry struct {
	Stamp
	NewPolicy RetryConfig `json:"new_policy"`
}

func (ChangeRetryPolicyEntry) Kind() Kind { return KindChangeRetryPolicy }

// BeginAtomicRegionEntry opens an atomic region. If the worker fails before
// the matching end entry is written, the whole region is discarded on
// replay and its side effects are re-executed.
type BeginAtomicRegionEntry struct{ Stamp }

func (BeginAtomicRegionEntry) Kind() Kind { return KindBeginAtomicRegion }

// EndAtomicRegionEntry closes the atomic region opened at BeginIndex.
type EndAtomicRegionEntry struct {
	Stamp
	BeginIndex Index `json:"begin_index"`
}

func (EndAtomicRegionEntry) Kind() Kind { return KindEndAtomicRegion }

// BeginRemoteWriteEntry opens a remote write region grouping the entries
// of a single non-idempotent remote operation.
type BeginRemoteWriteEntry struct{ Stamp }

func (BeginRemoteWriteEntry) Kind() Kind { return KindBeginRemoteWrite }

// EndRemoteWriteEntry closes the remote write region opened at BeginIndex.
type EndRemoteWriteEntry struct {
	Stamp
	BeginIndex Index `json:"begin_index"`
}

func (EndRemoteWriteEntry) Kind() Kind { return KindEndRemoteWrite }

// WorkerInvocation is a queued request to invoke an exported function.
type WorkerInvocation struct {
	IdempotencyKey IdempotencyKey `json:"idempotency_key"`
	Function       string         `json:"function"`
	Request        Payload        `json:"request"`
	TraceID        string         `json:"trace_id,omitempty"`
}

// PendingWorkerInvocationEntry enqueues an invocation to run once the
// worker is idle. Hint entry.
type PendingWorkerInvocationEntry struct {
	Stamp
	Invocation WorkerInvocation `json:"invocation"`
}

func (PendingWorkerInvocationEntry) Kind() Kind { return KindPendingWorkerInvocation }

// UpdateDescription describes a requested component update.
type UpdateDescription struct {
	TargetVersion uint64 `json:"target_version"`
	// Snapshot holds the serialized worker state for snapshot based
	// updates. Nil means an automatic update.
	Snapshot *Payload `json:"snapshot,omitempty"`
}

// PendingUpdateEntry enqueues a component update. Hint entry.
type PendingUpdateEntry struct {
	Stamp
	Description UpdateDescription `json:"description"`
}

func (PendingUpdateEntry) Kind() Kind { return KindPendingUpdate }

// SuccessfulUpdateEntry records that a pending update was applied.
type SuccessfulUpdateEntry struct {
	Stamp
	TargetVersion    uint64                 `json:"target_version"`
	NewComponentSize uint64                 `json:"new_component_size"`
	NewActivePlugins []PluginInstallationID `json:"new_active_plugins,omitempty"`
}

func (SuccessfulUpdateEntry) Kind() Kind { return KindSuccessfulUpdate }

// FailedUpdateEntry records that a pending update could not be applied.
type FailedUpdateEntry struct {
	Stamp
	TargetVersion uint64 `json:"target_version"`
	Details       string `json:"details,omitempty"`
}

func (FailedUpdateEntry) Kind() Kind { return KindFailedUpdate }

// GrowMemoryEntry records linear memory growth by Delta bytes.
type GrowMemoryEntry struct {
	Stamp
	Delta uint64 `json:"delta"`
}

func (GrowMemoryEntry) Kind() Kind { return KindGrowMemory }

// CreateResourceEntry records creation of a host resource.
type CreateResourceEntry struct {
	Stamp
	ID ResourceID `json:"id"`
}

func (CreateResourceEntry) Kind() Kind { return KindCreateResource }

// DropResourceEntry records that a host resource was dropped.
type DropResourceEntry struct {
	Stamp
	ID ResourceID `json:"id"`
}

func (DropResourceEntry) Kind() Kind { return KindDropResource }

// DescribeResourceEntry attaches a constructor name and parameters to a
// host resource.
type DescribeResourceEntry struct {
	Stamp
	ID     ResourceID `json:"id"`
	Name   string     `json:"name"`
	Params []string   `json:"params,omitempty"`
}

func (DescribeResourceEntry) Kind() Kind { return KindDescribeResource }

// LogLevel is the severity of a LogEntry.
type LogLevel string

const (
	LevelTrace    LogLevel = "trace"
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
	LevelStdout   LogLevel = "stdout"
	LevelStderr   LogLevel = "stderr"
)

// LogEntry records output the worker produced. Hint entry.
type LogEntry struct {
	Stamp
	Level   LogLevel `json:"level"`
	Context string   `json:"context,omitempty"`
	Message string   `json:"message"`
}

func (LogEntry) Kind() Kind { return KindLog }

// RestartEntry marks a manual restart. Replay treats everything before it
// as deleted.
type RestartEntry struct{ Stamp }

func (RestartEntry) Kind() Kind { return KindRestart }

// ActivatePluginEntry activates an installed plugin for the worker.
type ActivatePluginEntry struct {
	Stamp
	Plugin PluginInstallationID `json:"plugin"`
}

func (ActivatePluginEntry) Kind() Kind { return KindActivatePlugin }

// DeactivatePluginEntry deactivates a previously activated plugin.
type DeactivatePluginEntry struct {
	Stamp
	Plugin PluginInstallationID `json:"plugin"`
}

func (DeactivatePluginEntry) Kind() Kind { return KindDeactivatePlugin }

// RevertEntry drops the effects of the Dropped region. The region is
// skipped during replay as if those entries were never written.
type RevertEntry struct {
	Stamp
	Dropped Region `json:"dropped"`
}

func (RevertEntry) Kind() Kind { return KindRevert }

// CancelPendingInvocationEntry removes a queued invocation before it runs.
type CancelPendingInvocationEntry struct {
	Stamp
	IdempotencyKey IdempotencyKey `json:"idempotency_key"`
}

func (CancelPendingInvocationEntry) Kind() Kind { return KindCancelPendingInvocation }

// SpanInfo is a node of an invocation's span tree.
type SpanInfo struct {
	SpanID string            `json:"span_id"`
	Parent string            `json:"parent,omitempty"`
	Attrs  map[string]string `json:"attributes,omitempty"`
}

// StartSpanEntry opens a custom span in the worker's invocation context.
// Hint entry.
type StartSpanEntry struct {
	Stamp
	SpanID string            `json:"span_id"`
	Parent string            `json:"parent,omitempty"`
	Linked string            `json:"linked,omitempty"`
	Attrs  map[string]string `json:"attributes,omitempty"`
}

func (StartSpanEntry) Kind() Kind { return KindStartSpan }

// FinishSpanEntry closes a previously started span. Hint entry.
type FinishSpanEntry struct {
	Stamp
	SpanID string `json:"span_id"`
}

func (FinishSpanEntry) Kind() Kind { return KindFinishSpan }

// SetSpanAttributeEntry sets an attribute on an open span. Hint entry.
type SetSpanAttributeEntry struct {
	Stamp
	SpanID string `json:"span_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

func (SetSpanAttributeEntry) Kind() Kind { return KindSetSpanAttribute }

// IndexedEntry pairs an entry with its position in the oplog.
type IndexedEntry struct {
	Index Index
	Entry Entry
}
