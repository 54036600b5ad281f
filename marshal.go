package oplog

import (
	"encoding/json"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Marshal is the single point of serialisation for everything this package
// persists other than oplog entries. Entries go through MarshalEntry so
// the kind tag is always written.
func Marshal[T any](t *T) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}
	return b, nil
}

// Unmarshal is the single point of deserialisation paired with Marshal.
func Unmarshal[T any](b []byte, t *T) error {
	if len(b) == 0 {
		return nil
	}
	err := json.Unmarshal(b, t)
	if err != nil {
		return errors.Wrap(err, "unmarshal")
	}
	return nil
}

// envelope is the persisted form of an entry. The kind tag discriminates
// the variant and data holds the variant's own fields, including the
// timestamp. Unknown fields inside data are ignored on decode so variants
// can gain fields without breaking old readers.
type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalEntry encodes an entry as a kind-tagged envelope.
func MarshalEntry(e Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal entry", j.KV("kind", string(e.Kind())))
	}
	b, err := json.Marshal(envelope{Kind: e.Kind(), Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}

// UnmarshalEntry decodes an entry previously encoded by MarshalEntry.
func UnmarshalEntry(b []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	decode, ok := entryDecoders[env.Kind]
	if !ok {
		return nil, errors.Wrap(ErrUnknownEntryKind, "", j.KV("kind", string(env.Kind)))
	}
	return decode(env.Data)
}

func decodeInto[T Entry](data []byte) (Entry, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "unmarshal entry", j.KV("kind", string(e.Kind())))
	}
	return e, nil
}

var entryDecoders = map[Kind]func([]byte) (Entry, error){
	KindCreate:                    decodeInto[CreateEntry],
	KindImportedFunctionInvoked:   decodeInto[ImportedFunctionInvokedEntry],
	KindExportedFunctionInvoked:   decodeInto[ExportedFunctionInvokedEntry],
	KindExportedFunctionCompleted: decodeInto[ExportedFunctionCompletedEntry],
	KindSuspend:                   decodeInto[SuspendEntry],
	KindError:                     decodeInto[ErrorEntry],
	KindNoOp:                      decodeInto[NoOpEntry],
	KindJump:                      decodeInto[JumpEntry],
	KindInterrupted:               decodeInto[InterruptedEntry],
	KindExited:                    decodeInto[ExitedEntry],
	KindChangeRetryPolicy:         decodeInto[ChangeRetryPolicyEntry],
	KindBeginAtomicRegion:         decodeInto[BeginAtomicRegionEntry],
	KindEndAtomicRegion:           decodeInto[EndAtomicRegionEntry],
	KindBeginRemoteWrite:          decodeInto[BeginRemoteWriteEntry],
	KindEndRemoteWrite:            decodeInto[EndRemoteWriteEntry],
	KindPendingWorkerInvocation:   decodeInto[PendingWorkerInvocationEntry],
	KindPendingUpdate:             decodeInto[PendingUpdateEntry],
	KindSuccessfulUpdate:          decodeInto[SuccessfulUpdateEntry],
	KindFailedUpdate:              decodeInto[FailedUpdateEntry],
	KindGrowMemory:                decodeInto[GrowMemoryEntry],
	KindCreateResource:            decodeInto[CreateResourceEntry],
	KindDropResource:              decodeInto[DropResourceEntry],
	KindDescribeResource:          decodeInto[DescribeResourceEntry],
	KindLog:                       decodeInto[LogEntry],
	KindRestart:                   decodeInto[RestartEntry],
	KindActivatePlugin:            decodeInto[ActivatePluginEntry],
	KindDeactivatePlugin:          decodeInto[DeactivatePluginEntry],
	KindRevert:                    decodeInto[RevertEntry],
	KindCancelPendingInvocation:   decodeInto[CancelPendingInvocationEntry],
	KindStartSpan:                 decodeInto[StartSpanEntry],
	KindFinishSpan:                decodeInto[FinishSpanEntry],
	KindSetSpanAttribute:          decodeInto[SetSpanAttributeEntry],
}
