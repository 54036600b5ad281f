package oplog

import (
	"context"
	"sync/atomic"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/golemcloud/oplog/internal/metrics"
)

// HostFunc is the actual implementation behind a host function call.
type HostFunc func(ctx context.Context, request []byte) ([]byte, error)

// GuestFunc is the body of an exported function. It must be deterministic
// apart from the host calls it makes through the Runtime, because failed
// invocations are re-executed against the recorded history.
type GuestFunc func(ctx context.Context, rt *Runtime, request []byte) ([]byte, error)

// Runner drives the invocations of a single worker against its oplog. It
// recovers the worker by replaying existing entries, records new entries
// while live, and retries failed invocations per the retry policy in
// force.
//
// A runner executes one invocation at a time.
type Runner struct {
	svc    Service
	worker WorkerID
	opts   options

	oplog       Oplog
	state       WorkerState
	replay      *ReplayState
	nextRes     ResourceID
	interrupted atomic.Bool
}

func NewRunner(svc Service, worker WorkerID, opts ...Option) *Runner {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner{
		svc:    svc,
		worker: worker,
		opts:   o,
	}
}

// Create writes the worker's initial oplog entry and leaves the runner
// live with nothing to replay.
func (r *Runner) Create(ctx context.Context, create CreateEntry) error {
	o, err := r.svc.Create(ctx, r.worker, create)
	if err != nil {
		return err
	}
	r.oplog = o
	r.state = NewWorkerState(create)
	r.replay = NewReplayState(o, r.worker, IndexInitial, RegionSet{})
	return nil
}

// Recover opens the worker's existing oplog, folds its state and prepares
// replay. The worker stays in replay mode until the next invocation's
// guest code has consumed every recorded entry.
func (r *Runner) Recover(ctx context.Context) error {
	o, err := r.svc.Open(ctx, r.worker)
	if err != nil {
		return err
	}
	r.oplog = o
	return r.rebuild(ctx)
}

// rebuild recomputes state and replay position from the log. Used on
// recovery and before each retry attempt.
func (r *Runner) rebuild(ctx context.Context) error {
	last, err := r.svc.GetLastIndex(ctx, r.worker)
	if err != nil {
		return err
	}
	entries, err := r.svc.Read(ctx, r.worker, IndexInitial, uint64(last))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.Wrap(ErrOplogNotFound, "", j.KV("worker", r.worker.String()))
	}
	create, ok := entries[0].Entry.(CreateEntry)
	if !ok {
		return errors.Wrap(ErrReplayMismatch, "oplog does not start with a create entry",
			j.KV("worker", r.worker.String()))
	}
	r.state = CalculateWorkerState(NewWorkerState(create), entries[1:])

	skipped := cloneRegions(r.state.DeletedRegions)
	skipped.AddAll(DanglingRegions(entries))
	r.replay = NewReplayState(r.oplog, r.worker, ReplayTargetIndex(entries), skipped)

	r.nextRes = 0
	for id := range r.state.Resources {
		if id > r.nextRes {
			r.nextRes = id
		}
	}

	r.opts.logger.Debug(ctx, "worker recovered", MKV{
		"worker":        r.worker.String(),
		"last_index":    last.String(),
		"replay_target": r.replay.ReplayTarget().String(),
	})
	return nil
}

// State returns the worker state as of the last appended or folded entry.
func (r *Runner) State() WorkerState {
	return r.state
}

// IsLive reports whether replay has finished and new entries are being
// recorded.
func (r *Runner) IsLive() bool {
	return r.replay == nil || r.replay.IsLive()
}

// Interrupt asks the runner to stop at the next host call checkpoint.
func (r *Runner) Interrupt() {
	r.interrupted.Store(true)
}

// Close commits and releases the underlying oplog handle.
func (r *Runner) Close() {
	if r.oplog != nil {
		r.oplog.Close()
	}
}

// append records a new entry and keeps the folded state in sync.
func (r *Runner) append(ctx context.Context, e Entry) (Index, error) {
	idx, err := r.oplog.Add(ctx, e)
	if err != nil {
		return IndexNone, err
	}
	r.state = CalculateWorkerState(r.state, []IndexedEntry{{Index: idx, Entry: e}})
	return idx, nil
}

// EnqueueInvocation queues an invocation to be run when the worker is
// next idle. Queuing with an idempotency key that already completed or is
// already queued is a no-op.
func (r *Runner) EnqueueInvocation(ctx context.Context, inv WorkerInvocation) error {
	_, err := r.append(ctx, PendingWorkerInvocationEntry{Stamp: r.stamp(), Invocation: inv})
	if err != nil {
		return err
	}
	return r.oplog.Commit(ctx)
}

// CancelInvocation removes a queued invocation before it runs.
func (r *Runner) CancelInvocation(ctx context.Context, key IdempotencyKey) error {
	if !hasInvocation(r.state.PendingInvocations, key) {
		return errors.Wrap(ErrInvocationNotFound, "", j.KV("idempotency_key", string(key)))
	}
	_, err := r.append(ctx, CancelPendingInvocationEntry{Stamp: r.stamp(), IdempotencyKey: key})
	if err != nil {
		return err
	}
	return r.oplog.Commit(ctx)
}

// Invoke runs an exported function invocation to completion, replaying
// recorded history first and retrying failures per the retry policy. An
// invocation whose idempotency key already completed returns the recorded
// response; the guest only runs again as replay when its recorded span has
// not been consumed yet, so recovery and new invocations both leave the
// cursor past every completed span.
func (r *Runner) Invoke(ctx context.Context, inv WorkerInvocation, fn GuestFunc) ([]byte, error) {
	if resultIdx, ok := r.state.InvocationResults[inv.IdempotencyKey]; ok {
		if r.replay.IsLive() || resultIdx <= r.replay.LastReplayed() {
			return r.recordedResponse(ctx, resultIdx)
		}
		// The recorded span has not been replayed yet. Fall through so the
		// guest re-executes against it and the cursor moves past it.
	}

	for {
		resp, err := r.attempt(ctx, inv, fn)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrInterrupted) {
			if _, aerr := r.append(ctx, InterruptedEntry{Stamp: r.stamp()}); aerr != nil {
				return nil, aerr
			}
			if cerr := r.oplog.Commit(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "")
		}

		if _, aerr := r.append(ctx, ErrorEntry{Stamp: r.stamp(), Message: err.Error()}); aerr != nil {
			return nil, aerr
		}
		if cerr := r.oplog.Commit(ctx); cerr != nil {
			return nil, cerr
		}

		decision := r.state.RetryPolicy.Decide(r.state.ConsecutiveFailures)
		if !decision.Retry {
			return nil, errors.Wrap(err, "invocation failed permanently", j.MKV{
				"worker":   r.worker.String(),
				"function": inv.Function,
			})
		}
		metrics.InvocationRetries.WithLabelValues(string(r.worker.ComponentID)).Inc()
		r.opts.logger.Debug(ctx, "retrying invocation", MKV{
			"worker":   r.worker.String(),
			"function": inv.Function,
			"delay":    decision.Delay.String(),
		})

		timer := r.opts.clock.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "")
		case <-timer.C():
		}

		// Re-execute against the recorded history, which now includes
		// everything persisted by the failed attempt.
		if err := r.rebuild(ctx); err != nil {
			return nil, err
		}
	}
}

// attempt runs the guest once, consuming the invocation's recorded
// entries during replay or appending them while live.
func (r *Runner) attempt(ctx context.Context, inv WorkerInvocation, fn GuestFunc) ([]byte, error) {
	replayed := false
	for !r.replay.IsLive() {
		ie, ok, err := r.replay.NextOfKind(ctx, KindExportedFunctionInvoked)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		recorded := ie.Entry.(ExportedFunctionInvokedEntry)
		if recorded.IdempotencyKey == inv.IdempotencyKey {
			r.state.CurrentIdempotencyKey = &inv.IdempotencyKey
			replayed = true
			break
		}
		resultIdx, done := r.state.InvocationResults[recorded.IdempotencyKey]
		if !done {
			return nil, errors.Wrap(ErrReplayMismatch, "invocation order diverged", j.MKV{
				"worker":   r.worker.String(),
				"recorded": string(recorded.IdempotencyKey),
				"invoked":  string(inv.IdempotencyKey),
			})
		}
		// The recorded invocation completed, so its span needs no
		// re-execution. Skip past its completion entry.
		r.replay.Seek(resultIdx.Next())
	}
	if !replayed {
		req, err := r.oplog.UploadPayload(ctx, inv.Request.Inline)
		if err != nil {
			return nil, err
		}
		_, err = r.append(ctx, ExportedFunctionInvokedEntry{
			Stamp:          r.stamp(),
			Function:       inv.Function,
			Request:        req,
			IdempotencyKey: inv.IdempotencyKey,
			TraceID:        inv.TraceID,
		})
		if err != nil {
			return nil, err
		}
		if err := r.oplog.Commit(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := fn(ctx, &Runtime{r: r}, r.requestBytes(ctx, inv))
	if err != nil {
		return nil, err
	}

	if !r.replay.IsLive() {
		ie, ok, err := r.replay.NextOfKind(ctx, KindExportedFunctionCompleted)
		if err != nil {
			return nil, err
		}
		if ok {
			recorded := ie.Entry.(ExportedFunctionCompletedEntry)
			key := inv.IdempotencyKey
			r.state.InvocationResults = copyResults(r.state.InvocationResults)
			r.state.InvocationResults[key] = ie.Index
			r.state.CurrentIdempotencyKey = nil
			return r.oplog.DownloadPayload(ctx, recorded.Response)
		}
	}

	// Either the run was live, or the previous run crashed before the
	// completion entry was written. Record it now.
	respP, err := r.oplog.UploadPayload(ctx, resp)
	if err != nil {
		return nil, err
	}
	_, err = r.append(ctx, ExportedFunctionCompletedEntry{Stamp: r.stamp(), Response: respP})
	if err != nil {
		return nil, err
	}
	if err := r.oplog.Commit(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Runner) requestBytes(ctx context.Context, inv WorkerInvocation) []byte {
	data, err := r.oplog.DownloadPayload(ctx, inv.Request)
	if err != nil {
		return inv.Request.Inline
	}
	return data
}

func (r *Runner) recordedResponse(ctx context.Context, resultIdx Index) ([]byte, error) {
	e, err := r.oplog.Read(ctx, resultIdx)
	if err != nil {
		return nil, err
	}
	completed, ok := e.(ExportedFunctionCompletedEntry)
	if !ok {
		return nil, errors.Wrap(ErrReplayMismatch, "recorded result is not a completion entry",
			j.KV("index", resultIdx.String()))
	}
	return r.oplog.DownloadPayload(ctx, completed.Response)
}

func (r *Runner) stamp() Stamp {
	return Stamp{At: r.opts.clock.Now()}
}

// Runtime is handed to guest code and intercepts its host interactions,
// recording them while live and substituting recorded responses during
// replay.
type Runtime struct {
	r *Runner
}

// HostCall runs a host function durably. Remote calls are recorded and
// never re-issued during replay. Local calls are re-executed on every
// replay, with the recorded entry consumed to keep the cursor aligned.
func (rt *Runtime) HostCall(ctx context.Context, name string, ftype DurableFunctionType, req []byte, call HostFunc) ([]byte, error) {
	r := rt.r
	if r.interrupted.Load() {
		return nil, errors.Wrap(ErrInterrupted, "", j.KV("worker", r.worker.String()))
	}

	if !r.replay.IsLive() {
		ie, ok, err := r.replay.NextOfKind(ctx, KindImportedFunctionInvoked)
		if err != nil {
			return nil, err
		}
		if ok {
			recorded := ie.Entry.(ImportedFunctionInvokedEntry)
			if recorded.Function != name {
				return nil, errors.Wrap(ErrReplayMismatch, "host call diverged", j.MKV{
					"worker":   r.worker.String(),
					"index":    ie.Index.String(),
					"recorded": recorded.Function,
					"called":   name,
				})
			}
			if recorded.FunctionType.IsRemote() {
				return r.oplog.DownloadPayload(ctx, recorded.Response)
			}
			return call(ctx, req)
		}
	}

	resp, err := call(ctx, req)
	if err != nil {
		return nil, err
	}
	reqP, err := r.oplog.UploadPayload(ctx, req)
	if err != nil {
		return nil, err
	}
	respP, err := r.oplog.UploadPayload(ctx, resp)
	if err != nil {
		return nil, err
	}
	_, err = r.append(ctx, ImportedFunctionInvokedEntry{
		Stamp:        r.stamp(),
		Function:     name,
		Request:      reqP,
		Response:     respP,
		FunctionType: ftype,
	})
	if err != nil {
		return nil, err
	}
	if ftype.IsRemote() {
		// Remote effects must be durable before anything depends on them.
		if err := r.oplog.Commit(ctx); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Atomic runs fn inside an atomic region. If the worker crashes before
// the region closes, replay discards the region's recorded entries and fn
// runs again from the start.
func (rt *Runtime) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	r := rt.r
	if !r.replay.IsLive() {
		_, ok, err := r.replay.NextOfKind(ctx, KindBeginAtomicRegion)
		if err != nil {
			return err
		}
		if ok {
			if err := fn(ctx); err != nil {
				return err
			}
			_, _, err := r.replay.NextOfKind(ctx, KindEndAtomicRegion)
			return err
		}
	}

	begin, err := r.oplog.BeginAtomicRegion(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		// Leave the region dangling so replay discards it.
		return err
	}
	return r.oplog.EndAtomicRegion(ctx, begin)
}

// RemoteWrite groups the entries of one non-idempotent remote operation
// so they are replayed all or nothing.
func (rt *Runtime) RemoteWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	r := rt.r
	if !r.replay.IsLive() {
		_, ok, err := r.replay.NextOfKind(ctx, KindBeginRemoteWrite)
		if err != nil {
			return err
		}
		if ok {
			if err := fn(ctx); err != nil {
				return err
			}
			_, _, err := r.replay.NextOfKind(ctx, KindEndRemoteWrite)
			return err
		}
	}

	begin, err := r.oplog.BeginRemoteWrite(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return r.oplog.EndRemoteWrite(ctx, begin)
}

// Log records worker output as a hint entry. Nothing is written during
// replay since the entry is already in the log.
func (rt *Runtime) Log(ctx context.Context, level LogLevel, logCtx, message string) error {
	r := rt.r
	if !r.replay.IsLive() {
		return nil
	}
	_, err := r.append(ctx, LogEntry{Stamp: r.stamp(), Level: level, Context: logCtx, Message: message})
	return err
}

// CreateResource assigns the next resource id and records the creation.
func (rt *Runtime) CreateResource(ctx context.Context) (ResourceID, error) {
	r := rt.r
	r.nextRes++
	id := r.nextRes
	if !r.replay.IsLive() {
		r.state.Resources = copyResources(r.state.Resources)
		r.state.Resources[id] = ResourceDescription{CreatedAt: r.opts.clock.Now()}
		return id, nil
	}
	_, err := r.append(ctx, CreateResourceEntry{Stamp: r.stamp(), ID: id})
	return id, err
}

// DescribeResource attaches a constructor name and parameters to the
// resource.
func (rt *Runtime) DescribeResource(ctx context.Context, id ResourceID, name string, params []string) error {
	r := rt.r
	if !r.replay.IsLive() {
		return nil
	}
	_, err := r.append(ctx, DescribeResourceEntry{Stamp: r.stamp(), ID: id, Name: name, Params: params})
	return err
}

// DropResource records that the resource is gone.
func (rt *Runtime) DropResource(ctx context.Context, id ResourceID) error {
	r := rt.r
	if !r.replay.IsLive() {
		r.state.Resources = copyResources(r.state.Resources)
		delete(r.state.Resources, id)
		return nil
	}
	_, err := r.append(ctx, DropResourceEntry{Stamp: r.stamp(), ID: id})
	return err
}

// GrowMemory records linear memory growth.
func (rt *Runtime) GrowMemory(ctx context.Context, delta uint64) error {
	r := rt.r
	if !r.replay.IsLive() {
		return nil
	}
	_, err := r.append(ctx, GrowMemoryEntry{Stamp: r.stamp(), Delta: delta})
	return err
}
