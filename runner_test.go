package oplog_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/golemcloud/oplog"
	"github.com/golemcloud/oplog/adapters/memstorage"
)

func newInvocation(key oplog.IdempotencyKey) oplog.WorkerInvocation {
	return oplog.WorkerInvocation{
		IdempotencyKey: key,
		Function:       "run",
		Request:        oplog.InlinePayload([]byte("req")),
	}
}

func lastEntry(t *testing.T, svc oplog.Service, worker oplog.WorkerID) oplog.IndexedEntry {
	t.Helper()
	ctx := context.Background()
	last, err := svc.GetLastIndex(ctx, worker)
	jtest.RequireNil(t, err)
	entries, err := svc.Read(ctx, worker, last, 1)
	jtest.RequireNil(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestRunnerInvoke(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)
	runner := oplog.NewRunner(svc, workerA)
	t.Cleanup(runner.Close)

	jtest.RequireNil(t, runner.Create(ctx, newCreateEntry(workerA)))
	require.True(t, runner.IsLive())

	var hostCalls int
	resp, err := runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		require.Equal(t, []byte("req"), req)
		return rt.HostCall(ctx, "golem:api/host.get-time", oplog.ReadRemote, nil, func(ctx context.Context, _ []byte) ([]byte, error) {
			hostCalls++
			return []byte("42"), nil
		})
	})
	jtest.RequireNil(t, err)
	require.Equal(t, []byte("42"), resp)
	require.Equal(t, 1, hostCalls)
	require.Equal(t, oplog.StatusIdle, runner.State().Status)

	// Invoking the same idempotency key again returns the recorded
	// response without running the guest.
	resp, err = runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		t.Fatal("guest must not run for a completed invocation")
		return nil, nil
	})
	jtest.RequireNil(t, err)
	require.Equal(t, []byte("42"), resp)
	require.Equal(t, 1, hostCalls)
}

// A worker recovered after its invocation completed replays the guest
// against the recorded span: remote calls substitute the recorded response
// and the recorded completion wins. Once the span is consumed, the key is
// served from the result map without running the guest at all.
func TestRunnerRecoverCompleted(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	guest := func(hostCalls *int) oplog.GuestFunc {
		return func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
			return rt.HostCall(ctx, "http.send", oplog.WriteRemote, req, func(ctx context.Context, _ []byte) ([]byte, error) {
				*hostCalls++
				return []byte("42"), nil
			})
		}
	}

	first := oplog.NewRunner(svc, workerA)
	jtest.RequireNil(t, first.Create(ctx, newCreateEntry(workerA)))
	var firstCalls int
	_, err := first.Invoke(ctx, newInvocation("key-1"), guest(&firstCalls))
	jtest.RequireNil(t, err)
	require.Equal(t, 1, firstCalls)

	second := oplog.NewRunner(svc, workerA)
	t.Cleanup(second.Close)
	jtest.RequireNil(t, second.Recover(ctx))

	var secondCalls int
	resp, err := second.Invoke(ctx, newInvocation("key-1"), guest(&secondCalls))
	jtest.RequireNil(t, err)
	require.Equal(t, []byte("42"), resp)
	require.Zero(t, secondCalls)
	require.True(t, second.IsLive())

	// The span is consumed now, so the key short-circuits.
	resp, err = second.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		t.Fatal("guest must not run for a consumed invocation")
		return nil, nil
	})
	jtest.RequireNil(t, err)
	require.Equal(t, []byte("42"), resp)
}

// A recovered worker whose history is fully completed accepts invocations
// with new idempotency keys: the completed spans are skipped, not treated
// as divergence.
func TestRunnerNewInvocationAfterRecovery(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	first := oplog.NewRunner(svc, workerA)
	jtest.RequireNil(t, first.Create(ctx, newCreateEntry(workerA)))
	_, err := first.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		return rt.HostCall(ctx, "http.send", oplog.WriteRemote, req, func(ctx context.Context, _ []byte) ([]byte, error) {
			return []byte("42"), nil
		})
	})
	jtest.RequireNil(t, err)
	first.Close()

	second := oplog.NewRunner(svc, workerA)
	t.Cleanup(second.Close)
	jtest.RequireNil(t, second.Recover(ctx))
	require.False(t, second.IsLive())

	var hostCalls int
	resp, err := second.Invoke(ctx, newInvocation("key-2"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		return rt.HostCall(ctx, "clock.now", oplog.ReadRemote, nil, func(ctx context.Context, _ []byte) ([]byte, error) {
			hostCalls++
			return []byte("now"), nil
		})
	})
	jtest.RequireNil(t, err)
	require.Equal(t, []byte("now"), resp)
	require.Equal(t, 1, hostCalls)
	require.True(t, second.IsLive())

	// The skipped invocation's result is still served.
	resp, err = second.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		t.Fatal("guest must not run for a completed invocation")
		return nil, nil
	})
	jtest.RequireNil(t, err)
	require.Equal(t, []byte("42"), resp)
}

// A worker that crashed between a remote host call and its completion
// entry replays the recorded remote response without re-issuing the call.
func TestRunnerReplayRemoteCall(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	for _, e := range []oplog.Entry{
		oplog.ExportedFunctionInvokedEntry{Stamp: stampedAt, Function: "run", Request: oplog.InlinePayload([]byte("req")), IdempotencyKey: "key-1"},
		oplog.ImportedFunctionInvokedEntry{Stamp: stampedAt, Function: "http.send", Response: oplog.InlinePayload([]byte("42")), FunctionType: oplog.WriteRemote},
	} {
		_, err := o.Add(ctx, e)
		jtest.RequireNil(t, err)
	}
	jtest.RequireNil(t, o.Commit(ctx))

	runner := oplog.NewRunner(svc, workerA)
	t.Cleanup(runner.Close)
	jtest.RequireNil(t, runner.Recover(ctx))
	require.False(t, runner.IsLive())

	var hostCalls int
	resp, err := runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		return rt.HostCall(ctx, "http.send", oplog.WriteRemote, req, func(ctx context.Context, _ []byte) ([]byte, error) {
			hostCalls++
			return []byte("fresh"), nil
		})
	})
	jtest.RequireNil(t, err)
	require.Equal(t, []byte("42"), resp)
	require.Zero(t, hostCalls)
	require.True(t, runner.IsLive())

	// The completion entry was missing, so recovery wrote it.
	require.Equal(t, oplog.KindExportedFunctionCompleted, lastEntry(t, svc, workerA).Entry.Kind())
}

// Local host calls re-execute on every replay; only their entry is
// consumed to keep the cursor aligned. Hints like logs write nothing
// during replay.
func TestRunnerReplayLocalCall(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	for _, e := range []oplog.Entry{
		oplog.ExportedFunctionInvokedEntry{Stamp: stampedAt, Function: "run", Request: oplog.InlinePayload([]byte("req")), IdempotencyKey: "key-1"},
		oplog.ImportedFunctionInvokedEntry{Stamp: stampedAt, Function: "random.u64", Response: oplog.InlinePayload([]byte("stale")), FunctionType: oplog.ReadLocal},
		oplog.ExportedFunctionCompletedEntry{Stamp: stampedAt, Response: oplog.InlinePayload([]byte("done"))},
	} {
		_, err := o.Add(ctx, e)
		jtest.RequireNil(t, err)
	}
	jtest.RequireNil(t, o.Commit(ctx))

	runner := oplog.NewRunner(svc, workerA)
	t.Cleanup(runner.Close)
	jtest.RequireNil(t, runner.Recover(ctx))

	var hostCalls int
	resp, err := runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		jtest.RequireNil(t, rt.Log(ctx, oplog.LevelInfo, "", "starting"))
		out, err := rt.HostCall(ctx, "random.u64", oplog.ReadLocal, nil, func(ctx context.Context, _ []byte) ([]byte, error) {
			hostCalls++
			return []byte("fresh"), nil
		})
		if err != nil {
			return nil, err
		}
		require.Equal(t, []byte("fresh"), out)
		jtest.RequireNil(t, rt.GrowMemory(ctx, 100))
		return out, nil
	})
	jtest.RequireNil(t, err)

	// The recorded completion wins over what the replayed guest produced.
	require.Equal(t, []byte("done"), resp)
	require.Equal(t, 1, hostCalls)

	// Fully replayed: nothing new was appended.
	last, err := svc.GetLastIndex(ctx, workerA)
	jtest.RequireNil(t, err)
	require.Equal(t, oplog.Index(4), last)
}

// A crash inside an atomic region leaves it dangling, so replay discards
// the region's entries and the body runs again.
func TestRunnerReplayDanglingAtomic(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	for _, e := range []oplog.Entry{
		oplog.ExportedFunctionInvokedEntry{Stamp: stampedAt, Function: "run", Request: oplog.InlinePayload([]byte("req")), IdempotencyKey: "key-1"},
		oplog.BeginAtomicRegionEntry{Stamp: stampedAt},
		oplog.ImportedFunctionInvokedEntry{Stamp: stampedAt, Function: "kv.set", Response: oplog.InlinePayload(nil), FunctionType: oplog.WriteLocal},
	} {
		_, err := o.Add(ctx, e)
		jtest.RequireNil(t, err)
	}
	jtest.RequireNil(t, o.Commit(ctx))

	runner := oplog.NewRunner(svc, workerA)
	t.Cleanup(runner.Close)
	jtest.RequireNil(t, runner.Recover(ctx))

	var bodyRuns, hostCalls int
	resp, err := runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		err := rt.Atomic(ctx, func(ctx context.Context) error {
			bodyRuns++
			_, err := rt.HostCall(ctx, "kv.set", oplog.WriteLocal, nil, func(ctx context.Context, _ []byte) ([]byte, error) {
				hostCalls++
				return nil, nil
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return []byte("ok"), nil
	})
	jtest.RequireNil(t, err)
	require.Equal(t, []byte("ok"), resp)
	require.Equal(t, 1, bodyRuns)
	require.Equal(t, 1, hostCalls)

	// The re-executed region closed properly this time.
	entries, err := svc.Read(ctx, workerA, oplog.IndexInitial, 100)
	jtest.RequireNil(t, err)
	var begins, ends int
	for _, ie := range entries {
		switch ie.Entry.Kind() {
		case oplog.KindBeginAtomicRegion:
			begins++
		case oplog.KindEndAtomicRegion:
			ends++
		}
	}
	require.Equal(t, 2, begins)
	require.Equal(t, 1, ends)
}

func TestRunnerRetry(t *testing.T) {
	ctx := context.Background()
	clock := clocktesting.NewFakeClock(stampedAt.At)
	svc := oplog.NewPrimaryService(memstorage.New(), memstorage.NewBlob(), oplog.WithClock(clock))
	runner := oplog.NewRunner(svc, workerA, oplog.WithClock(clock))
	t.Cleanup(runner.Close)

	jtest.RequireNil(t, runner.Create(ctx, newCreateEntry(workerA)))

	var attempts int
	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return []byte("ok"), nil
		})
		done <- result{resp, err}
	}()

	// Release the backoff timer of each of the two retries.
	for range 2 {
		require.Eventually(t, clock.HasWaiters, time.Second, time.Millisecond)
		clock.Step(time.Second)
	}

	res := <-done
	jtest.RequireNil(t, res.err)
	require.Equal(t, []byte("ok"), res.resp)
	require.Equal(t, 3, attempts)
	require.Equal(t, oplog.StatusIdle, runner.State().Status)
	require.Zero(t, runner.State().ConsecutiveFailures)
}

func TestRunnerRetryExhausted(t *testing.T) {
	ctx := context.Background()
	clock := clocktesting.NewFakeClock(stampedAt.At)
	svc := oplog.NewPrimaryService(memstorage.New(), memstorage.NewBlob(), oplog.WithClock(clock))
	runner := oplog.NewRunner(svc, workerA, oplog.WithClock(clock))
	t.Cleanup(runner.Close)

	jtest.RequireNil(t, runner.Create(ctx, newCreateEntry(workerA)))

	errGuest := errors.New("guest broken")
	done := make(chan error, 1)
	go func() {
		_, err := runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
			return nil, errGuest
		})
		done <- err
	}()

	for range 2 {
		require.Eventually(t, clock.HasWaiters, time.Second, time.Millisecond)
		clock.Step(time.Second)
	}

	err := <-done
	jtest.Require(t, errGuest, err)
	require.Equal(t, oplog.StatusFailed, runner.State().Status)
	require.Equal(t, uint64(3), runner.State().ConsecutiveFailures)
	require.Equal(t, oplog.KindError, lastEntry(t, svc, workerA).Entry.Kind())
}

func TestRunnerInterrupt(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)
	runner := oplog.NewRunner(svc, workerA)
	t.Cleanup(runner.Close)

	jtest.RequireNil(t, runner.Create(ctx, newCreateEntry(workerA)))

	_, err := runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		runner.Interrupt()
		return rt.HostCall(ctx, "http.send", oplog.WriteRemote, nil, func(ctx context.Context, _ []byte) ([]byte, error) {
			t.Fatal("host call must not run after an interrupt")
			return nil, nil
		})
	})
	jtest.Require(t, oplog.ErrInterrupted, err)
	require.Equal(t, oplog.StatusInterrupted, runner.State().Status)
	require.Equal(t, oplog.KindInterrupted, lastEntry(t, svc, workerA).Entry.Kind())
}

func TestRunnerEnqueueCancel(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)
	runner := oplog.NewRunner(svc, workerA)
	t.Cleanup(runner.Close)

	jtest.RequireNil(t, runner.Create(ctx, newCreateEntry(workerA)))

	err := runner.CancelInvocation(ctx, "key-1")
	jtest.Require(t, oplog.ErrInvocationNotFound, err)

	jtest.RequireNil(t, runner.EnqueueInvocation(ctx, newInvocation("key-1")))
	require.Len(t, runner.State().PendingInvocations, 1)

	jtest.RequireNil(t, runner.CancelInvocation(ctx, "key-1"))
	require.Empty(t, runner.State().PendingInvocations)
}

// An invocation arriving out of order relative to the recorded history is
// a replay mismatch and fails permanently.
func TestRunnerReplayDivergence(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)

	o, err := svc.Create(ctx, workerA, newCreateEntry(workerA))
	jtest.RequireNil(t, err)
	_, err = o.Add(ctx, oplog.ExportedFunctionInvokedEntry{Stamp: stampedAt, Function: "run", Request: oplog.InlinePayload([]byte("req")), IdempotencyKey: "key-1"})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, o.Commit(ctx))

	runner := oplog.NewRunner(svc, workerA)
	t.Cleanup(runner.Close)
	jtest.RequireNil(t, runner.Recover(ctx))

	_, err = runner.Invoke(ctx, newInvocation("key-2"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		return []byte("ok"), nil
	})
	jtest.Require(t, oplog.ErrReplayMismatch, err)
}

func TestRunnerResources(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t)
	runner := oplog.NewRunner(svc, workerA)
	t.Cleanup(runner.Close)

	jtest.RequireNil(t, runner.Create(ctx, newCreateEntry(workerA)))

	_, err := runner.Invoke(ctx, newInvocation("key-1"), func(ctx context.Context, rt *oplog.Runtime, req []byte) ([]byte, error) {
		id, err := rt.CreateResource(ctx)
		if err != nil {
			return nil, err
		}
		if err := rt.DescribeResource(ctx, id, "connection", []string{"db"}); err != nil {
			return nil, err
		}
		id2, err := rt.CreateResource(ctx)
		if err != nil {
			return nil, err
		}
		if err := rt.DropResource(ctx, id2); err != nil {
			return nil, err
		}
		return nil, nil
	})
	jtest.RequireNil(t, err)

	state := runner.State()
	require.Len(t, state.Resources, 1)
	require.Equal(t, "connection", state.Resources[1].Name)
}
