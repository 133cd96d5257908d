package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmserve/loop"
)

// Instance is one running guest together with the loop that drives it.
// Every call into the guest runs as a loop task, except Reenter, which is
// only valid once Run has returned.
type Instance struct {
	rt     *Runtime
	name   string
	mod    api.Module
	module *Module
	host   Host
	loop   *loop.Loop
	log    *zap.Logger

	// ctx is the context of the current Run; read only on the loop goroutine.
	ctx context.Context

	entry    api.Function
	dispatch api.Function
	poll     api.Function

	// pollTimer is only touched on the loop goroutine.
	pollTimer *loop.Timer

	// pendingCall holds a host_call response that did not fit the guest's
	// buffer, so the retry does not run the function twice.
	pendingCall *pendingCall

	listening atomic.Bool
	exited    atomic.Bool
	exitCode  atomic.Int32
	heartbeat atomic.Int64

	closeOnce sync.Once
}

type pendingCall struct {
	payload  string
	response []byte
}

// Name is the wazero module name of the instance.
func (i *Instance) Name() string { return i.name }

func (i *Instance) Digest() string { return i.module.digest }

// Loop returns the scheduler driving this instance.
func (i *Instance) Loop() *loop.Loop { return i.loop }

// Exited reports whether the guest signaled the end of its own top-level
// execution: it called proc_exit, a WASI _start returned, its entry point
// trapped, or a call ran past the call timeout. A run entry that returns
// leaves the guest running, listener or not.
func (i *Instance) Exited() bool { return i.exited.Load() }

// ExitCode is meaningful once Exited is true.
func (i *Instance) ExitCode() int { return int(i.exitCode.Load()) }

// Listening reports whether the guest has bound at least one listener.
func (i *Instance) Listening() bool { return i.listening.Load() }

// LastHeartbeat is zero until the guest calls heartbeat.
func (i *Instance) LastHeartbeat() time.Time {
	ns := i.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run drives the instance's loop on the calling goroutine. It returns the
// guest's exit code once the guest exits, or (0, nil) when the loop drains
// with the guest still running.
func (i *Instance) Run(ctx context.Context) (int, error) {
	i.ctx = ctx
	return i.loop.Run(ctx)
}

// Dispatch queues wasmhttp_request(ref, id) and returns without waiting
// for the guest. If the call traps, the request is failed through its
// exchange. Without a host there is nothing to look the request up in.
func (i *Instance) Dispatch(ref HandlerRef, id RequestID) error {
	if i.host == nil {
		return ErrNoHost
	}
	if i.exited.Load() {
		return ErrExited
	}
	return i.loop.Post(func() { i.dispatchNow(ref, id) })
}

// Hold keeps the loop running while a request is in flight. The returned
// release func is safe to call more than once.
func (i *Instance) Hold() (release func()) {
	i.loop.Ref()
	var once sync.Once
	return func() { once.Do(i.loop.Unref) }
}

// Reenter synchronously calls the entry point again. It must not be called
// while Run is active.
func (i *Instance) Reenter(ctx context.Context) error {
	if i.exited.Load() {
		return ErrExited
	}
	i.log.Warn("re-entering guest", zap.String("entry", i.module.entry))

	_, err := i.call(ctx, i.entry)
	if err == nil {
		i.entryReturned()
		return nil
	}
	if i.exitFrom(err) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrGuestTrapped, err)
}

// Close releases the guest module. It is safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		i.rt.untrack(i.name)
		err = i.mod.Close(ctx)
	})
	return err
}

func (i *Instance) runEntry() {
	_, err := i.call(i.ctx, i.entry)
	if err != nil {
		if !i.exitFrom(err) {
			i.log.Error("guest entry trapped", zap.Error(err))
			i.markExited(1)
		}
		return
	}
	i.entryReturned()
}

// entryReturned handles an entry point that returned without trapping.
// A returning _start is a finished WASI command; a returning run hands
// control back to the guest's own scheduler.
func (i *Instance) entryReturned() {
	if i.module.entry == ExportStart {
		i.markExited(0)
		return
	}
	i.log.Debug("guest entry returned", zap.Bool("listening", i.listening.Load()))
}

func (i *Instance) dispatchNow(ref HandlerRef, id RequestID) {
	if i.exited.Load() {
		i.failRequest(id, ErrExited)
		return
	}

	_, err := i.call(i.ctx, i.dispatch, uint64(ref), uint64(id))
	if err != nil {
		if i.exitFrom(err) {
			i.failRequest(id, ErrExited)
			return
		}
		i.log.Error("guest trapped handling request",
			zap.Uint64("request", uint64(id)),
			zap.Uint32("handler", uint32(ref)),
			zap.Error(err),
		)
		i.failRequest(id, fmt.Errorf("%w: %w", ErrGuestTrapped, err))
		return
	}

	i.startPoll()
}

func (i *Instance) startPoll() {
	if i.poll == nil || i.pollTimer != nil {
		return
	}
	i.pollTimer = i.loop.Every(i.rt.cfg.pollInterval, i.pollOnce)
}

// stopPoll runs on the loop goroutine, or from Reenter after the loop
// has returned.
func (i *Instance) stopPoll() {
	if i.pollTimer != nil {
		i.pollTimer.Stop()
		i.pollTimer = nil
	}
}

func (i *Instance) pollOnce() {
	res, err := i.call(i.ctx, i.poll)
	if err != nil {
		if !i.exitFrom(err) {
			i.log.Error("guest trapped in poll", zap.Error(err))
		}
		i.stopPoll()
		return
	}
	if len(res) == 0 || api.DecodeI32(res[0]) == 0 {
		i.stopPoll()
	}
}

func (i *Instance) call(ctx context.Context, fn api.Function, params ...uint64) ([]uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d := i.rt.cfg.callTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn.Call(ctx, params...)
}

// exitFrom records the exit carried by err, if any. Calls cut short by
// the call timeout or cancellation count as exit code 1.
func (i *Instance) exitFrom(err error) bool {
	var exitErr *sys.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}

	switch code := exitErr.ExitCode(); code {
	case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
		i.log.Error("guest call interrupted", zap.Error(err))
		i.markExited(1)
	default:
		i.markExited(int(code))
	}
	return true
}

func (i *Instance) markExited(code int) {
	if !i.exited.CompareAndSwap(false, true) {
		return
	}
	i.exitCode.Store(int32(code))
	i.stopPoll()
	i.log.Info("guest exited", zap.Int("code", code))
	i.loop.Stop(code)
}

func (i *Instance) failRequest(id RequestID, cause error) {
	if i.host == nil {
		return
	}
	ex, ok := i.host.Lookup(id)
	if !ok {
		return
	}
	if err := ex.Complete(Result{Err: cause}); err != nil && !errors.Is(err, ErrAlreadyCompleted) {
		i.log.Warn("fail request", zap.Uint64("request", uint64(id)), zap.Error(err))
	}
}
