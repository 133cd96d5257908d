package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// hostModule builds the wasmhttp import module. Each function resolves the
// calling instance by module name, so one host module serves every guest.
func (r *Runtime) hostModule() wazero.HostModuleBuilder {
	return r.runtime.NewHostModuleBuilder(ImportModule).
		NewFunctionBuilder().WithFunc(r.serve).Export("serve").
		NewFunctionBuilder().WithFunc(r.requestInfo).Export("request_info").
		NewFunctionBuilder().WithFunc(r.requestRead).Export("request_read").
		NewFunctionBuilder().WithFunc(r.setHeader).Export("set_header").
		NewFunctionBuilder().WithFunc(r.complete).Export("complete").
		NewFunctionBuilder().WithFunc(r.fail).Export("fail").
		NewFunctionBuilder().WithFunc(r.heartbeat).Export("heartbeat").
		NewFunctionBuilder().WithFunc(r.hostCall).Export("host_call")
}

func (r *Runtime) serve(ctx context.Context, m api.Module, hintPtr, hintLen, handler uint32) uint32 {
	inst := r.instance(m)
	if inst == nil {
		return StatusHostFailure
	}
	hint, ok := readString(m, hintPtr, hintLen)
	if !ok {
		return StatusBadArgs
	}
	if inst.host == nil {
		inst.log.Error("serve", zap.String("hint", hint), zap.Error(ErrNoHost))
		return StatusHostFailure
	}

	if err := inst.host.Serve(hint, HandlerRef(handler)); err != nil {
		inst.log.Error("serve", zap.String("hint", hint), zap.Uint32("handler", handler), zap.Error(err))
		return StatusHostFailure
	}
	inst.listening.Store(true)
	return StatusOK
}

// requestInfo writes the request JSON only when it fits in bufLimit and
// always returns its length, so a guest can size its buffer with a first
// call using a zero limit.
func (r *Runtime) requestInfo(ctx context.Context, m api.Module, req uint64, bufPtr, bufLimit uint32) int32 {
	ex, status := r.exchange(m, req)
	if status != StatusOK {
		return -int32(status)
	}

	mem := m.Memory()
	if mem == nil {
		return -int32(StatusBadArgs)
	}
	info := ex.Info()
	if uint32(len(info)) <= bufLimit && !mem.Write(bufPtr, info) {
		return -int32(StatusBadArgs)
	}
	return int32(len(info))
}

// requestRead fills up to bufLimit bytes of guest memory with body bytes
// and returns them as EOF-flagged length. Unknown requests read as EOF.
func (r *Runtime) requestRead(ctx context.Context, m api.Module, req uint64, bufPtr, bufLimit uint32) uint64 {
	ex, status := r.exchange(m, req)
	if status != StatusOK {
		return eofLen(true, 0)
	}
	if bufLimit == 0 {
		return eofLen(false, 0)
	}

	mem := m.Memory()
	if mem == nil {
		return eofLen(true, 0)
	}
	buf, ok := mem.Read(bufPtr, bufLimit)
	if !ok {
		return eofLen(true, 0)
	}
	n, err := ex.Read(buf)
	return eofLen(errors.Is(err, io.EOF), uint32(n))
}

func (r *Runtime) setHeader(ctx context.Context, m api.Module, req uint64, namePtr, nameLen, valPtr, valLen uint32) uint32 {
	ex, status := r.exchange(m, req)
	if status != StatusOK {
		return status
	}
	name, ok := readString(m, namePtr, nameLen)
	if !ok || name == "" {
		return StatusBadArgs
	}
	value, ok := readString(m, valPtr, valLen)
	if !ok {
		return StatusBadArgs
	}
	return completionStatus(ex.SetHeader(name, value))
}

func (r *Runtime) complete(ctx context.Context, m api.Module, req uint64, status, bodyPtr, bodyLen uint32) uint32 {
	ex, st := r.exchange(m, req)
	if st != StatusOK {
		return st
	}
	body, ok := readBytes(m, bodyPtr, bodyLen)
	if !ok {
		return StatusBadArgs
	}
	return completionStatus(ex.Complete(Result{Status: int(int32(status)), Body: body}))
}

func (r *Runtime) fail(ctx context.Context, m api.Module, req uint64, msgPtr, msgLen uint32) uint32 {
	ex, st := r.exchange(m, req)
	if st != StatusOK {
		return st
	}
	msg, ok := readString(m, msgPtr, msgLen)
	if !ok {
		return StatusBadArgs
	}
	return completionStatus(ex.Complete(Result{Err: fmt.Errorf("%w: %s", ErrGuestFailure, msg)}))
}

func (r *Runtime) heartbeat(ctx context.Context, m api.Module) {
	if inst := r.instance(m); inst != nil {
		inst.heartbeat.Store(time.Now().UnixNano())
	}
}

// hostCall runs a registry function. A response too large for the buffer
// is kept until the guest retries the same call with a bigger buffer.
func (r *Runtime) hostCall(ctx context.Context, m api.Module, callPtr, callLen, bufPtr, bufLimit uint32) int32 {
	inst := r.instance(m)
	if inst == nil {
		return -int32(StatusHostFailure)
	}
	payload, ok := readString(m, callPtr, callLen)
	if !ok {
		return -int32(StatusBadArgs)
	}

	var resp []byte
	if p := inst.pendingCall; p != nil && p.payload == payload {
		resp = p.response
	} else {
		resp = r.registry.Call(ctx, []byte(payload))
	}
	inst.pendingCall = nil

	if uint32(len(resp)) > bufLimit {
		inst.pendingCall = &pendingCall{payload: payload, response: resp}
		return int32(len(resp))
	}
	if mem := m.Memory(); mem == nil || !mem.Write(bufPtr, resp) {
		return -int32(StatusBadArgs)
	}
	return int32(len(resp))
}

func (r *Runtime) exchange(m api.Module, req uint64) (Exchange, uint32) {
	inst := r.instance(m)
	if inst == nil || inst.host == nil {
		return nil, StatusHostFailure
	}
	ex, ok := inst.host.Lookup(RequestID(req))
	if !ok {
		return nil, StatusUnknownRequest
	}
	return ex, StatusOK
}

func completionStatus(err error) uint32 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrAlreadyCompleted):
		return StatusAlreadyCompleted
	case errors.Is(err, ErrUnknownRequest):
		return StatusUnknownRequest
	default:
		return StatusHostFailure
	}
}

// readBytes copies a region of guest memory. The copy outlives the call.
func readBytes(m api.Module, ptr, length uint32) ([]byte, bool) {
	mem := m.Memory()
	if mem == nil {
		return nil, false
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), view...), true
}

func readString(m api.Module, ptr, length uint32) (string, bool) {
	mem := m.Memory()
	if mem == nil {
		return "", false
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(view), true
}
