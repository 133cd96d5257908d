package hostfunc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Func func(ctx context.Context, args map[string]any) (any, error)

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry holding only time_now.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register("time_now", TimeNow)
	return r
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call wire format: {"fn":"kv_get","args":{...}} in, {"data":...} or
// {"error":"..."} out.
type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// MarshalJSON always emits exactly one of data or error, so a nil result
// still reads as {"data":null}.
func (r callResponse) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	return json.Marshal(struct {
		Data any `json:"data"`
	}{r.Data})
}

// Call decodes a JSON call, runs the named function and returns the encoded
// response. Failures, including panics, are reported inside the response;
// Call never returns an empty slice.
func (r *Registry) Call(ctx context.Context, payload []byte) []byte {
	var req callRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return encodeResponse(callResponse{Error: "invalid call format"})
	}
	if req.Args == nil {
		req.Args = make(map[string]any)
	}
	return encodeResponse(r.invoke(ctx, req))
}

func (r *Registry) invoke(ctx context.Context, req callRequest) (resp callResponse) {
	fn, ok := r.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	defer func() {
		if p := recover(); p != nil {
			resp = callResponse{Error: fmt.Sprintf("panic in %s: %v", req.Fn, p)}
		}
	}()

	result, err := fn(ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func encodeResponse(resp callResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"error":"internal: failed to marshal response"}`)
	}
	return data
}

// TimeNow returns the host wall clock in fractional Unix seconds.
func TimeNow(ctx context.Context, args map[string]any) (any, error) {
	return float64(time.Now().UnixNano()) / 1e9, nil
}
