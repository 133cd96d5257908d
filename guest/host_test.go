package guest_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"

	"github.com/caffeineduck/wasmserve/guest"
)

// fakeHost records serve calls and hands out in-memory exchanges.
type fakeHost struct {
	mu        sync.Mutex
	serveErr  error
	hints     []string
	refs      []guest.HandlerRef
	exchanges map[guest.RequestID]*fakeExchange
}

func newFakeHost() *fakeHost {
	return &fakeHost{exchanges: make(map[guest.RequestID]*fakeExchange)}
}

func (h *fakeHost) Serve(hint string, ref guest.HandlerRef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.serveErr != nil {
		return h.serveErr
	}
	h.hints = append(h.hints, hint)
	h.refs = append(h.refs, ref)
	return nil
}

func (h *fakeHost) Lookup(id guest.RequestID) (guest.Exchange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ex, ok := h.exchanges[id]
	if !ok {
		return nil, false
	}
	return ex, true
}

func (h *fakeHost) add(id guest.RequestID, body string) *fakeExchange {
	info, _ := json.Marshal(map[string]any{"method": "POST", "path": "/"})
	ex := &fakeExchange{
		info:    info,
		body:    bytes.NewReader([]byte(body)),
		headers: make(map[string]string),
		done:    make(chan guest.Result, 1),
	}
	h.mu.Lock()
	h.exchanges[id] = ex
	h.mu.Unlock()
	return ex
}

type fakeExchange struct {
	info []byte
	body *bytes.Reader

	mu        sync.Mutex
	headers   map[string]string
	completes int
	done      chan guest.Result
}

func (e *fakeExchange) Info() []byte { return e.info }

func (e *fakeExchange) Read(p []byte) (int, error) { return e.body.Read(p) }

func (e *fakeExchange) SetHeader(name, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completes > 0 {
		return errors.New("headers already sent")
	}
	e.headers[name] = value
	return nil
}

func (e *fakeExchange) Complete(res guest.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completes++
	if e.completes > 1 {
		return guest.ErrAlreadyCompleted
	}
	e.done <- res
	return nil
}

func (e *fakeExchange) completions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completes
}
