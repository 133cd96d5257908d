package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/wasmserve/guest"
)

// ErrHeadersSent is returned by set_header once the response is complete.
// The guest sees it as already completed.
var ErrHeadersSent = fmt.Errorf("headers already sent: %w", guest.ErrAlreadyCompleted)

const (
	statePending int32 = iota
	stateCompleted
	stateAbandoned
)

// requestInfo is the JSON a guest receives from request_info.
type requestInfo struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      string              `json:"query,omitempty"`
	Proto      string              `json:"proto"`
	Host       string              `json:"host"`
	RemoteAddr string              `json:"remote_addr"`
	RequestID  string              `json:"request_id"`
	Headers    map[string][]string `json:"headers"`
}

// exchange carries one request across the guest boundary. It is completed
// or abandoned exactly once; whichever happens first wins.
type exchange struct {
	id    guest.RequestID
	info  []byte
	body  *bytes.Reader
	state atomic.Int32
	done  chan guest.Result

	mu     sync.Mutex
	header http.Header

	onReject func()
}

func newExchange(id guest.RequestID, r *http.Request, body []byte, requestID string) *exchange {
	info, _ := json.Marshal(requestInfo{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Proto:      r.Proto,
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Headers:    r.Header,
	})

	return &exchange{
		id:     id,
		info:   info,
		body:   bytes.NewReader(body),
		done:   make(chan guest.Result, 1),
		header: make(http.Header),
	}
}

func (e *exchange) Info() []byte { return e.info }

func (e *exchange) Read(p []byte) (int, error) { return e.body.Read(p) }

func (e *exchange) SetHeader(name, value string) error {
	switch e.state.Load() {
	case stateCompleted:
		return ErrHeadersSent
	case stateAbandoned:
		return guest.ErrUnknownRequest
	}
	e.mu.Lock()
	e.header.Add(name, value)
	e.mu.Unlock()
	return nil
}

func (e *exchange) Complete(res guest.Result) error {
	if e.state.CompareAndSwap(statePending, stateCompleted) {
		e.done <- res
		return nil
	}
	if e.state.Load() == stateAbandoned {
		return guest.ErrUnknownRequest
	}
	if e.onReject != nil {
		e.onReject()
	}
	return guest.ErrAlreadyCompleted
}

// abandon gives up on the exchange. It reports false if the guest completed
// it first.
func (e *exchange) abandon() bool {
	return e.state.CompareAndSwap(statePending, stateAbandoned)
}

func (e *exchange) headers() http.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.header.Clone()
}
