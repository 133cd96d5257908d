package guest

import "errors"

// HandlerRef identifies a guest-side request handler. The guest chooses it
// when it asks for a listener and the host hands it back unchanged on every
// dispatch.
type HandlerRef uint32

// RequestID correlates one dispatched request with its completion.
type RequestID uint64

var (
	ErrAlreadyCompleted = errors.New("request already completed")
	ErrUnknownRequest   = errors.New("unknown request")
)

// Result is what a guest hands back for one request: either a response or a
// failure.
type Result struct {
	Status int
	Body   []byte
	Err    error
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// Host is the network side of the bridge, called by the guest through the
// wasmhttp import module.
type Host interface {
	// Serve binds a listener for hint and routes its requests to ref.
	Serve(hint string, ref HandlerRef) error
	// Lookup returns the carrier of an in-flight request.
	Lookup(id RequestID) (Exchange, bool)
}

// Exchange is the guest's view of one in-flight request.
type Exchange interface {
	// Info returns the request line and headers as JSON.
	Info() []byte
	// Read consumes the request body.
	Read(p []byte) (int, error)
	// SetHeader adds a response header. It fails once the exchange is done.
	SetHeader(name, value string) error
	// Complete delivers the final result. Only the first call succeeds;
	// later calls return ErrAlreadyCompleted.
	Complete(res Result) error
}
