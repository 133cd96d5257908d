package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmserve/addr"
	"github.com/caffeineduck/wasmserve/guest"
)

var (
	ErrShutdown    = errors.New("server shutting down")
	ErrNotAttached = errors.New("no dispatcher attached")
)

const requestIDHeader = "X-Request-Id"

// Dispatcher hands requests to a guest. *guest.Instance implements it.
type Dispatcher interface {
	Dispatch(ref guest.HandlerRef, id guest.RequestID) error
	Hold() (release func())
}

// Stats is a snapshot of the bridge's request counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Rejected   uint64 `json:"rejected"`
	Abandoned  uint64 `json:"abandoned"`
	Pending    int    `json:"pending"`
}

// Server binds the listeners a guest asks for and relays each request to
// it. It implements guest.Host.
type Server struct {
	cfg config
	log *zap.Logger

	mu         sync.RWMutex
	dispatcher Dispatcher
	listeners  []*listener
	exchanges  map[guest.RequestID]*exchange
	closed     bool

	nextID     atomic.Uint64
	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	rejected   atomic.Uint64
	abandoned  atomic.Uint64
}

type listener struct {
	hint    string
	ref     guest.HandlerRef
	ln      net.Listener
	srv     *http.Server
	release func()
}

var _ guest.Host = (*Server)(nil)

func NewServer(opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		cfg:       cfg,
		log:       cfg.logger.Named("bridge"),
		exchanges: make(map[guest.RequestID]*exchange),
	}
}

// Attach sets the guest requests are dispatched to. It must be called
// before the guest asks for a listener.
func (s *Server) Attach(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// Serve binds the port encoded in hint and routes its requests to ref.
// Each listener holds the dispatcher's loop open until Shutdown.
func (s *Server) Serve(hint string, ref guest.HandlerRef) error {
	port, err := addr.ParsePort(hint)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShutdown
	}
	if s.dispatcher == nil {
		return ErrNotAttached
	}

	ln, err := net.Listen("tcp", addr.JoinHostPort(s.cfg.bindHost, port))
	if err != nil {
		return fmt.Errorf("listen %s: %w", hint, err)
	}

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handle(w, r, ref)
	})
	if s.cfg.gzip {
		handler = gzhttp.GzipHandler(handler)
	}

	l := &listener{
		hint: hint,
		ref:  ref,
		ln:   ln,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ErrorLog:          zap.NewStdLog(s.log),
		},
		release: s.dispatcher.Hold(),
	}
	s.listeners = append(s.listeners, l)

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("listener failed", zap.String("addr", ln.Addr().String()), zap.Error(err))
		}
	}()

	s.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("hint", hint),
		zap.Uint32("handler", uint32(ref)),
	)
	return nil
}

// Lookup returns an in-flight exchange. Exchanges disappear once their
// handler has returned.
func (s *Server) Lookup(id guest.RequestID) (guest.Exchange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.exchanges[id]
	if !ok {
		return nil, false
	}
	return ex, true
}

// Addrs returns the bound addresses in the order the guest asked for them.
func (s *Server) Addrs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.ln.Addr().String())
	}
	return out
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	pending := len(s.exchanges)
	s.mu.RUnlock()

	return Stats{
		Dispatched: s.dispatched.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Rejected:   s.rejected.Load(),
		Abandoned:  s.abandoned.Load(),
		Pending:    pending,
	}
}

// Shutdown fails every pending request with ErrShutdown, then closes all
// listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := make([]*exchange, 0, len(s.exchanges))
	for _, ex := range s.exchanges {
		pending = append(pending, ex)
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, ex := range pending {
		ex.Complete(guest.Result{Err: ErrShutdown})
	}

	var errs []error
	for _, l := range listeners {
		if err := l.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", l.ln.Addr(), err))
		}
		l.release()
	}

	s.log.Info("shut down", zap.Int("listeners", len(listeners)), zap.Int("failed_pending", len(pending)))
	return errors.Join(errs...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, ref guest.HandlerRef) {
	start := time.Now()

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)

	log := s.log.With(
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	ex := newExchange(guest.RequestID(s.nextID.Add(1)), r, body, requestID)
	ex.onReject = func() {
		s.rejected.Add(1)
		log.Warn("guest completed request twice")
	}

	d, err := s.track(ex)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.untrack(ex.id)

	release := d.Hold()
	defer release()

	if err := d.Dispatch(ref, ex.id); err != nil {
		ex.abandon()
		log.Warn("dispatch failed", zap.Error(err))
		http.Error(w, "guest unavailable", http.StatusServiceUnavailable)
		return
	}
	s.dispatched.Add(1)

	var timeout <-chan time.Time
	if s.cfg.requestTimeout > 0 {
		t := time.NewTimer(s.cfg.requestTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-ex.done:
		s.write(w, ex, res, log)
	case <-r.Context().Done():
		if ex.abandon() {
			s.abandoned.Add(1)
			log.Info("client went away before completion")
		}
	case <-timeout:
		if !ex.abandon() {
			s.write(w, ex, <-ex.done, log)
			return
		}
		s.abandoned.Add(1)
		log.Warn("guest did not complete in time", zap.Duration("timeout", s.cfg.requestTimeout))
		http.Error(w, "guest timed out", http.StatusGatewayTimeout)
		return
	}

	log.Debug("request finished", zap.Duration("duration", time.Since(start)))
}

// write sends the completed result in one go: headers, status, then body.
func (s *Server) write(w http.ResponseWriter, ex *exchange, res guest.Result, log *zap.Logger) {
	if res.Failed() {
		s.failed.Add(1)
		status := http.StatusBadGateway
		if errors.Is(res.Err, ErrShutdown) || errors.Is(res.Err, guest.ErrExited) {
			status = http.StatusServiceUnavailable
		}
		log.Warn("guest failed request", zap.Int("status", status), zap.Error(res.Err))
		http.Error(w, res.Err.Error(), status)
		return
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 599 {
		s.failed.Add(1)
		log.Warn("guest returned invalid status", zap.Int("status", status))
		http.Error(w, "invalid status from guest: "+strconv.Itoa(status), http.StatusBadGateway)
		return
	}

	h := w.Header()
	for k, vs := range ex.headers() {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))

	s.completed.Add(1)
	w.WriteHeader(status)
	if _, err := w.Write(res.Body); err != nil {
		log.Info("write response", zap.Error(err))
	}
}

func (s *Server) track(ex *exchange) (Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShutdown
	}
	if s.dispatcher == nil {
		return nil, ErrNotAttached
	}
	s.exchanges[ex.id] = ex
	return s.dispatcher, nil
}

func (s *Server) untrack(id guest.RequestID) {
	s.mu.Lock()
	delete(s.exchanges, id)
	s.mu.Unlock()
}
