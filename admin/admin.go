// Package admin serves a small read-only HTTP surface describing a running
// guest: a health check and a status document.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmserve/bridge"
)

// Guest is the part of *guest.Instance the admin surface reports on.
type Guest interface {
	Digest() string
	Exited() bool
	ExitCode() int
	Listening() bool
	LastHeartbeat() time.Time
}

// Bridge is the part of *bridge.Server the admin surface reports on.
type Bridge interface {
	Addrs() []string
	Stats() bridge.Stats
}

type Status struct {
	Digest        string       `json:"digest"`
	Listening     bool         `json:"listening"`
	Exited        bool         `json:"exited"`
	ExitCode      int          `json:"exit_code"`
	LastHeartbeat string       `json:"last_heartbeat,omitempty"`
	Uptime        string       `json:"uptime"`
	Listeners     []string     `json:"listeners"`
	Requests      bridge.Stats `json:"requests"`
}

type Server struct {
	guest   Guest
	bridge  Bridge
	log     *zap.Logger
	started time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(g Guest, b Bridge, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		guest:   g,
		bridge:  b,
		log:     log.Named("admin"),
		started: time.Now(),
	}
}

// Handler returns the routes without binding a listener.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/status", s.status)
	return router
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log),
	}

	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server failed", zap.Error(err))
		}
	}()
	s.log.Info("admin listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Snapshot collects the current status.
func (s *Server) Snapshot() Status {
	st := Status{
		Digest:    s.guest.Digest(),
		Listening: s.guest.Listening(),
		Exited:    s.guest.Exited(),
		ExitCode:  s.guest.ExitCode(),
		Uptime:    time.Since(s.started).Round(time.Millisecond).String(),
		Listeners: s.bridge.Addrs(),
		Requests:  s.bridge.Stats(),
	}
	if hb := s.guest.LastHeartbeat(); !hb.IsZero() {
		st.LastHeartbeat = hb.UTC().Format(time.RFC3339Nano)
	}
	return st
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.guest.Exited() {
		http.Error(w, "guest exited", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b, err := json.Marshal(s.Snapshot())
	if err != nil {
		s.log.Debug("marshal status", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}
