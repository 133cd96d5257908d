// Package liveness keeps the host alive while a guest may still have work,
// and turns a quiet exit with a running guest into a diagnosable failure.
package liveness

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/wasmserve/loop"
)

const DefaultKeepAlive = time.Second

// Guest is the view of a guest instance the guard needs.
// *guest.Instance implements it.
type Guest interface {
	Exited() bool
	ExitCode() int
	LastHeartbeat() time.Time
	Reenter(ctx context.Context) error
}

// Scheduler runs the keep-alive tick. *loop.Loop implements it.
type Scheduler interface {
	Every(d time.Duration, fn func()) *loop.Timer
}

type config struct {
	logger    *zap.Logger
	keepAlive time.Duration
	window    time.Duration
	exit      func(int)
}

type Option func(*config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithKeepAlive sets the keep-alive tick interval. Zero disables the tick.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// WithHeartbeatWindow treats a guest that heartbeated within d as slow
// rather than stuck. Zero ignores heartbeats.
func WithHeartbeatWindow(d time.Duration) Option {
	return func(c *config) {
		c.window = d
	}
}

// WithExitFunc replaces os.Exit.
func WithExitFunc(fn func(int)) Option {
	return func(c *config) {
		if fn != nil {
			c.exit = fn
		}
	}
}

type Guard struct {
	guest Guest
	sched Scheduler
	cfg   config
	log   *zap.Logger

	mu    sync.Mutex
	tick  *loop.Timer
	stale bool
}

func New(g Guest, s Scheduler, opts ...Option) *Guard {
	cfg := config{
		logger:    zap.NewNop(),
		keepAlive: DefaultKeepAlive,
		exit:      os.Exit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Guard{
		guest: g,
		sched: s,
		cfg:   cfg,
		log:   cfg.logger.Named("liveness"),
	}
}

// Start schedules the keep-alive tick. While it runs the loop never drains
// on its own.
func (g *Guard) Start() {
	if g.cfg.keepAlive <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tick == nil {
		g.tick = g.sched.Every(g.cfg.keepAlive, g.onTick)
	}
}

func (g *Guard) Stop() {
	g.mu.Lock()
	tick := g.tick
	g.tick = nil
	g.mu.Unlock()

	if tick != nil {
		tick.Stop()
	}
}

// onTick logs once when a heartbeating guest goes quiet, and once when it
// comes back.
func (g *Guard) onTick() {
	if g.cfg.window <= 0 {
		return
	}
	hb := g.guest.LastHeartbeat()
	if hb.IsZero() {
		return
	}

	age := time.Since(hb)
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case age > g.cfg.window && !g.stale:
		g.stale = true
		g.log.Warn("guest heartbeat is stale", zap.Duration("age", age), zap.Duration("window", g.cfg.window))
	case age <= g.cfg.window && g.stale:
		g.stale = false
		g.log.Info("guest heartbeat resumed")
	}
}

// Suspect reports whether exiting with code looks like a stuck guest: a
// clean exit while the guest has not finished, with no recent heartbeat.
func (g *Guard) Suspect(code int) bool {
	if code != 0 || g.guest.Exited() {
		return false
	}
	if g.cfg.window > 0 {
		if hb := g.guest.LastHeartbeat(); !hb.IsZero() && time.Since(hb) <= g.cfg.window {
			return false
		}
	}
	return true
}

// Intercept decides the final exit code. A suspect exit re-enters the guest
// so that a stuck guest fails loudly; the result is the guest's own exit
// code if re-entry made it exit, otherwise 1. Other exits keep code.
func (g *Guard) Intercept(ctx context.Context, code int) int {
	if !g.Suspect(code) {
		return code
	}

	g.log.Warn("clean exit while guest is still running, re-entering guest")

	if err := g.guest.Reenter(ctx); err != nil {
		fields := []zap.Field{zap.Error(err)}
		if trace := stackTrace(err); trace != "" {
			fields = append(fields, zap.String("wasm_stack", trace))
		}
		g.log.Error("guest failed on re-entry", fields...)
		return 1
	}

	if g.guest.Exited() {
		g.log.Info("guest exited on re-entry", zap.Int("code", g.guest.ExitCode()))
		return g.guest.ExitCode()
	}

	g.log.Error("guest is stuck: re-entry returned without exiting")
	return 1
}

// Exit stops the tick, intercepts code and ends the process.
func (g *Guard) Exit(ctx context.Context, code int) {
	g.Stop()
	g.cfg.exit(g.Intercept(ctx, code))
}

// stackTrace extracts the wasm stack trace wazero appends to trap errors.
func stackTrace(err error) string {
	const marker = "wasm stack trace:"
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(msg[i+len(marker):])
}
