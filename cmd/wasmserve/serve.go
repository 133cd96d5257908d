package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmserve/admin"
	"github.com/caffeineduck/wasmserve/bridge"
	"github.com/caffeineduck/wasmserve/config"
	"github.com/caffeineduck/wasmserve/guest"
	"github.com/caffeineduck/wasmserve/hostfunc"
	"github.com/caffeineduck/wasmserve/liveness"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve <module.wasm> [-- guest args...]",
	Short: "Run a guest and serve its listeners",
	Long: `Run a WebAssembly guest and bind the listeners it asks for.

The process exits with the guest's exit code. A guest that returns while
still running, with nothing left to do, is re-entered once so that it
fails loudly instead of exiting 0.

Admin endpoints (with --admin):
  GET /healthz   200 while the guest runs, 503 after it exits
  GET /status    Guest and request counters as JSON`,
	Args: cobra.MinimumNArgs(1),
	Run:  runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(f *pflag.FlagSet) {
	f.String("bind", "", "Interface to bind guest listeners on (default: all)")
	f.Int64("max-body", bridge.DefaultMaxBodySize, "Max request body size in bytes")
	f.Duration("request-timeout", 0, "Fail requests the guest has not completed in time (0 = never)")
	f.Bool("gzip", false, "Compress responses when the client accepts gzip")
	f.Duration("call-timeout", 0, "Bound every call into the guest (0 = unbounded)")
	f.String("memory", "", "Guest memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	f.Bool("no-cache", false, "Disable compilation cache")
	f.Duration("keep-alive", liveness.DefaultKeepAlive, "Keep-alive tick interval (0 = let an idle guest exit)")
	f.Duration("heartbeat-window", 0, "Treat a guest that heartbeated within this window as slow, not stuck")
	f.String("admin", "", "Admin listen address, e.g. 127.0.0.1:9090")
	f.StringSlice("allow-host", nil, "Allow outbound HTTP to host (repeatable)")
	f.StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")
	f.StringToString("env", nil, "Guest environment KEY=VALUE (repeatable)")
}

// applyServeFlags overrides cfg with the flags that were set.
func applyServeFlags(f *pflag.FlagSet, cfg *config.Config) {
	if f.Changed("bind") {
		cfg.Bridge.BindHost, _ = f.GetString("bind")
	}
	if f.Changed("max-body") {
		cfg.Bridge.MaxBodySize, _ = f.GetInt64("max-body")
	}
	if f.Changed("request-timeout") {
		cfg.Bridge.RequestTimeout, _ = f.GetDuration("request-timeout")
	}
	if f.Changed("gzip") {
		cfg.Bridge.Gzip, _ = f.GetBool("gzip")
	}
	if f.Changed("call-timeout") {
		cfg.Guest.CallTimeout, _ = f.GetDuration("call-timeout")
	}
	if f.Changed("memory") {
		cfg.Guest.MemoryLimit, _ = f.GetString("memory")
	}
	if noCache, _ := f.GetBool("no-cache"); noCache {
		cfg.Guest.DiskCache = false
	}
	if f.Changed("keep-alive") {
		cfg.Liveness.KeepAlive, _ = f.GetDuration("keep-alive")
	}
	if f.Changed("heartbeat-window") {
		cfg.Liveness.HeartbeatWindow, _ = f.GetDuration("heartbeat-window")
	}
	if f.Changed("admin") {
		cfg.Admin.Addr, _ = f.GetString("admin")
	}
	if f.Changed("allow-host") {
		cfg.Host.AllowedHosts, _ = f.GetStringSlice("allow-host")
	}
	if f.Changed("mount") {
		mounts, _ := f.GetStringSlice("mount")
		cfg.Guest.Mounts = append(cfg.Guest.Mounts, mounts...)
	}
	if f.Changed("env") {
		env, _ := f.GetStringToString("env")
		if cfg.Guest.Env == nil {
			cfg.Guest.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			cfg.Guest.Env[k] = v
		}
	}
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyServeFlags(cmd.Flags(), cfg)
	cfg.Guest.Args = append(cfg.Guest.Args, args[1:]...)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	image, err := os.ReadFile(args[0])
	if err != nil {
		log.Error("read module", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var caught atomic.Int32
	go func() {
		if sig, ok := <-sigs; ok {
			caught.Store(int32(sig.(syscall.Signal)))
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
			cancel()
		}
	}()

	h, err := startHost(ctx, filepath.Base(args[0]), image, cfg, log)
	if err != nil {
		log.Error("start guest", zap.Error(err))
		os.Exit(1)
	}

	code, err := h.run(ctx)
	h.close()

	if err != nil {
		if sig := caught.Load(); sig != 0 && errors.Is(err, context.Canceled) {
			code = 128 + int(sig)
		} else {
			log.Error("guest loop failed", zap.Error(err))
			code = 1
		}
	}
	log.Sync()
	os.Exit(code)
}

// host is one guest wired to its bridge, liveness guard and admin surface.
type host struct {
	log    *zap.Logger
	rt     *guest.Runtime
	inst   *guest.Instance
	bridge *bridge.Server
	guard  *liveness.Guard
	admin  *admin.Server
}

func newRegistry(cfg config.HostConfig) *hostfunc.Registry {
	registry := hostfunc.NewRegistry()
	hostfunc.NewHTTP(hostfunc.HTTPConfig{
		AllowedHosts:   cfg.AllowedHosts,
		MaxBodySize:    cfg.HTTPMaxBody,
		MaxURLLength:   cfg.HTTPMaxURL,
		RequestTimeout: cfg.HTTPTimeout,
	}).Register(registry)

	if cfg.KV {
		hostfunc.NewKV(hostfunc.KVConfig{
			MaxKeySize:   cfg.KVMaxKeySize,
			MaxValueSize: cfg.KVMaxValueSize,
			MaxEntries:   cfg.KVMaxEntries,
		}).Register(registry)
	}
	return registry
}

// startHost compiles and instantiates the guest and wires it up. name is
// the guest's argv[0].
func startHost(ctx context.Context, name string, image []byte, cfg *config.Config, log *zap.Logger) (*host, error) {
	rtOpts := []guest.RuntimeOption{
		guest.WithLogger(log),
		guest.WithCallTimeout(cfg.Guest.CallTimeout),
		guest.WithPollInterval(cfg.Guest.PollInterval),
		guest.WithMemoryLimit(cfg.MemoryPages()),
	}
	if cfg.Guest.DiskCache {
		rtOpts = append(rtOpts, guest.WithDiskCache(cfg.Guest.CacheDir))
	}

	registry := newRegistry(cfg.Host)
	log.Debug("host functions registered", zap.Strings("functions", registry.List()))

	rt, err := guest.New(registry, rtOpts...)
	if err != nil {
		return nil, err
	}

	srv := bridge.NewServer(
		bridge.WithLogger(log),
		bridge.WithBindHost(cfg.Bridge.BindHost),
		bridge.WithMaxBodySize(cfg.Bridge.MaxBodySize),
		bridge.WithRequestTimeout(cfg.Bridge.RequestTimeout),
		bridge.WithGzip(cfg.Bridge.Gzip),
	)

	mounts, err := cfg.GuestMounts()
	if err != nil {
		rt.Close()
		return nil, err
	}
	inst, err := rt.Start(ctx, image,
		guest.WithHost(srv),
		guest.WithEnv(cfg.Guest.Env),
		guest.WithArgs(append([]string{name}, cfg.Guest.Args...)...),
		guest.WithMounts(mounts...),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	srv.Attach(inst)

	h := &host{
		log:    log,
		rt:     rt,
		inst:   inst,
		bridge: srv,
		guard: liveness.New(inst, inst.Loop(),
			liveness.WithLogger(log),
			liveness.WithKeepAlive(cfg.Liveness.KeepAlive),
			liveness.WithHeartbeatWindow(cfg.Liveness.HeartbeatWindow),
		),
	}

	if cfg.Admin.Addr != "" {
		h.admin = admin.New(inst, srv, log)
		if err := h.admin.Start(cfg.Admin.Addr); err != nil {
			h.close()
			return nil, err
		}
	}
	return h, nil
}

// run drives the guest until it exits or ctx ends. A clean exit with the
// guest still running goes through the liveness guard.
func (h *host) run(ctx context.Context) (int, error) {
	h.guard.Start()
	code, err := h.inst.Run(ctx)
	h.guard.Stop()
	if err != nil {
		return 0, err
	}
	return h.guard.Intercept(context.Background(), code), nil
}

func (h *host) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if h.admin != nil {
		if err := h.admin.Shutdown(ctx); err != nil {
			h.log.Warn("admin shutdown", zap.Error(err))
		}
	}
	if err := h.bridge.Shutdown(ctx); err != nil {
		h.log.Warn("bridge shutdown", zap.Error(err))
	}
	h.inst.Close(ctx)
	h.rt.Close()
}
