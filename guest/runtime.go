package guest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmserve/hostfunc"
	"github.com/caffeineduck/wasmserve/loop"
)

// Runtime owns the wazero runtime, its compilation cache and the wasmhttp
// host module shared by every guest instance.
type Runtime struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	registry *hostfunc.Registry
	cfg      runtimeConfig
	log      *zap.Logger

	mu        sync.RWMutex
	compiled  map[string]*Module
	instances map[string]*Instance
	seq       atomic.Uint64
	closed    bool
}

// New creates a Runtime whose guests reach the given registry through
// host_call. A nil registry gets the defaults from hostfunc.NewRegistry.
func New(registry *hostfunc.Registry, opts ...RuntimeOption) (*Runtime, error) {
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if registry == nil {
		registry = hostfunc.NewRegistry()
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	r := &Runtime{
		runtime:   wazero.NewRuntimeWithConfig(ctx, rtConfig),
		cache:     cache,
		registry:  registry,
		cfg:       cfg,
		log:       cfg.logger.Named("guest"),
		compiled:  make(map[string]*Module),
		instances: make(map[string]*Instance),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.runtime); err != nil {
		r.Close()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if _, err := r.hostModule().Instantiate(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("instantiate %s: %w", ImportModule, err)
	}

	return r, nil
}

// Module is a compiled and validated guest image.
type Module struct {
	compiled wazero.CompiledModule
	digest   string
	entry    string
	hasInit  bool
	hasPoll  bool
}

// Digest is the hex BLAKE3 hash of the binary image.
func (m *Module) Digest() string { return m.digest }

// Entry names the exported top-level entry point, run or _start.
func (m *Module) Entry() string { return m.entry }

// Imports returns the guest's function imports as "module.name", in
// declaration order.
func (m *Module) Imports() []string {
	defs := m.compiled.ImportedFunctions()
	out := make([]string, 0, len(defs))
	for _, def := range defs {
		mod, name, _ := def.Import()
		out = append(out, mod+"."+name)
	}
	return out
}

// Exports returns the exported function names, sorted.
func (m *Module) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	out := make([]string, 0, len(defs))
	for name := range defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Compile compiles and validates a guest image. Images are cached by
// digest, so compiling the same bytes twice is cheap.
func (r *Runtime) Compile(ctx context.Context, image []byte) (*Module, error) {
	sum := blake3.Sum256(image)
	digest := hex.EncodeToString(sum[:])

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrRuntimeClosed
	}
	if m, ok := r.compiled[digest]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRuntimeClosed
	}
	if m, ok := r.compiled[digest]; ok {
		return m, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m, err := validate(compiled, digest)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	r.compiled[digest] = m
	return m, nil
}

func validate(compiled wazero.CompiledModule, digest string) (*Module, error) {
	exports := compiled.ExportedFunctions()
	m := &Module{compiled: compiled, digest: digest}

	switch {
	case exports[ExportRun] != nil:
		m.entry = ExportRun
	case exports[ExportStart] != nil:
		m.entry = ExportStart
	default:
		return nil, ErrMissingEntry
	}

	dispatch, ok := exports[ExportDispatch]
	if !ok {
		return nil, ErrMissingDispatch
	}
	if !dispatchSignature.matches(dispatch) {
		return nil, fmt.Errorf("%w: %s must be (i32, i64) -> ()", ErrIncompatible, ExportDispatch)
	}

	if poll, ok := exports[ExportPoll]; ok {
		if !pollSignature.matches(poll) {
			return nil, fmt.Errorf("%w: %s must be () -> i32", ErrIncompatible, ExportPoll)
		}
		m.hasPoll = true
	}
	_, m.hasInit = exports[ExportInitialize]

	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		if mod != ImportModule {
			continue
		}
		sig, ok := importSignatures[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown import %s.%s", ErrIncompatible, mod, name)
		}
		if !sig.matches(def) {
			return nil, fmt.Errorf("%w: import %s.%s has the wrong signature", ErrIncompatible, mod, name)
		}
	}

	return m, nil
}

// Start compiles image, instantiates it and queues its entry point as the
// first task of the instance's loop. The entry point runs once Run is
// called.
func (r *Runtime) Start(ctx context.Context, image []byte, opts ...StartOption) (*Instance, error) {
	cfg := defaultStartConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := r.Compile(ctx, image)
	if err != nil {
		return nil, err
	}

	fsCfg, err := fsConfig(cfg.mounts)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("guest-%d", r.seq.Add(1))
	moduleConfig := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions().
		WithStdout(cfg.stdout).
		WithStderr(cfg.stderr).
		WithArgs(cfg.args...).
		WithFSConfig(fsCfg).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)

	for k, v := range cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	mod, err := r.runtime.InstantiateModule(ctx, m.compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}

	inst := &Instance{
		rt:       r,
		name:     name,
		mod:      mod,
		module:   m,
		host:     cfg.host,
		loop:     loop.New(),
		ctx:      context.Background(),
		entry:    mod.ExportedFunction(m.entry),
		dispatch: mod.ExportedFunction(ExportDispatch),
		log: r.log.With(
			zap.String("instance", name),
			zap.String("digest", shortDigest(m.digest)),
		),
	}
	if m.hasPoll {
		inst.poll = mod.ExportedFunction(ExportPoll)
	}

	if err := r.track(inst); err != nil {
		mod.Close(ctx)
		return nil, err
	}

	if m.hasInit {
		if _, err := inst.call(ctx, mod.ExportedFunction(ExportInitialize)); err != nil {
			inst.Close(ctx)
			return nil, fmt.Errorf("initialize guest: %w", err)
		}
	}

	if err := inst.loop.Post(inst.runEntry); err != nil {
		inst.Close(ctx)
		return nil, err
	}

	inst.log.Info("guest started", zap.String("entry", m.entry), zap.Bool("poll", m.hasPoll))
	return inst, nil
}

func (r *Runtime) track(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	r.instances[inst.name] = inst
	return nil
}

func (r *Runtime) untrack(name string) {
	r.mu.Lock()
	delete(r.instances, name)
	r.mu.Unlock()
}

// instance resolves the caller of a host function.
func (r *Runtime) instance(m api.Module) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[m.Name()]
}

// Close releases all resources held by the Runtime, including every
// instance it started.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.instances = make(map[string]*Instance)

	ctx := context.Background()

	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wasmserve")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wasmserve")
	}
	return filepath.Join(os.TempDir(), "wasmserve-cache")
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
