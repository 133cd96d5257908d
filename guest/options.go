package guest

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// RuntimeOption configures the Runtime at creation time.
type RuntimeOption func(*runtimeConfig)

type runtimeConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	callTimeout      time.Duration
	pollInterval     time.Duration
	logger           *zap.Logger
}

const DefaultPollInterval = 10 * time.Millisecond

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
}

// WithDiskCache enables a persistent compilation cache. Optionally provide a
// custom directory; otherwise uses ~/.cache/wasmserve or
// XDG_CACHE_HOME/wasmserve.
//
// Examples:
//
//	guest.New(registry, guest.WithDiskCache())            // default dir
//	guest.New(registry, guest.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) RuntimeOption {
	return func(c *runtimeConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to guests.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) RuntimeOption {
	return func(c *runtimeConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// WithCallTimeout bounds every call into a guest. A call that runs past it
// closes the guest module, which then counts as exited with code 1.
// Zero (the default) means calls are unbounded.
func WithCallTimeout(d time.Duration) RuntimeOption {
	return func(c *runtimeConfig) {
		c.callTimeout = d
	}
}

// WithPollInterval sets how often a guest exporting wasmhttp_poll gets a
// scheduling turn while it has work outstanding.
func WithPollInterval(d time.Duration) RuntimeOption {
	return func(c *runtimeConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithLogger(l *zap.Logger) RuntimeOption {
	return func(c *runtimeConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// StartOption configures a single guest instance: the environment it
// starts in.
type StartOption func(*startConfig)

type startConfig struct {
	host   Host
	env    map[string]string
	args   []string
	stdout io.Writer
	stderr io.Writer
	mounts []Mount
}

func defaultStartConfig() startConfig {
	return startConfig{
		env:    make(map[string]string),
		args:   []string{"guest"},
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// WithHost attaches the network side the guest's imports talk to.
func WithHost(h Host) StartOption {
	return func(c *startConfig) {
		c.host = h
	}
}

func WithEnv(env map[string]string) StartOption {
	return func(c *startConfig) {
		for k, v := range env {
			c.env[k] = v
		}
	}
}

// WithArgs sets argv as seen by the guest. The first element is the
// program name.
func WithArgs(args ...string) StartOption {
	return func(c *startConfig) {
		if len(args) > 0 {
			c.args = args
		}
	}
}

func WithStdout(w io.Writer) StartOption {
	return func(c *startConfig) {
		c.stdout = w
	}
}

func WithStderr(w io.Writer) StartOption {
	return func(c *startConfig) {
		c.stderr = w
	}
}

// WithMount adds a directory preopen with the specified permissions.
// The virtual path is what the guest sees; host path is the actual location.
//
// Examples:
//
//	guest.WithMount("/data", "./input", guest.MountReadOnly)
//	guest.WithMount("/output", "./results", guest.MountReadWrite)
func WithMount(virtualPath, hostPath string, mode MountMode) StartOption {
	return func(c *startConfig) {
		c.mounts = append(c.mounts, Mount{
			VirtualPath: virtualPath,
			HostPath:    hostPath,
			Mode:        mode,
		})
	}
}

func WithMounts(mounts ...Mount) StartOption {
	return func(c *startConfig) {
		c.mounts = append(c.mounts, mounts...)
	}
}
