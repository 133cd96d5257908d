// Package config holds the settings for a wasmserve host, loaded from a YAML
// file and overridden by command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/wasmserve/bridge"
	"github.com/caffeineduck/wasmserve/guest"
	"github.com/caffeineduck/wasmserve/hostfunc"
	"github.com/caffeineduck/wasmserve/liveness"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config is the top-level configuration for a host.
type Config struct {
	Guest    GuestConfig    `yaml:"guest"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Liveness LivenessConfig `yaml:"liveness"`
	Host     HostConfig     `yaml:"host"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
}

// GuestConfig shapes the runtime and the environment the guest starts in.
type GuestConfig struct {
	// CallTimeout bounds each call into the guest. Zero means unbounded.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MemoryLimit is one of 1mb, 16mb, 64mb, 256mb or 1gb. Empty means no
	// limit beyond the wasm maximum.
	MemoryLimit string `yaml:"memory_limit"`

	DiskCache    bool          `yaml:"disk_cache"`
	CacheDir     string        `yaml:"cache_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// Env values may reference the host environment as $VAR or ${VAR}.
	Env map[string]string `yaml:"env"`

	// Args follow the program name in the guest's argv.
	Args []string `yaml:"args"`

	// Mounts are virtual:host:mode triples, mode being ro or rw.
	Mounts []string `yaml:"mounts"`
}

type BridgeConfig struct {
	BindHost       string        `yaml:"bind_host"`
	MaxBodySize    int64         `yaml:"max_body_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Gzip           bool          `yaml:"gzip"`
}

type LivenessConfig struct {
	KeepAlive       time.Duration `yaml:"keep_alive"`
	HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
}

// HostConfig bounds the capabilities guests reach through host_call.
type HostConfig struct {
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	HTTPMaxBody    int64         `yaml:"http_max_body"`
	HTTPMaxURL     int           `yaml:"http_max_url"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	KV             bool          `yaml:"kv"`
	KVMaxKeySize   int           `yaml:"kv_max_key_size"`
	KVMaxValueSize int           `yaml:"kv_max_value_size"`
	KVMaxEntries   int           `yaml:"kv_max_entries"`
}

type AdminConfig struct {
	// Addr enables the admin listener when set, e.g. "127.0.0.1:9090".
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	kv := hostfunc.DefaultKVConfig()
	return &Config{
		Guest: GuestConfig{
			DiskCache:    true,
			PollInterval: guest.DefaultPollInterval,
		},
		Bridge: BridgeConfig{
			MaxBodySize: bridge.DefaultMaxBodySize,
		},
		Liveness: LivenessConfig{
			KeepAlive: liveness.DefaultKeepAlive,
		},
		Host: HostConfig{
			HTTPMaxBody:    hostfunc.DefaultMaxBodySize,
			HTTPMaxURL:     hostfunc.DefaultMaxURLLength,
			HTTPTimeout:    hostfunc.DefaultRequestTimeout,
			KV:             true,
			KVMaxKeySize:   kv.MaxKeySize,
			KVMaxValueSize: kv.MaxValueSize,
			KVMaxEntries:   kv.MaxEntries,
		},
		Log: LogConfig{
			Level:  "info",
			Format: FormatJSON,
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	for k, v := range cfg.Guest.Env {
		cfg.Guest.Env[k] = os.ExpandEnv(v)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != FormatJSON && c.Log.Format != FormatConsole {
		errs = append(errs, fmt.Errorf("log.format: %q is not json or console", c.Log.Format))
	}

	if _, err := ParseMemoryLimit(c.Guest.MemoryLimit); err != nil {
		errs = append(errs, fmt.Errorf("guest.memory_limit: %w", err))
	}
	if _, err := c.GuestMounts(); err != nil {
		errs = append(errs, fmt.Errorf("guest.mounts: %w", err))
	}

	durations := map[string]time.Duration{
		"guest.call_timeout":        c.Guest.CallTimeout,
		"guest.poll_interval":       c.Guest.PollInterval,
		"bridge.request_timeout":    c.Bridge.RequestTimeout,
		"liveness.keep_alive":       c.Liveness.KeepAlive,
		"liveness.heartbeat_window": c.Liveness.HeartbeatWindow,
		"host.http_timeout":         c.Host.HTTPTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}

	if c.Bridge.MaxBodySize <= 0 {
		errs = append(errs, errors.New("bridge.max_body_size: must be positive"))
	}
	if c.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			errs = append(errs, fmt.Errorf("admin.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}

// MemoryPages returns the guest memory limit in wasm pages.
func (c *Config) MemoryPages() uint32 {
	pages, _ := ParseMemoryLimit(c.Guest.MemoryLimit)
	return pages
}

// GuestMounts parses the configured mount triples.
func (c *Config) GuestMounts() ([]guest.Mount, error) {
	mounts := make([]guest.Mount, 0, len(c.Guest.Mounts))
	for _, spec := range c.Guest.Mounts {
		m, err := ParseMount(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// ParseMemoryLimit maps a size name to wasm pages. Empty means 0, no limit.
func ParseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "1mb":
		return guest.MemoryLimit1MB, nil
	case "16mb":
		return guest.MemoryLimit16MB, nil
	case "64mb":
		return guest.MemoryLimit64MB, nil
	case "256mb":
		return guest.MemoryLimit256MB, nil
	case "1gb":
		return guest.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("unknown memory limit %q (expected 1mb, 16mb, 64mb, 256mb or 1gb)", s)
	}
}

// ParseMount parses a virtual:host:mode triple.
func ParseMount(spec string) (guest.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return guest.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode guest.MountMode
	switch parts[2] {
	case "ro":
		mode = guest.MountReadOnly
	case "rw":
		mode = guest.MountReadWrite
	default:
		return guest.Mount{}, fmt.Errorf("invalid mount mode %q (expected ro or rw)", parts[2])
	}

	return guest.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}
