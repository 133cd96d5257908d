package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/wasmserve/guest"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wasmserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, guest.DefaultPollInterval, cfg.Guest.PollInterval)
	assert.Equal(t, time.Second, cfg.Liveness.KeepAlive)
	assert.Equal(t, int64(1<<20), cfg.Bridge.MaxBodySize)
	assert.True(t, cfg.Host.KV)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, FormatJSON, cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("WASMSERVE_TEST_TOKEN", "secret")

	path := writeConfig(t, `
guest:
  call_timeout: 2s
  memory_limit: 64mb
  env:
    TOKEN: ${WASMSERVE_TEST_TOKEN}
  args: [--verbose]
  mounts:
    - /data:/tmp:ro
bridge:
  bind_host: 127.0.0.1
  request_timeout: 30s
  gzip: true
liveness:
  heartbeat_window: 5s
host:
  allowed_hosts: [api.example.com]
admin:
  addr: 127.0.0.1:9090
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Second, cfg.Guest.CallTimeout)
	assert.Equal(t, guest.MemoryLimit64MB, cfg.MemoryPages())
	assert.Equal(t, "secret", cfg.Guest.Env["TOKEN"])
	assert.Equal(t, []string{"--verbose"}, cfg.Guest.Args)
	assert.Equal(t, "127.0.0.1", cfg.Bridge.BindHost)
	assert.Equal(t, 30*time.Second, cfg.Bridge.RequestTimeout)
	assert.True(t, cfg.Bridge.Gzip)
	assert.Equal(t, 5*time.Second, cfg.Liveness.HeartbeatWindow)
	assert.Equal(t, []string{"api.example.com"}, cfg.Host.AllowedHosts)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Addr)
	assert.Equal(t, "console", cfg.Log.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, time.Second, cfg.Liveness.KeepAlive)
	assert.Equal(t, int64(1<<20), cfg.Bridge.MaxBodySize)

	mounts, err := cfg.GuestMounts()
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, guest.Mount{VirtualPath: "/data", HostPath: "/tmp", Mode: guest.MountReadOnly}, mounts[0])
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadUnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, "bridge:\n  max_body: 10\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_body")
}

func TestLoadBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "liveness:\n  keep_alive: soon\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad memory limit", func(c *Config) { c.Guest.MemoryLimit = "3mb" }, "guest.memory_limit"},
		{"bad mount", func(c *Config) { c.Guest.Mounts = []string{"/data"} }, "guest.mounts"},
		{"negative timeout", func(c *Config) { c.Bridge.RequestTimeout = -time.Second }, "bridge.request_timeout"},
		{"zero body size", func(c *Config) { c.Bridge.MaxBodySize = 0 }, "bridge.max_body_size"},
		{"bad admin addr", func(c *Config) { c.Admin.Addr = "9090" }, "admin.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"", 0, false},
		{"1mb", guest.MemoryLimit1MB, false},
		{"16MB", guest.MemoryLimit16MB, false},
		{"256mb", guest.MemoryLimit256MB, false},
		{"1gb", guest.MemoryLimit1GB, false},
		{"2gb", 0, true},
	}

	for _, tc := range tests {
		got, err := ParseMemoryLimit(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseMount(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"/data:./input:ro", false},
		{"/data:./input:rw", false},
		{"/data:./input", true},     // missing mode
		{"/data:./input:bad", true}, // invalid mode
		{"invalid", true},           // no colons
	}

	for _, tc := range tests {
		_, err := ParseMount(tc.spec)
		if tc.wantErr && err == nil {
			t.Errorf("ParseMount(%q) should error", tc.spec)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("ParseMount(%q) unexpected error: %v", tc.spec, err)
		}
	}
}
