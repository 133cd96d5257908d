package bridge

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxBodySize       = 1 << 20 // 1MB
	DefaultReadHeaderTimeout = 10 * time.Second
)

type config struct {
	logger         *zap.Logger
	bindHost       string
	maxBodySize    int64
	requestTimeout time.Duration
	gzip           bool
}

func defaultConfig() config {
	return config{
		logger:      zap.NewNop(),
		maxBodySize: DefaultMaxBodySize,
	}
}

type Option func(*config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBindHost sets the interface listeners bind to. Empty means all
// interfaces.
func WithBindHost(host string) Option {
	return func(c *config) {
		c.bindHost = host
	}
}

// WithMaxBodySize caps request bodies. Larger requests get 413 without
// reaching the guest.
func WithMaxBodySize(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBodySize = n
		}
	}
}

// WithRequestTimeout answers 504 when the guest has not completed a request
// within d. Zero, the default, waits for as long as the client does.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.requestTimeout = d
	}
}

// WithGzip compresses responses for clients that accept it.
func WithGzip(enabled bool) Option {
	return func(c *config) {
		c.gzip = enabled
	}
}
