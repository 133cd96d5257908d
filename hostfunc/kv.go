package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 * 1024
	DefaultKVMaxEntries   = 10000
)

// KVConfig bounds a KVStore. Zero fields mean unlimited.
type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
		MaxEntries:   DefaultKVMaxEntries,
	}
}

type KVOption func(*KVConfig)

func WithMaxKeySize(n int) KVOption {
	return func(c *KVConfig) { c.MaxKeySize = n }
}

func WithMaxValueSize(n int) KVOption {
	return func(c *KVConfig) { c.MaxValueSize = n }
}

func WithMaxEntries(n int) KVOption {
	return func(c *KVConfig) { c.MaxEntries = n }
}

// KVStore is an in-memory key-value store shared by every request a guest
// handles. Values are any JSON-encodable value.
type KVStore struct {
	cfg  KVConfig
	data map[string]any
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig, opts ...KVOption) *KVStore {
	for _, opt := range opts {
		opt(&cfg)
	}
	return &KVStore{cfg: cfg, data: make(map[string]any)}
}

// Register exposes the store as kv_get, kv_set, kv_delete and kv_keys.
func (s *KVStore) Register(r *Registry) {
	r.Register("kv_get", s.Get)
	r.Register("kv_set", s.Set)
	r.Register("kv_delete", s.Delete)
	r.Register("kv_keys", s.Keys)
}

func (s *KVStore) Get(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}

	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		return args["default"], nil
	}
	return val, nil
}

func (s *KVStore) Set(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return nil, fmt.Errorf("key exceeds max size of %d bytes", s.cfg.MaxKeySize)
	}

	val, ok := args["value"]
	if !ok {
		return nil, errors.New("value required")
	}
	if s.cfg.MaxValueSize > 0 {
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("value not encodable: %w", err)
		}
		if len(encoded) > s.cfg.MaxValueSize {
			return nil, fmt.Errorf("value exceeds max size of %d bytes", s.cfg.MaxValueSize)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return nil, fmt.Errorf("store full (%d entries)", s.cfg.MaxEntries)
	}
	s.data[key] = val

	return "ok", nil
}

func (s *KVStore) Delete(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return "ok", nil
}

func (s *KVStore) Keys(ctx context.Context, args map[string]any) (any, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}
