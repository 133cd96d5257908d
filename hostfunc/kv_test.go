package hostfunc

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kvArgs(kv ...any) map[string]any {
	args := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		args[kv[i].(string)] = kv[i+1]
	}
	return args
}

func TestKVLifecycle(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	for _, v := range []string{"original", "updated"} {
		_, err := kv.Set(ctx, kvArgs("key", "session", "value", v))
		require.NoError(t, err)
	}
	_, err := kv.Set(ctx, kvArgs("key", "count", "value", 3))
	require.NoError(t, err)

	val, err := kv.Get(ctx, kvArgs("key", "session"))
	require.NoError(t, err)
	assert.Equal(t, "updated", val)

	keys, err := kv.Keys(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"count", "session"}, keys)

	_, err = kv.Delete(ctx, kvArgs("key", "session"))
	require.NoError(t, err)
	val, err = kv.Get(ctx, kvArgs("key", "session"))
	require.NoError(t, err)
	assert.Nil(t, val)

	val, err = kv.Get(ctx, kvArgs("key", "session", "default", "fallback"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", val)
}

func TestKVStoresJSONValues(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	values := map[string]any{
		"string": "hello",
		"number": 3.14,
		"bool":   true,
		"list":   []any{1.0, 2.0},
		"object": map[string]any{"nested": "value"},
	}
	for k, v := range values {
		_, err := kv.Set(ctx, kvArgs("key", k, "value", v))
		require.NoError(t, err, k)
	}
	for k, v := range values {
		got, err := kv.Get(ctx, kvArgs("key", k))
		require.NoError(t, err)
		assert.Equal(t, v, got, k)
	}
}

func TestKVLimits(t *testing.T) {
	tests := []struct {
		name   string
		cfg    KVConfig
		opts   []KVOption
		setup  []string
		key    string
		value  any
		errMsg string
	}{
		{name: "missing key", cfg: DefaultKVConfig(), value: "x", errMsg: "key required"},
		{name: "missing value", cfg: DefaultKVConfig(), key: "k", errMsg: "value required"},
		{name: "key too large", cfg: KVConfig{MaxKeySize: 10}, key: "this-key-is-too-long", value: "x", errMsg: "key exceeds max size of 10 bytes"},
		{name: "value too large", cfg: KVConfig{}, opts: []KVOption{WithMaxValueSize(10)}, key: "k", value: "this-value-is-way-too-large", errMsg: "value exceeds max size of 10 bytes"},
		{name: "store full", cfg: KVConfig{MaxEntries: 2}, setup: []string{"a", "b"}, key: "c", value: "3", errMsg: "store full (2 entries)"},
		{name: "overwrite at capacity", cfg: KVConfig{}, opts: []KVOption{WithMaxEntries(1)}, setup: []string{"a"}, key: "a", value: "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := NewKV(tt.cfg, tt.opts...)
			ctx := context.Background()
			for _, k := range tt.setup {
				_, err := kv.Set(ctx, kvArgs("key", k, "value", "1"))
				require.NoError(t, err)
			}

			args := map[string]any{}
			if tt.key != "" {
				args["key"] = tt.key
			}
			if tt.value != nil {
				args["value"] = tt.value
			}
			_, err := kv.Set(ctx, args)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestKVThroughRegistry(t *testing.T) {
	registry := NewRegistry()
	NewKV(DefaultKVConfig()).Register(registry)
	ctx := context.Background()

	steps := []struct {
		call string
		want string
	}{
		{`{"fn":"kv_get","args":{"key":"greeting"}}`, `{"data":null}`},
		{`{"fn":"kv_set","args":{"key":"greeting","value":"hello"}}`, `{"data":"ok"}`},
		{`{"fn":"kv_get","args":{"key":"greeting"}}`, `{"data":"hello"}`},
		{`{"fn":"kv_keys"}`, `{"data":["greeting"]}`},
		{`{"fn":"kv_delete","args":{"key":"greeting"}}`, `{"data":"ok"}`},
		{`{"fn":"kv_delete","args":{}}`, `{"error":"key required"}`},
		{`{"fn":"kv_keys"}`, `{"data":[]}`},
	}
	for _, s := range steps {
		assert.JSONEq(t, s.want, string(registry.Call(ctx, []byte(s.call))), s.call)
	}
}

// Requests dispatched to one guest share its store.
func TestKVConcurrent(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("req-%d", n%26)
			kv.Set(ctx, kvArgs("key", key, "value", n))
			kv.Get(ctx, kvArgs("key", key))
		}(i)
	}
	wg.Wait()

	keys, err := kv.Keys(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, keys, 26)
}
