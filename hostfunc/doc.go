// Package hostfunc provides the host capabilities a guest can reach through
// the host_call import.
//
// A guest running under wasmserve has no sockets and no ambient authority.
// Anything beyond answering the request it was handed goes through a
// [Registry] of named Go functions. The guest writes a JSON call into its own
// memory and the host answers with JSON:
//
//	{"fn": "kv_get", "args": {"key": "greeting"}}
//	{"data": "hello"}
//	{"error": "key required"}
//
// # Registry
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//
// # Built-in Capabilities
//
// HTTP: outbound requests restricted to an allowlist via [HTTP] and [HTTPConfig].
//
//	hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	}).Register(registry)
//
// Key-Value Store: in-memory storage shared across requests via [KVStore].
//
//	hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry)
//
// Host functions run on the guest's scheduler goroutine, so a slow function
// delays every request the guest is handling. Keep them bounded; the HTTP
// capability always carries a timeout.
package hostfunc
