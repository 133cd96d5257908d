// Package wasmserve runs a WebAssembly guest as an HTTP server.
//
// # Overview
//
// The guest decides what to listen on and how to answer; the host owns the
// sockets. A guest asks for a listener with an address hint and a handler
// reference, and the host dispatches each incoming request into the guest
// under a request id. The guest answers exactly once through complete or
// fail. Guests have zero default capabilities: filesystem, outbound HTTP and
// key-value storage must be granted explicitly.
//
// # Basic Usage
//
//	rt, _ := guest.New(hostfunc.NewRegistry())
//	defer rt.Close()
//
//	srv := bridge.NewServer(bridge.WithBindHost("127.0.0.1"))
//	inst, _ := rt.Start(ctx, image, guest.WithHost(srv))
//	srv.Attach(inst)
//
//	guard := liveness.New(inst, inst.Loop())
//	guard.Start()
//	code, _ := inst.Run(ctx)
//	guard.Exit(ctx, code)
//
// # Enabling Capabilities
//
//	// Outbound HTTP and key-value storage through host_call
//	registry := hostfunc.NewRegistry()
//	hostfunc.NewHTTP(hostfunc.HTTPConfig{AllowedHosts: []string{"api.example.com"}}).Register(registry)
//	hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry)
//
//	// Filesystem access
//	inst, _ := rt.Start(ctx, image,
//	    guest.WithMount("/data", "./input", guest.MountReadOnly))
//
// See the [guest], [bridge], [liveness], and [hostfunc] packages for detailed
// API documentation, and cmd/wasmserve for the command line host.
package wasmserve
