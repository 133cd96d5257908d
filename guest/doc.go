// Package guest hosts WebAssembly guests that serve network requests
// through the host.
//
// A Runtime compiles and validates guest images and instantiates them
// alongside WASI and the wasmhttp import module. Each started Instance owns
// a loop.Loop: the guest's entry point is the first task, and every later
// call into the guest (request dispatch, poll turns) is posted to the same
// loop, so guest code always runs on one goroutine.
//
// # Guest ABI
//
// The guest imports these functions from module "wasmhttp":
//
//	serve(hint_ptr, hint_len, handler i32) -> i32
//	request_info(req i64, buf_ptr, buf_limit i32) -> i32
//	request_read(req i64, buf_ptr, buf_limit i32) -> i64
//	set_header(req i64, name_ptr, name_len, val_ptr, val_len i32) -> i32
//	complete(req i64, status, body_ptr, body_len i32) -> i32
//	fail(req i64, msg_ptr, msg_len i32) -> i32
//	heartbeat()
//	host_call(call_ptr, call_len, buf_ptr, buf_limit i32) -> i32
//
// and exports memory, run (or _start), wasmhttp_request(handler i32,
// req i64), and optionally wasmhttp_poll() -> i32 and _initialize.
//
// request_info and host_call return the full length of their result and
// write it only when it fits in buf_limit. request_read returns the byte
// count in the low 32 bits and an EOF flag in the high 32 bits.
//
// complete and fail succeed once per request. Later calls return
// StatusAlreadyCompleted, or StatusUnknownRequest once the host has
// dropped the request.
//
// # Usage
//
//	rt, err := guest.New(registry, guest.WithCallTimeout(5*time.Second))
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	inst, err := rt.Start(ctx, image, guest.WithHost(server))
//	if err != nil {
//	    return err
//	}
//	code, err := inst.Run(ctx)
package guest
