package wasmtest

// HandlerRef is the handler reference every test guest passes to serve.
// Dispatches with any other reference trap.
const HandlerRef = 7

// Fixed data layout of test guests.
const (
	hintAddr     = 16
	pongAddr     = 64
	boomAddr     = 80
	headerAddr   = 96
	headerValue  = 112
	callAddr     = 256
	bufferAddr   = 1024
	bufferLimit  = 4096
	HeaderName   = "X-Guest"
	HeaderValue  = "wasmtest"
	Pong         = "pong"
	FailMessage  = "boom"
	DefaultHint  = ":0000"
	HostCallJSON = `{"fn":"kv_get","args":{"key":"greeting"}}`
)

// Function indices of the fixed import list.
const (
	fnServe uint32 = iota
	fnRequestInfo
	fnRequestRead
	fnSetHeader
	fnComplete
	fnFail
	fnHeartbeat
	fnHostCall
	fnProcExit
)

// Global indices.
const (
	gPending uint32 = iota // i64 request waiting for a poll turn
	gEntered               // i32 set once run has been called
)

// Run selects what the guest's entry point does.
type Run int

const (
	// RunServe asks for a listener on the hint and returns. A failed serve
	// exits with code 3.
	RunServe Run = iota
	// RunReturn returns without asking for a listener.
	RunReturn
	// RunExit calls proc_exit with Guest.ExitCode.
	RunExit
	// RunTrapOnReenter serves on the first call and traps on every later one.
	RunTrapOnReenter
	// RunHeartbeat calls heartbeat, then serves.
	RunHeartbeat
	// RunTrap traps immediately.
	RunTrap
	// RunExitOnReenter returns on the first call and calls proc_exit with
	// Guest.ExitCode on every later one.
	RunExitOnReenter
)

// Handler selects what wasmhttp_request does with a request.
type Handler int

const (
	// HandlerEcho completes with the request body.
	HandlerEcho Handler = iota
	// HandlerPong sets X-Guest and completes with "pong".
	HandlerPong
	// HandlerDeferred parks the request; the next poll turn completes it
	// with "pong".
	HandlerDeferred
	// HandlerSilent never completes.
	HandlerSilent
	// HandlerTwice completes with "pong" twice. If the second completion is
	// accepted the guest exits with code 9.
	HandlerTwice
	// HandlerFail fails the request with "boom".
	HandlerFail
	// HandlerTrap traps.
	HandlerTrap
	// HandlerHostCall completes with the response of Guest.HostCall.
	HandlerHostCall
	// HandlerInfo completes with the request_info JSON.
	HandlerInfo
	// HandlerExit calls proc_exit with Guest.ExitCode.
	HandlerExit
)

// Guest describes a test guest.
type Guest struct {
	Run     Run
	Handler Handler
	// Hint defaults to DefaultHint, an ephemeral port.
	Hint     string
	ExitCode int32
	// Poll exports wasmhttp_poll. HandlerDeferred always exports it.
	Poll bool
	// HostCall is the host_call payload of HandlerHostCall. It defaults
	// to HostCallJSON and must fit below bufferAddr.
	HostCall string
	// Initialize exports _initialize, which calls heartbeat.
	Initialize bool
	// Entry overrides the entry point name ("run" by default).
	Entry string

	NoDispatch   bool
	NoEntry      bool
	BadImport    bool
	BadSignature bool
}

var (
	typeServe    = FuncType{Params: []ValType{I32, I32, I32}, Results: []ValType{I32}}
	typeReqBuf   = FuncType{Params: []ValType{I64, I32, I32}, Results: []ValType{I32}}
	typeReqRead  = FuncType{Params: []ValType{I64, I32, I32}, Results: []ValType{I64}}
	typeHeader   = FuncType{Params: []ValType{I64, I32, I32, I32, I32}, Results: []ValType{I32}}
	typeComplete = FuncType{Params: []ValType{I64, I32, I32, I32}, Results: []ValType{I32}}
	typeHostCall = FuncType{Params: []ValType{I32, I32, I32, I32}, Results: []ValType{I32}}
	typeExit     = FuncType{Params: []ValType{I32}}
	typeVoid     = FuncType{}
	typeDispatch = FuncType{Params: []ValType{I32, I64}}
	typePoll     = FuncType{Results: []ValType{I32}}
)

// Bytes encodes the guest.
func (g Guest) Bytes() []byte {
	hint := g.Hint
	if hint == "" {
		hint = DefaultHint
	}

	b := NewBuilder()
	b.Import("wasmhttp", "serve", typeServe)
	b.Import("wasmhttp", "request_info", typeReqBuf)
	b.Import("wasmhttp", "request_read", typeReqRead)
	b.Import("wasmhttp", "set_header", typeHeader)
	b.Import("wasmhttp", "complete", typeComplete)
	b.Import("wasmhttp", "fail", typeReqBuf)
	b.Import("wasmhttp", "heartbeat", typeVoid)
	b.Import("wasmhttp", "host_call", typeHostCall)
	b.Import("wasi_snapshot_preview1", "proc_exit", typeExit)
	if g.BadImport {
		b.Import("wasmhttp", "teleport", typeVoid)
	}

	b.Memory(1)
	b.Global(I64, 0)
	b.Global(I32, 0)

	b.Data(hintAddr, []byte(hint))
	b.Data(pongAddr, []byte(Pong))
	b.Data(boomAddr, []byte(FailMessage))
	b.Data(headerAddr, []byte(HeaderName))
	b.Data(headerValue, []byte(HeaderValue))
	b.Data(callAddr, []byte(g.hostCall()))

	run := b.Func(typeVoid, nil, g.runBody(len(hint)))
	if !g.NoEntry {
		entry := g.Entry
		if entry == "" {
			entry = "run"
		}
		b.Export(entry, run)
	}

	if !g.NoDispatch {
		dispatchType := typeDispatch
		if g.BadSignature {
			dispatchType = FuncType{Params: []ValType{I32, I32}}
		}
		fn := b.Func(dispatchType, []ValType{I32}, g.handlerBody())
		b.Export("wasmhttp_request", fn)
	}

	if g.Poll || g.Handler == HandlerDeferred {
		b.Export("wasmhttp_poll", b.Func(typePoll, nil, pollBody()))
	}

	if g.Initialize {
		b.Export("_initialize", b.Func(typeVoid, nil, new(Asm).Call(fnHeartbeat).Bytes()))
	}

	return b.Bytes()
}

func serveCode(a *Asm, hintLen int) *Asm {
	return a.I32Const(hintAddr).I32Const(int32(hintLen)).I32Const(HandlerRef).Call(fnServe).
		If().I32Const(3).Call(fnProcExit).End()
}

func (g Guest) runBody(hintLen int) []byte {
	a := new(Asm)
	switch g.Run {
	case RunServe:
		serveCode(a, hintLen)
	case RunReturn:
	case RunExit:
		a.I32Const(g.ExitCode).Call(fnProcExit)
	case RunTrapOnReenter:
		a.GlobalGet(gEntered).If().Unreachable().End()
		a.I32Const(1).GlobalSet(gEntered)
		serveCode(a, hintLen)
	case RunHeartbeat:
		a.Call(fnHeartbeat)
		serveCode(a, hintLen)
	case RunTrap:
		a.Unreachable()
	case RunExitOnReenter:
		a.GlobalGet(gEntered).If().I32Const(g.ExitCode).Call(fnProcExit).End()
		a.I32Const(1).GlobalSet(gEntered)
	}
	return a.Bytes()
}

func (g Guest) hostCall() string {
	if g.HostCall == "" {
		return HostCallJSON
	}
	return g.HostCall
}

// Handler locals: 0 handler ref, 1 request id, 2 scratch length.
func (g Guest) handlerBody() []byte {
	a := new(Asm)
	if g.BadSignature {
		return a.Bytes()
	}
	a.LocalGet(0).I32Const(HandlerRef).I32Ne().If().Unreachable().End()

	complete := func(a *Asm, addr, n int32) *Asm {
		return a.LocalGet(1).I32Const(200).I32Const(addr).I32Const(n).Call(fnComplete)
	}

	switch g.Handler {
	case HandlerEcho:
		a.LocalGet(1).I32Const(bufferAddr).I32Const(bufferLimit).Call(fnRequestRead).I32WrapI64().LocalSet(2)
		a.LocalGet(1).I32Const(200).I32Const(bufferAddr).LocalGet(2).Call(fnComplete).Drop()
	case HandlerPong:
		a.LocalGet(1).
			I32Const(headerAddr).I32Const(int32(len(HeaderName))).
			I32Const(headerValue).I32Const(int32(len(HeaderValue))).
			Call(fnSetHeader).Drop()
		complete(a, pongAddr, int32(len(Pong))).Drop()
	case HandlerDeferred:
		a.LocalGet(1).GlobalSet(gPending)
	case HandlerSilent:
	case HandlerTwice:
		complete(a, pongAddr, int32(len(Pong))).Drop()
		complete(a, pongAddr, int32(len(Pong))).I32Eqz().If().I32Const(9).Call(fnProcExit).End()
	case HandlerFail:
		a.LocalGet(1).I32Const(boomAddr).I32Const(int32(len(FailMessage))).Call(fnFail).Drop()
	case HandlerTrap:
		a.Unreachable()
	case HandlerHostCall:
		a.I32Const(callAddr).I32Const(int32(len(g.hostCall()))).
			I32Const(bufferAddr).I32Const(bufferLimit).Call(fnHostCall).LocalSet(2)
		a.LocalGet(1).I32Const(200).I32Const(bufferAddr).LocalGet(2).Call(fnComplete).Drop()
	case HandlerInfo:
		a.LocalGet(1).I32Const(bufferAddr).I32Const(bufferLimit).Call(fnRequestInfo).LocalSet(2)
		a.LocalGet(1).I32Const(200).I32Const(bufferAddr).LocalGet(2).Call(fnComplete).Drop()
	case HandlerExit:
		a.I32Const(g.ExitCode).Call(fnProcExit)
	}
	return a.Bytes()
}

// pollBody completes the parked request, if any, and reports no further
// work.
func pollBody() []byte {
	a := new(Asm)
	a.GlobalGet(gPending).I64Eqz().If().I32Const(0).Return().End()
	a.GlobalGet(gPending).I32Const(200).I32Const(pongAddr).I32Const(int32(len(Pong))).Call(fnComplete).Drop()
	a.I64Const(0).GlobalSet(gPending)
	a.I32Const(0)
	return a.Bytes()
}
