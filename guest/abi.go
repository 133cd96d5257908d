package guest

import "github.com/tetratelabs/wazero/api"

// Names shared with guests.
const (
	ImportModule = "wasmhttp"

	ExportRun        = "run"
	ExportStart      = "_start"
	ExportInitialize = "_initialize"
	ExportDispatch   = "wasmhttp_request"
	ExportPoll       = "wasmhttp_poll"
)

// Status codes returned by wasmhttp imports. Imports that return a length
// report failures as the negated status.
const (
	StatusOK uint32 = iota
	StatusUnknownRequest
	StatusAlreadyCompleted
	StatusBadArgs
	StatusHostFailure
)

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// importSignatures lists every function the wasmhttp host module exports.
// Compile checks guest imports against it before instantiation.
var importSignatures = map[string]signature{
	"serve":        {params: []api.ValueType{i32, i32, i32}, results: []api.ValueType{i32}},
	"request_info": {params: []api.ValueType{i64, i32, i32}, results: []api.ValueType{i32}},
	"request_read": {params: []api.ValueType{i64, i32, i32}, results: []api.ValueType{i64}},
	"set_header":   {params: []api.ValueType{i64, i32, i32, i32, i32}, results: []api.ValueType{i32}},
	"complete":     {params: []api.ValueType{i64, i32, i32, i32}, results: []api.ValueType{i32}},
	"fail":         {params: []api.ValueType{i64, i32, i32}, results: []api.ValueType{i32}},
	"heartbeat":    {},
	"host_call":    {params: []api.ValueType{i32, i32, i32, i32}, results: []api.ValueType{i32}},
}

var (
	dispatchSignature = signature{params: []api.ValueType{i32, i64}}
	pollSignature     = signature{results: []api.ValueType{i32}}
)

func (s signature) matches(def api.FunctionDefinition) bool {
	return equalTypes(s.params, def.ParamTypes()) && equalTypes(s.results, def.ResultTypes())
}

func equalTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// eofLen packs a read result the way request_read returns it: the high
// 32 bits carry the EOF flag, the low 32 bits the byte count.
func eofLen(eof bool, n uint32) uint64 {
	if eof {
		return 1<<32 | uint64(n)
	}
	return uint64(n)
}
