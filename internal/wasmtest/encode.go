// Package wasmtest encodes small WebAssembly modules for tests. It covers
// only the parts of the binary format the test guests need: functions,
// imports, one memory, mutable globals and active data segments.
package wasmtest

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02

	funcTypeByte = 0x60
)

type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (f FuncType) key() string {
	b := make([]byte, 0, len(f.Params)+len(f.Results)+1)
	for _, p := range f.Params {
		b = append(b, byte(p))
	}
	b = append(b, '|')
	for _, r := range f.Results {
		b = append(b, byte(r))
	}
	return string(b)
}

type funcImport struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type global struct {
	typ  ValType
	init int64
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder assembles a module. Imports must be declared before functions,
// since function indices count imports first.
type Builder struct {
	types    []FuncType
	typeIdx  map[string]uint32
	imports  []funcImport
	funcs    []function
	exports  []export
	globals  []global
	data     []segment
	memPages uint32
}

func NewBuilder() *Builder {
	return &Builder{typeIdx: make(map[string]uint32)}
}

func (b *Builder) typeOf(ft FuncType) uint32 {
	k := ft.key()
	if idx, ok := b.typeIdx[k]; ok {
		return idx
	}
	idx := uint32(len(b.types))
	b.types = append(b.types, ft)
	b.typeIdx[k] = idx
	return idx
}

// Import declares a function import and returns its function index.
func (b *Builder) Import(module, name string, ft FuncType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: import declared after a function")
	}
	b.imports = append(b.imports, funcImport{module: module, name: name, typeIdx: b.typeOf(ft)})
	return uint32(len(b.imports) - 1)
}

// Func adds a function and returns its index. body must not include the
// final end opcode.
func (b *Builder) Func(ft FuncType, locals []ValType, body []byte) uint32 {
	b.funcs = append(b.funcs, function{typeIdx: b.typeOf(ft), locals: locals, body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

func (b *Builder) Export(name string, funcIdx uint32) {
	b.exports = append(b.exports, export{name: name, kind: kindFunc, idx: funcIdx})
}

// Memory defines memory 0 with the given minimum pages and exports it as
// "memory".
func (b *Builder) Memory(pages uint32) {
	b.memPages = pages
	b.exports = append(b.exports, export{name: "memory", kind: kindMemory, idx: 0})
}

// Global adds a mutable global and returns its index.
func (b *Builder) Global(t ValType, init int64) uint32 {
	b.globals = append(b.globals, global{typ: t, init: init})
	return uint32(len(b.globals) - 1)
}

func (b *Builder) Data(offset uint32, data []byte) {
	b.data = append(b.data, segment{offset: offset, data: data})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		sec := appendU32(nil, uint32(len(b.types)))
		for _, ft := range b.types {
			sec = append(sec, funcTypeByte)
			sec = appendValTypes(sec, ft.Params)
			sec = appendValTypes(sec, ft.Results)
		}
		out = appendSection(out, sectionType, sec)
	}

	if len(b.imports) > 0 {
		sec := appendU32(nil, uint32(len(b.imports)))
		for _, imp := range b.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, kindFunc)
			sec = appendU32(sec, imp.typeIdx)
		}
		out = appendSection(out, sectionImport, sec)
	}

	if len(b.funcs) > 0 {
		sec := appendU32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			sec = appendU32(sec, f.typeIdx)
		}
		out = appendSection(out, sectionFunction, sec)
	}

	if b.memPages > 0 {
		sec := appendU32(nil, 1)
		sec = append(sec, 0x00)
		sec = appendU32(sec, b.memPages)
		out = appendSection(out, sectionMemory, sec)
	}

	if len(b.globals) > 0 {
		sec := appendU32(nil, uint32(len(b.globals)))
		for _, g := range b.globals {
			sec = append(sec, byte(g.typ), 0x01)
			if g.typ == I64 {
				sec = append(sec, opI64Const)
				sec = appendS64(sec, g.init)
			} else {
				sec = append(sec, opI32Const)
				sec = appendS64(sec, int64(int32(g.init)))
			}
			sec = append(sec, opEnd)
		}
		out = appendSection(out, sectionGlobal, sec)
	}

	if len(b.exports) > 0 {
		sec := appendU32(nil, uint32(len(b.exports)))
		for _, e := range b.exports {
			sec = appendName(sec, e.name)
			sec = append(sec, e.kind)
			sec = appendU32(sec, e.idx)
		}
		out = appendSection(out, sectionExport, sec)
	}

	if len(b.funcs) > 0 {
		sec := appendU32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			var body []byte
			if len(f.locals) == 0 {
				body = appendU32(body, 0)
			} else {
				body = appendU32(body, uint32(len(f.locals)))
				for _, l := range f.locals {
					body = appendU32(body, 1)
					body = append(body, byte(l))
				}
			}
			body = append(body, f.body...)
			body = append(body, opEnd)

			sec = appendU32(sec, uint32(len(body)))
			sec = append(sec, body...)
		}
		out = appendSection(out, sectionCode, sec)
	}

	if len(b.data) > 0 {
		sec := appendU32(nil, uint32(len(b.data)))
		for _, d := range b.data {
			sec = append(sec, 0x00, opI32Const)
			sec = appendS64(sec, int64(int32(d.offset)))
			sec = append(sec, opEnd)
			sec = appendU32(sec, uint32(len(d.data)))
			sec = append(sec, d.data...)
		}
		out = appendSection(out, sectionData, sec)
	}

	return out
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendName(out []byte, name string) []byte {
	out = appendU32(out, uint32(len(name)))
	return append(out, name...)
}

func appendValTypes(out []byte, types []ValType) []byte {
	out = appendU32(out, uint32(len(types)))
	for _, t := range types {
		out = append(out, byte(t))
	}
	return out
}

// appendU32 writes an unsigned LEB128 value.
func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// appendS64 writes a signed LEB128 value.
func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
