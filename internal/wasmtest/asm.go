package wasmtest

const (
	opUnreachable = 0x00
	opIf          = 0x04
	opEnd         = 0x0B
	opReturn      = 0x0F
	opCall        = 0x10
	opDrop        = 0x1A
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Eqz      = 0x45
	opI32Ne       = 0x47
	opI64Eqz      = 0x50
	opI32WrapI64  = 0xA7

	blockEmpty = 0x40
)

// Asm appends instructions to a function body.
type Asm struct {
	code []byte
}

func (a *Asm) Bytes() []byte { return a.code }

func (a *Asm) op(b ...byte) *Asm {
	a.code = append(a.code, b...)
	return a
}

func (a *Asm) I32Const(v int32) *Asm {
	a.code = appendS64(append(a.code, opI32Const), int64(v))
	return a
}

func (a *Asm) I64Const(v int64) *Asm {
	a.code = appendS64(append(a.code, opI64Const), v)
	return a
}

func (a *Asm) LocalGet(i uint32) *Asm {
	a.code = appendU32(append(a.code, opLocalGet), i)
	return a
}

func (a *Asm) LocalSet(i uint32) *Asm {
	a.code = appendU32(append(a.code, opLocalSet), i)
	return a
}

func (a *Asm) GlobalGet(i uint32) *Asm {
	a.code = appendU32(append(a.code, opGlobalGet), i)
	return a
}

func (a *Asm) GlobalSet(i uint32) *Asm {
	a.code = appendU32(append(a.code, opGlobalSet), i)
	return a
}

func (a *Asm) Call(fn uint32) *Asm {
	a.code = appendU32(append(a.code, opCall), fn)
	return a
}

// If opens a block with no result, taken when the popped i32 is non-zero.
func (a *Asm) If() *Asm          { return a.op(opIf, blockEmpty) }
func (a *Asm) End() *Asm         { return a.op(opEnd) }
func (a *Asm) Return() *Asm      { return a.op(opReturn) }
func (a *Asm) Drop() *Asm        { return a.op(opDrop) }
func (a *Asm) Unreachable() *Asm { return a.op(opUnreachable) }
func (a *Asm) I32Eqz() *Asm      { return a.op(opI32Eqz) }
func (a *Asm) I32Ne() *Asm       { return a.op(opI32Ne) }
func (a *Asm) I64Eqz() *Asm      { return a.op(opI64Eqz) }
func (a *Asm) I32WrapI64() *Asm  { return a.op(opI32WrapI64) }
