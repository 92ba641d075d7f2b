package value

import "sentra/internal/bytecode"

// DebugInfo is the per-instruction source position/function-name record
// the compiler emits alongside bytecode (§4.6: "a parallel array of the
// same length as bytecode").
type DebugInfo struct {
	File     string
	Line     int
	Column   int
	Function string
}

// Chunk is the compiler's growing bytecode buffer: one opcode byte
// followed by fixed-width big-endian operands, with a parallel Debug
// slice and its own Constants pool (each function scope compiles into a
// separate Chunk). Once compilation finishes it is
// frozen into a *CompiledCode for the Function object to own/borrow.
type Chunk struct {
	Code      []byte
	Constants []Value
	Debug     []DebugInfo
}

func NewChunk() *Chunk {
	return &Chunk{}
}

func (c *Chunk) WriteOp(op bytecode.OpCode, debug DebugInfo) int {
	pos := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Debug = append(c.Debug, debug)
	return pos
}

func (c *Chunk) WriteUint16(v uint16, debug DebugInfo) {
	var b [2]byte
	bytecode.PutUint16(b[:], v)
	c.Code = append(c.Code, b[0], b[1])
	c.Debug = append(c.Debug, debug, debug)
}

func (c *Chunk) WriteUint8(v uint8, debug DebugInfo) {
	c.Code = append(c.Code, v)
	c.Debug = append(c.Debug, debug)
}

func (c *Chunk) WriteUint64(v uint64, debug DebugInfo) {
	var b [8]byte
	bytecode.PutUint64(b[:], v)
	c.Code = append(c.Code, b[:]...)
	for i := 0; i < 8; i++ {
		c.Debug = append(c.Debug, debug)
	}
}

// PatchUint16 rewrites the 2-byte operand at ip (used to back-patch
// forward jumps once their target is known).
func (c *Chunk) PatchUint16(ip int, v uint16) {
	bytecode.PutUint16(c.Code[ip:ip+2], v)
}

func (c *Chunk) AddConstant(v Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

func (c *Chunk) Len() int { return len(c.Code) }

func (c *Chunk) GetDebugInfo(ip int) DebugInfo {
	if ip >= 0 && ip < len(c.Debug) {
		return c.Debug[ip]
	}
	return DebugInfo{}
}

func (c *Chunk) DebugPosition(ip int) Position {
	d := c.GetDebugInfo(ip)
	return Position{File: d.File, Line: d.Line, Column: d.Column}
}

// Freeze converts a finished Chunk into the CompiledCode a Function
// owns or borrows.
func (c *Chunk) Freeze(numLocals, numArgs int) *CompiledCode {
	return &CompiledCode{
		Code:      c.Code,
		Constants: c.Constants,
		Positions: positionsFromDebug(c.Debug),
		NumLocals: numLocals,
		NumArgs:   numArgs,
	}
}

func positionsFromDebug(debug []DebugInfo) []Position {
	out := make([]Position, len(debug))
	for i, d := range debug {
		out[i] = Position{File: d.File, Line: d.Line, Column: d.Column}
	}
	return out
}
