package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders code as human-readable instructions, one per
// line. constStr formats the constant at a given pool index (the
// bytecode package itself is agnostic to the Value representation, so
// the caller supplies the formatter).
func Disassemble(name string, code []byte, constStr func(ix int) string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", name)
	ip := 0
	for ip < len(code) {
		op := OpCode(code[ip])
		def, err := Lookup(op)
		if err != nil {
			fmt.Fprintf(&sb, "%04d ERROR: %s\n", ip, err)
			ip++
			continue
		}
		operands, read := readOperands(def, code[ip+1:])
		fmt.Fprintf(&sb, "%04d %-20s", ip, def.Name)
		switch {
		case op == OpConstant || op == OpFunction && len(operands) > 0:
			if constStr != nil {
				sb.WriteString(fmt.Sprintf(" %v (%s)", operands, constStr(operands[0])))
			} else {
				sb.WriteString(fmt.Sprintf(" %v", operands))
			}
		case len(operands) > 0:
			sb.WriteString(fmt.Sprintf(" %v", operands))
		}
		sb.WriteString("\n")
		ip += 1 + read
	}
	return sb.String()
}

func readOperands(def *Definition, ins []byte) ([]int, int) {
	operands := make([]int, len(def.OperandWidths))
	offset := 0
	for i, width := range def.OperandWidths {
		switch width {
		case 2:
			operands[i] = int(ReadUint16(ins[offset:]))
		case 1:
			operands[i] = int(ins[offset])
		case 8:
			operands[i] = int(ReadUint64(ins[offset:]))
		}
		offset += width
	}
	return operands, offset
}
