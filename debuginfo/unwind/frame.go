// This file is part of Gopher2600.
//
// Gopher2600 is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Gopher2600 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Gopher2600.  If not, see <https://www.gnu.org/licenses/>.

package unwind

import (
	"fmt"

	"github.com/probecore/probecore/arm/armcore"
	"github.com/probecore/probecore/arm/exception"
	"github.com/probecore/probecore/coreabi"
	"github.com/probecore/probecore/debuginfo/leb128"
)

// MemReader is the stack-memory surface a frame step needs to dereference
// CFA-relative register locations.
type MemReader interface {
	ReadWord32(addr uint32) (uint32, error)
}

// Frame is one entry of a reconstructed call stack (spec §3 StackFrame).
type Frame struct {
	PC  uint32
	CFA uint32
	// Registers holds the caller's register file as recovered by this
	// frame's unwind rules, indexed by the same DWARF register numbers
	// armcore's Reg* constants already use for R0-R15.
	Registers [17]coreabi.RegisterValue
}

// Step computes the calling frame from callee's register snapshot regs,
// whose PC lies within an FDE of f (spec §4.8 per-frame algorithm): find
// the row for the current PC, evaluate the CFA rule, then apply each
// register's unwind rule (Undefined/SameValue/Offset/Register/Expression/
// ValExpression) against mem and the callee registers to produce the
// caller's register file.
func (f *Frames) Step(mem MemReader, regs [17]coreabi.RegisterValue) (Frame, error) {
	pc := regs[armcore.RegPC].U32()
	row, err := f.RowForAddress(pc)
	if err != nil {
		return Frame{}, err
	}

	if row.CFA.Expr != nil {
		return Frame{}, fmt.Errorf("unwind: DWARF-expression CFA rules are not supported")
	}
	if row.CFA.Register < 0 || row.CFA.Register >= len(regs) {
		return Frame{}, fmt.Errorf("unwind: CFA register %d out of range", row.CFA.Register)
	}
	cfa := uint32(int64(regs[row.CFA.Register].U32()) + row.CFA.Offset)

	out := Frame{CFA: cfa}
	out.Registers = regs

	for reg := 0; reg < maxDWARFRegister; reg++ {
		rule := row.Registers[reg]
		switch rule.Kind {
		case RuleUndefined, RuleSameValue:
			// caller's value is whatever the callee snapshot already has

		case RuleOffset:
			addr := uint32(int64(cfa) + rule.Offset)
			v, err := mem.ReadWord32(addr)
			if err != nil {
				return Frame{}, err
			}
			out.Registers[reg] = coreabi.NewU32(v)

		case RuleRegister:
			if rule.Register < 0 || rule.Register >= len(regs) {
				return Frame{}, fmt.Errorf("unwind: source register %d out of range", rule.Register)
			}
			out.Registers[reg] = regs[rule.Register]

		case RuleExpression:
			addr, err := evalExpression(rule.Expr, cfa, regs)
			if err != nil {
				return Frame{}, err
			}
			v, err := mem.ReadWord32(addr)
			if err != nil {
				return Frame{}, err
			}
			out.Registers[reg] = coreabi.NewU32(v)

		case RuleValExpression:
			v, err := evalExpression(rule.Expr, cfa, regs)
			if err != nil {
				return Frame{}, err
			}
			out.Registers[reg] = coreabi.NewU32(v)
		}
	}

	// ARM's DWARF return-address register is LR (14); the caller's PC is
	// the value unwound into LR here, with the Thumb bit masked off.
	callerPC := out.Registers[armcore.RegLR].U32() &^ 1
	out.Registers[armcore.RegPC] = coreabi.NewU32(callerPC)
	out.PC = callerPC

	return out, nil
}

// StepFromException seeds the unwind with the pre-exception register file:
// when LR holds an EXC_RETURN value (spec §4.8 exception-return frame switch
// via LR top-byte check) it returns the interrupted caller's registers
// reconstructed from the stacked exception frame, with PC taken from the
// stacked PC; no CFI is evaluated for that frame and its CFA is left zero.
// For any other LR it is the same as Step.
func (f *Frames) StepFromException(mem MemReader, regs [17]coreabi.RegisterValue) (Frame, error) {
	lr := regs[armcore.RegLR].U32()
	if !exception.IsExceptionReturn(lr) {
		return f.Step(mem, regs)
	}
	reconstructed, _, err := exception.ReconstructCallingFrame(mem, regs)
	if err != nil {
		return Frame{}, err
	}
	return Frame{PC: reconstructed[armcore.RegPC].U32(), Registers: reconstructed}, nil
}

// evalExpression evaluates the small subset of the DWARF expression
// language CFI rules realistically emit for Cortex-M targets: a bare
// DW_OP_breg<n> <offset> (register-relative address, n = 0..31). Any other
// opcode, DW_OP_bregx included, returns an error. Full
// general expression evaluation belongs to the location-list evaluator,
// out of scope for unwinding proper.
func evalExpression(expr []byte, cfa uint32, regs [17]coreabi.RegisterValue) (uint32, error) {
	if len(expr) == 0 {
		return 0, fmt.Errorf("unwind: empty DWARF expression")
	}
	const dwOpBreg0 = 0x70 // DW_OP_breg0..DW_OP_breg31 span 0x70-0x8f
	op := expr[0]
	if op >= dwOpBreg0 && op <= dwOpBreg0+31 {
		reg := int(op - dwOpBreg0)
		off, _ := leb128.DecodeSLEB128(expr[1:])
		if reg < 0 || reg >= len(regs) {
			return 0, fmt.Errorf("unwind: breg register %d out of range", reg)
		}
		return uint32(int64(regs[reg].U32()) + off), nil
	}
	return 0, fmt.Errorf("unwind: unsupported DWARF expression opcode %#02x", op)
}
