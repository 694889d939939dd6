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
	"encoding/binary"
	"fmt"

	"github.com/probecore/probecore/debuginfo/leb128"
)

// step decodes and applies one DWARF call-frame instruction to row,
// threading the remember/restore stack through repeated calls. Opcode
// descriptions and operand encodings are taken from "6.4.2 Call Frame
// Instructions" of the DWARF-4 Standard, the same source the teacher's
// decodeFrameInstruction cites; the switch below covers every opcode this
// unwinder's register-rule model can represent, rather than stopping at
// the subset the teacher needed for a single framebase lookup.
//
// When stopAtLimit is set, a location-advancing opcode that would carry
// row past limit is NOT applied and step returns stop=true: row is left
// exactly as it stood for the last address <= limit, which is the row the
// caller wants, and any instructions still unread belong to a later row
// the caller has no interest in.
func step(r *leb128.Reader, cie *CIE, row *Row, stack *[]Row, limit uint32, stopAtLimit bool) (stop bool, err error) {
	first := r.Byte()
	opcode := (first & 0xc0) >> 6
	extended := first & 0x3f

	advance := func(newLocation uint32) bool {
		if stopAtLimit && newLocation > limit {
			return true
		}
		row.Location = newLocation
		return false
	}

	switch opcode {
	case 0x1: // DW_CFA_advance_loc
		return advance(row.Location + uint32(uint64(extended)*cie.CodeAlignment)), nil
	case 0x2: // DW_CFA_offset
		reg := int(extended)
		offset, n := leb128.DecodeULEB128(r.Remaining())
		r.Advance(n)
		setRule(row, reg, RegisterRule{Kind: RuleOffset, Offset: int64(offset) * cie.DataAlignment})
		return false, nil
	case 0x3: // DW_CFA_restore
		setRule(row, int(extended), RegisterRule{Kind: RuleUndefined})
		return false, nil
	}

	switch extended {
	case 0x00: // DW_CFA_nop
		return false, nil

	case 0x01: // DW_CFA_set_loc
		newLoc := binary.LittleEndian.Uint32(r.Remaining())
		r.Advance(4)
		return advance(newLoc), nil

	case 0x02: // DW_CFA_advance_loc1
		delta := uint64(r.Byte()) * cie.CodeAlignment
		return advance(row.Location + uint32(delta)), nil

	case 0x03: // DW_CFA_advance_loc2
		delta := uint64(binary.LittleEndian.Uint16(r.Remaining())) * cie.CodeAlignment
		r.Advance(2)
		return advance(row.Location + uint32(delta)), nil

	case 0x04: // DW_CFA_advance_loc4
		delta := uint64(binary.LittleEndian.Uint32(r.Remaining())) * cie.CodeAlignment
		r.Advance(4)
		return advance(row.Location + uint32(delta)), nil

	case 0x05: // DW_CFA_offset_extended
		reg := int(r.ULEB128())
		offset := r.ULEB128()
		setRule(row, reg, RegisterRule{Kind: RuleOffset, Offset: int64(offset) * cie.DataAlignment})
		return false, nil

	case 0x06: // DW_CFA_restore_extended
		reg := int(r.ULEB128())
		setRule(row, reg, RegisterRule{Kind: RuleUndefined})
		return false, nil

	case 0x07: // DW_CFA_undefined
		reg := int(r.ULEB128())
		setRule(row, reg, RegisterRule{Kind: RuleUndefined})
		return false, nil

	case 0x08: // DW_CFA_same_value
		reg := int(r.ULEB128())
		setRule(row, reg, RegisterRule{Kind: RuleSameValue})
		return false, nil

	case 0x09: // DW_CFA_register
		reg := int(r.ULEB128())
		src := int(r.ULEB128())
		setRule(row, reg, RegisterRule{Kind: RuleRegister, Register: src})
		return false, nil

	case 0x0a: // DW_CFA_remember_state
		*stack = append(*stack, *row)
		return false, nil

	case 0x0b: // DW_CFA_restore_state
		if len(*stack) == 0 {
			return false, fmt.Errorf("unwind: DW_CFA_restore_state with an empty state stack")
		}
		loc := row.Location
		*row = (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]
		row.Location = loc
		return false, nil

	case 0x0c: // DW_CFA_def_cfa
		row.CFA.Register = int(r.ULEB128())
		row.CFA.Offset = int64(r.ULEB128())
		row.CFA.Expr = nil
		return false, nil

	case 0x0d: // DW_CFA_def_cfa_register
		row.CFA.Register = int(r.ULEB128())
		return false, nil

	case 0x0e: // DW_CFA_def_cfa_offset
		row.CFA.Offset = int64(r.ULEB128())
		return false, nil

	case 0x0f: // DW_CFA_def_cfa_expression
		n := int(r.ULEB128())
		row.CFA.Expr = r.TakeBytes(n)
		row.CFA.Register = 0
		return false, nil

	case 0x10: // DW_CFA_expression
		reg := int(r.ULEB128())
		n := int(r.ULEB128())
		setRule(row, reg, RegisterRule{Kind: RuleExpression, Expr: r.TakeBytes(n)})
		return false, nil

	case 0x11: // DW_CFA_offset_extended_sf
		reg := int(r.ULEB128())
		offset := r.SLEB128()
		setRule(row, reg, RegisterRule{Kind: RuleOffset, Offset: offset * cie.DataAlignment})
		return false, nil

	case 0x12: // DW_CFA_def_cfa_sf
		row.CFA.Register = int(r.ULEB128())
		row.CFA.Offset = r.SLEB128() * cie.DataAlignment
		row.CFA.Expr = nil
		return false, nil

	case 0x13: // DW_CFA_def_cfa_offset_sf
		row.CFA.Offset = r.SLEB128() * cie.DataAlignment
		return false, nil

	case 0x16: // DW_CFA_val_expression
		reg := int(r.ULEB128())
		n := int(r.ULEB128())
		setRule(row, reg, RegisterRule{Kind: RuleValExpression, Expr: r.TakeBytes(n)})
		return false, nil

	default:
		return false, fmt.Errorf("unwind: unimplemented call frame instruction %#02x/%#02x", opcode, extended)
	}
}

func setRule(row *Row, reg int, rule RegisterRule) {
	if reg < 0 || reg >= maxDWARFRegister {
		return
	}
	row.Registers[reg] = rule
}
