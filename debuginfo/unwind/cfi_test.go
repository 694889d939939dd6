package unwind_test

import (
	"encoding/binary"
	"testing"

	"github.com/probecore/probecore/arm/armcore"
	"github.com/probecore/probecore/coreabi"
	"github.com/probecore/probecore/debuginfo/unwind"
)

// buildDebugFrame hand-assembles a minimal .debug_frame section with one
// CIE (code align 1, data align -4, return register LR=14) whose initial
// instructions are:
//
//	DW_CFA_def_cfa r13(SP), 8             -- CFA = SP + 8
//	DW_CFA_offset_extended r14(LR), 1     -- LR saved at CFA - 4 (1 * data align -4)
//
// and one FDE covering [0x1000, 0x1010) whose instructions are:
//
//	DW_CFA_advance_loc 4
//	DW_CFA_offset r7, 2                   -- R7 saved at CFA - 8
func buildDebugFrame(t *testing.T) []byte {
	t.Helper()
	byteOrder := binary.LittleEndian

	cieInstructions := []byte{
		0x0c, 13, 8, // DW_CFA_def_cfa 13, 8
		0x05, 14, 1, // DW_CFA_offset_extended 14, 1
	}
	cieBody := []byte{}
	cieBody = append(cieBody, 0xff, 0xff, 0xff, 0xff) // id == CIE marker
	cieBody = append(cieBody, 1)                      // version
	cieBody = append(cieBody, 0x00)                   // no augmentation
	cieBody = append(cieBody, 1)                       // code alignment ULEB128
	cieBody = append(cieBody, 0x7c)                    // data alignment SLEB128 (-4)
	cieBody = append(cieBody, 14)                      // return address register
	cieBody = append(cieBody, cieInstructions...)

	var buf []byte
	cieOffset := uint32(len(buf)) // an FDE's CIE pointer is the offset of the CIE's length field
	cieLen := make([]byte, 4)
	byteOrder.PutUint32(cieLen, uint32(len(cieBody)))
	buf = append(buf, cieLen...)
	buf = append(buf, cieBody...)

	fdeInstructions := []byte{
		0x40 | 4,      // DW_CFA_advance_loc, delta 4 (packed into the opcode's low 6 bits)
		0x80 | 7, 0x2, // DW_CFA_offset r7, 2 (opcode 0b10 in top bits, reg 7 in low bits)
	}
	fdeBody := []byte{}
	idBytes := make([]byte, 4)
	byteOrder.PutUint32(idBytes, cieOffset)
	fdeBody = append(fdeBody, idBytes...)
	startBytes := make([]byte, 4)
	byteOrder.PutUint32(startBytes, 0x1000)
	fdeBody = append(fdeBody, startBytes...)
	rangeBytes := make([]byte, 4)
	byteOrder.PutUint32(rangeBytes, 0x10)
	fdeBody = append(fdeBody, rangeBytes...)
	fdeBody = append(fdeBody, fdeInstructions...)

	fdeLen := make([]byte, 4)
	byteOrder.PutUint32(fdeLen, uint32(len(fdeBody)))
	buf = append(buf, fdeLen...)
	buf = append(buf, fdeBody...)

	return buf
}

type fakeMem struct{ words map[uint32]uint32 }

func (f fakeMem) ReadWord32(addr uint32) (uint32, error) { return f.words[addr], nil }

func TestParseAndRowForAddress(t *testing.T) {
	data := buildDebugFrame(t)
	frames, err := unwind.Parse(data, binary.LittleEndian)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	row, err := frames.RowForAddress(0x1004)
	if err != nil {
		t.Fatalf("unexpected row error: %v", err)
	}
	if row.CFA.Register != 13 || row.CFA.Offset != 8 {
		t.Fatalf("expected CFA = r13+8, got r%d+%d", row.CFA.Register, row.CFA.Offset)
	}
	if row.Registers[14].Kind != unwind.RuleOffset || row.Registers[14].Offset != -4 {
		t.Fatalf("expected LR saved at CFA-4, got %+v", row.Registers[14])
	}
	if row.Registers[7].Kind != unwind.RuleOffset || row.Registers[7].Offset != -8 {
		t.Fatalf("expected R7 saved at CFA-8, got %+v", row.Registers[7])
	}
}

func TestStepRecoversCallerFromStack(t *testing.T) {
	data := buildDebugFrame(t)
	frames, err := unwind.Parse(data, binary.LittleEndian)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	sp := uint32(0x2000_0000)
	cfa := sp + 8
	mem := fakeMem{words: map[uint32]uint32{
		cfa - 4: 0x0800_2001, // saved LR
		cfa - 8: 0x4242_4242, // saved R7
	}}

	var regs [17]coreabi.RegisterValue
	regs[armcore.RegSP] = coreabi.NewU32(sp)
	regs[armcore.RegPC] = coreabi.NewU32(0x1004)
	regs[13] = coreabi.NewU32(sp) // r13 == SP

	frame, err := frames.Step(mem, regs)
	if err != nil {
		t.Fatalf("unexpected step error: %v", err)
	}
	if frame.CFA != cfa {
		t.Fatalf("expected CFA %#x, got %#x", cfa, frame.CFA)
	}
	if frame.PC != 0x0800_2000 {
		t.Fatalf("expected caller PC %#x, got %#x", 0x0800_2000, frame.PC)
	}
	if frame.Registers[7].U32() != 0x4242_4242 {
		t.Fatalf("expected R7 recovered from stack, got %#x", frame.Registers[7].U32())
	}
}
