package exception_test

import (
	"strings"
	"testing"

	"github.com/probecore/probecore/arm/armcore"
	"github.com/probecore/probecore/arm/exception"
	"github.com/probecore/probecore/coreabi"
)

func regsWith(xpsr, lr, sp uint32) [17]coreabi.RegisterValue {
	var regs [17]coreabi.RegisterValue
	regs[armcore.RegXPSR] = coreabi.NewU32(xpsr)
	regs[armcore.RegLR] = coreabi.NewU32(lr)
	regs[armcore.RegSP] = coreabi.NewU32(sp)
	return regs
}

func TestRawExceptionReadsIPSRField(t *testing.T) {
	regs := regsWith(0x6100_000F, 0, 0)
	if got := exception.RawException(regs); got != 15 {
		t.Fatalf("expected exception number 15, got %d", got)
	}
}

func TestRawExceptionResetTransient(t *testing.T) {
	regs := regsWith(0, 0xFFFFFFFF, 0)
	if got := exception.RawException(regs); got != 1 {
		t.Fatalf("expected IPSR==0 with LR==0xFFFFFFFF to report exception 1 (reset), got %d", got)
	}
}

func TestDecodeReturnModeStandardFrameMainStack(t *testing.T) {
	mode := exception.DecodeReturnMode(0xFFFFFFF9)
	if mode.ProcessStack {
		t.Fatalf("expected main-stack return")
	}
	if !mode.StandardFrame {
		t.Fatalf("expected standard frame")
	}
	if mode.FrameAdvance() != 0x20 {
		t.Fatalf("expected 0x20 stack advance for a standard frame, got %#x", mode.FrameAdvance())
	}
}

func TestDecodeReturnModeExtendedFrameProcessStack(t *testing.T) {
	mode := exception.DecodeReturnMode(0xFFFFFFED)
	if !mode.ProcessStack {
		t.Fatalf("expected process-stack return")
	}
	if mode.StandardFrame {
		t.Fatalf("expected extended (FP) frame")
	}
	if mode.FrameAdvance() != 0x68 {
		t.Fatalf("expected 0x68 stack advance for an extended frame, got %#x", mode.FrameAdvance())
	}
}

func TestIsExceptionReturn(t *testing.T) {
	if !exception.IsExceptionReturn(0xFFFFFFF1) {
		t.Fatalf("expected top byte 0xFF to be recognised as an EXC_RETURN value")
	}
	if exception.IsExceptionReturn(0x08001234) {
		t.Fatalf("did not expect an ordinary code address to be an EXC_RETURN value")
	}
}

type fakeMem struct {
	words map[uint32]uint32
}

func (f fakeMem) ReadWord32(addr uint32) (uint32, error) { return f.words[addr], nil }

func TestReconstructCallingFrame(t *testing.T) {
	sp := uint32(0x2000_0000)
	mem := fakeMem{words: map[uint32]uint32{
		sp + 0:  0x11, // R0
		sp + 4:  0x22, // R1
		sp + 8:  0x33, // R2
		sp + 12: 0x44, // R3
		sp + 16: 0x55, // R12
		sp + 20: 0x08001001, // LR (calling LR)
		sp + 24: 0x08002001, // PC, thumb bit set
		sp + 28: 0x6100_0000, // xPSR
	}}

	regs := regsWith(0, 0xFFFFFFF9, sp) // standard frame, main stack
	out, advance, err := exception.ReconstructCallingFrame(mem, regs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advance != 0x20 {
		t.Fatalf("expected 0x20 advance, got %#x", advance)
	}
	if out[armcore.RegR0].U32() != 0x11 || out[armcore.RegR3].U32() != 0x44 {
		t.Fatalf("expected R0-R3 overwritten from the stacked frame")
	}
	if out[armcore.RegPC].U32() != 0x08002000 {
		t.Fatalf("expected thumb bit masked from PC, got %#x", out[armcore.RegPC].U32())
	}
	if out[armcore.RegSP].U32() != sp+0x20 {
		t.Fatalf("expected SP advanced by frame size, got %#x", out[armcore.RegSP].U32())
	}
}

func TestDescribeEscalatedBusFaultAppendsBFAR(t *testing.T) {
	const hfsrForced = 1 << 30
	const bfPrecise = 1 << 2
	const bfARValid = 1 << 7
	cfsr := uint32(bfPrecise|bfARValid) << 8
	info := exception.Describe(3, hfsrForced, cfsr, 0, 0xDEAD_BEEF, false, 0, 0)
	if info.Kind != exception.KindHardFault {
		t.Fatalf("expected HardFault classification")
	}
	if info.Description == "" {
		t.Fatalf("expected a non-empty description")
	}
	if !strings.Contains(info.Description, "BFAR=0xdeadbeef") {
		t.Fatalf("expected BFAR appended to the description, got %q", info.Description)
	}
}

func TestDescribeSecureFaultWithSFAR(t *testing.T) {
	const sfarValid = 1 << 6
	const invalidEntryPoint = 1 << 0
	info := exception.Describe(7, 0, 0, 0, 0, true, invalidEntryPoint|sfarValid, 0x1000_0000)
	if info.Kind != exception.KindSecureFault {
		t.Fatalf("expected SecureFault classification")
	}
	if !strings.Contains(info.Description, "SFAR=0x10000000") {
		t.Fatalf("expected SFAR appended to the description, got %q", info.Description)
	}
}
