// Package exception decodes Cortex-M exception state (spec §4.7): the
// IPSR exception number, EXC_RETURN frame-layout bits, calling-frame
// reconstruction from the exception stack frame, and CFSR/HFSR/SFSR
// human-readable fault descriptions.
package exception

import (
	"fmt"

	"github.com/probecore/probecore/arm/armcore"
	"github.com/probecore/probecore/coreabi"
)

// Kind is a coarse classification of an exception number.
type Kind int

const (
	KindThreadMode Kind = iota
	KindReset
	KindNMI
	KindHardFault
	KindMemManage
	KindBusFault
	KindUsageFault
	KindSecureFault
	KindSVCall
	KindDebugMonitor
	KindPendSV
	KindSysTick
	KindExternalIRQ
)

// classify maps an IPSR exception number to a Kind (spec §4.7).
func classify(number uint32) Kind {
	switch number {
	case 0:
		return KindThreadMode
	case 1:
		return KindReset
	case 2:
		return KindNMI
	case 3:
		return KindHardFault
	case 4:
		return KindMemManage
	case 5:
		return KindBusFault
	case 6:
		return KindUsageFault
	case 7:
		return KindSecureFault
	case 11:
		return KindSVCall
	case 12:
		return KindDebugMonitor
	case 14:
		return KindPendSV
	case 15:
		return KindSysTick
	default:
		if number >= 16 {
			return KindExternalIRQ
		}
		return KindThreadMode
	}
}

// Info is the exception info entity of spec §3.
type Info struct {
	Number      uint32
	Kind        Kind
	Description string
}

// RawException returns the IPSR exception number (bits 8:0 of xPSR),
// with the reset special case of spec §4.7: immediately after reset IPSR
// may transiently read 0 even though LR == 0xFFFF_FFFF, in which case the
// exception number is treated as 1 (Reset).
func RawException(regs [17]coreabi.RegisterValue) uint32 {
	xpsr := regs[armcore.RegXPSR].U32()
	number := xpsr & 0x1FF
	lr := regs[armcore.RegLR].U32()
	if number == 0 && lr == 0xFFFFFFFF {
		return 1
	}
	return number
}

// excReturn bit layout (ARMv6-M §B1.5.6 / ARMv7-M §B1.5.8 / ARMv8-M §B3.18).
const (
	excReturnModeBit       = 1 << 3 // 0 = Handler, 1 = Thread
	excReturnSPSelBit      = 1 << 2 // 0 = Main SP, 1 = Process SP
	excReturnFTypeBit      = 1 << 4 // 0 = extended (FP) frame, 1 = standard frame
	excReturnSecureBit     = 1 << 6 // v8-M: 0 = Non-secure, 1 = Secure
)

// IsExceptionReturn reports whether lr's top byte is 0xFF, meaning the
// frame is an exception-handler entry (spec §4.7).
func IsExceptionReturn(lr uint32) bool { return lr>>24 == 0xFF }

// ReturnMode decodes the low nibble of an EXC_RETURN value.
type ReturnMode struct {
	ThreadMode     bool
	ProcessStack   bool
	StandardFrame  bool
	SecureState    bool
}

func DecodeReturnMode(lr uint32) ReturnMode {
	return ReturnMode{
		ThreadMode:    lr&excReturnModeBit != 0,
		ProcessStack:  lr&excReturnSPSelBit != 0,
		StandardFrame: lr&excReturnFTypeBit != 0,
		SecureState:   lr&excReturnSecureBit != 0,
	}
}

// FrameAdvance returns the stack-pointer advancement the hardware
// performed when it pushed the exception frame: 0x20 for a standard
// frame, 0x68 for an extended (FP) frame (spec §4.7).
func (m ReturnMode) FrameAdvance() uint32 {
	if m.StandardFrame {
		return 0x20
	}
	return 0x68
}

// MemReader is the memory surface the calling-frame reconstruction needs.
type MemReader interface {
	ReadWord32(addr uint32) (uint32, error)
}

// ReconstructCallingFrame reads the 8-word exception stack frame
// (R0,R1,R2,R3,R12,LR,PC,xPSR) from the SP selected by EXC_RETURN and
// overwrites the corresponding registers in snapshot, returning the
// updated snapshot and the stack pointer advancement to apply (spec §4.7).
func ReconstructCallingFrame(mem MemReader, regs [17]coreabi.RegisterValue) ([17]coreabi.RegisterValue, uint32, error) {
	lr := regs[armcore.RegLR].U32()
	mode := DecodeReturnMode(lr)

	// The caller is responsible for having read the EXC_RETURN-selected
	// stack pointer (MSP or PSP per mode.ProcessStack) into regs[RegSP]
	// before calling this function; ReconstructCallingFrameFromCore does
	// that through armcore's Core.ReadBankedSP.
	sp := regs[armcore.RegSP].U32()

	words := make([]uint32, 8)
	for i := range words {
		w, err := mem.ReadWord32(sp + uint32(i*4))
		if err != nil {
			return regs, 0, err
		}
		words[i] = w
	}

	out := regs
	out[armcore.RegR0] = coreabi.NewU32(words[0])
	out[armcore.RegR1] = coreabi.NewU32(words[1])
	out[armcore.RegR2] = coreabi.NewU32(words[2])
	out[armcore.RegR3] = coreabi.NewU32(words[3])
	out[armcore.RegR12] = coreabi.NewU32(words[4])
	out[armcore.RegLR] = coreabi.NewU32(words[5])
	out[armcore.RegPC] = coreabi.NewU32(words[6] &^ 1) // thumb bit masked
	out[armcore.RegXPSR] = coreabi.NewU32(words[7])
	out[armcore.RegSP] = coreabi.NewU32(sp + mode.FrameAdvance())

	return out, mode.FrameAdvance(), nil
}

// ReconstructCallingFrameFromCore resolves the EXC_RETURN-selected stack
// pointer bank (MSP or PSP) directly via core.ReadBankedSP, stores it in
// regs[RegSP], and then delegates to ReconstructCallingFrame, so the
// caller does not have to resolve the bank itself.
func ReconstructCallingFrameFromCore(core *armcore.Core, regs [17]coreabi.RegisterValue) ([17]coreabi.RegisterValue, uint32, error) {
	lr := regs[armcore.RegLR].U32()
	mode := DecodeReturnMode(lr)

	sp, err := core.ReadBankedSP(!mode.ProcessStack)
	if err != nil {
		return regs, 0, err
	}
	regs[armcore.RegSP] = sp

	return ReconstructCallingFrame(core, regs)
}

// CFSR bit layout, split across its three byte-lane banks.
const (
	cfsrMMFaultMask  = 0xFF
	cfsrBusFaultMask = 0xFF00
	cfsrUsageFaultMask = 0xFFFF0000

	mmARValid = 1 << 7 // MMFAR valid, within the MemManage byte
	bfARValid = 1 << 7 // BFAR valid, within the BusFault byte (bit 15 overall)

	hfsrForced = 1 << 30

	sfsrSFARValid = 1 << 6
)

// Describe builds the human-readable description of spec §4.7 scenario 5:
// for a HardFault with FORCED escalation, the most specific of
// MemManage/BusFault/UsageFault is named, with BFAR/MMFAR appended when
// valid; for v8-M, SecureFault/SFSR/SFAR is decoded too.
func Describe(number uint32, hfsr, cfsr, mmfar, bfar uint32, hasSecure bool, sfsr, sfar uint32) Info {
	k := classify(number)
	desc := kindName(k)

	if k == KindHardFault && hfsr&hfsrForced != 0 {
		mm := cfsr & cfsrMMFaultMask
		bf := (cfsr & cfsrBusFaultMask) >> 8
		uf := (cfsr & cfsrUsageFaultMask) >> 16

		switch {
		case uf != 0:
			desc = fmt.Sprintf("%s: Escalated UsageFault (%s)", desc, usageFaultCause(uf))
		case bf != 0:
			detail := busFaultCause(bf)
			if bf&bfARValid != 0 {
				detail = fmt.Sprintf("%s, BFAR=%#x", detail, bfar)
			}
			desc = fmt.Sprintf("%s: Escalated BusFault (%s)", desc, detail)
		case mm != 0:
			detail := mmFaultCause(mm)
			if mm&mmARValid != 0 {
				detail = fmt.Sprintf("%s, MMFAR=%#x", detail, mmfar)
			}
			desc = fmt.Sprintf("%s: Escalated MemManage fault (%s)", desc, detail)
		}
	}

	if hasSecure && k == KindSecureFault {
		detail := secureFaultCause(sfsr)
		if sfsr&sfsrSFARValid != 0 {
			detail = fmt.Sprintf("%s, SFAR=%#x", detail, sfar)
		}
		desc = fmt.Sprintf("%s: %s", desc, detail)
	}

	return Info{Number: number, Kind: k, Description: desc}
}

func kindName(k Kind) string {
	switch k {
	case KindReset:
		return "Reset"
	case KindNMI:
		return "NMI"
	case KindHardFault:
		return "HardFault"
	case KindMemManage:
		return "MemManage"
	case KindBusFault:
		return "BusFault"
	case KindUsageFault:
		return "UsageFault"
	case KindSecureFault:
		return "SecureFault"
	case KindSVCall:
		return "SVCall"
	case KindDebugMonitor:
		return "DebugMonitor"
	case KindPendSV:
		return "PendSV"
	case KindSysTick:
		return "SysTick"
	case KindExternalIRQ:
		return "ExternalInterrupt"
	}
	return "ThreadMode"
}

func usageFaultCause(uf uint32) string {
	switch {
	case uf&(1<<9) != 0:
		return "Division by zero"
	case uf&(1<<8) != 0:
		return "Unaligned access"
	case uf&(1<<3) != 0:
		return "No coprocessor"
	case uf&(1<<2) != 0:
		return "Invalid PC load"
	case uf&(1<<1) != 0:
		return "Invalid state"
	case uf&(1<<0) != 0:
		return "Undefined instruction"
	}
	return "unknown cause"
}

func busFaultCause(bf uint32) string {
	switch {
	case bf&(1<<5) != 0:
		return "bus fault on exception entry"
	case bf&(1<<4) != 0:
		return "bus fault on exception return"
	case bf&(1<<3) != 0:
		return "imprecise data bus error"
	case bf&(1<<2) != 0:
		return "precise data bus error"
	case bf&(1<<0) != 0:
		return "instruction bus error"
	}
	return "unknown cause"
}

func mmFaultCause(mm uint32) string {
	switch {
	case mm&(1<<4) != 0:
		return "MPU fault on exception return"
	case mm&(1<<3) != 0:
		return "MPU fault on exception entry"
	case mm&(1<<1) != 0:
		return "data access violation"
	case mm&(1<<0) != 0:
		return "instruction access violation"
	}
	return "unknown cause"
}

func secureFaultCause(sfsr uint32) string {
	switch {
	case sfsr&(1<<0) != 0:
		return "invalid entry point"
	case sfsr&(1<<1) != 0:
		return "invalid integrity signature"
	case sfsr&(1<<2) != 0:
		return "invalid exception return"
	case sfsr&(1<<3) != 0:
		return "attribution unit violation"
	case sfsr&(1<<4) != 0:
		return "sau/idau violation"
	}
	return "unknown cause"
}
