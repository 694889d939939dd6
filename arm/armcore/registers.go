package armcore

import "github.com/probecore/probecore/coreabi"

// Cortex-M core register indices as used in DCRSR.REGSEL (ARMv7-M
// Table B1-10 and compatible subsets on v6-M/v8-M).
const (
	RegR0 = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegSP
	RegLR
	RegPC
	RegXPSR
)

const (
	dcrsrRegWnR = 1 << 16
)

// Banked stack-pointer REGSEL codes (ARMv7-M Table B1-10): these bypass
// CONTROL.SPSEL and read/write MSP or PSP directly regardless of which one
// is currently architecturally visible at RegSP.
const (
	RegMSP = 0x11
	RegPSP = 0x12
)

// ReadBankedSP reads MSP or PSP directly via its banked REGSEL code,
// independent of which stack pointer CONTROL.SPSEL currently exposes at
// RegSP. arm/exception.ReconstructCallingFrame needs whichever bank the
// exception's EXC_RETURN value names, which is not always the one RegSP
// itself reflects while halted in a handler.
func (c *Core) ReadBankedSP(msp bool) (coreabi.RegisterValue, error) {
	regsel := uint32(RegPSP)
	if msp {
		regsel = RegMSP
	}
	return c.ReadCoreRegister(regsel)
}

// ReadWord32 exposes the core's underlying memory read, so *Core itself
// satisfies arm/exception's MemReader interface for calling-frame
// reconstruction directly off a halted core.
func (c *Core) ReadWord32(addr uint32) (uint32, error) { return c.readReg(addr) }

// ReadCoreRegister performs the DCRSR/DCRDR register-transfer protocol:
// write REGSEL to DCRSR, poll S_REGRDY, then read DCRDR.
func (c *Core) ReadCoreRegister(regsel uint32) (coreabi.RegisterValue, error) {
	if err := c.writeReg(RegDCRSR, regsel&0x1F); err != nil {
		return coreabi.RegisterValue{}, err
	}
	if err := c.pollUntil(c.cfg.HaltPollInterval*1000, func(v uint32) bool { return v&dhcsrSRegRdy != 0 }); err != nil {
		return coreabi.RegisterValue{}, err
	}
	v, err := c.readReg(RegDCRDR)
	if err != nil {
		return coreabi.RegisterValue{}, err
	}
	return coreabi.NewU32(v), nil
}

// WriteCoreRegister is the write-direction counterpart: load DCRDR, then
// write REGSEL|REGWnR to DCRSR and poll S_REGRDY.
func (c *Core) WriteCoreRegister(regsel uint32, v coreabi.RegisterValue) error {
	if err := c.writeReg(RegDCRDR, v.U32()); err != nil {
		return err
	}
	if err := c.writeReg(RegDCRSR, (regsel&0x1F)|dcrsrRegWnR); err != nil {
		return err
	}
	return c.pollUntil(c.cfg.HaltPollInterval*1000, func(v uint32) bool { return v&dhcsrSRegRdy != 0 })
}

// ReadAllCoreRegisters reads R0-R12, SP, LR, PC and xPSR in one pass, the
// snapshot the exception decoder and unwinder both start from.
func (c *Core) ReadAllCoreRegisters() ([17]coreabi.RegisterValue, error) {
	var out [17]coreabi.RegisterValue
	for i := 0; i < 17; i++ {
		v, err := c.ReadCoreRegister(uint32(i))
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}
