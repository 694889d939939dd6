// Package armcore implements Cortex-M debug core control shared across
// v6-M/v7-M/v8-M (spec §4.6): the DHCSR halt/step/run state machine, FPB
// hardware breakpoint allocation, reset-catch (native on v7-M/v8-M,
// simulated on v6-M), and status classification from DHCSR/DFSR.
package armcore

import (
	"time"

	"github.com/probecore/probecore/arm/ap"
	"github.com/probecore/probecore/coreabi"
	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/logger"
	"github.com/probecore/probecore/probeerrors"
)

// Cortex-M debug memory-mapped registers (spec §6).
const (
	RegDHCSR = 0xE000EDF0
	RegDCRSR = 0xE000EDF4
	RegDCRDR = 0xE000EDF8
	RegDEMCR = 0xE000EDFC
	RegAIRCR = 0xE000ED0C
	RegDFSR  = 0xE000ED30
	RegHFSR  = 0xE000ED2C
	RegCFSR  = 0xE000ED28
	RegMMFAR = 0xE000ED34
	RegBFAR  = 0xE000ED38
	RegSFSR  = 0xE000EDE4
	RegSFAR  = 0xE000EDE8
	RegBPCTRL  = 0xE0002000
	RegBPCOMP0 = 0xE0002008
)

const dhcsrDebugKey = 0xA05F << 16

// DHCSR bits.
const (
	dhcsrCDebugEn   = 1 << 0
	dhcsrCHalt      = 1 << 1
	dhcsrCStep      = 1 << 2
	dhcsrCMaskInts  = 1 << 3
	dhcsrSRegRdy    = 1 << 16
	dhcsrSHalt      = 1 << 17
	dhcsrSSleep     = 1 << 18
	dhcsrSLockup    = 1 << 19
	dhcsrSResetSt   = 1 << 25
)

// DFSR bits.
const (
	dfsrHalted  = 1 << 0
	dfsrBkpt    = 1 << 1
	dfsrDwtTrap = 1 << 2
	dfsrVCatch  = 1 << 3
	dfsrExternal = 1 << 4
)

const (
	aircrVectKey      = 0x05FA << 16
	aircrSysResetReq  = 1 << 2
	demcrVCCoreReset  = 1 << 0
)

// Architecture distinguishes the three debug-core variants this package
// shares logic across; only reset-catch and the FPBv1 address restriction
// differ between them.
type Architecture int

const (
	ArchV6M Architecture = iota
	ArchV7M
	ArchV8M
)

// FPBVersion selects the hardware breakpoint comparator encoding.
type FPBVersion int

const (
	FPBv1 FPBVersion = iota
	FPBv2
)

// Core is one attached Cortex-M debug core view.
type Core struct {
	mem  *ap.MemoryAP
	cfg  config.Config
	arch Architecture
	fpb  FPBVersion

	lastState    coreabi.CoreState
	lastDFSRRead bool

	numComparators int
	bpEnabled      []bool
	bpAddr         []uint32
}

// New wraps mem as a debug core view for the given architecture/FPB
// version. FPB unit count is discovered lazily on first breakpoint use.
func New(mem *ap.MemoryAP, cfg config.Config, arch Architecture, fpb FPBVersion) *Core {
	return &Core{mem: mem, cfg: cfg, arch: arch, fpb: fpb}
}

func (c *Core) readReg(addr uint32) (uint32, error) { return c.mem.ReadWord32(addr) }
func (c *Core) writeReg(addr uint32, v uint32) error { return c.mem.WriteWord32(addr, v) }

// Halt writes DHCSR with C_DEBUGEN|C_HALT under the debug key, polls S_HALT
// with timeout, then reads DFSR to latch the halt reason and clears it
// (spec §4.6 Halt).
func (c *Core) Halt(timeout time.Duration) error {
	if err := c.writeReg(RegDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
		return err
	}
	if err := c.pollUntil(timeout, func(v uint32) bool { return v&dhcsrSHalt != 0 }); err != nil {
		return err
	}
	reason, err := c.latchHaltReason()
	if err != nil {
		return err
	}
	c.lastState = coreabi.CoreState{Status: coreabi.StatusHalted, Reason: reason}
	return nil
}

func (c *Core) pollUntil(timeout time.Duration, pred func(dhcsr uint32) bool) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := c.readReg(RegDHCSR)
		if err != nil {
			return err
		}
		if pred(v) {
			return nil
		}
		if time.Now().After(deadline) {
			return probeerrors.Timeout
		}
		time.Sleep(c.cfg.HaltPollInterval)
	}
}

// latchHaltReason reads DFSR and classifies the most specific set bit,
// then clears DFSR by writing back the bits read (w1c).
func (c *Core) latchHaltReason() (coreabi.HaltReason, error) {
	dfsr, err := c.readReg(RegDFSR)
	if err != nil {
		return coreabi.HaltReason{}, err
	}
	if dfsr != 0 {
		if err := c.writeReg(RegDFSR, dfsr); err != nil {
			return coreabi.HaltReason{}, err
		}
	}
	c.lastDFSRRead = true

	switch {
	case dfsr&dfsrExternal != 0:
		return coreabi.HaltReason{Kind: coreabi.HaltExternal}, nil
	case dfsr&dfsrVCatch != 0:
		return coreabi.HaltReason{Kind: coreabi.HaltException}, nil
	case dfsr&dfsrDwtTrap != 0:
		return coreabi.HaltReason{Kind: coreabi.HaltWatchpoint}, nil
	case dfsr&dfsrBkpt != 0:
		return coreabi.HaltReason{Kind: coreabi.HaltBreakpointUnknown}, nil
	case dfsr&dfsrHalted != 0:
		return coreabi.HaltReason{Kind: coreabi.HaltRequest}, nil
	}
	return coreabi.HaltReason{Kind: coreabi.HaltUnknown}, nil
}

// Step: if the core is halted on a software breakpoint, disable FPB units
// first (avoids re-triggering on the same address), issue C_STEP with
// C_MASKINTS, poll halted, re-enable breakpoints, and always re-read PC
// (left to the caller via a register read through the same mem interface;
// this package only guarantees the core has actually moved) (spec §4.6).
func (c *Core) Step(timeout time.Duration) error {
	wasOnBreakpoint := c.lastState.Status == coreabi.StatusHalted &&
		(c.lastState.Reason.Kind == coreabi.HaltBreakpointSW || c.lastState.Reason.Kind == coreabi.HaltBreakpointHW || c.lastState.Reason.Kind == coreabi.HaltBreakpointUnknown)

	if wasOnBreakpoint {
		if err := c.setFPBEnable(false); err != nil {
			return err
		}
	}

	if err := c.writeReg(RegDHCSR, dhcsrDebugKey|dhcsrCDebugEn|dhcsrCStep|dhcsrCMaskInts); err != nil {
		return err
	}
	if err := c.pollUntil(timeout, func(v uint32) bool { return v&dhcsrSHalt != 0 }); err != nil {
		return err
	}

	if wasOnBreakpoint {
		if err := c.setFPBEnable(true); err != nil {
			return err
		}
	}

	reason, err := c.latchHaltReason()
	if err != nil {
		return err
	}
	reason.Kind = coreabi.HaltStep
	c.lastState = coreabi.CoreState{Status: coreabi.StatusHalted, Reason: reason}
	return nil
}

// Run issues a single step first (escaping a breakpoint at the current PC)
// then clears C_HALT under the debug key (spec §4.6 Run).
func (c *Core) Run() error {
	if err := c.Step(c.cfg.HaltPollInterval * 1000); err != nil {
		return err
	}
	if err := c.writeReg(RegDHCSR, dhcsrDebugKey|dhcsrCDebugEn); err != nil {
		return err
	}
	c.lastState = coreabi.CoreState{Status: coreabi.StatusRunning}
	return nil
}

// Status reads DHCSR once and classifies the core's run state (spec §4.6
// status classification rule). A contradiction with the cached expectation
// is logged, not raised, per spec.
func (c *Core) Status() (coreabi.CoreState, error) {
	dhcsr, err := c.readReg(RegDHCSR)
	if err != nil {
		return coreabi.CoreState{}, err
	}

	var state coreabi.CoreState
	switch {
	case dhcsr&dhcsrSLockup != 0:
		state = coreabi.CoreState{Status: coreabi.StatusLockedUp}
	case dhcsr&dhcsrSSleep != 0:
		state = coreabi.CoreState{Status: coreabi.StatusSleeping}
	case dhcsr&dhcsrSHalt != 0:
		reason := c.lastState.Reason
		if !c.lastDFSRRead {
			reason, err = c.latchHaltReason()
			if err != nil {
				return coreabi.CoreState{}, err
			}
		}
		state = coreabi.CoreState{Status: coreabi.StatusHalted, Reason: reason}
	default:
		state = coreabi.CoreState{Status: coreabi.StatusRunning}
		c.lastDFSRRead = false
	}

	if c.lastState.Status != coreabi.StatusUnknown && c.lastState.Status != state.Status {
		logger.Logf("core", "status %v contradicts cached expectation %v", state.Status, c.lastState.Status)
	}
	c.lastState = state
	return state, nil
}

// ResetSystem writes AIRCR.SYSRESETREQ with VECTKEY and polls S_RESET_ST
// falling (default reset_system sequence; vendor sequences may override
// this by calling a different Core constructed over the same mem) (spec
// §4.6 Reset).
func (c *Core) ResetSystem(timeout time.Duration) error {
	if err := c.writeReg(RegAIRCR, aircrVectKey|aircrSysResetReq); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		v, err := c.readReg(RegDHCSR)
		if err != nil {
			return err
		}
		if v&dhcsrSResetSt == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return probeerrors.Timeout
		}
		time.Sleep(c.cfg.HaltPollInterval)
	}
}

// SetResetCatch arms a halt-on-reset-vector catch. Native on v7-M/v8-M via
// DEMCR.VC_CORERESET; on v6-M (which lacks that bit) the caller must use
// SimulateResetCatch instead, which parks the core through the boot ROM and
// halts it once reset has completed (spec §4.6).
func (c *Core) SetResetCatch(enable bool) error {
	if c.arch == ArchV6M {
		return probeerrors.Errorf(probeerrors.DebugSequenceUnsupportedMsg, "DEMCR.VC_CORERESET is not present on v6-M")
	}
	demcr, err := c.readReg(RegDEMCR)
	if err != nil {
		return err
	}
	if enable {
		demcr |= demcrVCCoreReset
	} else {
		demcr &^= demcrVCCoreReset
	}
	return c.writeReg(RegDEMCR, demcr)
}

// SimulateResetCatch is v6-M's reset-catch substitute: reset, then
// immediately attempt to halt before the boot ROM hands off to the reset
// vector, using the configured park delay. The exact minimum delay is
// target-specific and undocumented (see DESIGN.md Open Questions); the
// config value is the only knob exposed.
func (c *Core) SimulateResetCatch(resetTimeout time.Duration) error {
	if err := c.ResetSystem(resetTimeout); err != nil {
		return err
	}
	time.Sleep(c.cfg.ResetCatchParkDelay)
	return c.Halt(resetTimeout)
}

// ClearResetCatch undoes SetResetCatch(true), for call-site clarity at the
// end of scenario 4 in spec §8. On v6-M, SimulateResetCatch never touched
// DEMCR in the first place, so there is no flag to clear and this is a
// no-op success rather than SetResetCatch's DebugSequenceUnsupported.
func (c *Core) ClearResetCatch() error {
	if c.arch == ArchV6M {
		return nil
	}
	return c.SetResetCatch(false)
}
