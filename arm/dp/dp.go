// Package dp implements the ARM ADIv5/v6 Debug Port protocol engine (spec
// §4.3): power-up sequencing, SELECT-register bank caching, WAIT/FAULT
// retry with a bounded count, and multi-drop TARGETSEL enumeration. It
// drives a probe.DAPWire; the backend (cmsisdap/stlink/jlink) is assumed to
// have already resolved the SWD/JTAG-DP wire framing.
package dp

import (
	"errors"
	"time"

	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/logger"
	"github.com/probecore/probecore/probe"
	"github.com/probecore/probecore/probeerrors"
)

// DP register addresses (spec §6).
const (
	RegDPIDR     = 0x00
	RegABORT     = 0x00 // write-only
	RegCTRLSTAT  = 0x04
	RegSELECT    = 0x08
	RegRDBUFF    = 0x0C
	RegTARGETSEL = 0x0C // banked write
	RegDLPIDR    = 0x04 // bank 1
	RegTARGETID  = 0x04 // bank 2
)

// CTRL/STAT bits relevant to power-up and fault classification.
const (
	ctrlCDBGPWRUPREQ = 1 << 28
	ctrlCDBGPWRUPACK = 1 << 29
	ctrlCSYSPWRUPREQ = 1 << 30
	ctrlCSYSPWRUPACK = 1 << 31
	ctrlSTICKYORUN   = 1 << 1
	ctrlSTICKYCMP    = 1 << 4
	ctrlSTICKYERR    = 1 << 5
	ctrlWDATAERR     = 1 << 7
)

// ABORT bits.
const (
	abortDAPABORT   = 1 << 0
	abortSTKCMPCLR  = 1 << 1
	abortSTKERRCLR  = 1 << 2
	abortWDERRCLR   = 1 << 3
	abortORUNERRCLR = 1 << 4
)

// State is the DP power state (spec §4.3).
type State int

const (
	Unpowered State = iota
	PoweredDebug
	PoweredSystem
	Fault
)

// Address selects a DP on a (possibly multi-drop) SWD bus.
type Address struct {
	Multidrop bool
	TargetSel uint32
}

// DefaultAddress is the non-multi-drop DP address.
var DefaultAddress = Address{}

// candidateTargetSels is probed, in addition to DefaultAddress, when the
// caller has not pinned down a specific multi-drop target (spec §4.3).
var candidateTargetSels = []uint32{0x01002927, 0x11002927}

// FaultKind classifies a CTRL/STAT fault (spec §7 Arm.Dp.Fault payload).
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultStickyError
	FaultStickyCompare
	FaultOverrun
	FaultWriteDataError
)

// Engine is one DP's protocol state: cached SELECT, power state, and the
// wire it drives transactions over.
type Engine struct {
	wire  probe.DAPWire
	cfg   config.Config
	addr  Address
	state State

	selectValid bool
	selectValue uint32
}

// NewEngine builds a DP engine over wire.
func NewEngine(wire probe.DAPWire, cfg config.Config) *Engine {
	return &Engine{wire: wire, cfg: cfg}
}

// Initialize brings the DP up per spec §4.3: for a multi-drop address,
// issues TARGETSEL and verifies DPIDR; then powers up CDBGPWRUPREQ /
// CSYSPWRUPREQ and polls the ACK bits with a bounded timeout; then clears
// sticky error bits via ABORT.
func (e *Engine) Initialize(addr Address) error {
	e.addr = addr
	e.selectValid = false

	if addr.Multidrop {
		// TARGETSEL is a broadcast write with no ACK; the probe backend is
		// expected to have issued the SWD line-reset immediately before
		// this call (spec §6 SWD line-reset).
		if err := e.wire.WriteRegister(probe.DebugPort, RegTARGETSEL, addr.TargetSel); err != nil {
			return probeerrors.Errorf(probeerrors.DPProtocolErrorMsg)
		}
	}

	if _, err := e.readDP(RegDPIDR); err != nil {
		return probeerrors.Errorf(probeerrors.DPProtocolErrorMsg)
	}

	if err := e.writeDP(RegCTRLSTAT, ctrlCDBGPWRUPREQ|ctrlCSYSPWRUPREQ); err != nil {
		return err
	}

	deadline := time.Now().Add(e.cfg.DPPowerUpTimeout)
	for {
		v, err := e.readDP(RegCTRLSTAT)
		if err != nil {
			return err
		}
		if v&(ctrlCDBGPWRUPACK|ctrlCSYSPWRUPACK) == (ctrlCDBGPWRUPACK | ctrlCSYSPWRUPACK) {
			e.state = PoweredSystem
			break
		}
		if time.Now().After(deadline) {
			return probeerrors.Timeout
		}
		time.Sleep(time.Millisecond)
	}

	if err := e.ClearStickyErrors(); err != nil {
		return err
	}
	return nil
}

// ClearStickyErrors writes ABORT to clear every sticky error bit (spec
// §4.3, and the propagation policy of §7: the DP layer always clears
// sticky errors before returning a FAULT to the caller).
func (e *Engine) ClearStickyErrors() error {
	return e.wire.WriteRegister(probe.DebugPort, RegABORT,
		abortSTKERRCLR|abortSTKCMPCLR|abortORUNERRCLR|abortWDERRCLR)
}

// ensureBank writes SELECT only if the requested DP bank differs from the
// cached value, suppressing redundant writes (spec §4.3).
func (e *Engine) ensureBank(bank uint32) error {
	want := (e.selectValue &^ 0xF) | (bank & 0xF)
	if e.selectValid && e.selectValue&0xF == bank&0xF {
		return nil
	}
	if err := e.wire.WriteRegister(probe.DebugPort, RegSELECT, want); err != nil {
		return err
	}
	e.selectValue = want
	e.selectValid = true
	return nil
}

// readDP/writeDP access the bank-0 DP registers. Of those, only the 0x4
// offset (CTRL/STAT) is bank-sensitive — DLPIDR and TARGETID alias it in
// banks 1 and 2 — so these ensure SELECT.DPBANKSEL reads back to 0 before
// touching it, undoing whatever bank ReadDLPIDR/ReadTARGETID last left
// selected (spec §4.3).
func (e *Engine) readDP(addr uint16) (uint32, error) {
	if addr == RegCTRLSTAT {
		if err := e.ensureBank(0); err != nil {
			return 0, err
		}
	}
	return e.readDPRaw(addr)
}

func (e *Engine) writeDP(addr uint16, value uint32) error {
	if addr == RegCTRLSTAT {
		if err := e.ensureBank(0); err != nil {
			return err
		}
	}
	return e.writeDPRaw(addr, value)
}

// ReadDLPIDR reads the bank-1 DLPIDR register, selecting that bank first
// (spec §4.3).
func (e *Engine) ReadDLPIDR() (uint32, error) {
	if err := e.ensureBank(1); err != nil {
		return 0, err
	}
	return e.readDPRaw(RegDLPIDR)
}

// ReadTARGETID reads the bank-2 TARGETID register, selecting that bank
// first (spec §4.3).
func (e *Engine) ReadTARGETID() (uint32, error) {
	if err := e.ensureBank(2); err != nil {
		return 0, err
	}
	return e.readDPRaw(RegTARGETID)
}

// readDPRaw/writeDPRaw retry on WAIT up to cfg.DPWaitRetryLimit times; on
// FAULT they classify CTRL/STAT, clear sticky bits, and surface a typed
// error. A single operation is never reported as succeeding with an
// unhandled WAIT/FAULT outstanding (spec §4.3).
func (e *Engine) readDPRaw(addr uint16) (uint32, error) {
	for attempt := 0; ; attempt++ {
		v, err := e.wire.ReadRegister(probe.DebugPort, addr)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, probeerrors.DPWait) {
			if attempt >= e.cfg.DPWaitRetryLimit {
				return 0, probeerrors.Errorf(probeerrors.DPWaitMsg)
			}
			continue
		}
		return 0, e.surfaceFault(err)
	}
}

func (e *Engine) writeDPRaw(addr uint16, value uint32) error {
	for attempt := 0; ; attempt++ {
		err := e.wire.WriteRegister(probe.DebugPort, addr, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, probeerrors.DPWait) {
			if attempt >= e.cfg.DPWaitRetryLimit {
				return probeerrors.Errorf(probeerrors.DPWaitMsg)
			}
			continue
		}
		return e.surfaceFault(err)
	}
}

func (e *Engine) surfaceFault(cause error) error {
	e.state = Fault
	v, rerr := e.wire.ReadRegister(probe.DebugPort, RegCTRLSTAT)
	kind := FaultKind(FaultNone)
	if rerr == nil {
		kind = classifyFault(v)
	}
	e.ClearStickyErrors()
	return probeerrors.Errorf(probeerrors.DPFaultMsg, kind)
}

func classifyFault(ctrlStat uint32) FaultKind {
	switch {
	case ctrlStat&ctrlSTICKYERR != 0:
		return FaultStickyError
	case ctrlStat&ctrlSTICKYCMP != 0:
		return FaultStickyCompare
	case ctrlStat&ctrlSTICKYORUN != 0:
		return FaultOverrun
	case ctrlStat&ctrlWDATAERR != 0:
		return FaultWriteDataError
	}
	return FaultNone
}

// ReadAPBanked reads an AP register, ensuring SELECT.APSEL/APBANKSEL match
// (used by arm/ap; exposed here since SELECT is DP-owned state).
func (e *Engine) ReadAPBanked(apSel uint8, bankedAddr uint8) (uint32, error) {
	if err := e.ensureAPSelect(apSel, bankedAddr); err != nil {
		return 0, err
	}
	return e.readAP(bankedAddr)
}

func (e *Engine) WriteAPBanked(apSel uint8, bankedAddr uint8, value uint32) error {
	if err := e.ensureAPSelect(apSel, bankedAddr); err != nil {
		return err
	}
	return e.writeAP(bankedAddr, value)
}

func (e *Engine) ensureAPSelect(apSel uint8, bankedAddr uint8) error {
	want := uint32(apSel)<<24 | uint32(bankedAddr&0xF0)
	if e.selectValid && e.selectValue&0xFFFFFF00 == want&0xFFFFFF00 && e.selectValue&0xF0 == want&0xF0 {
		return nil
	}
	merged := want | (e.selectValue & 0xF) // preserve DPBANKSEL nibble
	if err := e.wire.WriteRegister(probe.DebugPort, RegSELECT, merged); err != nil {
		return err
	}
	e.selectValue = merged
	e.selectValid = true
	return nil
}

func (e *Engine) readAP(bankedAddr uint8) (uint32, error) {
	for attempt := 0; ; attempt++ {
		v, err := e.wire.ReadRegister(probe.AccessPort, uint16(bankedAddr&0xF))
		if err == nil {
			return v, nil
		}
		if errors.Is(err, probeerrors.DPWait) {
			if attempt >= e.cfg.DPWaitRetryLimit {
				return 0, probeerrors.Errorf(probeerrors.DPWaitMsg)
			}
			continue
		}
		return 0, e.surfaceFault(err)
	}
}

func (e *Engine) writeAP(bankedAddr uint8, value uint32) error {
	for attempt := 0; ; attempt++ {
		err := e.wire.WriteRegister(probe.AccessPort, uint16(bankedAddr&0xF), value)
		if err == nil {
			return nil
		}
		if errors.Is(err, probeerrors.DPWait) {
			if attempt >= e.cfg.DPWaitRetryLimit {
				return probeerrors.Errorf(probeerrors.DPWaitMsg)
			}
			continue
		}
		return e.surfaceFault(err)
	}
}

// APIDRAddr is the fixed offset of an AP's identification register.
const APIDRAddr = 0xFC

// EnumerateAPs reads AP IDR across APSEL = 0..255, stopping at the first
// zero IDR (spec §4.3 multi-drop enumeration).
func (e *Engine) EnumerateAPs() ([]uint8, error) {
	var aps []uint8
	for sel := 0; sel < 256; sel++ {
		idr, err := e.ReadAPBanked(uint8(sel), APIDRAddr)
		if err != nil {
			return aps, err
		}
		if idr == 0 {
			break
		}
		aps = append(aps, uint8(sel))
	}
	return aps, nil
}

// CandidateAddresses returns DefaultAddress plus the known-candidate
// TARGETSEL values to probe when no explicit multi-drop address was given
// (spec §4.3).
func CandidateAddresses() []Address {
	out := []Address{DefaultAddress}
	for _, tsel := range candidateTargetSels {
		out = append(out, Address{Multidrop: true, TargetSel: tsel})
	}
	return out
}

// DiscoverDPs tries every candidate address via Initialize, keeping those
// that respond with a valid DPIDR; a failed candidate does not corrupt the
// chain because the caller re-issues a line reset before the next one
// (spec §8 boundary behaviors — left to the caller, which owns the wire).
func DiscoverDPs(wire probe.DAPWire, cfg config.Config, lineReset func() error) ([]*Engine, error) {
	var found []*Engine
	for _, addr := range CandidateAddresses() {
		if lineReset != nil {
			if err := lineReset(); err != nil {
				return found, err
			}
		}
		e := NewEngine(wire, cfg)
		if err := e.Initialize(addr); err != nil {
			logger.Logf("dp", "candidate %#v did not respond: %v", addr, err)
			continue
		}
		found = append(found, e)
	}
	if len(found) == 0 {
		return nil, probeerrors.TargetNotFound
	}
	return found, nil
}

// State reports the engine's current power state.
func (e *Engine) State() State { return e.state }
