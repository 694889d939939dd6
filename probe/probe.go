// Package probe is the transport abstraction of spec §4.1: a small set of
// capability interfaces a concrete backend implements a subset of, plus the
// Probe state machine (detached/attached, selected wire protocol, clock) that
// wraps whichever backend was opened. Session (package session) is the only
// caller that should need to know a backend's concrete type.
package probe

import (
	"github.com/probecore/probecore/jtag"
	"github.com/probecore/probecore/logger"
	"github.com/probecore/probecore/probeerrors"
)

// WireProtocol is the protocol a Probe has been told to speak.
type WireProtocol int

const (
	ProtocolUnset WireProtocol = iota
	SWD
	JTAG
)

func (w WireProtocol) String() string {
	switch w {
	case SWD:
		return "SWD"
	case JTAG:
		return "JTAG"
	}
	return "unset"
}

// Port distinguishes the ARM DP and AP register spaces for DAPAccess.
type Port int

const (
	DebugPort Port = iota
	AccessPort
)

// Selector identifies which physical probe to open, per spec §3: a
// vendor/product pair, and an optional serial number disambiguating
// multiple identical probes.
type Selector struct {
	VendorID  uint16
	ProductID uint16
	Serial    string // empty matches any
}

// Kind tags a probe's wire family, carried alongside a Selector by list_all
// so a front-end can pick the right backend constructor.
type Kind string

const (
	KindCMSISDAP Kind = "cmsis-dap"
	KindSTLink   Kind = "st-link"
	KindJLink    Kind = "j-link"
	KindFTDI     Kind = "ftdi-mpsse"
	KindESPJTAG  Kind = "esp-usb-jtag"
)

// Info is one list_all() entry (spec §4.1).
type Info struct {
	Identifier      string
	Selector        Selector
	Kind            Kind
	HIDInterface    int // only meaningful for composite HID devices
}

// DAPWire is the DAP register-access capability: ARM DP/AP register
// transactions over whatever wire the backend speaks (SWD or JTAG-DP).
type DAPWire interface {
	ReadRegister(port Port, addr uint16) (uint32, error)
	WriteRegister(port Port, addr uint16, value uint32) error
}

// JTAGWire is the JTAG scan capability: a backend that can drive a raw
// IEEE 1149.1 chain. It satisfies jtag.Wire directly so a Kernel can be
// built on top of any backend exposing this capability.
type JTAGWire = jtag.Wire

// PinControl is optional raw pin-drive capability.
type PinControl interface {
	DriveReset(assert bool) error
	DriveTRST(assert bool) error
	DriveSWCLK(high bool) error
	DriveSWDIO(high bool) error
}

// VoltageSense is optional target-voltage measurement capability.
type VoltageSense interface {
	ReadTargetVoltage() (volts float64, err error)
}

// ClockNegotiator is optional capability for backends that cannot honor an
// arbitrary clock and must round the request to the nearest divisor they
// support, reporting back what they actually settled on.
type ClockNegotiator interface {
	SetClock(khz int) (actual int, err error)
}

// Backend is whatever a concrete probe package constructs; Probe narrows it
// to the capability interfaces above via type assertion.
type Backend interface {
	Close() error
}

// Probe is the state machine of spec §3: opened from a Selector,
// select_protocol legal only while detached, attach/detach toggle the
// attached flag, reset-assert/deassert legal only while attached.
type Probe struct {
	Identifier string
	Selector   Selector
	Kind       Kind

	backend  Backend
	protocol WireProtocol
	clockKHz int
	attached bool
	chain    []jtag.TAP
}

// New wraps an already-opened backend. Each backend's init()-registered
// opener calls this after its own Open (probe/cmsisdap.Open,
// probe/stlink.Open, ...) succeeds.
func New(identifier string, sel Selector, kind Kind, backend Backend) *Probe {
	return &Probe{Identifier: identifier, Selector: sel, Kind: kind, backend: backend}
}

// SelectProtocol sets the wire protocol the probe will use. Legal only
// while detached (spec §3).
func (p *Probe) SelectProtocol(proto WireProtocol) error {
	if p.attached {
		return probeerrors.ProbeAttached
	}
	p.protocol = proto
	return nil
}

// Protocol reports the currently selected wire protocol.
func (p *Probe) Protocol() WireProtocol { return p.protocol }

// SetSpeed negotiates the clock speed in kHz, returning what the backend
// actually settled on. A backend without ClockNegotiator is assumed to
// accept the request verbatim; one that rounds to a different divisor has
// the divergence logged, not raised as an error.
func (p *Probe) SetSpeed(khz int) (int, error) {
	actual := khz
	if neg, ok := p.backend.(ClockNegotiator); ok {
		a, err := neg.SetClock(khz)
		if err != nil {
			return 0, err
		}
		actual = a
	}
	if actual != khz {
		logger.Logf("probe", "requested clock %d kHz, probe negotiated %d kHz", khz, actual)
	}
	p.clockKHz = actual
	return actual, nil
}

// ClockKHz reports the current clock speed.
func (p *Probe) ClockKHz() int { return p.clockKHz }

// Attach transitions the probe to attached.
func (p *Probe) Attach() error {
	if p.attached {
		return probeerrors.ProbeAttached
	}
	p.attached = true
	return nil
}

// Detach transitions the probe back to detached.
func (p *Probe) Detach() error {
	if !p.attached {
		return probeerrors.ProbeNotAttached
	}
	p.attached = false
	return nil
}

// Attached reports whether the probe is currently attached.
func (p *Probe) Attached() bool { return p.attached }

// SetChainDescription records a user-supplied scan-chain description that
// overrides the JTAG kernel's IR-length auto-scan heuristic (spec §4.2).
func (p *Probe) SetChainDescription(taps []jtag.TAP) { p.chain = taps }

// ChainDescription returns the recorded scan-chain description, if any.
func (p *Probe) ChainDescription() []jtag.TAP { return p.chain }

// TargetResetAssert/Deassert are legal only while attached (spec §3); they
// delegate to the backend's PinControl capability if present, else report
// Arm.DebugSequenceNotSupported.
func (p *Probe) TargetResetAssert() error { return p.driveReset(true) }
func (p *Probe) TargetResetDeassert() error { return p.driveReset(false) }

func (p *Probe) driveReset(assert bool) error {
	if !p.attached {
		return probeerrors.ProbeNotAttached
	}
	pc, ok := p.backend.(PinControl)
	if !ok {
		return probeerrors.DebugSequenceUnsupported
	}
	return pc.DriveReset(assert)
}

// DAP returns the backend's DAPWire capability, or
// Probe.InterfaceNotAvailable if it doesn't implement one.
func (p *Probe) DAP() (DAPWire, error) {
	d, ok := p.backend.(DAPWire)
	if !ok {
		return nil, probeerrors.Errorf(probeerrors.ProbeInterfaceMissingMsg, "DAP")
	}
	return d, nil
}

// JTAGCapable returns the backend's JTAGWire capability, or
// Probe.InterfaceNotAvailable if it doesn't implement one.
func (p *Probe) JTAGCapable() (JTAGWire, error) {
	j, ok := p.backend.(JTAGWire)
	if !ok {
		return nil, probeerrors.Errorf(probeerrors.ProbeInterfaceMissingMsg, "JTAG")
	}
	return j, nil
}

// VoltageSense returns the backend's VoltageSense capability if present.
func (p *Probe) VoltageSense() (VoltageSense, bool) {
	v, ok := p.backend.(VoltageSense)
	return v, ok
}

// Close detaches (if needed) and releases the backend.
func (p *Probe) Close() error {
	p.attached = false
	return p.backend.Close()
}
