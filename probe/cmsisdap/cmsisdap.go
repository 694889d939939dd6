// Package cmsisdap drives a CMSIS-DAP compliant probe over its HID report
// endpoint: DAP_Connect/DAP_Transfer/DAP_JTAG_Sequence commands per ARM's
// CMSIS-DAP specification. Command/response shape is grounded on
// other_examples' OpenTraceJTAG CMSISDAPAdapter (EncodeInfo/EncodeConnect/
// EncodeJTAGSequence), reworked onto usbtransport and the probe.DAPWire /
// jtag.Wire capability interfaces.
package cmsisdap

import (
	"github.com/google/gousb"

	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/probe"
	"github.com/probecore/probecore/probeerrors"
	"github.com/probecore/probecore/usbtransport"
)

// DAP_* command bytes (CMSIS-DAP v1/v2).
const (
	cmdInfo         = 0x00
	cmdConnect      = 0x02
	cmdDisconnect   = 0x03
	cmdTransferConf = 0x04
	cmdTransfer     = 0x05
	cmdTransferBlk  = 0x06
	cmdWriteABORT   = 0x08
	cmdJTAGSequence = 0x14
	cmdJTAGConfig   = 0x15
	cmdSWJClock     = 0x11
	cmdResetTarget  = 0x0A
)

const (
	portDefault = 0
	portSWD     = 1
	portJTAG    = 2
)

// DAP_Transfer response ACK field (bits 2:0 of the per-transfer ack byte).
const (
	transferACKOK    = 1
	transferACKWait  = 2
	transferACKFault = 4
)

// Backend is the CMSIS-DAP probe.Backend implementation. It satisfies both
// probe.DAPWire (DAP_Transfer over SWD) and jtag.Wire (DAP_JTAG_Sequence)
// since CMSIS-DAP probes commonly speak both.
type Backend struct {
	t        *usbtransport.Transport
	protocol probe.WireProtocol
}

// Open claims the HID interface of the first matching CMSIS-DAP device.
func Open(sel probe.Selector, cfg config.Config) (*Backend, error) {
	vid, pid := gousb.ID(sel.VendorID), gousb.ID(sel.ProductID)
	t, err := usbtransport.Open(vid, pid, sel.Serial, usbtransport.KindHID, cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{t: t}, nil
}

func init() {
	// CMSIS-DAP firmware spans many VID/PID pairs; list_all callers are
	// expected to supply a known pair via Selector rather than relying on
	// blind enumeration across the whole USB bus.
	probe.Register(probe.KindCMSISDAP,
		func() ([]probe.Info, error) { return nil, nil },
		func(sel probe.Selector) (*probe.Probe, error) {
			b, err := Open(sel, config.Default())
			if err != nil {
				return nil, err
			}
			return probe.New("cmsisdap", sel, probe.KindCMSISDAP, b), nil
		},
	)
}

// Connect selects the wire protocol on the adapter (DAP_Connect).
func (b *Backend) Connect(proto probe.WireProtocol) error {
	port := byte(portDefault)
	switch proto {
	case probe.SWD:
		port = portSWD
	case probe.JTAG:
		port = portJTAG
	}
	resp, err := b.t.WriteRead([]byte{cmdConnect, port})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] == 0 {
		return probeerrors.Errorf(probeerrors.ProbeUnsupportedWireMsg, proto)
	}
	b.protocol = proto
	return nil
}

// cmsisDAPBaseClockKHz is a representative CMSIS-DAP adapter base clock;
// firmware derives SWCLK/TCK from it by an integer divisor, so a requested
// speed that doesn't divide it evenly gets the nearest integer divisor.
const cmsisDAPBaseClockKHz = 24000

// SetClock issues DAP_SWJ_Clock, rounding khz to the nearest integer
// divisor of the adapter's base clock and reporting the speed actually
// programmed, satisfying probe.ClockNegotiator.
func (b *Backend) SetClock(khz int) (int, error) {
	if khz <= 0 {
		return 0, probeerrors.Errorf(probeerrors.ProbeUnsupportedSpeedMsg, khz)
	}
	divisor := (cmsisDAPBaseClockKHz + khz/2) / khz
	if divisor < 1 {
		divisor = 1
	}
	actual := cmsisDAPBaseClockKHz / divisor
	hz := uint32(actual * 1000)
	cmd := []byte{cmdSWJClock, byte(hz), byte(hz >> 8), byte(hz >> 16), byte(hz >> 24)}
	if _, err := b.t.WriteRead(cmd); err != nil {
		return 0, err
	}
	return actual, nil
}

// ReadRegister/WriteRegister implement probe.DAPWire via DAP_Transfer: a
// single-request transfer packet addressing DP or AP register space.
func (b *Backend) ReadRegister(port probe.Port, addr uint16) (uint32, error) {
	reqByte := transferRequestByte(port, addr, true)
	cmd := []byte{cmdTransfer, 0x00, 0x01, reqByte}
	resp, err := b.t.WriteRead(cmd)
	if err != nil {
		return 0, err
	}
	if len(resp) < 3 {
		return 0, probeerrors.Errorf(probeerrors.APRegisterReadMsg, "short transfer response")
	}
	if ack := resp[2] & 0x7; ack != transferACKOK {
		if ack == transferACKWait {
			return 0, probeerrors.DPWait
		}
		return 0, probeerrors.Errorf(probeerrors.APRegisterReadMsg, "transfer ACK fault")
	}
	if len(resp) < 7 {
		return 0, probeerrors.Errorf(probeerrors.APRegisterReadMsg, "short transfer response")
	}
	return uint32(resp[3]) | uint32(resp[4])<<8 | uint32(resp[5])<<16 | uint32(resp[6])<<24, nil
}

func (b *Backend) WriteRegister(port probe.Port, addr uint16, value uint32) error {
	reqByte := transferRequestByte(port, addr, false)
	cmd := []byte{
		cmdTransfer, 0x00, 0x01, reqByte,
		byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24),
	}
	resp, err := b.t.WriteRead(cmd)
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return probeerrors.Errorf(probeerrors.APRegisterWriteMsg, "short transfer response")
	}
	if ack := resp[2] & 0x7; ack != transferACKOK {
		if ack == transferACKWait {
			return probeerrors.DPWait
		}
		return probeerrors.Errorf(probeerrors.APRegisterWriteMsg, "transfer ACK fault")
	}
	return nil
}

// transferRequestByte packs the DAP_Transfer request byte: bit0 APnDP,
// bit1 RnW, bits2-3 the register's A[3:2] address bits.
func transferRequestByte(port probe.Port, addr uint16, read bool) byte {
	var b byte
	if port == probe.AccessPort {
		b |= 1 << 0
	}
	if read {
		b |= 1 << 1
	}
	b |= byte(addr&0xC) << 0
	return b
}

// sequence is one DAP_JTAG_Sequence entry: nBits clocks at a single TMS
// level, optionally capturing TDO (mirrors OpenTraceJTAG's JTAGSequence).
type sequence struct {
	nBits int
	tms   bool
	tdi   []byte
}

// ShiftIR/ShiftDR implement jtag.Wire by splitting the shift into
// TMS-homogeneous sequences exactly as OpenTraceJTAG's buildSequences does,
// since DAP_JTAG_Sequence carries one TMS value per sequence entry.
func (b *Backend) ShiftIR(tdi []byte, nBits int) ([]byte, error) { return b.shift(tdi, nBits) }
func (b *Backend) ShiftDR(tdi []byte, nBits int) ([]byte, error) { return b.shift(tdi, nBits) }

func (b *Backend) shift(tdi []byte, nBits int) ([]byte, error) {
	seq := sequence{nBits: nBits, tms: false, tdi: tdi}
	cmd := encodeJTAGSequence([]sequence{seq})
	resp, err := b.t.WriteRead(cmd)
	if err != nil {
		return nil, err
	}
	return decodeJTAGSequence(resp, nBits)
}

func encodeJTAGSequence(seqs []sequence) []byte {
	out := []byte{cmdJTAGSequence, byte(len(seqs))}
	for _, s := range seqs {
		info := byte(s.nBits & 0x3F)
		if s.tms {
			info |= 1 << 6
		}
		info |= 1 << 7 // always capture TDO; caller discards unused bits
		out = append(out, info)
		out = append(out, s.tdi...)
	}
	return out
}

func decodeJTAGSequence(resp []byte, nBits int) ([]byte, error) {
	if len(resp) < 2 || resp[1] != 0 {
		return nil, probeerrors.Errorf(probeerrors.DPProtocolErrorMsg)
	}
	n := (nBits + 7) / 8
	if len(resp) < 2+n {
		return nil, probeerrors.Errorf(probeerrors.DPProtocolErrorMsg)
	}
	return resp[2 : 2+n], nil
}

// Reset drives 5+ TMS-high clocks via a JTAG sequence (spec §4.2 phase 1).
func (b *Backend) Reset(n int) error {
	seq := sequence{nBits: n, tms: true, tdi: make([]byte, (n+7)/8)}
	_, err := b.t.WriteRead(encodeJTAGSequence([]sequence{seq}))
	return err
}

// Idle clocks cycles TCKs with TMS low (Run-Test/Idle).
func (b *Backend) Idle(cycles int) error {
	if cycles == 0 {
		return nil
	}
	seq := sequence{nBits: cycles, tms: false, tdi: make([]byte, (cycles+7)/8)}
	_, err := b.t.WriteRead(encodeJTAGSequence([]sequence{seq}))
	return err
}

func (b *Backend) DriveReset(assert bool) error {
	if !assert {
		_, err := b.t.WriteRead([]byte{cmdResetTarget})
		return err
	}
	return nil // CMSIS-DAP exposes reset as a single pulse command, not assert/deassert
}

func (b *Backend) DriveTRST(assert bool) error { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWCLK(high bool) error  { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWDIO(high bool) error  { return probeerrors.DebugSequenceUnsupported }

// Close sends DAP_Disconnect and releases the HID transport.
func (b *Backend) Close() error {
	b.t.WriteRead([]byte{cmdDisconnect})
	return b.t.Close()
}
