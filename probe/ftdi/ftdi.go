// Package ftdi drives an FTDI MPSSE-capable chip (FT2232H/FT232H and
// similar) in JTAG bit-bang mode: byte-level MPSSE opcodes over the chip's
// bulk endpoints, addressed from the VID/PID table FTDI assigns per board
// (spec §6 "FTDI-MPSSE: byte-level MPSSE opcodes driven from a scan-chain
// state machine"). No third-party MPSSE driver appears anywhere in the
// retrieval pack, so the opcode stream is written directly against usbtransport
// rather than adopting an unvalidated dependency (see DESIGN.md).
package ftdi

import (
	"github.com/google/gousb"

	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/probe"
	"github.com/probecore/probecore/probeerrors"
	"github.com/probecore/probecore/usbtransport"
)

// A small table of common FTDI VID/PID pairs used on MPSSE-capable boards.
var knownPIDs = []uint16{0x6010 /* FT2232H */, 0x6014 /* FT232H */}

const usbVID = 0x0403

// MPSSE opcodes (FTDI AN_108).
const (
	opClockBytesOutRisingMSB = 0x10
	opClockBytesOutFallingMSB = 0x11
	opClockBitsOutFallingMSB = 0x13
	opClockBytesInRisingMSB = 0x20
	opSetDataBitsLow        = 0x80
	opSetDataBitsHigh       = 0x82
	opSendImmediate         = 0x87
	opDisableClockDivideBy5 = 0x8A
	opSetClockDivisor       = 0x86
)

// GPIO bit positions on the ADBUS low byte for a typical JTAG adapter
// wiring: TCK=0, TDI=1, TDO=2 (input), TMS=3, nTRST=4, nSRST=5.
const (
	bitTCK   = 1 << 0
	bitTDI   = 1 << 1
	bitTMS   = 1 << 3
	bitNTRST = 1 << 4
	bitNSRST = 1 << 5
)

// Backend is the FTDI MPSSE probe.Backend / jtag.Wire implementation.
type Backend struct {
	t       *usbtransport.Transport
	gpioLow byte // last-written ADBUS state, idle-high on nTRST/nSRST
}

// Open claims the bulk interface of the first matching FTDI device and
// initializes MPSSE mode.
func Open(sel probe.Selector, cfg config.Config) (*Backend, error) {
	pid := sel.ProductID
	if pid == 0 {
		pid = knownPIDs[0]
	}
	t, err := usbtransport.Open(gousb.ID(usbVID), gousb.ID(pid), sel.Serial, usbtransport.KindBulk, cfg)
	if err != nil {
		return nil, err
	}
	b := &Backend{t: t, gpioLow: bitNTRST | bitNSRST}
	if err := b.init(); err != nil {
		t.Close()
		return nil, err
	}
	return b, nil
}

func init() {
	probe.Register(probe.KindFTDI,
		func() ([]probe.Info, error) {
			var out []probe.Info
			for _, pid := range knownPIDs {
				descs, err := usbtransport.Enumerate(gousb.ID(usbVID), gousb.ID(pid))
				if err != nil {
					continue
				}
				for _, d := range descs {
					out = append(out, probe.Info{
						Identifier: "ftdi-" + d.Serial,
						Selector:   probe.Selector{VendorID: usbVID, ProductID: pid, Serial: d.Serial},
						Kind:       probe.KindFTDI,
					})
				}
			}
			return out, nil
		},
		func(sel probe.Selector) (*probe.Probe, error) {
			b, err := Open(sel, config.Default())
			if err != nil {
				return nil, err
			}
			return probe.New("ftdi-"+sel.Serial, sel, probe.KindFTDI, b), nil
		},
	)
}

func (b *Backend) init() error {
	cmd := []byte{opDisableClockDivideBy5, opSetClockDivisor, 0x05, 0x00} // ~6 MHz base/div
	cmd = append(cmd, opSetDataBitsLow, b.gpioLow, bitTCK|bitTDI|bitTMS|bitNTRST|bitNSRST)
	_, err := b.t.Write(cmd)
	return err
}

// clockBit clocks one bit with the given TMS and TDI levels using the MPSSE
// clock-bits-out-falling opcode, returning the captured TDO bit; shift
// calls it once per bit.
func (b *Backend) clockBit(tms, tdi bool) (bool, error) {
	lo := b.gpioLow &^ (bitTCK | bitTDI | bitTMS)
	if tdi {
		lo |= bitTDI
	}
	if tms {
		lo |= bitTMS
	}
	cmd := []byte{opSetDataBitsLow, lo, bitTCK | bitTDI | bitTMS | bitNTRST | bitNSRST}
	cmd = append(cmd, opClockBitsOutFallingMSB|0x20, 0x00, boolToByte(tdi)<<7, opSendImmediate)
	resp, err := b.t.WriteRead(cmd)
	if err != nil {
		return false, err
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[len(resp)-1]&0x80 != 0, nil
}

func boolToByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func (b *Backend) shift(tdi []byte, nBits int, tmsLastBit bool) ([]byte, error) {
	out := make([]byte, (nBits+7)/8)
	for i := 0; i < nBits; i++ {
		bit := tdi[i/8]&(1<<(uint(i)%8)) != 0
		tms := tmsLastBit && i == nBits-1
		tdo, err := b.clockBit(tms, bit)
		if err != nil {
			return nil, err
		}
		if tdo {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out, nil
}

func (b *Backend) ShiftIR(tdi []byte, nBits int) ([]byte, error) { return b.shift(tdi, nBits, true) }
func (b *Backend) ShiftDR(tdi []byte, nBits int) ([]byte, error) { return b.shift(tdi, nBits, true) }

// Reset drives n TMS-high clocks (spec §4.2 phase 1).
func (b *Backend) Reset(n int) error {
	for i := 0; i < n; i++ {
		if _, err := b.clockBit(true, false); err != nil {
			return err
		}
	}
	return nil
}

// Idle clocks cycles TCKs with TMS low.
func (b *Backend) Idle(cycles int) error {
	for i := 0; i < cycles; i++ {
		if _, err := b.clockBit(false, false); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) DriveReset(assert bool) error {
	if assert {
		b.gpioLow &^= bitNSRST
	} else {
		b.gpioLow |= bitNSRST
	}
	_, err := b.t.Write([]byte{opSetDataBitsLow, b.gpioLow, bitTCK | bitTDI | bitTMS | bitNTRST | bitNSRST})
	return err
}

func (b *Backend) DriveTRST(assert bool) error {
	if assert {
		b.gpioLow &^= bitNTRST
	} else {
		b.gpioLow |= bitNTRST
	}
	_, err := b.t.Write([]byte{opSetDataBitsLow, b.gpioLow, bitTCK | bitTDI | bitTMS | bitNTRST | bitNSRST})
	return err
}

func (b *Backend) DriveSWCLK(high bool) error { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWDIO(high bool) error { return probeerrors.DebugSequenceUnsupported }

// Close releases the bulk transport.
func (b *Backend) Close() error { return b.t.Close() }
