// Package stlink drives an ST-Link v2/v2-1/v3 debug probe over its vendor
// bulk protocol: a JTAG_COMMAND byte followed by a sub-command, 32-bit
// memory reads chunked to <=1 KiB with a JTAG_GETLASTRWSTATUS2 post-check
// (spec §6 Probe wire formats). There is no chunked memory-write command.
package stlink

import (
	"github.com/google/gousb"

	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/probe"
	"github.com/probecore/probecore/probeerrors"
	"github.com/probecore/probecore/usbtransport"
)

const (
	usbVID = 0x0483
	usbPID = 0x3748 // ST-Link/V2; V2-1 and V3 use distinct PIDs an operator selects explicitly

	cmdJTAGCommand = 0xF2

	subEnterDebug    = 0x00
	subReadIDCodes   = 0x01
	subReadMem32     = 0x07
	subWriteMem32    = 0x08
	subReadDAPReg    = 0x45
	subWriteDAPReg   = 0x46
	subLastRWStatus2 = 0x3E

	maxChunkBytes = 1024

	statusOK      = 0x80
	statusDPWait  = 0x0C
	statusAPWait  = 0x10
)

// Backend is the ST-Link probe.Backend, satisfying probe.DAPWire directly:
// ST-Link firmware performs the DP/AP register transaction on-device given
// a (port, address) pair, rather than exposing raw SWD bit-banging.
type Backend struct {
	t *usbtransport.Transport
}

// Open claims the bulk interface of the first matching ST-Link device.
func Open(sel probe.Selector, cfg config.Config) (*Backend, error) {
	vid, pid := gousb.ID(usbVID), gousb.ID(usbPID)
	if sel.VendorID != 0 {
		vid = gousb.ID(sel.VendorID)
	}
	if sel.ProductID != 0 {
		pid = gousb.ID(sel.ProductID)
	}
	t, err := usbtransport.Open(vid, pid, sel.Serial, usbtransport.KindBulk, cfg)
	if err != nil {
		return nil, err
	}
	b := &Backend{t: t}
	if _, err := t.WriteRead([]byte{cmdJTAGCommand, subEnterDebug}); err != nil {
		t.Close()
		return nil, err
	}
	return b, nil
}

func init() {
	probe.Register(probe.KindSTLink,
		func() ([]probe.Info, error) {
			descs, err := usbtransport.Enumerate(usbVID, usbPID)
			if err != nil {
				return nil, err
			}
			var out []probe.Info
			for _, d := range descs {
				out = append(out, probe.Info{
					Identifier: "stlink-" + d.Serial,
					Selector:   probe.Selector{VendorID: usbVID, ProductID: usbPID, Serial: d.Serial},
					Kind:       probe.KindSTLink,
				})
			}
			return out, nil
		},
		func(sel probe.Selector) (*probe.Probe, error) {
			b, err := Open(sel, config.Default())
			if err != nil {
				return nil, err
			}
			return probe.New("stlink-"+sel.Serial, sel, probe.KindSTLink, b), nil
		},
	)
}

func (b *Backend) lastRWStatus() error {
	resp, err := b.t.WriteRead([]byte{cmdJTAGCommand, subLastRWStatus2})
	if err != nil {
		return err
	}
	if len(resp) >= 2 {
		switch resp[0] {
		case statusOK:
			return nil
		case statusDPWait, statusAPWait:
			return probeerrors.DPWait
		}
		return probeerrors.Errorf(probeerrors.ProbeUSBMsg, "st-link reported a transfer fault")
	}
	return nil
}

// ReadRegister/WriteRegister implement probe.DAPWire: ST-Link resolves the
// DP/AP register transaction itself given a (port, address) pair.
func (b *Backend) ReadRegister(port probe.Port, addr uint16) (uint32, error) {
	apNdp := byte(0)
	if port == probe.AccessPort {
		apNdp = 1
	}
	cmd := []byte{cmdJTAGCommand, subReadDAPReg, apNdp, byte(addr), byte(addr >> 8)}
	resp, err := b.t.WriteRead(cmd)
	if err != nil {
		return 0, err
	}
	if err := b.lastRWStatus(); err != nil {
		return 0, probeerrors.Errorf(probeerrors.APRegisterReadMsg, err)
	}
	if len(resp) < 4 {
		return 0, probeerrors.Errorf(probeerrors.APRegisterReadMsg, "short response")
	}
	return uint32(resp[0]) | uint32(resp[1])<<8 | uint32(resp[2])<<16 | uint32(resp[3])<<24, nil
}

func (b *Backend) WriteRegister(port probe.Port, addr uint16, value uint32) error {
	apNdp := byte(0)
	if port == probe.AccessPort {
		apNdp = 1
	}
	cmd := []byte{
		cmdJTAGCommand, subWriteDAPReg, apNdp, byte(addr), byte(addr >> 8),
		byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24),
	}
	if _, err := b.t.WriteRead(cmd); err != nil {
		return err
	}
	if err := b.lastRWStatus(); err != nil {
		return probeerrors.Errorf(probeerrors.APRegisterWriteMsg, err)
	}
	return nil
}

// ReadMem32 performs a direct memory-mapped read in <=1 KiB chunks. There
// is no WriteMem32 counterpart, and the memory interface (arm/ap) does not
// call ReadMem32: it uses one-register-at-a-time AP DRW access.
func (b *Backend) ReadMem32(addr uint32, words []uint32) error {
	remaining := len(words) * 4
	off := 0
	for remaining > 0 {
		n := remaining
		if n > maxChunkBytes {
			n = maxChunkBytes
		}
		cmd := []byte{cmdJTAGCommand, subReadMem32,
			byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24),
			byte(n), byte(n >> 8)}
		resp, err := b.t.WriteRead(cmd)
		if err != nil {
			return err
		}
		if err := b.lastRWStatus(); err != nil {
			return probeerrors.Errorf(probeerrors.APBusFaultMsg, addr)
		}
		for i := 0; i+4 <= len(resp) && i < n; i += 4 {
			words[off+i/4] = uint32(resp[i]) | uint32(resp[i+1])<<8 | uint32(resp[i+2])<<16 | uint32(resp[i+3])<<24
		}
		addr += uint32(n)
		off += n / 4
		remaining -= n
	}
	return nil
}

func (b *Backend) DriveReset(assert bool) error {
	sub := byte(0x3C) // DRIVE_NRST
	state := byte(0)
	if assert {
		state = 1
	}
	_, err := b.t.WriteRead([]byte{cmdJTAGCommand, sub, state})
	return err
}

func (b *Backend) DriveTRST(assert bool) error { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWCLK(high bool) error  { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWDIO(high bool) error  { return probeerrors.DebugSequenceUnsupported }

// Close releases the bulk transport.
func (b *Backend) Close() error { return b.t.Close() }
