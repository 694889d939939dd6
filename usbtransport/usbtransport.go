// Package usbtransport is the one place probecore touches real USB
// hardware. It wraps github.com/google/gousb to give every probe backend
// (CMSIS-DAP HID, ST-Link/J-Link/Espressif bulk) the same narrow surface:
// enumerate by VID/PID, open, write/read with a transport timeout, close.
// No probe-protocol knowledge lives here — that belongs to the probe
// package and its backends.
package usbtransport

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/logger"
	"github.com/probecore/probecore/probeerrors"
)

// Descriptor identifies one enumerated USB device, enough to open it and to
// report it in probe.list_all() (spec §4.1).
type Descriptor struct {
	VendorID   gousb.ID
	ProductID  gousb.ID
	Serial     string
	BusNumber  int
	BusAddress int
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s:%s serial=%q @%d.%d", d.VendorID, d.ProductID, d.Serial, d.BusNumber, d.BusAddress)
}

// ctx is the process-wide gousb context. gousb multiplexes every opened
// device through it; a probecore process never needs more than one.
var ctx = gousb.NewContext()

// Enumerate lists every USB device matching vid/pid. A zero vid or pid
// matches any value.
func Enumerate(vid, pid gousb.ID) ([]Descriptor, error) {
	var out []Descriptor
	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if vid != 0 && d.Vendor != vid {
			return false
		}
		if pid != 0 && d.Product != pid {
			return false
		}
		return true
	})
	if err != nil {
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}
	for _, d := range devs {
		serial, _ := d.SerialNumber()
		out = append(out, Descriptor{
			VendorID:   d.Desc.Vendor,
			ProductID:  d.Desc.Product,
			Serial:     serial,
			BusNumber:  d.Desc.Bus,
			BusAddress: d.Desc.Address,
		})
		d.Close()
	}
	return out, nil
}

// Transport is one opened USB device, claimed on a single interface, with
// either a bulk (ST-Link/J-Link/Espressif) or HID-report (CMSIS-DAP)
// endpoint pair. Which timeout applies is fixed at Open time.
type Transport struct {
	dev    *gousb.Device
	intf   *gousb.Interface
	done   func()
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
	hid    bool
	cfg    config.Config
}

// Kind selects which endpoint-discovery strategy Open uses.
type Kind int

const (
	KindBulk Kind = iota
	KindHID
)

// Open opens the first device matching vid/pid; when serial is non-empty
// and that device's serial differs, Open fails without trying any other
// device. It claims interface 0, alt-setting 0 of configuration 1 and uses
// the first OUT and first IN endpoint found there (most CMSIS-DAP/ST-Link
// firmware exposes exactly one bulk or interrupt pair on that interface).
func Open(vid, pid gousb.ID, serial string, kind Kind, cfg config.Config) (*Transport, error) {
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}
	if serial != "" {
		if s, _ := dev.SerialNumber(); s != serial {
			dev.Close()
			return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, fmt.Errorf("serial %q not %q", s, serial))
		}
	}

	dev.SetAutoDetach(true)

	usbCfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	intfNum := 0
	intf, err := usbCfg.Interface(intfNum, 0)
	if err != nil {
		usbCfg.Close()
		dev.Close()
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	var outEP *gousb.OutEndpoint
	var inEP *gousb.InEndpoint
	for _, epDesc := range intf.Setting.Endpoints {
		if epDesc.Direction == gousb.EndpointDirectionOut && outEP == nil {
			outEP, _ = intf.OutEndpoint(epDesc.Number)
		}
		if epDesc.Direction == gousb.EndpointDirectionIn && inEP == nil {
			inEP, _ = intf.InEndpoint(epDesc.Number)
		}
	}
	if outEP == nil || inEP == nil {
		intf.Close()
		usbCfg.Close()
		dev.Close()
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, fmt.Errorf("no bulk/interrupt endpoint pair found"))
	}

	t := &Transport{
		dev:  dev,
		intf: intf,
		out:  outEP,
		in:   inEP,
		hid:  kind == KindHID,
		cfg:  cfg,
		done: func() { intf.Close(); usbCfg.Close(); dev.Close() },
	}
	logger.Logf("usbtransport", "opened %s:%s", vid, pid)
	return t, nil
}

func (t *Transport) timeout() (ctxDone context.Context, cancel context.CancelFunc) {
	to := t.cfg.USBBulkTimeout
	if t.hid {
		to = t.cfg.USBHIDTimeout
	}
	return context.WithTimeout(context.Background(), to)
}

// Write sends one report/bulk packet to the device.
func (t *Transport) Write(p []byte) (int, error) {
	ctx, cancel := t.timeout()
	defer cancel()
	n, err := t.out.WriteContext(ctx, p)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Read reads one report/bulk packet from the device into p, returning the
// number of bytes actually placed.
func (t *Transport) Read(p []byte) (int, error) {
	ctx, cancel := t.timeout()
	defer cancel()
	n, err := t.in.ReadContext(ctx, p)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// WriteRead is the common CMSIS-DAP/ST-Link/J-Link request/response idiom:
// write a command packet, read back exactly one response packet sized to
// the endpoint's max packet size.
func (t *Transport) WriteRead(cmd []byte) ([]byte, error) {
	if _, err := t.Write(cmd); err != nil {
		return nil, err
	}
	resp := make([]byte, t.in.Desc.MaxPacketSize)
	n, err := t.Read(resp)
	if err != nil {
		return nil, err
	}
	return resp[:n], nil
}

func classify(err error) error {
	if err == context.DeadlineExceeded {
		return probeerrors.Timeout
	}
	return probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
}

// Close releases the claimed interface and device handle. Idempotent.
func (t *Transport) Close() error {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	return nil
}
