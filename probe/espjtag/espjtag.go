// Package espjtag drives Espressif's USB-JTAG bridge (built into ESP32-S2/S3/
// C3 and later chips): a compressed 4-bit-nibble command stream, two nibbles
// packed per byte, with Clock/Reset/Flush/Repetitions opcodes. Grounded on
// the wire format in original_source's espusbjtag/protocol.rs, reworked onto
// usbtransport and into the probe.Backend/jtag.Wire capability shape the
// rest of this module uses.
package espjtag

import (
	"github.com/google/gousb"

	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/probe"
	"github.com/probecore/probecore/probeerrors"
	"github.com/probecore/probecore/usbtransport"
)

const (
	usbVID = 0x303A
	usbPID = 0x1001

	maxCommandRepetitions = 1024
	outBufferSize         = 128 * 32
)

// command is one nibble-sized opcode in the Espressif wire protocol.
type command struct {
	kind commandKind
	srst bool // Reset
	cap  bool // Clock
	tdi  bool // Clock
	tms  bool // Clock
	reps uint8 // Repetitions, 2 bits per nibble
}

type commandKind int

const (
	cmdClock commandKind = iota
	cmdReset
	cmdFlush
	cmdRepetitions
)

// nibble encodes a command to the 4-bit opcode original_source defines.
func (c command) nibble() byte {
	switch c.kind {
	case cmdClock:
		var n byte
		if c.cap {
			n |= 4
		}
		if c.tms {
			n |= 2
		}
		if c.tdi {
			n |= 1
		}
		return n
	case cmdReset:
		n := byte(8)
		if c.srst {
			n |= 1
		}
		return n
	case cmdFlush:
		return 0xA
	default: // cmdRepetitions
		return 0xC + c.reps
	}
}

func (c command) equalCommand(o command) bool {
	if c.kind != o.kind {
		return false
	}
	switch c.kind {
	case cmdClock:
		return c.cap == o.cap && c.tdi == o.tdi && c.tms == o.tms
	case cmdReset:
		return c.srst == o.srst
	default:
		return true
	}
}

// Backend is the Espressif USB-JTAG probe.Backend / jtag.Wire
// implementation.
type Backend struct {
	t *usbtransport.Transport

	queued       *command
	queuedReps   int
	outputBuffer []command

	pendingInBits int
	response      []bool // captured TDO bits, LSB-first arrival order
}

// Open claims the first Espressif USB-JTAG interface matching sel.
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
	return &Backend{t: t}, nil
}

func init() {
	probe.Register(probe.KindESPJTAG,
		func() ([]probe.Info, error) {
			descs, err := usbtransport.Enumerate(usbVID, usbPID)
			if err != nil {
				return nil, err
			}
			var out []probe.Info
			for _, d := range descs {
				out = append(out, probe.Info{
					Identifier: "espjtag-" + d.Serial,
					Selector:   probe.Selector{VendorID: usbVID, ProductID: usbPID, Serial: d.Serial},
					Kind:       probe.KindESPJTAG,
				})
			}
			return out, nil
		},
		func(sel probe.Selector) (*probe.Probe, error) {
			b, err := Open(sel, config.Default())
			if err != nil {
				return nil, err
			}
			return probe.New("espjtag-"+sel.Serial, sel, probe.KindESPJTAG, b), nil
		},
	)
}

// pushCommand implements original_source's push_command: coalesce a
// repeated identical command into the in-flight (command, repetitions)
// pair, up to maxCommandRepetitions, flushing the prior pair to the output
// buffer when the run breaks.
func (b *Backend) pushCommand(c command) {
	if b.queued != nil && b.queued.equalCommand(c) && b.queuedReps < maxCommandRepetitions {
		b.queuedReps++
		return
	}
	if b.queued != nil {
		b.writeStream(*b.queued, b.queuedReps)
	}
	q := c
	b.queued = &q
	b.queuedReps = 1
}

// writeStream emits command once, then base-4 Repetitions nibbles encoding
// (repetitions-1), exactly as original_source's write_stream does.
func (b *Backend) writeStream(c command, repetitions int) {
	if c.kind == cmdFlush {
		repetitions = 1
	}
	b.addRaw(c)
	repetitions--
	for repetitions > 0 {
		b.addRaw(command{kind: cmdRepetitions, reps: uint8(repetitions & 3)})
		repetitions >>= 2
	}
}

func (b *Backend) addRaw(c command) {
	b.outputBuffer = append(b.outputBuffer, c)
	if c.kind == cmdClock && c.cap {
		b.pendingInBits++
	}
	if len(b.outputBuffer) >= outBufferSize {
		b.sendBuffer()
	}
}

// sendBuffer packs the queued commands two nibbles per byte and writes them
// out over the bulk endpoint, then drains however many response bytes are
// now available.
func (b *Backend) sendBuffer() error {
	if len(b.outputBuffer) == 0 {
		return nil
	}
	packed := make([]byte, 0, (len(b.outputBuffer)+1)/2)
	for i := 0; i < len(b.outputBuffer); i += 2 {
		hi := b.outputBuffer[i].nibble()
		if i+1 < len(b.outputBuffer) {
			lo := b.outputBuffer[i+1].nibble()
			packed = append(packed, (hi<<4)|lo)
		} else {
			packed = append(packed, hi)
		}
	}
	if _, err := b.t.Write(packed); err != nil {
		return err
	}
	b.outputBuffer = b.outputBuffer[:0]

	for b.pendingInBits > 512 {
		if err := b.receiveBuffer(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) receiveBuffer() error {
	count := (b.pendingInBits + 7) / 8
	if count > 64 {
		count = 64
	}
	if count == 0 {
		return nil
	}
	buf := make([]byte, count)
	n, err := b.t.Read(buf)
	if err != nil {
		return err
	}
	bitsIn := b.pendingInBits
	if n*8 < bitsIn {
		bitsIn = n * 8
	}
	b.pendingInBits -= bitsIn
	for i := 0; i < bitsIn; i++ {
		byteIdx, bitIdx := i/8, i%8
		b.response = append(b.response, buf[byteIdx]&(1<<bitIdx) != 0)
	}
	return nil
}

// Flush pushes any queued run, appends a Flush opcode (padded to an even
// nibble count), sends the buffer, and drains every remaining response bit.
func (b *Backend) Flush() ([]bool, error) {
	if b.queued != nil {
		b.writeStream(*b.queued, b.queuedReps)
		b.queued = nil
	}
	b.addRaw(command{kind: cmdFlush})
	if len(b.outputBuffer)%2 == 1 {
		b.addRaw(command{kind: cmdFlush})
	}
	if err := b.sendBuffer(); err != nil {
		return nil, err
	}
	for b.pendingInBits != 0 {
		if err := b.receiveBuffer(); err != nil {
			return nil, err
		}
	}
	out := b.response
	b.response = nil
	return out, nil
}

// jtagIO is the primitive every Wire method is built from: clock nBits
// TMS/TDI bit pairs, capturing TDO when cap is true.
func (b *Backend) jtagIO(tms, tdi []bool, cap bool) ([]bool, error) {
	for i := range tms {
		b.pushCommand(command{kind: cmdClock, cap: cap, tdi: tdi[i], tms: tms[i]})
	}
	return b.Flush()
}

// Reset drives TMS high for n clocks, returning the TAP state machine to
// Test-Logic-Reset (spec §4.2 phase 1).
func (b *Backend) Reset(n int) error {
	tms := make([]bool, n)
	tdi := make([]bool, n)
	for i := range tms {
		tms[i] = true
	}
	_, err := b.jtagIO(tms, tdi, false)
	return err
}

// ShiftIR/ShiftDR shift nBits through the current register, holding TMS low
// except for the final Shift->Exit1 bit, and return the captured TDO bits.
func (b *Backend) ShiftIR(tdi []byte, nBits int) ([]byte, error) { return b.shift(tdi, nBits) }
func (b *Backend) ShiftDR(tdi []byte, nBits int) ([]byte, error) { return b.shift(tdi, nBits) }

func (b *Backend) shift(tdi []byte, nBits int) ([]byte, error) {
	tmsBits := make([]bool, nBits)
	tdiBits := make([]bool, nBits)
	for i := 0; i < nBits; i++ {
		tdiBits[i] = tdi[i/8]&(1<<(uint(i)%8)) != 0
		tmsBits[i] = i == nBits-1 // exit the shift state on the last bit
	}
	bits, err := b.jtagIO(tmsBits, tdiBits, true)
	if err != nil {
		return nil, err
	}
	out := make([]byte, (nBits+7)/8)
	for i, v := range bits {
		if v {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out, nil
}

// Idle inserts cycles clocks with TMS low (Run-Test/Idle), matching the
// kernel's idle-cycle contract (spec §4.2).
func (b *Backend) Idle(cycles int) error {
	tms := make([]bool, cycles)
	tdi := make([]bool, cycles)
	_, err := b.jtagIO(tms, tdi, false)
	return err
}

// DriveReset issues the Espressif Reset(srst) opcode.
func (b *Backend) DriveReset(assert bool) error {
	b.pushCommand(command{kind: cmdReset, srst: assert})
	_, err := b.Flush()
	return err
}

func (b *Backend) DriveTRST(assert bool) error  { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWCLK(high bool) error   { return probeerrors.DebugSequenceUnsupported }
func (b *Backend) DriveSWDIO(high bool) error   { return probeerrors.DebugSequenceUnsupported }

// Close releases the underlying USB transport.
func (b *Backend) Close() error { return b.t.Close() }
