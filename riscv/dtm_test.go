package riscv

import (
	"testing"
	"time"

	"github.com/probecore/probecore/jtag"
)

// fakeWire models a single RISC-V TAP with a 5-bit IR: DTMCS always reads
// back a fixed abits value, and DMI performs an immediate (non-busy)
// read/write against a tiny backing register file, enough to exercise the
// DTM's scan encoding without a real target.
type fakeWire struct {
	ir   uint32
	regs map[uint32]uint32

	// pendingResult/pendingStatus model the DMI protocol's one-scan pipeline
	// delay: the data a ShiftDR(DMI) call returns is the result of the
	// PREVIOUS dmi operation, not the one just issued.
	pendingResult uint32
	pendingStatus uint32
}

const fakeAbits = 7

func (w *fakeWire) Reset(n int) error { return nil }
func (w *fakeWire) Idle(cycles int) error { return nil }

func (w *fakeWire) ShiftIR(tdi []byte, nBits int) ([]byte, error) {
	w.ir = uint32(tdi[0]) & 0x1f
	return make([]byte, len(tdi)), nil
}

func (w *fakeWire) ShiftDR(tdi []byte, nBits int) ([]byte, error) {
	out := make([]byte, len(tdi))
	switch w.ir {
	case irDTMCS:
		v := uint64(fakeAbits) << dtmcsAbitsShift
		putLE(out, v)
	case irIDCode:
		putLE(out, 0x00000001)
	case irDMI:
		// return the PREVIOUS operation's latched result first
		putLE(out, uint64(w.pendingStatus)|uint64(w.pendingResult)<<2)

		v := getLE(tdi, nBits)
		op := v & 0x3
		data := uint32((v >> 2) & 0xffffffff)
		addr := uint32(v >> 34)
		if w.regs == nil {
			w.regs = make(map[uint32]uint32)
		}
		switch op {
		case dmiOpRead:
			w.pendingResult = w.regs[addr]
		case dmiOpWrite:
			w.regs[addr] = data
			w.pendingResult = data
		}
		w.pendingStatus = dmiStatusSuccess
	}
	return out, nil
}

func putLE(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE(b []byte, nBits int) uint64 {
	var v uint64
	for i := range b {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func newFakeDTM(t *testing.T) *DTM {
	t.Helper()
	wire := &fakeWire{}
	k := jtag.NewKernel(wire)
	k.SetChainDescription([]jtag.TAP{{IDCode: 1, IRLen: 5}})

	d, err := Open(k, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestOpenDiscoversAbits(t *testing.T) {
	d := newFakeDTM(t)
	if d.abits != fakeAbits {
		t.Fatalf("expected abits %d, got %d", fakeAbits, d.abits)
	}
}

func TestWriteThenReadDMIRoundTrips(t *testing.T) {
	d := newFakeDTM(t)

	if err := d.WriteDMI(0x10, 0xdeadbeef, time.Second); err != nil {
		t.Fatalf("WriteDMI: %v", err)
	}
	got, err := d.ReadDMI(0x10, time.Second)
	if err != nil {
		t.Fatalf("ReadDMI: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("expected 0xdeadbeef, got %#x", got)
	}
}
