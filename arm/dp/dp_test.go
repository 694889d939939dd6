package dp_test

import (
	"testing"

	"github.com/probecore/probecore/arm/dp"
	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/probe"
)

// fakeWire is a minimal DP register simulator tracking SELECT banking, just
// enough to exercise ensureBank without a real target (same shape as
// session_test.go's fakeDAPBackend, narrowed to DP-only).
type fakeWire struct {
	selectValue uint32
	selectWrites int
	ctrlStat    uint32
	dlpidr      uint32
	targetID    uint32
}

func (w *fakeWire) ReadRegister(port probe.Port, addr uint16) (uint32, error) {
	switch addr {
	case dp.RegDPIDR:
		return 0x2BA01477, nil
	case dp.RegCTRLSTAT: // aliases DLPIDR (bank 1) and TARGETID (bank 2)
		switch (w.selectValue & 0xF) {
		case 1:
			return w.dlpidr, nil
		case 2:
			return w.targetID, nil
		default:
			return w.ctrlStat, nil
		}
	}
	return 0, nil
}

func (w *fakeWire) WriteRegister(port probe.Port, addr uint16, value uint32) error {
	switch addr {
	case dp.RegSELECT:
		w.selectValue = value
		w.selectWrites++
	case dp.RegCTRLSTAT:
		w.ctrlStat = value | 1<<29 | 1<<31
	}
	return nil
}

func TestEnsureBankSkipsRedundantSelectWrites(t *testing.T) {
	w := &fakeWire{dlpidr: 0x1234, targetID: 0xABCD}
	e := dp.NewEngine(w, config.Default())

	if err := e.Initialize(dp.DefaultAddress); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	writesAfterInit := w.selectWrites

	v, err := e.ReadDLPIDR()
	if err != nil {
		t.Fatalf("ReadDLPIDR: %v", err)
	}
	if v != 0x1234 {
		t.Fatalf("expected DLPIDR 0x1234, got %#x", v)
	}
	if w.selectWrites != writesAfterInit+1 {
		t.Fatalf("expected exactly one SELECT write for the bank switch, got %d", w.selectWrites-writesAfterInit)
	}

	// A second read of the same bank must not re-issue SELECT.
	if _, err := e.ReadDLPIDR(); err != nil {
		t.Fatalf("ReadDLPIDR (repeat): %v", err)
	}
	if w.selectWrites != writesAfterInit+1 {
		t.Fatalf("expected no additional SELECT write on repeated same-bank read, got %d", w.selectWrites-writesAfterInit)
	}

	id, err := e.ReadTARGETID()
	if err != nil {
		t.Fatalf("ReadTARGETID: %v", err)
	}
	if id != 0xABCD {
		t.Fatalf("expected TARGETID 0xABCD, got %#x", id)
	}
	if w.selectWrites != writesAfterInit+2 {
		t.Fatalf("expected a second SELECT write for the bank-2 switch, got %d", w.selectWrites-writesAfterInit)
	}
}

func TestCtrlStatAccessRestoresBankZeroAfterBankedRead(t *testing.T) {
	w := &fakeWire{}
	e := dp.NewEngine(w, config.Default())

	if err := e.Initialize(dp.DefaultAddress); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if w.selectValue&0xF != 0 {
		t.Fatalf("expected bank 0 selected after Initialize, got %#x", w.selectValue)
	}

	if _, err := e.ReadDLPIDR(); err != nil {
		t.Fatalf("ReadDLPIDR: %v", err)
	}
	if w.selectValue&0xF != 1 {
		t.Fatalf("expected bank 1 selected after ReadDLPIDR, got %#x", w.selectValue)
	}

	// Re-attaching touches CTRL/STAT (bank 0) again; readDP/writeDP must
	// re-select bank 0 despite ReadDLPIDR having left bank 1 selected, or
	// this would silently read/write the wrong bank.
	if err := e.Initialize(dp.DefaultAddress); err != nil {
		t.Fatalf("Initialize (second): %v", err)
	}
	if w.selectValue&0xF != 0 {
		t.Fatalf("expected bank 0 restored for the second Initialize's CTRL/STAT access, got %#x", w.selectValue)
	}
}
