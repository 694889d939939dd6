package coreabi_test

import (
	"testing"

	"github.com/probecore/probecore/coreabi"
)

func TestRegisterValueEqualityIgnoresWidth(t *testing.T) {
	a := coreabi.NewU32(0xDEADBEEF)
	b := coreabi.NewU64(0xDEADBEEF)
	if !a.Equal(b) {
		t.Fatalf("expected numeric equality regardless of width")
	}
}

func TestRegisterValueAddOffsetSaturatesAtZero(t *testing.T) {
	v := coreabi.NewU32(4)
	got := v.AddOffset(-100)
	if got.U32() != 0 {
		t.Fatalf("expected saturation at 0, got %#x", got.U32())
	}
}

func TestRegisterValueAddOffsetNormalCase(t *testing.T) {
	v := coreabi.NewU32(0x2000_0000)
	got := v.AddOffset(0x10)
	if got.U32() != 0x2000_0010 {
		t.Fatalf("got %#x", got.U32())
	}
}

func TestStatusIntegrity(t *testing.T) {
	ok := coreabi.CoreState{Status: coreabi.StatusHalted, Reason: coreabi.HaltReason{Kind: coreabi.HaltBreakpointHW}}
	if !coreabi.StatusIntegrity(ok) {
		t.Fatalf("expected halted+reason to be a valid pairing")
	}

	bad := coreabi.CoreState{Status: coreabi.StatusRunning, Reason: coreabi.HaltReason{Kind: coreabi.HaltBreakpointHW}}
	if coreabi.StatusIntegrity(bad) {
		t.Fatalf("expected running+reason to be an invalid pairing")
	}
}

func TestMemoryRegionContains(t *testing.T) {
	r := coreabi.MemoryRegion{Start: 0x2000_0000, End: 0x2000_1000, Kind: coreabi.RegionRAM}
	if !r.Contains(0x2000_0000) || r.Contains(0x2000_1000) || !r.Contains(0x2000_0FFF) {
		t.Fatalf("half-open region bounds check failed")
	}
}
