package armcore

import (
	"bytes"
	"time"

	"github.com/probecore/probecore/coreabi"
)

// algorithmStackReserve is the scratch stack space reserved above a loaded
// flash-algorithm image; flash algorithms are small and shallow, so a
// generous fixed reserve avoids needing a second parameter just for it.
const algorithmStackReserve = 1024

// algorithmRegisters is the REGSEL write order RunAlgorithm programs before
// releasing the core: R0-R3 are the call arguments, R9 is the static base a
// position-independent algorithm image expects to find itself loaded at, SP
// and PC bootstrap the call, and LR is the return address the algorithm's
// final `bx lr` lands on — exactly where the fixed-PC breakpoint waits.
var algorithmRegisters = [...]uint32{RegR0, RegR1, RegR2, RegR3, RegR9, RegSP, RegPC, RegLR}

// RunAlgorithm loads blob into target RAM at entry, sets up the Cortex-M
// calling convention a relocatable flash algorithm expects, plants a
// hardware breakpoint at exit, runs the core, and waits for that breakpoint
// to be hit naturally, returning R0 as the algorithm's result (spec §6
// Flash-programmer collaborator contract; spec.md §4 supplement).
func (c *Core) RunAlgorithm(blob []byte, entry uint32, args [4]uint32, exit uint32, timeout time.Duration) (uint32, error) {
	if err := c.mem.WriteBytes(entry, blob); err != nil {
		return 0, err
	}

	stackTop := ((entry + uint32(len(blob)) + 3) &^ 3) + algorithmStackReserve

	unit, err := c.SetBreakpoint(exit)
	if err != nil {
		return 0, err
	}
	defer c.ClearBreakpoint(unit)

	values := map[uint32]uint32{
		RegR0: args[0],
		RegR1: args[1],
		RegR2: args[2],
		RegR3: args[3],
		RegR9: entry,
		RegSP: stackTop,
		RegPC: entry &^ 1, // Cortex-M is always Thumb; bit 0 of a debug PC write is ignored
		RegLR: exit &^ 1,
	}
	for _, regsel := range algorithmRegisters {
		if err := c.WriteCoreRegister(regsel, coreabi.NewU32(values[regsel])); err != nil {
			return 0, err
		}
	}

	if err := c.Run(); err != nil {
		return 0, err
	}
	if err := c.waitForHalt(timeout); err != nil {
		return 0, err
	}

	r0, err := c.ReadCoreRegister(RegR0)
	if err != nil {
		return 0, err
	}
	return r0.U32(), nil
}

// waitForHalt polls S_HALT without forcing it, unlike Halt, which writes
// C_HALT unconditionally; RunAlgorithm needs to observe a halt the
// algorithm itself triggers by running into its exit breakpoint.
func (c *Core) waitForHalt(timeout time.Duration) error {
	if err := c.pollUntil(timeout, func(v uint32) bool { return v&dhcsrSHalt != 0 }); err != nil {
		return err
	}
	reason, err := c.latchHaltReason()
	if err != nil {
		return err
	}
	c.lastState = coreabi.CoreState{Status: coreabi.StatusHalted, Reason: reason}
	return nil
}

// rttControlBlockID is SEGGER RTT's fixed 16-byte control-block signature.
var rttControlBlockID = []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")

// rttScanChunk bounds how much memory ScanRTTControlBlock reads in one
// transfer; chunks overlap by len(rttControlBlockID)-1 bytes so a match
// straddling a chunk boundary is never missed.
const rttScanChunk = 4096

// ScanRTTControlBlock scans region for the SEGGER RTT control-block
// signature over the core's memory interface, returning the address of the
// first match (spec.md §4 supplement: a bare memory-scan helper, channel
// framing itself stays out of scope).
func (c *Core) ScanRTTControlBlock(region coreabi.MemoryRegion) (addr uint32, found bool) {
	if !region.Readable || region.End <= region.Start {
		return 0, false
	}
	overlap := uint32(len(rttControlBlockID) - 1)

	for cursor := region.Start; cursor < region.End; {
		length := rttScanChunk
		if remaining := region.End - cursor; remaining < uint32(length) {
			length = int(remaining)
		}
		if length < len(rttControlBlockID) {
			return 0, false
		}

		buf, err := c.mem.ReadBytes(cursor, length)
		if err != nil {
			return 0, false
		}
		if idx := bytes.Index(buf, rttControlBlockID); idx >= 0 {
			return cursor + uint32(idx), true
		}

		advance := uint32(length) - overlap
		if advance == 0 {
			return 0, false
		}
		cursor += advance
	}
	return 0, false
}
