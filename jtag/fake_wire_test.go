package jtag_test

// fakeTap models one IEEE 1149.1 TAP controller for use by fakeWire: a
// shift register whose length and capture contents depend on the
// currently-loaded instruction.
type fakeTap struct {
	idcode      uint32
	irLen       int
	idcodeInstr uint32 // IR value that selects the IDCODE data register
	ir          uint32 // currently loaded instruction
}

// fakeWire simulates a scan chain of TAPs connected TDI -> taps[0] -> ... ->
// taps[n-1] -> TDO, so that ShiftIR/ShiftDR observe the same bit-ordering
// rules a real chain would: captured bits shift out to TDO first, and new
// bits shift in at the TDI end.
type fakeWire struct {
	taps []*fakeTap

	// failAfter, when positive, causes the failAfter'th ShiftDR call
	// (zero-indexed, counted only after reset) to return an error instead
	// of shifting. Zero (the zero value) or a negative value means "never
	// fail".
	failAfter  int
	shiftDRCnt int
}

var errFakeWireFault = errFakeFault{}

type errFakeFault struct{}

func (errFakeFault) Error() string { return "fake wire: simulated transport fault" }

func (w *fakeWire) Reset(n int) error {
	for _, t := range w.taps {
		t.ir = t.idcodeInstr // IEEE 1149.1: TAP reset loads IDCODE (or BYPASS if absent)
	}
	return nil
}

func (w *fakeWire) Idle(cycles int) error { return nil }

// irCaptureValue returns the fixed IEEE 1149.1 Capture-IR pattern for a TAP:
// the two least-significant bits are "01", remaining bits zero. This is
// what lets IR-length discovery find each TAP's boundary.
func irCaptureValue(irLen int) []int {
	bits := make([]int, irLen)
	if irLen >= 1 {
		bits[0] = 1
	}
	return bits
}

func (w *fakeWire) ShiftIR(tdi []byte, nBits int) ([]byte, error) {
	chain := make([][]int, len(w.taps))
	for i, t := range w.taps {
		chain[i] = irCaptureValue(t.irLen)
	}
	out, final := shiftChain(chain, tdi, nBits)
	for i, t := range w.taps {
		t.ir = bitsToUint32(final[i])
	}
	return out, nil
}

func (w *fakeWire) ShiftDR(tdi []byte, nBits int) ([]byte, error) {
	if w.failAfter > 0 && w.shiftDRCnt == w.failAfter {
		w.shiftDRCnt++
		return nil, errFakeWireFault
	}
	w.shiftDRCnt++

	chain := make([][]int, len(w.taps))
	for i, t := range w.taps {
		if t.ir == t.idcodeInstr {
			chain[i] = uint32ToBits(t.idcode, 32)
		} else {
			chain[i] = []int{0} // BYPASS: single-bit, captures 0
		}
	}
	out, _ := shiftChain(chain, tdi, nBits)
	return out, nil
}

// shiftChain simulates nBits clocks through a chain of registers ordered
// TDI-side first (chain[0]) to TDO-side last (chain[len-1]). It returns the
// bit stream observed at TDO (one byte-packed slice, LSB-first within each
// byte, matching Kernel's own readWordLE/bytesToBits conventions) plus the
// final per-tap contents after the shift (for IR capture-and-update).
func shiftChain(chain [][]int, tdi []byte, nBits int) ([]byte, [][]int) {
	// Flatten to a single register ordered TDO-end first (index 0) so each
	// clock pops bits[0] out to TDO and appends the new TDI bit at the end.
	var flat []int
	for i := len(chain) - 1; i >= 0; i-- {
		flat = append(flat, chain[i]...)
	}

	outBits := make([]int, nBits)
	for i := 0; i < nBits; i++ {
		if len(flat) == 0 {
			outBits[i] = 1
			continue
		}
		outBits[i] = flat[0]
		flat = flat[1:]
		flat = append(flat, tdiBit(tdi, i))
	}

	// Recover each tap's final register contents. Once nBits clocks have
	// passed (nBits >= total chain length L), the flattened register's
	// content no longer depends on its initial state at all: position p
	// from the TDO end (0-indexed) holds tdiBit(nBits-L+p). tap i's segment
	// starts at offset(i), the combined length of every tap closer to TDO
	// than i (i.e. every chain[j] with j>i, since chain is TDI-first).
	var totalLen int
	for _, c := range chain {
		totalLen += len(c)
	}
	offset := make([]int, len(chain))
	acc := 0
	for i := len(chain) - 1; i >= 0; i-- {
		offset[i] = acc
		acc += len(chain[i])
	}

	final := make([][]int, len(chain))
	for i := range chain {
		l := len(chain[i])
		bits := make([]int, l)
		for b := 0; b < l; b++ {
			srcIdx := nBits - totalLen + offset[i] + b
			if srcIdx >= 0 && srcIdx < nBits {
				bits[b] = tdiBit(tdi, srcIdx)
			}
		}
		final[i] = bits
	}

	return bitsToBytes(outBits), final
}

func tdiBit(tdi []byte, i int) int {
	byteIdx := i / 8
	bitIdx := i % 8
	if byteIdx >= len(tdi) {
		return 0
	}
	if tdi[byteIdx]&(1<<bitIdx) != 0 {
		return 1
	}
	return 0
}

func bitsToBytes(bits []int) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func uint32ToBits(v uint32, n int) []int {
	bits := make([]int, n)
	for i := 0; i < n; i++ {
		if v&(1<<i) != 0 {
			bits[i] = 1
		}
	}
	return bits
}

func bitsToUint32(bits []int) uint32 {
	var v uint32
	for i, b := range bits {
		if i >= 32 {
			break
		}
		if b != 0 {
			v |= 1 << i
		}
	}
	return v
}
