// Package jtag implements the bit-level JTAG scan-chain kernel: chain
// discovery, IR/DR addressing with pre/post padding, idle-cycle insertion,
// and batched command execution (spec §4.2).
//
// The kernel is transport-agnostic: it drives an abstract Wire, which a
// probe backend (CMSIS-DAP, FTDI-MPSSE, ...) implements in terms of its own
// wire format.
package jtag

import (
	"github.com/probecore/probecore/logger"
	"github.com/probecore/probecore/probeerrors"
)

// Wire is the capability a probe backend must expose for the kernel to
// drive a JTAG chain (spec §4.1 "JTAG access").
type Wire interface {
	// Reset drives TMS high for at least n TCKs (Test-Logic-Reset) and then
	// one TCK with TMS low, leaving the chain in Run-Test/Idle.
	Reset(n int) error

	// ShiftIR shifts nBits of tdi into the instruction register(s) currently
	// selected by the chain topology, exiting to Run-Test/Idle. It returns
	// the bits shifted out of TDO.
	ShiftIR(tdi []byte, nBits int) ([]byte, error)

	// ShiftDR is like ShiftIR but for the data register.
	ShiftDR(tdi []byte, nBits int) ([]byte, error)

	// Idle clocks TCK the given number of times with TMS held low.
	Idle(cycles int) error
}

// ChainParams describes how to address one TAP within a multi-TAP scan
// chain: the number of bypass bits to pad before/after this TAP's IR and DR
// shifts, and this TAP's own IR length (spec §4.2 "Addressing a TAP").
type ChainParams struct {
	IRPre  int
	IRPost int
	DRPre  int
	DRPost int
	IRLen  int
}

// TAP describes one TAP discovered (or declared) on the chain.
type TAP struct {
	IDCode uint32
	IRLen  int
}

// Kernel drives one JTAG wire. It is not safe for concurrent use — per the
// session's concurrency model (spec §5), a probe is owned exclusively by one
// session at a time.
type Kernel struct {
	wire       Wire
	idleCycles int
	taps       []TAP
	params     []ChainParams
	currentIR  []uint32 // cached last-written IR value per TAP; nil entry means unknown
}

// NewKernel creates a Kernel driving the given Wire. Idle-cycle count
// defaults to 0 (appropriate for ARM SWJ-DP/JTAG-DP); RISC-V DMI access
// should call SetIdleCycles when the target signals "busy" (spec §4.2).
func NewKernel(wire Wire) *Kernel {
	return &Kernel{wire: wire}
}

// SetIdleCycles sets the number of idle TCK cycles inserted after each DR
// shift.
func (k *Kernel) SetIdleCycles(n int) {
	k.idleCycles = n
}

// SetChainDescription overrides chain discovery with a user-supplied
// description, per spec §4.2 ("If a user-provided scan-chain description is
// supplied, it OVERRIDES this heuristic").
func (k *Kernel) SetChainDescription(taps []TAP) {
	k.taps = append([]TAP(nil), taps...)
	k.params = make([]ChainParams, len(taps))
	k.currentIR = make([]uint32, len(taps))
	for i := range taps {
		k.currentIR[i] = ^uint32(0) // force the first WriteIR to actually shift

		// DR padding is a bypass register bit per neighboring TAP — always
		// 1 bit regardless of that TAP's own IR length. IR padding instead
		// has to cover each neighboring TAP's actual instruction register
		// width, since shifting loads a real (BYPASS) instruction into it.
		drPre, drPost, irPre, irPost := 0, 0, 0, 0
		for j := 0; j < i; j++ {
			drPre++
			irPre += taps[j].IRLen
		}
		for j := i + 1; j < len(taps); j++ {
			drPost++
			irPost += taps[j].IRLen
		}
		k.params[i] = ChainParams{IRPre: irPre, IRPost: irPost, DRPre: drPre, DRPost: drPost, IRLen: taps[i].IRLen}
	}
}

// TAPs returns the discovered or declared TAPs.
func (k *Kernel) TAPs() []TAP {
	return append([]TAP(nil), k.taps...)
}

// Params returns the addressing parameters for a TAP index.
func (k *Kernel) Params(tapIndex int) ChainParams {
	return k.params[tapIndex]
}

const allOnesWord = 0xFFFFFFFF

// WriteIR shifts a new instruction into the TAP at tapIndex, padding with
// BYPASS instructions (all-ones) for every other TAP on the chain per its
// ChainParams. It is a no-op if the requested instruction is already
// loaded, mirroring the CSW/SELECT write-caching the memory-AP layer relies
// on to avoid redundant scans (spec §4.3).
//
// Shifting IR necessarily passes through every other TAP's instruction
// register too, overwriting each with BYPASS — so a successful shift
// invalidates the cached instruction for every TAP but the one just
// addressed, not just updates this one.
func (k *Kernel) WriteIR(tapIndex int, instr uint32) error {
	if tapIndex < 0 || tapIndex >= len(k.taps) {
		return probeerrors.Errorf(probeerrors.TargetNotFoundMsg)
	}
	if k.currentIR[tapIndex] == instr {
		return nil
	}

	p := k.params[tapIndex]
	nBits := p.IRPre + p.IRLen + p.IRPost
	tdi := make([]byte, (nBits+7)/8)
	// Bits shifted in earliest travel furthest down the chain by the time
	// the shift ends, so the TAPs closer to TDO (IRPost) must be fed
	// first, this TAP's own instruction next, and the TAPs closer to TDI
	// (IRPre) last.
	setBitsLE(tdi, 0, p.IRPost, true) // bypass TAPs after this one: all-ones
	setValueLE(tdi, p.IRPost, p.IRLen, uint64(instr))
	setBitsLE(tdi, p.IRPost+p.IRLen, p.IRPre, true) // bypass TAPs before this one: all-ones

	if _, err := k.wire.ShiftIR(tdi, nBits); err != nil {
		return probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	for j := range k.taps {
		if j == tapIndex {
			k.currentIR[j] = instr
			continue
		}
		k.currentIR[j] = allOnesMask(k.params[j].IRLen)
	}

	if k.idleCycles > 0 {
		if err := k.wire.Idle(k.idleCycles); err != nil {
			return probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
		}
	}
	return nil
}

// ShiftDR shifts nBits of data into/out of the data register currently
// selected (by the last WriteIR) on the TAP at tapIndex, padding with one
// bypass bit per other TAP on the chain, and inserting idle cycles
// afterward per SetIdleCycles (needed by RISC-V DMI access to let a
// target's debug module process the request; spec §4.2/§5).
func (k *Kernel) ShiftDR(tapIndex int, tdiValue uint64, nBits int) (uint64, error) {
	if tapIndex < 0 || tapIndex >= len(k.taps) {
		return 0, probeerrors.Errorf(probeerrors.TargetNotFoundMsg)
	}

	p := k.params[tapIndex]
	totalBits := p.DRPre + nBits + p.DRPost
	tdi := make([]byte, (totalBits+7)/8)
	// Same ordering rationale as WriteIR: post-TAPs' bypass bits first,
	// this TAP's own data next, pre-TAPs' bypass bits last.
	setBitsLE(tdi, 0, p.DRPost, false)
	setValueLE(tdi, p.DRPost, nBits, tdiValue)
	setBitsLE(tdi, p.DRPost+nBits, p.DRPre, false)

	tdo, err := k.wire.ShiftDR(tdi, totalBits)
	if err != nil {
		return 0, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	if k.idleCycles > 0 {
		if err := k.wire.Idle(k.idleCycles); err != nil {
			return 0, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
		}
	}

	return valueLE(tdo, p.DRPost, nBits), nil
}

// BatchCommand is one operation within a Batch call: either a DR shift (the
// common case for register access protocols built atop this kernel) keyed
// by an opaque tag the caller uses to correlate results.
type BatchCommand struct {
	Tag   any
	Value uint64
	Bits  int
}

// BatchResult pairs a BatchCommand's tag with the value shifted back.
type BatchResult struct {
	Tag   any
	Value uint64
}

// BatchError reports a batch that failed partway through: Results holds the
// outcomes of the commands that completed before the failure, and Failing
// is the index of the command that errored (spec §4.2 "batched command
// execution with partial-result error propagation").
type BatchError struct {
	Results []BatchResult
	Failing int
	Err     error
}

func (e *BatchError) Error() string {
	return probeerrors.Errorf(probeerrors.ProbeBatchPartialMsg, e.Failing).Error() + ": " + e.Err.Error()
}

func (e *BatchError) Unwrap() error { return e.Err }

// Batch executes a sequence of DR shifts against one TAP, stopping at the
// first error and returning a *BatchError carrying the partial results.
func (k *Kernel) Batch(tapIndex int, cmds []BatchCommand) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(cmds))
	for i, c := range cmds {
		v, err := k.ShiftDR(tapIndex, c.Value, c.Bits)
		if err != nil {
			return results, &BatchError{Results: results, Failing: i, Err: err}
		}
		results = append(results, BatchResult{Tag: c.Tag, Value: v})
	}
	return results, nil
}

func setBitsLE(b []byte, startBit, n int, one bool) {
	if !one {
		return // zero is the zero value already
	}
	for i := 0; i < n; i++ {
		bit := startBit + i
		b[bit/8] |= 1 << (bit % 8)
	}
}

func setValueLE(b []byte, startBit, n int, v uint64) {
	for i := 0; i < n; i++ {
		if v&(1<<i) != 0 {
			bit := startBit + i
			b[bit/8] |= 1 << (bit % 8)
		}
	}
}

func allOnesMask(nBits int) uint32 {
	if nBits >= 32 {
		return ^uint32(0)
	}
	return (uint32(1) << nBits) - 1
}

func valueLE(b []byte, startBit, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		bit := startBit + i
		byteIdx := bit / 8
		bitIdx := bit % 8
		if byteIdx < len(b) && b[byteIdx]&(1<<bitIdx) != 0 {
			v |= 1 << i
		}
	}
	return v
}

// DiscoverChain runs the three-phase discovery procedure from spec §4.2:
// Test-Logic-Reset, an IDCODE scan, then IR-length detection.
func (k *Kernel) DiscoverChain() ([]TAP, error) {
	// Phase 1: >=5 TCKs with TMS high, then one with TMS low (handled by
	// Reset, which leaves the chain in Run-Test/Idle).
	if err := k.wire.Reset(5); err != nil {
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	idcodes, err := k.scanIDCodes()
	if err != nil {
		return nil, err
	}
	if len(idcodes) == 0 {
		return nil, probeerrors.Errorf(probeerrors.TargetNotFoundMsg)
	}

	// Reset again before IR-length detection: a DR scan does not disturb
	// the IR, but we want a clean, known IR state (all TAPs holding their
	// reset IDCODE/bypass instruction) before probing IR length.
	if err := k.wire.Reset(5); err != nil {
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	irlens, err := k.scanIRLengths(len(idcodes))
	if err != nil {
		return nil, err
	}

	taps := make([]TAP, len(idcodes))
	for i := range taps {
		taps[i] = TAP{IDCode: idcodes[i], IRLen: irlens[i]}
	}

	k.SetChainDescription(taps)
	logger.Logf("jtag", "discovered %d TAP(s) on the scan chain", len(taps))
	return taps, nil
}

// scanIDCodes implements phase 2: shift a long run of ones through DR and
// read back one 32-bit word per TAP until the first all-ones word, which
// marks a TAP in BYPASS (spec §4.2 phase 2).
func (k *Kernel) scanIDCodes() ([]uint32, error) {
	const maxWords = 32 // generous upper bound on chain length
	tdi := make([]byte, maxWords*4)
	for i := range tdi {
		tdi[i] = 0xFF
	}

	tdo, err := k.wire.ShiftDR(tdi, maxWords*32)
	if err != nil {
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	var idcodes []uint32
	for w := 0; w < maxWords; w++ {
		word := readWordLE(tdo, w*4)
		if word == allOnesWord {
			break
		}
		idcodes = append(idcodes, word)
	}
	return idcodes, nil
}

// scanIRLengths implements phase 3. It first measures the chain's TOTAL
// combined IR length regardless of TAP count (scanTotalIRLength): one IR
// shift of zeros followed by ones, counting the zeros still emerging at TDO
// once the ones have started entering at TDI. For a single TAP that total
// IS the answer.
//
// For multiple TAPs, a second reset reloads each TAP's Capture-IR value —
// IEEE 1149.1 mandates bit 0 of that value is 1, and this kernel assumes
// (as the spec's reset-pattern algorithm does) every implementation holds
// the rest of the capture value at 0 — so one more IR shift of total bits,
// taken immediately after that reset, reads back the concatenation of each
// TAP's "1 followed by (len-1) zeros" marker. Walking the returned bits and
// counting zeros between successive set bits recovers each TAP's IR length
// without a user-supplied chain description (spec §4.2 phase 3).
func (k *Kernel) scanIRLengths(nTAPs int) ([]int, error) {
	total, err := k.scanTotalIRLength()
	if err != nil {
		return nil, err
	}
	if nTAPs == 1 {
		return []int{total}, nil
	}

	if err := k.wire.Reset(5); err != nil {
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	dummy := make([]byte, (total+7)/8)
	tdo, err := k.wire.ShiftIR(dummy, total)
	if err != nil {
		return nil, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	lens := make([]int, 0, nTAPs)
	bit := 0
	for tap := 0; tap < nTAPs; tap++ {
		if bit >= total || !bitSetLE(tdo, bit) {
			return nil, probeerrors.MultiTAPIRAmbiguous
		}
		length := 1
		bit++
		for bit < total && !bitSetLE(tdo, bit) {
			length++
			bit++
		}
		lens = append(lens, length)
	}
	if bit != total {
		return nil, probeerrors.MultiTAPIRAmbiguous
	}
	return lens, nil
}

func bitSetLE(b []byte, bit int) bool {
	byteIdx := bit / 8
	if byteIdx >= len(b) {
		return false
	}
	return b[byteIdx]&(1<<(bit%8)) != 0
}

func (k *Kernel) scanTotalIRLength() (int, error) {
	const maxBits = 256

	// maxBits zeros then maxBits ones in a single shift: from TDO bit
	// maxBits onward the chain returns TDI delayed by its total IR length,
	// so the zeros still emerging there count that length. (A separate
	// shift would start with every TAP's Capture-IR pattern instead.)
	tdi := make([]byte, 2*maxBits/8)
	for i := maxBits / 8; i < len(tdi); i++ {
		tdi[i] = 0xFF
	}
	tdo, err := k.wire.ShiftIR(tdi, 2*maxBits)
	if err != nil {
		return 0, probeerrors.Errorf(probeerrors.ProbeUSBMsg, err)
	}

	n := 0
	for n < maxBits && !bitSetLE(tdo, maxBits+n) {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n, nil
}

func readWordLE(b []byte, off int) uint32 {
	if off+4 > len(b) {
		return 0
	}
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func countLeadingOnes(b []byte, maxBits int) int {
	n := 0
	for i := 0; i < maxBits; i++ {
		byteIdx := i / 8
		bitIdx := i % 8
		if byteIdx >= len(b) {
			break
		}
		if b[byteIdx]&(1<<bitIdx) == 0 {
			break
		}
		n++
	}
	return n
}

