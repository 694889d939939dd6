// Package ap implements the ARM Memory-AP engine and the byte/half/word
// memory interface built on top of it (spec §4.4): CSW/TAR/DRW driving,
// alignment-aware access, 1 KiB auto-increment window chunking, and
// CSW/TAR write caching. A faulting DRW transfer stops a block transfer at
// that word and is reported as one bus-fault error naming its address.
package ap

import (
	"github.com/probecore/probecore/arm/dp"
	"github.com/probecore/probecore/probeerrors"
)

// Memory-AP register offsets within its banked window (spec §6).
const (
	RegCSW = 0x00
	RegTAR = 0x04
	RegDRW = 0x0C
	RegBD0 = 0x10
	RegBD1 = 0x14
	RegBD2 = 0x18
	RegBD3 = 0x1C
	RegIDR = 0xFC
)

// CSW size/increment fields.
const (
	cswSize8   = 0
	cswSize16  = 1
	cswSize32  = 2
	cswSizeMask = 0x7

	cswIncOff    = 0 << 4
	cswIncSingle = 1 << 4
	cswIncMask   = 3 << 4

	cswAddrIncBit = 6 // not referenced; the AddrInc field itself is bits 4-5 (cswInc* above)
	cswDbgStatEnable = 1 << 6
	cswPrivileged    = 1 << 25 | 1 << 24
)

const windowSize = 1024 // the Memory-AP 1 KiB auto-increment window (spec §3)

// MemoryAP is one enumerated Memory-AP, addressed by (dp, apSel). Its CSW
// and TAR-low-bits are cached per spec §3's Memory-AP state invariant; the
// cache must be invalidated on any foreign write to the same AP, which this
// package achieves by being the only writer of CSW/TAR for the AP it owns.
type MemoryAP struct {
	dp    *dp.Engine
	apSel uint8

	cswValid bool
	csw      uint32
	tarValid bool
	tarNext  uint32 // address the AP's auto-incremented TAR now holds
}

// New wraps AP apSel on the given DP engine.
func New(d *dp.Engine, apSel uint8) *MemoryAP {
	return &MemoryAP{dp: d, apSel: apSel}
}

// Invalidate drops the CSW/TAR cache, e.g. after a foreign write to the
// same AP from outside this MemoryAP instance.
func (m *MemoryAP) Invalidate() {
	m.cswValid = false
	m.tarValid = false
}

func (m *MemoryAP) ensureCSW(size uint32) error {
	want := size&cswSizeMask | cswIncSingle | cswDbgStatEnable
	if m.cswValid && m.csw == want {
		return nil
	}
	if err := m.dp.WriteAPBanked(m.apSel, RegCSW, want); err != nil {
		return probeerrors.Errorf(probeerrors.APRegisterWriteMsg, err)
	}
	m.csw = want
	m.cswValid = true
	return nil
}

func (m *MemoryAP) ensureTAR(addr uint32) error {
	if m.tarValid && m.tarNext == addr {
		return nil
	}
	if err := m.dp.WriteAPBanked(m.apSel, RegTAR, addr); err != nil {
		return probeerrors.Errorf(probeerrors.APRegisterWriteMsg, err)
	}
	m.tarNext = addr
	m.tarValid = true
	return nil
}

// windowsCrossed reports how many times an access of length bytes starting
// at addr crosses the 1 KiB auto-increment boundary (spec §8's
// auto-increment discipline property). Nothing calls it: the block
// transfers detect window crossings through ensureTAR/advanceTAR.
func windowsCrossed(addr uint32, length int) int {
	if length == 0 {
		return 0
	}
	offsetInWindow := int(addr) % windowSize
	return 1 + (offsetInWindow+length-1)/windowSize - 1
}

// ReadWord32 reads one aligned 32-bit word.
func (m *MemoryAP) ReadWord32(addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, probeerrors.Errorf(probeerrors.APMemoryNotAlignedMsg, addr)
	}
	if err := m.ensureCSW(cswSize32); err != nil {
		return 0, err
	}
	if err := m.ensureTAR(addr); err != nil {
		return 0, err
	}
	v, err := m.dp.ReadAPBanked(m.apSel, RegDRW)
	if err != nil {
		m.Invalidate()
		return 0, probeerrors.Errorf(probeerrors.APBusFaultMsg, addr)
	}
	m.advanceTAR(addr, 4)
	return v, nil
}

// WriteWord32 writes one aligned 32-bit word.
func (m *MemoryAP) WriteWord32(addr uint32, v uint32) error {
	if addr%4 != 0 {
		return probeerrors.Errorf(probeerrors.APMemoryNotAlignedMsg, addr)
	}
	if err := m.ensureCSW(cswSize32); err != nil {
		return err
	}
	if err := m.ensureTAR(addr); err != nil {
		return err
	}
	if err := m.dp.WriteAPBanked(m.apSel, RegDRW, v); err != nil {
		m.Invalidate()
		return probeerrors.Errorf(probeerrors.APBusFaultMsg, addr)
	}
	m.advanceTAR(addr, 4)
	return m.flush()
}

// advanceTAR tracks the engine's internal auto-increment so the cache
// reflects the hardware's now-advanced TAR without an extra read-back. When
// the access reaches a window boundary the hardware TAR does not follow into
// the next window, so the cache is dropped and the next ensureTAR call
// writes TAR again.
func (m *MemoryAP) advanceTAR(addr uint32, n int) {
	next := addr + uint32(n)
	if next&^(windowSize-1) != addr&^(windowSize-1) {
		m.tarValid = false
		return
	}
	m.tarNext = next
}

// flush issues a no-op CSW write to ensure a pipelined DRW write has
// committed before returning, per spec §4.4 step 4.
func (m *MemoryAP) flush() error {
	if err := m.dp.WriteAPBanked(m.apSel, RegCSW, m.csw); err != nil {
		return probeerrors.Errorf(probeerrors.APFlushErrorMsg, err)
	}
	return nil
}

// ReadBlock32 reads len(words) consecutive 32-bit words starting at addr,
// rewriting TAR whenever the 1 KiB auto-increment window is crossed (spec
// §4.4 step 3, §8 auto-increment discipline).
func (m *MemoryAP) ReadBlock32(addr uint32, words []uint32) error {
	if addr%4 != 0 {
		return probeerrors.Errorf(probeerrors.APMemoryNotAlignedMsg, addr)
	}
	if err := m.ensureCSW(cswSize32); err != nil {
		return err
	}
	cur := addr
	for i := range words {
		if err := m.ensureTAR(cur); err != nil {
			return err
		}
		v, err := m.dp.ReadAPBanked(m.apSel, RegDRW)
		if err != nil {
			m.Invalidate()
			return probeerrors.Errorf(probeerrors.APBusFaultMsg, cur)
		}
		words[i] = v
		cur += 4
		m.advanceTAR(cur-4, 4)
	}
	return nil
}

// WriteBlock32 writes words consecutively starting at addr.
func (m *MemoryAP) WriteBlock32(addr uint32, words []uint32) error {
	if addr%4 != 0 {
		return probeerrors.Errorf(probeerrors.APMemoryNotAlignedMsg, addr)
	}
	if err := m.ensureCSW(cswSize32); err != nil {
		return err
	}
	cur := addr
	for _, v := range words {
		if err := m.ensureTAR(cur); err != nil {
			return err
		}
		if err := m.dp.WriteAPBanked(m.apSel, RegDRW, v); err != nil {
			m.Invalidate()
			return probeerrors.Errorf(probeerrors.APBusFaultMsg, cur)
		}
		cur += 4
		m.advanceTAR(cur-4, 4)
	}
	return m.flush()
}

// ReadBytes reads length bytes starting at any address, handling
// misaligned heads/tails by aligned read-modify (the engine always reads a
// full enclosing word and slices out the requested bytes) and full words in
// between via ReadBlock32 (spec §4.4 steps 1-2).
func (m *MemoryAP) ReadBytes(addr uint32, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	alignedStart := addr &^ 3
	alignedEnd := (addr + uint32(length) + 3) &^ 3
	nWords := int(alignedEnd-alignedStart) / 4
	words := make([]uint32, nWords)
	if err := m.ReadBlock32(alignedStart, words); err != nil {
		return nil, err
	}
	buf := make([]byte, nWords*4)
	for i, w := range words {
		buf[i*4] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	head := int(addr - alignedStart)
	return buf[head : head+length], nil
}

// WriteBytes writes data at any address as one aligned read-modify-write:
// every word of the enclosing aligned range, interior words included, is
// read via ReadBlock32, patched, and written back via WriteBlock32.
func (m *MemoryAP) WriteBytes(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	alignedStart := addr &^ 3
	alignedEnd := (addr + uint32(len(data)) + 3) &^ 3
	nWords := int(alignedEnd-alignedStart) / 4
	words := make([]uint32, nWords)
	if err := m.ReadBlock32(alignedStart, words); err != nil {
		return err
	}
	buf := make([]byte, nWords*4)
	for i, w := range words {
		buf[i*4] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}
	head := int(addr - alignedStart)
	copy(buf[head:head+len(data)], data)
	for i := range words {
		words[i] = uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
	}
	return m.WriteBlock32(alignedStart, words)
}

// ReadHalfword16/WriteHalfword16 are the 16-bit-aligned transfer path.
func (m *MemoryAP) ReadHalfword16(addr uint32) (uint16, error) {
	if addr%2 != 0 {
		return 0, probeerrors.Errorf(probeerrors.APMemoryNotAlignedMsg, addr)
	}
	b, err := m.ReadBytes(addr, 2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (m *MemoryAP) WriteHalfword16(addr uint32, v uint16) error {
	if addr%2 != 0 {
		return probeerrors.Errorf(probeerrors.APMemoryNotAlignedMsg, addr)
	}
	return m.WriteBytes(addr, []byte{byte(v), byte(v >> 8)})
}

// IDR reads the AP's identification register.
func (m *MemoryAP) IDR() (uint32, error) {
	return m.dp.ReadAPBanked(m.apSel, RegIDR)
}

// Sel reports the AP's APSEL index.
func (m *MemoryAP) Sel() uint8 { return m.apSel }
