// Package coresight walks a CoreSight ROM table (spec §4.5): PIDR/CIDR
// decode at a component's base address, recursive parse of Class-1 tables,
// and JEP106 vendor/part classification.
package coresight

import (
	"github.com/probecore/probecore/arm/ap"
	"github.com/probecore/probecore/logger"
)

// ComponentClass is the CIDR class nibble.
type ComponentClass int

const (
	ClassGenericVerification ComponentClass = 0x0
	ClassRomTable            ComponentClass = 0x1
	ClassCoreLinkOrPrimeCellOrSystem ComponentClass = 0x9
	ClassPeripheralTestBlock ComponentClass = 0xB
	ClassGenericIP           ComponentClass = 0xE
)

// PeripheralID is the decoded 64-bit PIDR.
type PeripheralID struct {
	PartNumber   uint16 // 12 bits
	JEP106Cont   uint8  // continuation code (designer bank)
	JEP106ID     uint8  // designer identity code
	HasJEP106    bool
	RevAnd       uint8
	CustomerMod  uint8
	Revision     uint8
	Size4KiB     uint8 // size of the component in 4 KiB blocks
}

// ComponentID carries a component's base address plus its decoded IDs.
type ComponentID struct {
	Base  uint32
	Class ComponentClass
	PIDR  PeripheralID
}

// Component is one node of the walked tree (spec §3 CoreSight component).
type Component struct {
	ID       ComponentID
	Kind     Kind
	Children []Component
}

// Kind tags the well-known component types the walker recognizes by
// part/designer, per spec §4.5.
type Kind int

const (
	KindUnknown Kind = iota
	KindGenericVerification
	KindRomTableClass1
	KindRomTableClass9
	KindPeripheralTestBlock
	KindGenericIP
	KindCoreLinkOrPrimeCellOrSystem
	KindTPIU
	KindITM
	KindDWT
	KindSCS
	KindVendorSpecific
)

// CoreSight-defined CIDR preamble bytes at +0xFF0,+0xFF4,+0xFF8,+0xFFC
// (low byte of each word); a mismatch is warn-and-continue, not fatal,
// since probe-rs's own corpus tolerates components that deviate slightly.
var cidrPreamble = [4]byte{0x0D, 0x10, 0x05, 0xB1}

// well-known (designer JEP106, part) pairs.
type vendorPart struct {
	jep106cont, jep106id uint8
	part                 uint16
}

var knownParts = map[vendorPart]Kind{
	{0x4, 0x3B, 0x9A1}: KindTPIU, // ARM Ltd
	{0x4, 0x3B, 0x9A3}: KindITM,
	{0x4, 0x3B, 0x9A2}: KindDWT,
	{0x4, 0x3B, 0x9A0}: KindSCS,
}

// Reader is the minimal memory surface the walker needs; *ap.MemoryAP
// satisfies it directly.
type Reader interface {
	ReadWord32(addr uint32) (uint32, error)
}

var _ Reader = (*ap.MemoryAP)(nil)

// TryParse reads PIDR0-3 (base+0xFE0..0xFEC), PIDR4 (base+0xFD0) and
// CIDR0-3 (base+0xFF0..0xFFC) to classify the component, recursing into a
// Class-1 ROM table's present entries (spec §4.5). A CIDR preamble mismatch
// is logged, not returned as an error, since several real components are
// known to deviate slightly.
func TryParse(r Reader, base uint32) (Component, error) {
	pidr, err := readPIDR(r, base)
	if err != nil {
		return Component{}, err
	}
	cidr, err := decodeCIDR(r, base)
	if err != nil {
		return Component{}, err
	}

	comp := Component{ID: ComponentID{Base: base, Class: ComponentClass(cidr), PIDR: pidr}}
	comp.Kind = classify(comp.ID)

	if comp.ID.Class == ClassRomTable {
		children, err := walkRomTable(r, base)
		if err != nil {
			logger.Logf("coresight", "rom table at %#x: %v", base, err)
		}
		comp.Children = children
	}
	return comp, nil
}

func readPIDR(r Reader, base uint32) (PeripheralID, error) {
	// PIDR0-3 at +0xFE0..+0xFEC and PIDR4 at +0xFD0 (PIDR5-7 are not
	// read); each hardware word only uses its low byte, per CoreSight's
	// byte-lane layout (spec §4.5).
	lo, err := r.ReadWord32(base + 0xFE0)
	if err != nil {
		return PeripheralID{}, err
	}
	lo1, err := r.ReadWord32(base + 0xFE4)
	if err != nil {
		return PeripheralID{}, err
	}
	lo2, err := r.ReadWord32(base + 0xFE8)
	if err != nil {
		return PeripheralID{}, err
	}
	lo3, err := r.ReadWord32(base + 0xFEC)
	if err != nil {
		return PeripheralID{}, err
	}
	hi, err := r.ReadWord32(base + 0xFD0)
	if err != nil {
		return PeripheralID{}, err
	}

	p0, p1, p2, p3, p4 := byte(lo), byte(lo1), byte(lo2), byte(lo3), byte(hi)

	id := PeripheralID{
		PartNumber:  uint16(p0) | uint16(p1&0xF)<<8,
		RevAnd:      (p3 >> 4) & 0xF,
		CustomerMod: p3 & 0xF,
		JEP106ID:    (p1>>4)&0xF | (p2&0x7)<<4,
		HasJEP106:   p2&0x8 != 0,
		Revision:    (p2 >> 4) & 0xF,
		JEP106Cont:  p4 & 0xF,
		Size4KiB:    1 << ((p4 >> 4) & 0xF),
	}
	return id, nil
}

// decodeCIDR reads the four CIDR words and returns the class nibble,
// logging (not failing) a preamble mismatch against cidrPreamble.
func decodeCIDR(r Reader, base uint32) (int, error) {
	offsets := [4]uint32{0xFF0, 0xFF4, 0xFF8, 0xFFC}
	var bytes [4]byte
	for i, off := range offsets {
		w, err := r.ReadWord32(base + off)
		if err != nil {
			return int(ClassGenericVerification), err
		}
		bytes[i] = byte(w)
	}
	if bytes[0] != cidrPreamble[0] || bytes[2] != cidrPreamble[2] || bytes[3] != cidrPreamble[3] {
		logger.Logf("coresight", "component at %#x: CIDR preamble mismatch %02x %02x %02x %02x", base, bytes[0], bytes[1], bytes[2], bytes[3])
	}
	return int((bytes[1] >> 4) & 0xF), nil
}

func classify(id ComponentID) Kind {
	if k, ok := knownParts[vendorPart{id.PIDR.JEP106Cont, id.PIDR.JEP106ID, id.PIDR.PartNumber}]; ok {
		return k
	}
	switch id.Class {
	case ClassRomTable:
		return KindRomTableClass1
	case ClassPeripheralTestBlock:
		return KindPeripheralTestBlock
	case ClassGenericIP:
		return KindGenericIP
	case ClassCoreLinkOrPrimeCellOrSystem:
		return KindCoreLinkOrPrimeCellOrSystem
	case ClassGenericVerification:
		return KindGenericVerification
	}
	return KindVendorSpecific
}

// walkRomTable recurses into each present entry of a Class-1 ROM table.
// Entry layout: bit 0 present, bits 12..31 a signed component-address
// offset in 4 KiB units (spec §4.5). The table ends at the first all-zero
// word.
func walkRomTable(r Reader, base uint32) ([]Component, error) {
	var children []Component
	for off := uint32(0); off < 0xF00; off += 4 {
		entry, err := r.ReadWord32(base + off)
		if err != nil {
			return children, err
		}
		if entry == 0 {
			break
		}
		if entry&1 == 0 {
			continue // marked not-present
		}
		offset4k := int32(entry) >> 12
		childBase := uint32(int64(base) + int64(offset4k)*4096)
		child, err := TryParse(r, childBase)
		if err != nil {
			logger.Logf("coresight", "child at %#x: %v", childBase, err)
			continue
		}
		children = append(children, child)
	}
	return children, nil
}
