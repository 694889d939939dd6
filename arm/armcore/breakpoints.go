package armcore

import "github.com/probecore/probecore/probeerrors"

// FPB match-field encodings (FPBv1 BP_COMP_n bits[31:30]).
const (
	matchLowerHalfword = 0b01 << 30
	matchUpperHalfword = 0b10 << 30
	matchBoth          = 0b11 << 30
)

const fpbComparatorEnable = 1 << 0
const fpbCtrlKey = 1 << 1

// v1AddressCeiling is the highest address FPBv1 comparators can match;
// FPBv1 only covers code space (spec §4.6).
const v1AddressCeiling = 0x2000_0000

// discoverComparators reads BP_CTRL.NUM_CODE on first use (spec §4.6
// get_available_breakpoint_units).
func (c *Core) discoverComparators() error {
	if c.numComparators > 0 {
		return nil
	}
	ctrl, err := c.readReg(RegBPCTRL)
	if err != nil {
		return err
	}
	numCode := int((ctrl>>4)&0xF) | int((ctrl>>12)&0x7)<<4
	if numCode == 0 {
		numCode = 1
	}
	c.numComparators = numCode
	c.bpEnabled = make([]bool, numCode)
	c.bpAddr = make([]uint32, numCode)
	return nil
}

// AvailableBreakpointUnits reports the total comparator count (spec §4.6).
func (c *Core) AvailableBreakpointUnits() (int, error) {
	if err := c.discoverComparators(); err != nil {
		return 0, err
	}
	return c.numComparators, nil
}

// SetBreakpoint allocates the first free comparator for address addr,
// rejecting addresses >= 0x2000_0000 on FPBv1, and programs BP_COMP_n with
// the 27-bit address field and the {lower,upper}-halfword match field
// derived from addr's low two bits (spec §4.6).
func (c *Core) SetBreakpoint(addr uint32) (unit int, err error) {
	if err := c.discoverComparators(); err != nil {
		return 0, err
	}
	if c.fpb == FPBv1 && addr >= v1AddressCeiling {
		return 0, probeerrors.Errorf(probeerrors.BreakpointUnitsExceededMsg)
	}

	free := -1
	for i, en := range c.bpEnabled {
		if !en {
			free = i
			break
		}
	}
	if free == -1 {
		return 0, probeerrors.BreakpointUnitsExceeded
	}

	match := matchField(addr)
	comp := match | (addr & 0x1FFFFFFC) | fpbComparatorEnable
	if err := c.writeReg(uint32(RegBPCOMP0+free*4), comp); err != nil {
		return 0, err
	}
	if err := c.ensureFPBEnabled(); err != nil {
		return 0, err
	}

	c.bpEnabled[free] = true
	c.bpAddr[free] = addr
	return free, nil
}

func matchField(addr uint32) uint32 {
	switch addr & 0x3 {
	case 0, 1:
		return matchLowerHalfword
	default:
		return matchUpperHalfword
	}
}

// ClearBreakpoint disables comparator unit by writing ENABLE=0 (spec §4.6).
func (c *Core) ClearBreakpoint(unit int) error {
	if unit < 0 || unit >= len(c.bpEnabled) {
		return probeerrors.Errorf(probeerrors.UnknownRegisterMsg, unit)
	}
	comp, err := c.readReg(uint32(RegBPCOMP0 + unit*4))
	if err != nil {
		return err
	}
	if err := c.writeReg(uint32(RegBPCOMP0+unit*4), comp&^fpbComparatorEnable); err != nil {
		return err
	}
	c.bpEnabled[unit] = false
	return nil
}

// OutstandingBreakpoints reports how many comparators are currently
// enabled (spec §8 breakpoint allocator invariant).
func (c *Core) OutstandingBreakpoints() int {
	n := 0
	for _, en := range c.bpEnabled {
		if en {
			n++
		}
	}
	return n
}

func (c *Core) ensureFPBEnabled() error {
	ctrl, err := c.readReg(RegBPCTRL)
	if err != nil {
		return err
	}
	if ctrl&fpbComparatorEnable != 0 {
		return nil
	}
	return c.writeReg(RegBPCTRL, ctrl|fpbComparatorEnable|fpbCtrlKey)
}

// setFPBEnable toggles the FPB unit's master enable, used by Step to
// temporarily disable breakpoints before single-stepping off one (spec
// §4.6 Step).
func (c *Core) setFPBEnable(enable bool) error {
	ctrl, err := c.readReg(RegBPCTRL)
	if err != nil {
		return err
	}
	if enable {
		ctrl |= fpbComparatorEnable
	} else {
		ctrl &^= fpbComparatorEnable
	}
	return c.writeReg(RegBPCTRL, ctrl|fpbCtrlKey)
}
