package stepping

import (
	"testing"

	"github.com/probecore/probecore/arm/armcore"
	"github.com/probecore/probecore/coreabi"
	"github.com/probecore/probecore/debuginfo/dwarfinfo"
)

func TestModeConstantsAreDistinct(t *testing.T) {
	modes := []Mode{StepInstruction, BreakPoint, OverStatement, IntoStatement, OutOfStatement}
	seen := make(map[Mode]bool)
	for _, m := range modes {
		if seen[m] {
			t.Fatalf("duplicate mode value %v", m)
		}
		seen[m] = true
	}
}

func buildTestInfo() *dwarfinfo.Info {
	seq := &dwarfinfo.Sequence{
		StartAddress: 0x1000,
		EndAddress:   0x1020,
		Instructions: []dwarfinfo.InstructionLocation{
			{Address: 0x1000, Line: 10, Role: dwarfinfo.RoleNonStatement},
			{Address: 0x1004, Line: 10, Role: dwarfinfo.RolePrologueHalt},
			{Address: 0x1008, Line: 11, Role: dwarfinfo.RoleStatement},
			{Address: 0x100c, Line: 12, Role: dwarfinfo.RoleStatement},
			{Address: 0x1018, Line: 13, Role: dwarfinfo.RoleStatement},
			{Address: 0x101c, Role: dwarfinfo.RoleEndSequence},
		},
	}
	functions := []*dwarfinfo.Function{
		{Name: "enclosing", LowPC: 0x1000, HighPC: 0x1020},
		{Name: "noreturn_fn", LowPC: 0x2000, HighPC: 0x2010, NoReturn: true},
	}
	return dwarfinfo.NewInfo(nil, []*dwarfinfo.Sequence{seq}, functions, nil)
}

// TestNextHaltAtFindsFirstCandidateAtOrAfter exercises BreakPoint's
// resolution rule directly against the Sequence model, without driving a
// real core (spec §4.8: "the first halt location whose address >= requested
// address").
func TestNextHaltAtFindsFirstCandidateAtOrAfter(t *testing.T) {
	e := &Engine{Info: buildTestInfo()}

	got, ok := e.nextHaltAt(0x1005)
	if !ok {
		t.Fatalf("expected a candidate halt")
	}
	if got != 0x1008 {
		t.Fatalf("expected first candidate at or after 0x1005 to be 0x1008, got %#x", got)
	}
}

func TestResolveOutOfStatementRejectsNoReturn(t *testing.T) {
	e := &Engine{Info: buildTestInfo()}
	regs := fakeRegs{pc: 0x2004}

	_, err := e.resolveOutOfStatement(0x2004, regs)
	if err == nil {
		t.Fatalf("expected an error stepping out of a noreturn function")
	}
}

type fakeRegs struct{ pc uint32 }

func (f fakeRegs) ReadAllCoreRegisters() ([17]coreabi.RegisterValue, error) {
	var r [17]coreabi.RegisterValue
	r[armcore.RegPC] = coreabi.NewU32(f.pc)
	return r, nil
}
