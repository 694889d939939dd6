package dwarfinfo

import "testing"

// buildTestSequence hand-assembles a Sequence mirroring a typical compiled
// function: prologue instructions (non-statement), a prologue_end marker,
// two statement rows, a call crossing into an inlined subroutine, and an
// end-sequence marker. Exercises assignBlocks/candidateHalts without
// needing a real ELF+DWARF image.
func buildTestSequence() (*Sequence, []*Function) {
	seq := &Sequence{
		StartAddress: 0x1000,
		EndAddress:   0x1020,
		Instructions: []InstructionLocation{
			{Address: 0x1000, Line: 10, Role: RoleNonStatement},
			{Address: 0x1004, Line: 10, Role: RolePrologueHalt},
			{Address: 0x1008, Line: 11, Role: RoleStatement},
			{Address: 0x100c, Line: 12, Role: RoleStatement},
			{Address: 0x1010, Line: 12, Role: RoleStatement}, // inlined
			{Address: 0x1018, Line: 13, Role: RoleStatement},
			{Address: 0x101c, Role: RoleEndSequence},
		},
	}
	functions := []*Function{
		{Name: "callee", LowPC: 0x1010, HighPC: 0x1018, Inline: true},
	}
	return seq, functions
}

func TestCandidateHaltsSkipsPrologue(t *testing.T) {
	seq, _ := buildTestSequence()
	halts := seq.candidateHalts()
	if len(halts) == 0 {
		t.Fatalf("expected at least one candidate halt")
	}
	for _, h := range halts {
		if h.Address == 0x1000 {
			t.Fatalf("prologue instruction at %#x should not be a candidate halt", h.Address)
		}
	}
}

func TestAssignBlocksSplitsAtInlineBoundary(t *testing.T) {
	seq, functions := buildTestSequence()
	assignBlocks(seq, functions)

	if len(seq.Blocks) < 2 {
		t.Fatalf("expected at least 2 blocks split at the inline boundary, got %d", len(seq.Blocks))
	}

	var sawInlined bool
	for _, b := range seq.Blocks {
		if b.IsInlined {
			sawInlined = true
			if !b.contains(0x1010) {
				t.Fatalf("inlined block does not contain the inlined instruction")
			}
		}
	}
	if !sawInlined {
		t.Fatalf("expected one block marked inlined")
	}
}

func TestAssignBlocksLinksStepsTo(t *testing.T) {
	seq, functions := buildTestSequence()
	assignBlocks(seq, functions)

	for i, b := range seq.Blocks {
		if i+1 == len(seq.Blocks) {
			if b.HasStepsTo {
				t.Fatalf("last block should not have a steps_to target")
			}
			continue
		}
		if !b.HasStepsTo || b.StepsTo != seq.Blocks[i+1].IncludedStart {
			t.Fatalf("block %d steps_to should point at the next block's start", i)
		}
	}
}

func TestFunctionAtPrefersInlinedOverEnclosing(t *testing.T) {
	info := &Info{
		functions: []*Function{
			{Name: "outer", LowPC: 0x1000, HighPC: 0x1020},
			{Name: "inlined_callee", LowPC: 0x1010, HighPC: 0x1018, Inline: true},
		},
	}
	fn, ok := info.FunctionAt(0x1012)
	if !ok {
		t.Fatalf("expected a function at 0x1012")
	}
	if fn.Name != "inlined_callee" {
		t.Fatalf("expected the inlined function to win, got %s", fn.Name)
	}

	fn, ok = info.FunctionAt(0x1004)
	if !ok || fn.Name != "outer" {
		t.Fatalf("expected outer function outside the inlined range")
	}
}

func TestSequenceAt(t *testing.T) {
	seq, _ := buildTestSequence()
	info := &Info{sequences: []*Sequence{seq}}

	got, ok := info.SequenceAt(0x1008)
	if !ok || got != seq {
		t.Fatalf("expected to find the sequence containing 0x1008")
	}
	if _, ok := info.SequenceAt(0x2000); ok {
		t.Fatalf("did not expect a sequence at an address outside all ranges")
	}
}
