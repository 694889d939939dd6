// This file is part of Gopher2600.
//
// Gopher2600 is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Gopher2600 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Gopher2600.  If not, see <https://www.gnu.org/licenses/>.

package dwarfinfo

import (
	"debug/dwarf"
	"sort"
)

// Function is a DW_TAG_subprogram or DW_TAG_inlined_subroutine range, the
// subset of dwarf_builder.go's SourceFunction that the unwinder and
// stepping engine need: a name, an address range, an optional frame-base
// expression, and the two flags spec §4.8's OutOfStatement resolution and
// NoReturn error depend on.
type Function struct {
	Name      string
	LowPC     uint32
	HighPC    uint32 // exclusive
	FrameBase []byte // raw DW_AT_frame_base exprloc, nil if absent/indirect
	Inline    bool
	NoReturn  bool
}

func (fn *Function) contains(addr uint32) bool { return addr >= fn.LowPC && addr < fn.HighPC }

// buildFunctions walks every compile unit's DIE tree collecting subprogram
// and inlined-subroutine ranges, following the same attribute set
// dwarf_builder.go's buildFunctions/buildVariables (TagInlinedSubroutine
// case) read, restricted to what the unwinder/stepper consume.
func buildFunctions(dwrf *dwarf.Data) ([]*Function, error) {
	var functions []*Function

	r := dwrf.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			continue
		}

		cu := e
		if err := dwarfEntryChildren(r, cu, func(e *dwarf.Entry) error {
			switch e.Tag {
			case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
				fn, ok := functionFromEntry(e)
				if ok {
					functions = append(functions, fn)
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	sort.Slice(functions, func(i, j int) bool { return functions[i].LowPC < functions[j].LowPC })
	return functions, nil
}

func functionFromEntry(e *dwarf.Entry) (*Function, bool) {
	lowFld := e.AttrField(dwarf.AttrLowpc)
	highFld := e.AttrField(dwarf.AttrHighpc)
	if lowFld == nil || highFld == nil {
		return nil, false
	}
	low, ok := lowFld.Val.(uint64)
	if !ok {
		return nil, false
	}

	// AttrHighpc is either an absolute address (ClassAddress) or an offset
	// from low (ClassConstant), per the DWARF-4 standard; dwarf_builder.go
	// handles the same ambiguity inline at each of its two call sites.
	var high uint64
	switch v := highFld.Val.(type) {
	case uint64:
		if highFld.Class == dwarf.ClassAddress {
			high = v
		} else {
			high = low + v
		}
	case int64:
		high = low + uint64(v)
	default:
		return nil, false
	}

	fn := &Function{
		LowPC:    uint32(low),
		HighPC:   uint32(high),
		Inline:   e.Tag == dwarf.TagInlinedSubroutine,
		NoReturn: e.AttrField(dwarf.AttrNoreturn) != nil,
	}

	if fld := e.AttrField(dwarf.AttrName); fld != nil {
		fn.Name, _ = fld.Val.(string)
	}
	if fld := e.AttrField(dwarf.AttrFrameBase); fld != nil && fld.Class == dwarf.ClassExprLoc {
		if b, ok := fld.Val.([]byte); ok {
			fn.FrameBase = b
		}
	}

	return fn, true
}

// FunctionAt returns the function whose range contains addr. When ranges
// are nested (an inlined subroutine within its caller), the narrowest
// (innermost) match is preferred, matching assignFunctionsToLines's own
// "prefer inlined, else smaller" tie-break.
func (info *Info) FunctionAt(addr uint32) (*Function, bool) {
	var best *Function
	for _, fn := range info.functions {
		if !fn.contains(addr) {
			continue
		}
		if best == nil {
			best = fn
			continue
		}
		switch {
		case fn.Inline && !best.Inline:
			best = fn
		case fn.Inline == best.Inline && (fn.HighPC-fn.LowPC) < (best.HighPC-best.LowPC):
			best = fn
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}
