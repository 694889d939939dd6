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

// Package stepping resolves the five statement-granularity stepping modes
// of spec §4.8 (StepInstruction, BreakPoint, OverStatement, IntoStatement,
// OutOfStatement) against a dwarfinfo.Info's Sequence/Block tree, then
// drives armcore.Core to carry out the resolved action. Grounded on the
// teacher's own execution-stepping idiom in armcore (Step/Run/Halt as the
// hardware primitives; this package only ever composes them, it owns no
// register or memory access of its own) and on dwarf_process_lines.go for
// the line-table model it resolves addresses against.
package stepping

import (
	"fmt"
	"time"

	"github.com/probecore/probecore/arm/armcore"
	"github.com/probecore/probecore/coreabi"
	"github.com/probecore/probecore/debuginfo/dwarfinfo"
	"github.com/probecore/probecore/probeerrors"
)

// Mode is one of the five stepping-mode resolutions spec §4.8 tabulates.
type Mode int

const (
	StepInstruction Mode = iota
	BreakPoint
	OverStatement
	IntoStatement
	OutOfStatement
)

// RegisterReader is the register-snapshot surface a step resolution reads
// PC from; armcore.Core's ReadAllCoreRegisters satisfies it.
type RegisterReader interface {
	ReadAllCoreRegisters() ([17]coreabi.RegisterValue, error)
}

// Result is the outcome of carrying out a resolved step: the PC the core
// actually stopped at, and whether that PC lies inside one of the Blocks of
// the line-program sequence covering it (false when no sequence covers it).
type Result struct {
	PC             uint32
	WithinOriginal bool
}

// Engine ties a Core to the debug info needed to resolve statement
// boundaries.
type Engine struct {
	Core *armcore.Core
	Info *dwarfinfo.Info

	// RunTimeout bounds how long Resolve waits for the core to reach its
	// target before giving up and reporting the actual PC (spec §4.8
	// run-to-address strategy: "long-running step is reported, not
	// silently extended").
	RunTimeout time.Duration
}

// Resolve carries out mode starting from the core's current PC and returns
// where it actually stopped.
func (e *Engine) Resolve(mode Mode, regs RegisterReader) (Result, error) {
	cur, err := regs.ReadAllCoreRegisters()
	if err != nil {
		return Result{}, err
	}
	pc := cur[armcore.RegPC].U32()

	switch mode {
	case StepInstruction:
		if err := e.Core.Step(e.RunTimeout); err != nil {
			return Result{}, err
		}
		return e.currentPC(regs)

	case BreakPoint:
		return e.runToAddress(pc, regs)

	case OverStatement:
		target := pc + 1
		if seq, ok := e.Info.SequenceAt(pc); ok {
			if other, ok := e.Info.SequenceAt(target); !ok || other != seq {
				// PC+1 falls outside this sequence; OutOfStatement handles it.
				return e.resolveOutOfStatement(pc, regs)
			}
		}
		return e.runToAddress(target, regs)

	case IntoStatement:
		return e.resolveIntoStatement(pc, regs)

	case OutOfStatement:
		return e.resolveOutOfStatement(pc, regs)
	}

	return Result{}, fmt.Errorf("stepping: unknown mode %v", mode)
}

// nextHaltAt returns the first candidate halt location at or after addr in
// addr's sequence (spec §4.8 BreakPoint resolution: "the first halt
// location whose address >= requested address").
func (e *Engine) nextHaltAt(addr uint32) (uint32, bool) {
	seq, ok := e.Info.SequenceAt(addr)
	if !ok {
		return 0, false
	}
	var best uint32
	found := false
	for _, ins := range seq.CandidateHalts() {
		if ins.Address >= addr && (!found || ins.Address < best) {
			best = ins.Address
			found = true
		}
	}
	return best, found
}

func (e *Engine) runToAddress(addr uint32, regs RegisterReader) (Result, error) {
	halt, ok := e.nextHaltAt(addr)
	if !ok {
		halt = addr
	}

	unit, err := e.Core.SetBreakpoint(halt)
	if err != nil {
		// no free comparator: fall back to repeated single-stepping, per
		// spec §4.8's explicit fallback strategy.
		return e.singleStepUntil(halt, regs)
	}
	defer e.Core.ClearBreakpoint(unit)

	if err := e.Core.Run(); err != nil {
		return Result{}, err
	}
	if err := e.waitHalted(); err != nil {
		if err == probeerrors.Timeout {
			if herr := e.Core.Halt(e.RunTimeout); herr != nil {
				return Result{}, herr
			}
			return e.currentPC(regs)
		}
		return Result{}, err
	}
	return e.currentPC(regs)
}

func (e *Engine) singleStepUntil(target uint32, regs RegisterReader) (Result, error) {
	deadline := time.Now().Add(e.RunTimeout)
	for {
		if err := e.Core.Step(e.RunTimeout); err != nil {
			return Result{}, err
		}
		res, err := e.currentPC(regs)
		if err != nil {
			return Result{}, err
		}
		if res.PC == target || time.Now().After(deadline) {
			return res, nil
		}
	}
}

// waitHalted polls Status until the core reports halted or RunTimeout
// elapses; Core.Run already single-steps past the current breakpoint, so
// this only needs to watch for the newly-armed one.
func (e *Engine) waitHalted() error {
	deadline := time.Now().Add(e.RunTimeout)
	for {
		state, err := e.Core.Status()
		if err != nil {
			return err
		}
		if state.Status == coreabi.StatusHalted {
			return nil
		}
		if time.Now().After(deadline) {
			return probeerrors.Timeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *Engine) currentPC(regs RegisterReader) (Result, error) {
	r, err := regs.ReadAllCoreRegisters()
	if err != nil {
		return Result{}, err
	}
	pc := r[armcore.RegPC].U32()
	within := false
	if seq, ok := e.Info.SequenceAt(pc); ok {
		for _, b := range seq.Blocks {
			if b.Contains(pc) {
				within = true
				break
			}
		}
	}
	return Result{PC: pc, WithinOriginal: within}, nil
}

// resolveIntoStatement single-steps (no breakpoint is set) until PC reaches
// the next statement or leaves [current_pc, next_statement_addr]; a
// landing address within that range means the step reached the next
// statement, outside it means a call was stepped into (spec §4.8).
func (e *Engine) resolveIntoStatement(pc uint32, regs RegisterReader) (Result, error) {
	next, ok := e.nextHaltAt(pc + 1)
	if !ok {
		return e.singleStepUntil(pc, regs)
	}

	lo, hi := pc, next
	if hi < lo {
		lo, hi = hi, lo
	}

	deadline := time.Now().Add(e.RunTimeout)
	for {
		if err := e.Core.Step(e.RunTimeout); err != nil {
			return Result{}, err
		}
		res, err := e.currentPC(regs)
		if err != nil {
			return Result{}, err
		}
		if res.PC < lo || res.PC > hi {
			return res, nil // stepped into a call
		}
		if res.PC == next {
			return res, nil // reached the next statement
		}
		if time.Now().After(deadline) {
			return res, nil
		}
	}
}

// resolveOutOfStatement breaks at the enclosing function's high_pc if it
// is inlined, else at the return address (read from LR), erroring if the
// function is marked noreturn (spec §4.8).
func (e *Engine) resolveOutOfStatement(pc uint32, regs RegisterReader) (Result, error) {
	fn, ok := e.Info.FunctionAt(pc)
	if !ok {
		return Result{}, probeerrors.Errorf(probeerrors.IncompleteDebugInfoMsg, pc)
	}
	if fn.NoReturn {
		return Result{}, probeerrors.Errorf(probeerrors.NoReturnMsg, fn.Name)
	}

	if fn.Inline {
		return e.runToAddress(fn.HighPC, regs)
	}

	r, err := regs.ReadAllCoreRegisters()
	if err != nil {
		return Result{}, err
	}
	returnAddr := r[armcore.RegLR].U32() &^ 1
	return e.runToAddress(returnAddr, regs)
}
