// Package session is the top-level attach/teardown state machine (spec
// §2, §5, §9): it owns a probe.Probe and dispatches to the concrete
// architecture behind it, presenting per-core views to the caller.
//
// Grounded on the teacher's top-level gopher2600.VCS wiring style (one
// struct owning the sub-machines it coordinates, constructed once and
// torn down explicitly), generalized here to the ARM/RISC-V attach
// sequence spec §4.3-§4.5 describe: DP power-up, AP enumeration, a
// CoreSight ROM-table walk for auxiliary component discovery, and a
// Cortex-M Core view per discovered processor AP.
package session

import (
	"fmt"

	"github.com/probecore/probecore/arm/ap"
	"github.com/probecore/probecore/arm/armcore"
	"github.com/probecore/probecore/arm/coresight"
	"github.com/probecore/probecore/arm/dp"
	"github.com/probecore/probecore/config"
	"github.com/probecore/probecore/jtag"
	"github.com/probecore/probecore/logger"
	"github.com/probecore/probecore/probe"
	"github.com/probecore/probecore/probeerrors"
	"github.com/probecore/probecore/riscv"
)

// Kind distinguishes the architectures a Session can dispatch to.
type Kind int

const (
	KindARM Kind = iota
	KindRISCV
)

// romTableBase is the conventional base address a Cortex-M ROM table is
// found at (the top 4 KiB of ARM's Private Peripheral Bus; the System
// Control Space itself begins at 0xE000E000);
// vendor-specific layouts may differ, but the debug core's own registers
// (DHCSR et al, armcore.RegDHCSR) are at an architecturally fixed address
// regardless of where the ROM table lives, so a failed walk here is only
// ever a loss of auxiliary-component discovery, never of core control.
const romTableBase = 0xE00FF000

// Core is one attached debug-core view: the architecture-specific control
// surface plus the component tree discovered for it, if any.
type Core struct {
	ARM *armcore.Core
	apSel uint8
	ComponentTree *coresight.Component
}

// Architecture is the dispatch surface a Session drives once a probe is
// attached: enumerate the cores reachable through it and tear the
// architecture-level state down again. ARM (via arm/dp+arm/ap+arm/armcore)
// and RISC-V (via riscv.DTM) each implement this differently; Session
// itself never branches on concrete type once attach has picked one.
type Architecture interface {
	Cores() []*Core
	Detach() error
}

// armArchitecture dispatches to the ARM ADIv5/v6 stack: one dp.Engine per
// attached debug port, one armcore.Core per AP that EnumerateAPs reports.
type armArchitecture struct {
	dpEngine *dp.Engine
	cores    []*Core
}

func (a *armArchitecture) Cores() []*Core { return a.cores }

func (a *armArchitecture) Detach() error {
	// Powering the DP down is optional and several targets don't tolerate
	// it cleanly mid-session; the DP engine itself holds no OS resource
	// that needs releasing, so there is nothing further to release here
	// beyond the underlying probe's own Detach (owned by Session).
	return nil
}

// riscvArchitecture dispatches to the RISC-V Debug Transport Module. Only
// DMI-level access is wired (riscv.DTM); see DESIGN.md's Open Questions
// for why no per-core halt/step view is constructed for RISC-V.
type riscvArchitecture struct {
	dtm *riscv.DTM
}

func (a *riscvArchitecture) Cores() []*Core { return nil }
func (a *riscvArchitecture) Detach() error  { return nil }

// DTM exposes the raw transport module for callers that need direct DMI
// access beyond what the Architecture interface's Cores() can offer today.
func (a *riscvArchitecture) DTM() *riscv.DTM { return a.dtm }

// Session is one attached debugging session over a single probe.Probe
// (spec §2, §9): attach resolves which architecture is present and builds
// its Core views; Detach tears everything down in reverse order and is
// idempotent (spec §9 "detach observed twice must not fault").
type Session struct {
	probe *probe.Probe
	cfg   config.Config
	arch  Architecture

	attached bool
}

// New builds a Session over an already-opened probe. The probe must not
// yet be attached; Session owns the attached/detached transition from here.
func New(p *probe.Probe, cfg config.Config) *Session {
	return &Session{probe: p, cfg: cfg}
}

// AttachARMOptions configures AttachARM's DP addressing and Cortex-M core
// assumptions; the zero value attaches the default (non-multi-drop) DP and
// assumes a v7-M core with an FPBv1 comparator encoding, the common case
// for a first successful attach before any target definition has narrowed
// it down further (spec §4.3's CandidateAddresses is the multi-drop path).
type AttachARMOptions struct {
	Address    dp.Address
	CoreArch   armcore.Architecture
	FPBVersion armcore.FPBVersion
}

// AttachARM brings up the ARM debug stack over the probe's DAP capability:
// DP power-up (spec §4.3), AP enumeration, a CoreSight ROM-table walk per
// AP for auxiliary component discovery, and one armcore.Core per AP that
// EnumerateAPs reports; the AP's IDR class is not checked.
// The probe is attached as part of this call if it is not already.
func (s *Session) AttachARM(opts AttachARMOptions) error {
	if s.arch != nil {
		return fmt.Errorf("session: already attached")
	}
	if err := s.ensureProbeAttached(probe.SWD); err != nil {
		return err
	}

	wire, err := s.probe.DAP()
	if err != nil {
		return err
	}

	eng := dp.NewEngine(wire, s.cfg)
	addr := opts.Address
	if err := eng.Initialize(addr); err != nil {
		return err
	}

	apSels, err := eng.EnumerateAPs()
	if err != nil {
		return err
	}
	if len(apSels) == 0 {
		return probeerrors.TargetNotFound
	}

	arch := &armArchitecture{dpEngine: eng}
	for _, sel := range apSels {
		mem := ap.New(eng, sel)
		core := &Core{apSel: sel}

		if comp, err := coresight.TryParse(mem, romTableBase); err != nil {
			logger.Logf("session", "ap %d: rom table walk at %#x failed: %v", sel, romTableBase, err)
		} else {
			core.ComponentTree = &comp
		}

		core.ARM = armcore.New(mem, s.cfg, opts.CoreArch, opts.FPBVersion)
		arch.cores = append(arch.cores, core)
	}

	s.arch = arch
	return nil
}

// AttachRISCV brings up a RISC-V Debug Transport Module over the probe's
// raw JTAG capability at the given TAP index (spec §4.2's JTAG kernel is
// shared between the ARM-over-JTAG and RISC-V paths; only the instruction
// register contents they drive differ). The scan chain must already have
// been described via probe.Probe.SetChainDescription, or discoverable by
// the kernel's own auto-scan heuristic.
func (s *Session) AttachRISCV(tapIndex int) error {
	if s.arch != nil {
		return fmt.Errorf("session: already attached")
	}
	if err := s.ensureProbeAttached(probe.JTAG); err != nil {
		return err
	}

	wire, err := s.probe.JTAGCapable()
	if err != nil {
		return err
	}
	kernel := jtag.NewKernel(wire)
	if chain := s.probe.ChainDescription(); chain != nil {
		kernel.SetChainDescription(chain)
	} else if _, err := kernel.DiscoverChain(); err != nil {
		return err
	}

	dtm, err := riscv.Open(kernel, tapIndex)
	if err != nil {
		return err
	}
	dtm.SetIdleCycles(s.cfg.RISCVIdleCycles)

	s.arch = &riscvArchitecture{dtm: dtm}
	return nil
}

func (s *Session) ensureProbeAttached(proto probe.WireProtocol) error {
	if s.probe.Attached() {
		return nil
	}
	if err := s.probe.SelectProtocol(proto); err != nil {
		return err
	}
	return s.probe.Attach()
}

// RISCV returns the attached RISC-V Debug Transport Module, if the session
// was brought up via AttachRISCV.
func (s *Session) RISCV() (*riscv.DTM, bool) {
	a, ok := s.arch.(*riscvArchitecture)
	if !ok {
		return nil, false
	}
	return a.DTM(), true
}

// Cores returns the per-core views discovered at attach time. Empty until
// an AttachARM/AttachRISCV call has succeeded.
func (s *Session) Cores() []*Core {
	if s.arch == nil {
		return nil
	}
	return s.arch.Cores()
}

// Detach tears the session down: the architecture layer first, then the
// underlying probe. Safe to call more than once (spec §9); a second call
// after a successful first is a no-op rather than an error.
func (s *Session) Detach() error {
	if !s.probe.Attached() && s.arch == nil {
		return nil
	}
	if s.arch != nil {
		if err := s.arch.Detach(); err != nil {
			return err
		}
		s.arch = nil
	}
	if s.probe.Attached() {
		return s.probe.Detach()
	}
	return nil
}
