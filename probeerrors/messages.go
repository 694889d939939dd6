package probeerrors

// Message templates, one per tagged error kind in spec §7, grouped by
// subsystem. Call sites construct errors with Errorf(XxxMsg, args...); the
// corresponding sentinel var below (built with no args) supports
// comparison via errors.Is; some call sites also return a sentinel directly
// (e.g. DPWait, Timeout, TargetNotFound).
const (
	// Transport / probe state machine (§7 Probe.*)
	TimeoutMsg               = "operation timed out"
	ProbeUSBMsg              = "usb transport error: %v"
	ProbeNotAttachedMsg      = "probe is not attached"
	ProbeAttachedMsg         = "probe is already attached"
	ProbeUnsupportedWireMsg  = "probe does not support wire protocol %v"
	ProbeUnsupportedSpeedMsg = "probe does not support a clock of %v kHz"
	ProbeInterfaceMissingMsg = "probe does not expose a %v interface"
	ProbeWouldBlockMsg       = "no data ready; try again"
	ProbeBatchPartialMsg     = "batch command failed after %v successful responses"

	// JTAG kernel
	TargetNotFoundMsg       = "no TAPs found on the scan chain"
	MultiTAPIRAmbiguousMsg = "multi-TAP IR length scan did not observe one reset capture marker per TAP; call SetChainDescription with an explicit per-TAP IR length list"

	// ARM DP / AP layer (§7 Arm.*)
	DPWaitMsg                  = "dp wait"
	DPFaultMsg                 = "dp fault: %v"
	DPProtocolErrorMsg         = "dp protocol error"
	APRegisterReadMsg          = "ap register read failed: %v"
	APRegisterWriteMsg         = "ap register write failed: %v"
	APMemoryNotAlignedMsg      = "memory access at %#x is not aligned to its transfer size"
	APOutOfBoundsMsg           = "memory access at %#x is out of bounds"
	APBusFaultMsg              = "bus fault accessing %#x"
	APFlushErrorMsg            = "ap flush failed: %v"
	DebugSequenceUnsupportedMsg = "probe cannot satisfy debug sequence step: %v"

	// Cortex-M core control
	BreakpointUnitsExceededMsg = "no free hardware breakpoint comparators"
	RegisterUnavailableMsg     = "register %v is not available in the current core state"
	UnknownRegisterMsg         = "unknown register %v"

	// Debug info / unwinder
	NoDebugInfoMsg         = "no debug information available"
	IncompleteDebugInfoMsg = "incomplete debug information for pc %#x"
	NoReturnMsg            = "function %v is marked noreturn"
)

// Sentinels for errors.Is comparisons. e.g.: errors.Is(err, probeerrors.Timeout)
var (
	Timeout                  = Errorf(TimeoutMsg)
	ProbeUSB                 = Errorf(ProbeUSBMsg)
	ProbeNotAttached         = Errorf(ProbeNotAttachedMsg)
	ProbeAttached            = Errorf(ProbeAttachedMsg)
	ProbeUnsupportedWire     = Errorf(ProbeUnsupportedWireMsg)
	ProbeUnsupportedSpeed    = Errorf(ProbeUnsupportedSpeedMsg)
	ProbeInterfaceMissing    = Errorf(ProbeInterfaceMissingMsg)
	ProbeWouldBlock          = Errorf(ProbeWouldBlockMsg)
	ProbeBatchPartial        = Errorf(ProbeBatchPartialMsg)
	TargetNotFound           = Errorf(TargetNotFoundMsg)
	MultiTAPIRAmbiguous      = Errorf(MultiTAPIRAmbiguousMsg)
	DPWait                   = Errorf(DPWaitMsg)
	DPFault                  = Errorf(DPFaultMsg)
	DPProtocolError          = Errorf(DPProtocolErrorMsg)
	APRegisterRead           = Errorf(APRegisterReadMsg)
	APRegisterWrite          = Errorf(APRegisterWriteMsg)
	APMemoryNotAligned       = Errorf(APMemoryNotAlignedMsg)
	APOutOfBounds            = Errorf(APOutOfBoundsMsg)
	APBusFault               = Errorf(APBusFaultMsg)
	APFlushError             = Errorf(APFlushErrorMsg)
	DebugSequenceUnsupported = Errorf(DebugSequenceUnsupportedMsg)
	BreakpointUnitsExceeded  = Errorf(BreakpointUnitsExceededMsg)
	RegisterUnavailable      = Errorf(RegisterUnavailableMsg)
	UnknownRegister          = Errorf(UnknownRegisterMsg)
	NoDebugInfo              = Errorf(NoDebugInfoMsg)
	IncompleteDebugInfo      = Errorf(IncompleteDebugInfoMsg)
	NoReturn                 = Errorf(NoReturnMsg)
)
